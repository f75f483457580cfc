package bitmap

import (
	"math/rand"
	"testing"

	"github.com/onuse/moses/internal/types"
)

func TestBitmapBasics(t *testing.T) {
	b := New(100)
	if b.CountClear() != 100 {
		t.Fatalf("fresh bitmap clear count = %d", b.CountClear())
	}
	b.Set(0)
	b.Set(63)
	b.Set(99)
	for _, i := range []uint64{0, 63, 99} {
		if !b.IsSet(i) {
			t.Fatalf("bit %d not set", i)
		}
	}
	if b.CountClear() != 97 {
		t.Fatalf("clear count = %d, want 97", b.CountClear())
	}
	b.Clear(63)
	if b.IsSet(63) {
		t.Fatal("bit 63 still set after clear")
	}
	// Out-of-range bits must read as set.
	if !b.IsSet(100) {
		t.Fatal("out-of-range bit read as clear")
	}
}

func TestFindFirstClearWraps(t *testing.T) {
	b := New(16)
	for i := uint64(4); i < 16; i++ {
		b.Set(i)
	}
	got, ok := b.FindFirstClearFrom(10)
	if !ok || got != 0 {
		t.Fatalf("FindFirstClearFrom(10) = %d,%v; want 0,true", got, ok)
	}
	for i := uint64(0); i < 4; i++ {
		b.Set(i)
	}
	if _, ok := b.FindFirstClearFrom(0); ok {
		t.Fatal("full bitmap reported a clear bit")
	}
}

func TestFindClearRun(t *testing.T) {
	b := New(64)
	for i := uint64(0); i < 10; i++ {
		b.Set(i)
	}
	b.Set(14)
	start, ok := b.FindClearRun(0, 8)
	if !ok || start != 15 {
		t.Fatalf("FindClearRun = %d,%v; want 15,true", start, ok)
	}
	if _, ok := b.FindClearRun(0, 64); ok {
		t.Fatal("impossible run length reported success")
	}
}

func TestAllocatorReturnsToZero(t *testing.T) {
	groups := []GroupState{
		{Bitmap: New(64), FirstUnit: 0, Free: 64},
		{Bitmap: New(64), FirstUnit: 64, Free: 64},
	}
	a := NewAllocator(groups)
	total := a.FreeUnits()

	var units []uint64
	for i := 0; i < 50; i++ {
		u, err := a.Allocate(AllocationHint{})
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		units = append(units, u)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
	for _, u := range units {
		if err := a.Free(u); err != nil {
			t.Fatalf("free %d: %v", u, err)
		}
	}
	if a.FreeUnits() != total {
		t.Fatalf("free count regressed: %d != %d", a.FreeUnits(), total)
	}
	for _, g := range a.Groups() {
		if g.Bitmap.CountClear() != g.Bitmap.Len() {
			t.Fatal("bitmap bits did not all return to zero")
		}
	}
}

func TestAllocatorGoalPreference(t *testing.T) {
	groups := []GroupState{{Bitmap: New(128), FirstUnit: 0, Free: 128}}
	a := NewAllocator(groups)
	goal := uint64(40)
	u, err := a.Allocate(AllocationHint{GoalBlock: &goal})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if u != 40 {
		t.Fatalf("goal allocation returned %d, want 40", u)
	}
	// Goal taken: the adjacent block is next.
	u, err = a.Allocate(AllocationHint{GoalBlock: &goal})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if u != 41 {
		t.Fatalf("adjacent allocation returned %d, want 41", u)
	}
}

func TestAllocatorDirectorySpreading(t *testing.T) {
	g0 := GroupState{Bitmap: New(32), FirstUnit: 0, Free: 4}
	for i := uint64(0); i < 28; i++ {
		g0.Bitmap.Set(i)
	}
	g1 := GroupState{Bitmap: New(32), FirstUnit: 32, Free: 32}
	a := NewAllocator([]GroupState{g0, g1})
	u, err := a.Allocate(AllocationHint{IsDirectory: true})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if u < 32 {
		t.Fatalf("directory allocation stayed in the crowded group (unit %d)", u)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator([]GroupState{{Bitmap: New(2), FirstUnit: 0, Free: 2}})
	for i := 0; i < 2; i++ {
		if _, err := a.Allocate(AllocationHint{}); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	_, err := a.Allocate(AllocationHint{})
	if types.KindOf(err) != types.KindOutOfSpace {
		t.Fatalf("kind = %v, want OutOfSpace", types.KindOf(err))
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	a := NewAllocator([]GroupState{{Bitmap: New(8), FirstUnit: 0, Free: 8}})
	u, _ := a.Allocate(AllocationHint{})
	if err := a.Free(u); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(u); types.KindOf(err) != types.KindCorruptMetadata {
		t.Fatalf("double free kind = %v, want CorruptMetadata", types.KindOf(err))
	}
}
