package extent

import (
	"fmt"
	"testing"

	"github.com/onuse/moses/internal/types"
)

// memStore backs node blocks with a map.
type memStore struct {
	blocks map[uint64][]byte
	next   uint64
	bsize  uint32
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[uint64][]byte), next: 100, bsize: 1024}
}

func (m *memStore) ReadBlock(p uint64) ([]byte, error) {
	b, ok := m.blocks[p]
	if !ok {
		return nil, fmt.Errorf("no block %d", p)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *memStore) WriteBlock(p uint64, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	m.blocks[p] = b
	return nil
}

func (m *memStore) AllocateBlock(uint64) (uint64, error) {
	p := m.next
	m.next++
	m.blocks[p] = make([]byte, m.bsize)
	return p, nil
}

func (m *memStore) FreeBlock(p uint64) error {
	delete(m.blocks, p)
	return nil
}

func (m *memStore) BlockSize() uint32 { return m.bsize }

func newTestTree() (*Tree, *memStore) {
	store := newMemStore()
	root := make([]byte, 60)
	InitRoot(root)
	return NewTree(store, root), store
}

func checkInvariants(t *testing.T, tr *Tree) []Extent {
	t.Helper()
	leaves, err := tr.Walk()
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	for i := 1; i < len(leaves); i++ {
		if leaves[i].Logical < leaves[i-1].End() {
			t.Fatalf("leaves unsorted or overlapping at %d: %+v then %+v",
				i, leaves[i-1], leaves[i])
		}
	}
	return leaves
}

func TestFindOnEmptyTree(t *testing.T) {
	tr, _ := newTestTree()
	e, err := tr.Find(10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if e != nil {
		t.Fatalf("empty tree returned extent %+v", e)
	}
}

func TestInsertAndFind(t *testing.T) {
	tr, _ := newTestTree()
	if err := tr.Insert(Extent{Logical: 10, Len: 5, Physical: 1000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	e, err := tr.Find(12)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if e == nil || e.PhysicalFor(12) != 1002 {
		t.Fatalf("find(12) = %+v", e)
	}
	if e, _ := tr.Find(15); e != nil {
		t.Fatal("find past extent end returned coverage")
	}
}

func TestCoalesceAdjacent(t *testing.T) {
	tr, _ := newTestTree()
	for i := uint32(0); i < 8; i++ {
		err := tr.Insert(Extent{Logical: i, Len: 1, Physical: uint64(500 + i)})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	leaves := checkInvariants(t, tr)
	if len(leaves) != 1 || leaves[0].Len != 8 {
		t.Fatalf("adjacent inserts did not coalesce: %+v", leaves)
	}
	if depth, _ := tr.Depth(); depth != 0 {
		t.Fatalf("coalesced tree grew to depth %d", depth)
	}
}

func TestRootPromotionAndDeepInsert(t *testing.T) {
	tr, _ := newTestTree()
	// Discontiguous extents defeat coalescing and overflow the 4-entry
	// inline root.
	const count = 200
	for i := 0; i < count; i++ {
		e := Extent{Logical: uint32(i * 10), Len: 4, Physical: uint64(10000 + i*100)}
		if err := tr.Insert(e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	leaves := checkInvariants(t, tr)
	if len(leaves) != count {
		t.Fatalf("leaf count = %d, want %d", len(leaves), count)
	}
	depth, _ := tr.Depth()
	if depth == 0 {
		t.Fatal("tree never left depth 0")
	}
	for i := 0; i < count; i++ {
		l := uint32(i * 10)
		e, err := tr.Find(l + 3)
		if err != nil {
			t.Fatalf("find %d: %v", l, err)
		}
		if e == nil || e.Logical != l {
			t.Fatalf("find(%d) = %+v", l+3, e)
		}
	}
}

func TestInsertOutOfOrder(t *testing.T) {
	tr, _ := newTestTree()
	order := []uint32{50, 10, 90, 30, 70, 20, 80, 40, 60, 0}
	for _, l := range order {
		if err := tr.Insert(Extent{Logical: l, Len: 5, Physical: uint64(2000 + l)}); err != nil {
			t.Fatalf("insert %d: %v", l, err)
		}
	}
	leaves := checkInvariants(t, tr)
	if len(leaves) != len(order) {
		t.Fatalf("leaf count = %d", len(leaves))
	}
	if leaves[0].Logical != 0 {
		t.Fatalf("first leaf = %+v", leaves[0])
	}
}

func TestOverlapRejected(t *testing.T) {
	tr, _ := newTestTree()
	if err := tr.Insert(Extent{Logical: 10, Len: 10, Physical: 100}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := tr.Insert(Extent{Logical: 15, Len: 10, Physical: 900})
	if types.KindOf(err) != types.KindCorruptMetadata {
		t.Fatalf("overlap kind = %v, want CorruptMetadata", types.KindOf(err))
	}
}

func TestRemoveRangeFullExtent(t *testing.T) {
	tr, _ := newTestTree()
	if err := tr.Insert(Extent{Logical: 10, Len: 5, Physical: 1000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	freed, err := tr.RemoveRange(10, 15)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(freed) != 5 || freed[0] != 1000 || freed[4] != 1004 {
		t.Fatalf("freed = %v", freed)
	}
	if leaves := checkInvariants(t, tr); len(leaves) != 0 {
		t.Fatalf("extent survived removal: %+v", leaves)
	}
}

func TestRemoveRangePartial(t *testing.T) {
	tr, _ := newTestTree()
	if err := tr.Insert(Extent{Logical: 0, Len: 100, Physical: 5000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Punch a hole in the middle: extent must split at both boundaries.
	freed, err := tr.RemoveRange(40, 60)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(freed) != 20 || freed[0] != 5040 {
		t.Fatalf("freed = %d blocks starting %d", len(freed), freed[0])
	}
	leaves := checkInvariants(t, tr)
	if len(leaves) != 2 {
		t.Fatalf("leaves after punch = %+v", leaves)
	}
	if leaves[0].Logical != 0 || leaves[0].Len != 40 {
		t.Fatalf("head = %+v", leaves[0])
	}
	if leaves[1].Logical != 60 || leaves[1].Len != 40 || leaves[1].Physical != 5060 {
		t.Fatalf("tail = %+v", leaves[1])
	}
}

func TestRemoveRangeAcrossDeepTree(t *testing.T) {
	tr, _ := newTestTree()
	const count = 120
	for i := 0; i < count; i++ {
		e := Extent{Logical: uint32(i * 10), Len: 4, Physical: uint64(10000 + i*100)}
		if err := tr.Insert(e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Remove a band covering extents 30..69 completely.
	freed, err := tr.RemoveRange(300, 700)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(freed) != 40*4 {
		t.Fatalf("freed %d blocks, want %d", len(freed), 40*4)
	}
	leaves := checkInvariants(t, tr)
	if len(leaves) != count-40 {
		t.Fatalf("leaf count = %d, want %d", len(leaves), count-40)
	}
	for _, e := range leaves {
		if e.Logical >= 300 && e.Logical < 700 {
			t.Fatalf("extent %+v survived inside removed band", e)
		}
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	b := make([]byte, 60)
	InitRoot(b)
	n, err := parseNode(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n.ext = []Extent{
		{Logical: 1, Len: 2, Physical: 0x123456789A},
		{Logical: 7, Len: 9, Physical: 42},
	}
	n.serialize(b)
	again, err := parseNode(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again.ext) != 2 || again.ext[0] != n.ext[0] || again.ext[1] != n.ext[1] {
		t.Fatalf("round trip mismatch: %+v", again.ext)
	}
	out := make([]byte, 60)
	again.serialize(out)
	for i := range b {
		if b[i] != out[i] {
			t.Fatalf("byte %d differs after reserialize", i)
		}
	}
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	b := make([]byte, 60)
	if _, err := ParseHeader(b); err == nil {
		t.Fatal("zero header accepted")
	}
}
