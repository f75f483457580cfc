package fatchain

import (
	"testing"

	"github.com/onuse/moses/internal/types"
)

// memIO is a fixed-size in-memory device.
type memIO struct{ data []byte }

func (m *memIO) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.data[off:])
	return len(p), nil
}

func (m *memIO) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

func newTable(t *testing.T, w Width, clusters uint32, copies int) (*Table, *memIO) {
	t.Helper()
	cellBytes := int64(4)
	if w == Width16 {
		cellBytes = 2
	}
	fatSize := int64(clusters+2)*cellBytes + 2
	offsets := make([]int64, copies)
	for i := range offsets {
		offsets[i] = int64(i) * fatSize
	}
	dev := &memIO{data: make([]byte, fatSize*int64(copies))}
	return New(dev, Config{Width: w, CopyOffsets: offsets, ClusterCount: clusters}), dev
}

func TestAllocateChainProperties(t *testing.T) {
	for _, w := range []Width{Width12, Width16, Width32, WidthExfat} {
		tbl, _ := newTable(t, w, 128, 1)
		const k = 17
		head, err := tbl.AllocateChain(k)
		if err != nil {
			t.Fatalf("width %d: allocate chain: %v", w, err)
		}
		chain, err := tbl.GetChain(head)
		if err != nil {
			t.Fatalf("width %d: get chain: %v", w, err)
		}
		if len(chain) != k {
			t.Fatalf("width %d: chain length %d, want %d", w, len(chain), k)
		}
		last, err := tbl.ReadEntry(chain[len(chain)-1])
		if err != nil {
			t.Fatalf("width %d: read tail: %v", w, err)
		}
		if !w.IsEOC(last) {
			t.Fatalf("width %d: tail cell %#x is not EOC", w, last)
		}
	}
}

func TestExtendAndFreeChain(t *testing.T) {
	tbl, _ := newTable(t, Width16, 64, 2)
	head, err := tbl.AllocateChain(3)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	chain, _ := tbl.GetChain(head)
	if _, err := tbl.ExtendChain(chain[len(chain)-1], 2); err != nil {
		t.Fatalf("extend: %v", err)
	}
	chain, err = tbl.GetChain(head)
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	if len(chain) != 5 {
		t.Fatalf("extended chain length %d, want 5", len(chain))
	}
	if err := tbl.FreeChain(head); err != nil {
		t.Fatalf("free: %v", err)
	}
	free, err := tbl.CountFree()
	if err != nil {
		t.Fatalf("count free: %v", err)
	}
	if free != 64 {
		t.Fatalf("free cells after release = %d, want 64", free)
	}
}

func TestFlushReplicatesToAllCopies(t *testing.T) {
	tbl, dev := newTable(t, Width16, 16, 2)
	if err := tbl.WriteEntry(2, 0xFFFF); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	fatSize := int64(16+2)*2 + 2
	for copyIdx := int64(0); copyIdx < 2; copyIdx++ {
		off := copyIdx*fatSize + 2*2
		if dev.data[off] != 0xFF || dev.data[off+1] != 0xFF {
			t.Fatalf("copy %d missing flushed cell", copyIdx)
		}
	}
}

func TestCycleDetection(t *testing.T) {
	tbl, _ := newTable(t, Width32, 32, 1)
	// Build 2 -> 3 -> 4 -> 2.
	for _, pair := range [][2]uint32{{2, 3}, {3, 4}, {4, 2}} {
		if err := tbl.WriteEntry(pair[0], pair[1]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_, err := tbl.GetChain(2)
	if types.KindOf(err) != types.KindCorruptChain {
		t.Fatalf("cycle kind = %v, want CorruptChain", types.KindOf(err))
	}
}

func TestChainThroughFreeCellIsCorrupt(t *testing.T) {
	tbl, _ := newTable(t, Width16, 16, 1)
	if err := tbl.WriteEntry(2, 3); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Cell 3 is still free: the chain dangles.
	_, err := tbl.GetChain(2)
	if types.KindOf(err) != types.KindCorruptChain {
		t.Fatalf("dangling kind = %v, want CorruptChain", types.KindOf(err))
	}
}

func TestFat12Packing(t *testing.T) {
	tbl, _ := newTable(t, Width12, 16, 1)
	// Adjacent odd/even cells share a byte; both must survive.
	if err := tbl.WriteEntry(2, 0xABC); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tbl.WriteEntry(3, 0xDEF); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	tbl.cache = make(map[uint32]uint32)
	v2, _ := tbl.ReadEntry(2)
	v3, _ := tbl.ReadEntry(3)
	if v2 != 0xABC || v3 != 0xDEF {
		t.Fatalf("packed cells = %#x,%#x; want 0xABC,0xDEF", v2, v3)
	}
}
