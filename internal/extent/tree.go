package extent

import (
	"sort"

	"github.com/onuse/moses/internal/types"
)

// BlockStore is the tree's window onto the filesystem: node blocks live in
// ordinary filesystem blocks owned by the inode, and splits allocate through
// the writer's allocator so they are journaled with everything else.
type BlockStore interface {
	ReadBlock(physical uint64) ([]byte, error)
	WriteBlock(physical uint64, data []byte) error
	AllocateBlock(goal uint64) (uint64, error)
	FreeBlock(physical uint64) error
	BlockSize() uint32
}

// Tree operates on an extent tree whose root node lives in the inode's
// inline i_block area and whose deeper nodes live in dedicated blocks.
type Tree struct {
	store BlockStore
	root  []byte // the inode's inline area, typically 60 bytes
}

// NewTree wraps an existing root. The root slice is mutated in place; the
// owner serializes the inode after each operation.
func NewTree(store BlockStore, root []byte) *Tree {
	return &Tree{store: store, root: root}
}

// InitRoot formats an empty depth-0 tree into the inline area.
func InitRoot(root []byte) {
	h := Header{
		Magic:      HeaderMagic,
		Entries:    0,
		MaxEntries: capacityFor(len(root)),
		Depth:      0,
	}
	for i := range root {
		root[i] = 0
	}
	h.Put(root)
}

// node is the parsed form of one tree node.
type node struct {
	hdr Header
	ext []Extent
	idx []Index
}

func parseNode(b []byte) (*node, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	n := &node{hdr: hdr}
	rec := b[HeaderSize:]
	if hdr.Depth == 0 {
		for i := uint16(0); i < hdr.Entries; i++ {
			n.ext = append(n.ext, parseExtent(rec[int(i)*RecordSize:]))
		}
	} else {
		for i := uint16(0); i < hdr.Entries; i++ {
			n.idx = append(n.idx, parseIndex(rec[int(i)*RecordSize:]))
		}
	}
	return n, nil
}

func (n *node) full() bool { return n.hdr.Entries >= n.hdr.MaxEntries }

func (n *node) firstKey() uint32 {
	if n.hdr.Depth == 0 {
		if len(n.ext) == 0 {
			return 0
		}
		return n.ext[0].Logical
	}
	if len(n.idx) == 0 {
		return 0
	}
	return n.idx[0].Logical
}

func (n *node) serialize(b []byte) {
	if n.hdr.Depth == 0 {
		n.hdr.Entries = uint16(len(n.ext))
	} else {
		n.hdr.Entries = uint16(len(n.idx))
	}
	for i := HeaderSize; i < len(b); i++ {
		b[i] = 0
	}
	n.hdr.Put(b)
	rec := b[HeaderSize:]
	if n.hdr.Depth == 0 {
		for i, e := range n.ext {
			putExtent(rec[i*RecordSize:], e)
		}
	} else {
		for i, ix := range n.idx {
			putIndex(rec[i*RecordSize:], ix)
		}
	}
}

func (t *Tree) readNode(physical uint64) (*node, []byte, error) {
	b, err := t.store.ReadBlock(physical)
	if err != nil {
		return nil, nil, err
	}
	n, err := parseNode(b)
	if err != nil {
		return nil, nil, err
	}
	return n, b, nil
}

func (t *Tree) writeNode(n *node, b []byte, physical uint64) error {
	n.serialize(b)
	return t.store.WriteBlock(physical, b)
}

// childPos returns the index of the child to descend into for logical l:
// the largest entry whose first logical block is <= l, or 0.
func childPos(idx []Index, l uint32) int {
	pos := sort.Search(len(idx), func(i int) bool { return idx[i].Logical > l })
	if pos > 0 {
		pos--
	}
	return pos
}

// Find returns the extent covering logical block l, or nil.
func (t *Tree) Find(l uint32) (*Extent, error) {
	n, err := parseNode(t.root)
	if err != nil {
		return nil, err
	}
	for n.hdr.Depth > 0 {
		if len(n.idx) == 0 {
			return nil, nil
		}
		pos := childPos(n.idx, l)
		n, _, err = t.readNode(n.idx[pos].Child)
		if err != nil {
			return nil, err
		}
	}
	for _, e := range n.ext {
		if e.Contains(l) {
			return &e, nil
		}
	}
	return nil, nil
}

// Walk returns every leaf extent in logical order.
func (t *Tree) Walk() ([]Extent, error) {
	var out []Extent
	var rec func(n *node) error
	rec = func(n *node) error {
		if n.hdr.Depth == 0 {
			out = append(out, n.ext...)
			return nil
		}
		for _, ix := range n.idx {
			child, _, err := t.readNode(ix.Child)
			if err != nil {
				return err
			}
			if err := rec(child); err != nil {
				return err
			}
		}
		return nil
	}
	n, err := parseNode(t.root)
	if err != nil {
		return nil, err
	}
	if err := rec(n); err != nil {
		return nil, err
	}
	return out, nil
}

// Depth returns the tree depth stored in the root header.
func (t *Tree) Depth() (uint16, error) {
	n, err := parseNode(t.root)
	if err != nil {
		return 0, err
	}
	return n.hdr.Depth, nil
}

// leafInsert places e into a leaf, coalescing with a logically and
// physically adjacent neighbour when possible. Reports false when the leaf
// is full and no coalesce applies.
func leafInsert(n *node, e Extent) (bool, error) {
	pos := sort.Search(len(n.ext), func(i int) bool { return n.ext[i].Logical > e.Logical })
	if pos > 0 && n.ext[pos-1].End() > e.Logical {
		return false, types.E(types.KindCorruptMetadata, "extent_insert")
	}
	if pos < len(n.ext) && e.End() > n.ext[pos].Logical {
		return false, types.E(types.KindCorruptMetadata, "extent_insert")
	}
	// Coalesce with the previous extent.
	if pos > 0 {
		prev := &n.ext[pos-1]
		if prev.End() == e.Logical &&
			prev.Physical+uint64(prev.Len) == e.Physical &&
			uint32(prev.Len)+uint32(e.Len) <= MaxExtentLen {
			prev.Len += e.Len
			// The grown extent may now touch the next one.
			if pos < len(n.ext) {
				next := n.ext[pos]
				if prev.End() == next.Logical &&
					prev.Physical+uint64(prev.Len) == next.Physical &&
					uint32(prev.Len)+uint32(next.Len) <= MaxExtentLen {
					prev.Len += next.Len
					n.ext = append(n.ext[:pos], n.ext[pos+1:]...)
				}
			}
			return true, nil
		}
	}
	// Coalesce with the following extent.
	if pos < len(n.ext) {
		next := &n.ext[pos]
		if e.End() == next.Logical &&
			e.Physical+uint64(e.Len) == next.Physical &&
			uint32(e.Len)+uint32(next.Len) <= MaxExtentLen {
			next.Logical = e.Logical
			next.Physical = e.Physical
			next.Len += e.Len
			return true, nil
		}
	}
	if n.full() {
		return false, nil
	}
	n.ext = append(n.ext, Extent{})
	copy(n.ext[pos+1:], n.ext[pos:])
	n.ext[pos] = e
	return true, nil
}

// growRoot promotes the inline root into a freshly allocated block and
// leaves the root as a depth+1 index with a single child.
func (t *Tree) growRoot() error {
	n, err := parseNode(t.root)
	if err != nil {
		return err
	}
	phys, err := t.store.AllocateBlock(0)
	if err != nil {
		return err
	}
	block := make([]byte, t.store.BlockSize())
	moved := *n
	moved.hdr.MaxEntries = capacityFor(len(block))
	moved.serialize(block)
	if err := t.store.WriteBlock(phys, block); err != nil {
		return err
	}
	root := &node{
		hdr: Header{
			Magic:      HeaderMagic,
			MaxEntries: capacityFor(len(t.root)),
			Depth:      n.hdr.Depth + 1,
			Generation: n.hdr.Generation,
		},
		idx: []Index{{Logical: n.firstKey(), Child: phys}},
	}
	root.serialize(t.root)
	return nil
}

// splitChild splits the full child at parent.idx[pos] at its median and
// inserts the new sibling's index record into the parent, which must have
// room for it.
func (t *Tree) splitChild(parent *node, pos int) error {
	childPhys := parent.idx[pos].Child
	child, childBytes, err := t.readNode(childPhys)
	if err != nil {
		return err
	}
	sibPhys, err := t.store.AllocateBlock(childPhys)
	if err != nil {
		return err
	}
	sibBytes := make([]byte, t.store.BlockSize())
	sib := &node{hdr: Header{
		Magic:      HeaderMagic,
		MaxEntries: capacityFor(len(sibBytes)),
		Depth:      child.hdr.Depth,
	}}
	var sibKey uint32
	if child.hdr.Depth == 0 {
		mid := len(child.ext) / 2
		sib.ext = append(sib.ext, child.ext[mid:]...)
		child.ext = child.ext[:mid]
		sibKey = sib.ext[0].Logical
	} else {
		mid := len(child.idx) / 2
		sib.idx = append(sib.idx, child.idx[mid:]...)
		child.idx = child.idx[:mid]
		sibKey = sib.idx[0].Logical
	}
	if err := t.writeNode(child, childBytes, childPhys); err != nil {
		return err
	}
	if err := t.writeNode(sib, sibBytes, sibPhys); err != nil {
		return err
	}
	parent.idx = append(parent.idx, Index{})
	copy(parent.idx[pos+2:], parent.idx[pos+1:])
	parent.idx[pos+1] = Index{Logical: sibKey, Child: sibPhys}
	return nil
}

// Insert adds the extent, coalescing where the neighbour is physically
// adjacent and splitting nodes top-down as required. The inline root grows
// into an external block when it overflows.
func (t *Tree) Insert(e Extent) error {
	if e.Len == 0 || uint32(e.Len) > MaxExtentLen {
		return types.E(types.KindInvalidInput, "extent_insert")
	}
	n, err := parseNode(t.root)
	if err != nil {
		return err
	}
	if n.hdr.Depth == 0 {
		ok, err := leafInsert(n, e)
		if err != nil {
			return err
		}
		if ok {
			n.serialize(t.root)
			return nil
		}
		if err := t.growRoot(); err != nil {
			return err
		}
		n, _ = parseNode(t.root)
	}
	if n.full() {
		if err := t.growRoot(); err != nil {
			return err
		}
		n, _ = parseNode(t.root)
	}

	// Descend, splitting any full child before stepping into it; the
	// current node always has room for one promoted index.
	cur := n
	curBytes := t.root
	curPhys := uint64(0) // 0 marks the inline root
	for cur.hdr.Depth > 0 {
		pos := childPos(cur.idx, e.Logical)
		if e.Logical < cur.idx[pos].Logical {
			cur.idx[pos].Logical = e.Logical
		}
		child, childBytes, err := t.readNode(cur.idx[pos].Child)
		if err != nil {
			return err
		}
		if child.full() {
			if err := t.splitChild(cur, pos); err != nil {
				return err
			}
			pos = childPos(cur.idx, e.Logical)
			child, childBytes, err = t.readNode(cur.idx[pos].Child)
			if err != nil {
				return err
			}
		}
		childPhys := cur.idx[pos].Child
		cur.serialize(curBytes)
		if curPhys != 0 {
			if err := t.store.WriteBlock(curPhys, curBytes); err != nil {
				return err
			}
		}
		cur, curBytes, curPhys = child, childBytes, childPhys
	}
	ok, err := leafInsert(cur, e)
	if err != nil {
		return err
	}
	if !ok {
		return types.E(types.KindCorruptMetadata, "extent_insert")
	}
	cur.serialize(curBytes)
	if curPhys != 0 {
		return t.store.WriteBlock(curPhys, curBytes)
	}
	return nil
}

// RemoveRange drops coverage of [start, end) and returns every physical
// block that fell out of the tree, in ascending logical order. An extent
// strictly containing the range is trimmed to its head and its tail is
// re-inserted, so node entry counts never grow during the removal walk.
func (t *Tree) RemoveRange(start, end uint32) ([]uint64, error) {
	if end <= start {
		return nil, nil
	}
	var freed []uint64
	var reinsert []Extent

	var rec func(n *node, b []byte, phys uint64) (empty bool, err error)
	rec = func(n *node, b []byte, phys uint64) (bool, error) {
		if n.hdr.Depth == 0 {
			kept := n.ext[:0]
			for _, e := range n.ext {
				if e.End() <= start || e.Logical >= end {
					kept = append(kept, e)
					continue
				}
				os, oe := start, end
				if e.Logical > os {
					os = e.Logical
				}
				if e.End() < oe {
					oe = e.End()
				}
				for l := os; l < oe; l++ {
					freed = append(freed, e.PhysicalFor(l))
				}
				switch {
				case os == e.Logical && oe == e.End():
					// Fully covered: drop.
				case os == e.Logical:
					kept = append(kept, Extent{
						Logical:  oe,
						Len:      uint16(e.End() - oe),
						Physical: e.PhysicalFor(oe),
					})
				case oe == e.End():
					kept = append(kept, Extent{
						Logical:  e.Logical,
						Len:      uint16(os - e.Logical),
						Physical: e.Physical,
					})
				default:
					kept = append(kept, Extent{
						Logical:  e.Logical,
						Len:      uint16(os - e.Logical),
						Physical: e.Physical,
					})
					reinsert = append(reinsert, Extent{
						Logical:  oe,
						Len:      uint16(e.End() - oe),
						Physical: e.PhysicalFor(oe),
					})
				}
			}
			n.ext = kept
			n.serialize(b)
			if phys != 0 {
				if err := t.store.WriteBlock(phys, b); err != nil {
					return false, err
				}
			}
			return len(n.ext) == 0, nil
		}

		keptIdx := n.idx[:0]
		for _, ix := range n.idx {
			child, cb, err := t.readNode(ix.Child)
			if err != nil {
				return false, err
			}
			childEmpty, err := rec(child, cb, ix.Child)
			if err != nil {
				return false, err
			}
			if childEmpty {
				if err := t.store.FreeBlock(ix.Child); err != nil {
					return false, err
				}
				continue
			}
			ix.Logical = child.firstKey()
			keptIdx = append(keptIdx, ix)
		}
		n.idx = keptIdx
		n.serialize(b)
		if phys != 0 {
			if err := t.store.WriteBlock(phys, b); err != nil {
				return false, err
			}
		}
		return len(n.idx) == 0, nil
	}

	root, err := parseNode(t.root)
	if err != nil {
		return nil, err
	}
	if _, err := rec(root, t.root, 0); err != nil {
		return nil, err
	}
	// An emptied index root collapses back to an empty leaf.
	root, _ = parseNode(t.root)
	if root.hdr.Depth > 0 && len(root.idx) == 0 {
		InitRoot(t.root)
	}
	for _, e := range reinsert {
		if err := t.Insert(e); err != nil {
			return nil, err
		}
	}
	return freed, nil
}
