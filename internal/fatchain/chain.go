package fatchain

import (
	"encoding/binary"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "fatchain")

// BlockIO is the device access the table needs; satisfied by
// device.AlignedFile and by in-memory test doubles.
type BlockIO interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Width selects the FAT cell encoding.
type Width int

const (
	Width12 Width = 12
	Width16 Width = 16
	Width32 Width = 32
	// WidthExfat stores 32 bits per cell with all 32 significant.
	WidthExfat Width = 33
)

// Reserved cell values, expressed in the canonical 32-bit domain.
const (
	Free        = 0
	firstNormal = 2
)

// eocMin returns the lowest end-of-chain value for the width.
func (w Width) eocMin() uint32 {
	switch w {
	case Width12:
		return 0xFF8
	case Width16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

// EOC returns the canonical end-of-chain marker written by this engine.
func (w Width) EOC() uint32 {
	switch w {
	case Width12:
		return 0xFFF
	case Width16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// Bad returns the bad-cluster marker.
func (w Width) Bad() uint32 {
	switch w {
	case Width12:
		return 0xFF7
	case Width16:
		return 0xFFF7
	default:
		return 0x0FFFFFF7
	}
}

// IsEOC reports whether v terminates a chain for the width.
func (w Width) IsEOC(v uint32) bool { return v >= w.eocMin() }

// Table is one logical FAT replicated across copies. Reads populate a cell
// cache; writes land in a dirty side map until Flush replicates them to
// every copy.
type Table struct {
	dev          BlockIO
	width        Width
	copyOffsets  []int64 // byte offset of each FAT copy
	clusterCount uint32  // number of data clusters (cells 2..clusterCount+1)
	maxIter      uint32

	cache      map[uint32]uint32
	dirty      map[uint32]uint32
	freeCursor uint32
}

// Config describes the on-disk FAT geometry.
type Config struct {
	Width         Width
	CopyOffsets   []int64
	ClusterCount  uint32
	MaxIterations uint32
}

// New builds a table over the device. MaxIterations of zero applies the
// defensive default of cluster count + 2.
func New(dev BlockIO, cfg Config) *Table {
	maxIter := cfg.MaxIterations
	if maxIter == 0 {
		maxIter = cfg.ClusterCount + 2
	}
	return &Table{
		dev:          dev,
		width:        cfg.Width,
		copyOffsets:  cfg.CopyOffsets,
		clusterCount: cfg.ClusterCount,
		maxIter:      maxIter,
		cache:        make(map[uint32]uint32),
		dirty:        make(map[uint32]uint32),
		freeCursor:   firstNormal,
	}
}

// Width exposes the configured cell width.
func (t *Table) Width() Width { return t.width }

// maxCell is the highest addressable cell number.
func (t *Table) maxCell() uint32 { return t.clusterCount + 1 }

func (t *Table) checkCell(n uint32) error {
	if n < firstNormal || n > t.maxCell() {
		return types.E(types.KindInvalidInput, "fat_cell")
	}
	return nil
}

// ReadEntry returns the next-pointer stored in cell n.
func (t *Table) ReadEntry(n uint32) (uint32, error) {
	if err := t.checkCell(n); err != nil {
		return 0, err
	}
	if v, ok := t.dirty[n]; ok {
		return v, nil
	}
	if v, ok := t.cache[n]; ok {
		return v, nil
	}
	v, err := t.readCell(t.copyOffsets[0], n)
	if err != nil {
		return 0, err
	}
	t.cache[n] = v
	return v, nil
}

// WriteEntry stages v into cell n. The device is untouched until Flush.
func (t *Table) WriteEntry(n, v uint32) error {
	if err := t.checkCell(n); err != nil {
		return err
	}
	t.dirty[n] = v
	return nil
}

func (t *Table) readCell(base int64, n uint32) (uint32, error) {
	switch t.width {
	case Width12:
		off := base + int64(n) + int64(n)/2
		var raw [2]byte
		if _, err := t.dev.ReadAt(raw[:], off); err != nil {
			return 0, types.E(types.KindIo, "fat_read", err)
		}
		v := binary.LittleEndian.Uint16(raw[:])
		if n%2 == 1 {
			return uint32(v >> 4), nil
		}
		return uint32(v & 0x0FFF), nil
	case Width16:
		var raw [2]byte
		if _, err := t.dev.ReadAt(raw[:], base+int64(n)*2); err != nil {
			return 0, types.E(types.KindIo, "fat_read", err)
		}
		return uint32(binary.LittleEndian.Uint16(raw[:])), nil
	default:
		var raw [4]byte
		if _, err := t.dev.ReadAt(raw[:], base+int64(n)*4); err != nil {
			return 0, types.E(types.KindIo, "fat_read", err)
		}
		v := binary.LittleEndian.Uint32(raw[:])
		if t.width == Width32 {
			v &= 0x0FFFFFFF
		}
		return v, nil
	}
}

func (t *Table) writeCell(base int64, n, v uint32) error {
	switch t.width {
	case Width12:
		off := base + int64(n) + int64(n)/2
		var raw [2]byte
		if _, err := t.dev.ReadAt(raw[:], off); err != nil {
			return types.E(types.KindIo, "fat_write", err)
		}
		cur := binary.LittleEndian.Uint16(raw[:])
		if n%2 == 1 {
			cur = cur&0x000F | uint16(v)<<4
		} else {
			cur = cur&0xF000 | uint16(v)&0x0FFF
		}
		binary.LittleEndian.PutUint16(raw[:], cur)
		if _, err := t.dev.WriteAt(raw[:], off); err != nil {
			return types.E(types.KindIo, "fat_write", err)
		}
	case Width16:
		var raw [2]byte
		binary.LittleEndian.PutUint16(raw[:], uint16(v))
		if _, err := t.dev.WriteAt(raw[:], base+int64(n)*2); err != nil {
			return types.E(types.KindIo, "fat_write", err)
		}
	default:
		var raw [4]byte
		out := v
		if t.width == Width32 {
			// The top nibble is reserved and preserved on write.
			var cur [4]byte
			if _, err := t.dev.ReadAt(cur[:], base+int64(n)*4); err != nil {
				return types.E(types.KindIo, "fat_write", err)
			}
			out = binary.LittleEndian.Uint32(cur[:])&0xF0000000 | v&0x0FFFFFFF
		}
		binary.LittleEndian.PutUint32(raw[:], out)
		if _, err := t.dev.WriteAt(raw[:], base+int64(n)*4); err != nil {
			return types.E(types.KindIo, "fat_write", err)
		}
	}
	return nil
}

// Flush replicates every dirty cell to all FAT copies in cell order and
// clears the dirty set.
func (t *Table) Flush() error {
	if len(t.dirty) == 0 {
		return nil
	}
	cells := make([]uint32, 0, len(t.dirty))
	for n := range t.dirty {
		cells = append(cells, n)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	for _, base := range t.copyOffsets {
		for _, n := range cells {
			if err := t.writeCell(base, n, t.dirty[n]); err != nil {
				return err
			}
		}
	}
	for _, n := range cells {
		t.cache[n] = t.dirty[n]
	}
	log.WithField("cells", len(cells)).Debug("flushed FAT cells")
	t.dirty = make(map[uint32]uint32)
	return nil
}

// AllocateCluster finds a free cell starting at the rotating cursor, marks
// it end-of-chain, and returns its number.
func (t *Table) AllocateCluster() (uint32, error) {
	start := t.freeCursor
	n := start
	for i := uint32(0); i <= t.maxCell()-firstNormal; i++ {
		v, err := t.ReadEntry(n)
		if err != nil {
			return 0, err
		}
		if v == Free {
			if err := t.WriteEntry(n, t.width.EOC()); err != nil {
				return 0, err
			}
			t.freeCursor = n + 1
			if t.freeCursor > t.maxCell() {
				t.freeCursor = firstNormal
			}
			return n, nil
		}
		n++
		if n > t.maxCell() {
			n = firstNormal
		}
	}
	return 0, types.E(types.KindOutOfSpace, "allocate_cluster")
}

// AllocateChain allocates count clusters linked head-to-tail and returns the
// head. The final cell carries the end-of-chain marker.
func (t *Table) AllocateChain(count uint32) (uint32, error) {
	if count == 0 {
		return 0, types.E(types.KindInvalidInput, "allocate_chain")
	}
	head, err := t.AllocateCluster()
	if err != nil {
		return 0, err
	}
	tail := head
	for i := uint32(1); i < count; i++ {
		next, err := t.AllocateCluster()
		if err != nil {
			// Release the partial chain before surfacing.
			_ = t.FreeChain(head)
			return 0, err
		}
		if err := t.WriteEntry(tail, next); err != nil {
			return 0, err
		}
		tail = next
	}
	return head, nil
}

// ExtendChain appends count clusters after tail and returns the first newly
// allocated cluster.
func (t *Table) ExtendChain(tail, count uint32) (uint32, error) {
	v, err := t.ReadEntry(tail)
	if err != nil {
		return 0, err
	}
	if !t.width.IsEOC(v) {
		return 0, types.E(types.KindInvalidInput, "extend_chain")
	}
	head, err := t.AllocateChain(count)
	if err != nil {
		return 0, err
	}
	if err := t.WriteEntry(tail, head); err != nil {
		return 0, err
	}
	return head, nil
}

// FreeChain releases every cluster reachable from start.
func (t *Table) FreeChain(start uint32) error {
	chain, err := t.GetChain(start)
	if err != nil {
		return err
	}
	for _, n := range chain {
		if err := t.WriteEntry(n, Free); err != nil {
			return err
		}
	}
	if len(chain) > 0 && chain[0] < t.freeCursor {
		t.freeCursor = chain[0]
	}
	return nil
}

// GetChain walks the chain from start to its end-of-chain marker. The walk
// fails with CorruptChain once it exceeds the configured iteration bound,
// which catches both cycles and trashed next-pointers.
func (t *Table) GetChain(start uint32) ([]uint32, error) {
	var chain []uint32
	n := start
	for i := uint32(0); ; i++ {
		if i >= t.maxIter {
			return nil, types.E(types.KindCorruptChain, "get_chain")
		}
		if err := t.checkCell(n); err != nil {
			return nil, types.E(types.KindCorruptChain, "get_chain", err)
		}
		chain = append(chain, n)
		v, err := t.ReadEntry(n)
		if err != nil {
			return nil, err
		}
		if t.width.IsEOC(v) {
			return chain, nil
		}
		if v == Free || v == t.width.Bad() {
			return nil, types.E(types.KindCorruptChain, "get_chain")
		}
		n = v
	}
}

// CountFree scans the table for free cells.
func (t *Table) CountFree() (uint32, error) {
	var free uint32
	for n := uint32(firstNormal); n <= t.maxCell(); n++ {
		v, err := t.ReadEntry(n)
		if err != nil {
			return 0, err
		}
		if v == Free {
			free++
		}
	}
	return free, nil
}
