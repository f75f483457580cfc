package extent

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// On-disk extent tree records. Every node, inline root included, begins
// with a 12-byte header followed by 12-byte entries: extents at depth 0,
// indexes above.
const (
	HeaderMagic = 0xF30A

	HeaderSize = 12
	RecordSize = 12

	// InlineCapacity is the entry capacity of the 60-byte i_block area.
	InlineCapacity = (60 - HeaderSize) / RecordSize

	// MaxExtentLen is the longest run one extent can describe. The high
	// bit of the length field marks unwritten extents and is not used here.
	MaxExtentLen = 32768
)

// Header is the ext4_extent_header layout.
type Header struct {
	Magic      uint16
	Entries    uint16
	MaxEntries uint16
	Depth      uint16
	Generation uint32
}

// ParseHeader reads a node header and validates its magic.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, types.E(types.KindCorruptMetadata, "extent_header")
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint16(b[0:2]),
		Entries:    binary.LittleEndian.Uint16(b[2:4]),
		MaxEntries: binary.LittleEndian.Uint16(b[4:6]),
		Depth:      binary.LittleEndian.Uint16(b[6:8]),
		Generation: binary.LittleEndian.Uint32(b[8:12]),
	}
	if h.Magic != HeaderMagic {
		return Header{}, types.E(types.KindCorruptMetadata, "extent_header")
	}
	if h.Entries > h.MaxEntries {
		return Header{}, types.E(types.KindCorruptMetadata, "extent_header")
	}
	return h, nil
}

// Put serializes the header into b.
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.Magic)
	binary.LittleEndian.PutUint16(b[2:4], h.Entries)
	binary.LittleEndian.PutUint16(b[4:6], h.MaxEntries)
	binary.LittleEndian.PutUint16(b[6:8], h.Depth)
	binary.LittleEndian.PutUint32(b[8:12], h.Generation)
}

// Extent is one leaf record: a contiguous run of blocks.
type Extent struct {
	Logical  uint32
	Len      uint16
	Physical uint64
}

// End returns the first logical block past the extent.
func (e Extent) End() uint32 { return e.Logical + uint32(e.Len) }

// Contains reports whether the extent covers logical block l.
func (e Extent) Contains(l uint32) bool { return l >= e.Logical && l < e.End() }

// PhysicalFor maps a covered logical block to its physical block.
func (e Extent) PhysicalFor(l uint32) uint64 {
	return e.Physical + uint64(l-e.Logical)
}

func parseExtent(b []byte) Extent {
	return Extent{
		Logical:  binary.LittleEndian.Uint32(b[0:4]),
		Len:      binary.LittleEndian.Uint16(b[4:6]),
		Physical: uint64(binary.LittleEndian.Uint16(b[6:8]))<<32 | uint64(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func putExtent(b []byte, e Extent) {
	binary.LittleEndian.PutUint32(b[0:4], e.Logical)
	binary.LittleEndian.PutUint16(b[4:6], e.Len)
	binary.LittleEndian.PutUint16(b[6:8], uint16(e.Physical>>32))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.Physical))
}

// Index is one internal record: the first logical block reachable through a
// child node.
type Index struct {
	Logical uint32
	Child   uint64
}

func parseIndex(b []byte) Index {
	return Index{
		Logical: binary.LittleEndian.Uint32(b[0:4]),
		Child:   uint64(binary.LittleEndian.Uint32(b[4:8])) | uint64(binary.LittleEndian.Uint16(b[8:10]))<<32,
	}
}

func putIndex(b []byte, ix Index) {
	binary.LittleEndian.PutUint32(b[0:4], ix.Logical)
	binary.LittleEndian.PutUint32(b[4:8], uint32(ix.Child))
	binary.LittleEndian.PutUint16(b[8:10], uint16(ix.Child>>32))
	binary.LittleEndian.PutUint16(b[10:12], 0)
}

// capacityFor returns the entry capacity of a node stored in nodeBytes.
func capacityFor(nodeBytes int) uint16 {
	return uint16((nodeBytes - HeaderSize) / RecordSize)
}
