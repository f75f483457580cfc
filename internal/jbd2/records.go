package jbd2

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// JBD2 on-disk records. All journal fields are big-endian, as the journal
// format predates ext4's little-endian metadata checksumming.
const (
	Magic = 0xC03B3998

	BlockTypeDescriptor   = 1
	BlockTypeCommit       = 2
	BlockTypeSuperblockV1 = 3
	BlockTypeSuperblockV2 = 4
	BlockTypeRevoke       = 5

	HeaderSize = 12

	// TagSize is the fixed on-disk tag: destination block (8), flags (4),
	// data checksum (4).
	TagSize = 16

	TagFlagEscaped = 0x1
	TagFlagDeleted = 0x4
	TagFlagLast    = 0x8

	// SuperblockSize covers the fields this engine maintains.
	SuperblockSize = 32
)

// Header opens every journal block.
type Header struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32
}

// ParseHeader reads a journal block header, validating the magic.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, types.E(types.KindCorruptMetadata, "journal_header")
	}
	h := Header{
		Magic:     binary.BigEndian.Uint32(b[0:4]),
		BlockType: binary.BigEndian.Uint32(b[4:8]),
		Sequence:  binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Magic != Magic {
		return Header{}, types.E(types.KindCorruptMetadata, "journal_header")
	}
	return h, nil
}

// Put serializes the header.
func (h Header) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint32(b[4:8], h.BlockType)
	binary.BigEndian.PutUint32(b[8:12], h.Sequence)
}

// Tag describes one journaled block inside a descriptor.
type Tag struct {
	Block    uint64 // final destination block number
	Flags    uint32
	Checksum uint32 // CRC32C(block || sequence || data)
}

// ParseTag reads one tag record.
func ParseTag(b []byte) (Tag, error) {
	if len(b) < TagSize {
		return Tag{}, types.E(types.KindCorruptMetadata, "journal_tag")
	}
	return Tag{
		Block:    binary.BigEndian.Uint64(b[0:8]),
		Flags:    binary.BigEndian.Uint32(b[8:12]),
		Checksum: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Put serializes the tag.
func (t Tag) Put(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], t.Block)
	binary.BigEndian.PutUint32(b[8:12], t.Flags)
	binary.BigEndian.PutUint32(b[12:16], t.Checksum)
}

// Last reports whether this is the final tag of its descriptor.
func (t Tag) Last() bool { return t.Flags&TagFlagLast != 0 }

// Superblock is the journal's own superblock in journal block 0.
type Superblock struct {
	BlockSize uint32
	MaxLen    uint32 // journal length in blocks
	First     uint32 // first log block (1: block 0 is this superblock)
	Sequence  uint32 // sequence of the oldest transaction in the log
	Start     uint32 // log block of that transaction; 0 marks an empty log
}

// ParseSuperblock validates and reads the journal superblock.
func ParseSuperblock(b []byte) (Superblock, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Superblock{}, err
	}
	if h.BlockType != BlockTypeSuperblockV2 && h.BlockType != BlockTypeSuperblockV1 {
		return Superblock{}, types.E(types.KindCorruptMetadata, "journal_superblock")
	}
	if len(b) < SuperblockSize {
		return Superblock{}, types.E(types.KindCorruptMetadata, "journal_superblock")
	}
	return Superblock{
		BlockSize: binary.BigEndian.Uint32(b[12:16]),
		MaxLen:    binary.BigEndian.Uint32(b[16:20]),
		First:     binary.BigEndian.Uint32(b[20:24]),
		Sequence:  binary.BigEndian.Uint32(b[24:28]),
		Start:     binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

// Put serializes the superblock with its header.
func (s Superblock) Put(b []byte) {
	Header{Magic: Magic, BlockType: BlockTypeSuperblockV2}.Put(b)
	binary.BigEndian.PutUint32(b[12:16], s.BlockSize)
	binary.BigEndian.PutUint32(b[16:20], s.MaxLen)
	binary.BigEndian.PutUint32(b[20:24], s.First)
	binary.BigEndian.PutUint32(b[24:28], s.Sequence)
	binary.BigEndian.PutUint32(b[28:32], s.Start)
}

// RevokeBlockHeader: after the standard header, a count of revoked block
// records, each an 8-byte block number.
const RevokeCountOffset = 12

// ParseRevokeBlocks extracts the revoked block numbers from a revoke block.
func ParseRevokeBlocks(b []byte) ([]uint64, error) {
	if len(b) < RevokeCountOffset+4 {
		return nil, types.E(types.KindCorruptMetadata, "journal_revoke")
	}
	count := binary.BigEndian.Uint32(b[RevokeCountOffset : RevokeCountOffset+4])
	need := RevokeCountOffset + 4 + int(count)*8
	if need > len(b) {
		return nil, types.E(types.KindCorruptMetadata, "journal_revoke")
	}
	blocks := make([]uint64, 0, count)
	off := RevokeCountOffset + 4
	for i := uint32(0); i < count; i++ {
		blocks = append(blocks, binary.BigEndian.Uint64(b[off:off+8]))
		off += 8
	}
	return blocks, nil
}

// PutRevokeBlocks serializes a revoke block body into b (header included).
func PutRevokeBlocks(b []byte, sequence uint32, blocks []uint64) {
	Header{Magic: Magic, BlockType: BlockTypeRevoke, Sequence: sequence}.Put(b)
	binary.BigEndian.PutUint32(b[RevokeCountOffset:], uint32(len(blocks)))
	off := RevokeCountOffset + 4
	for _, blk := range blocks {
		binary.BigEndian.PutUint64(b[off:], blk)
		off += 8
	}
}
