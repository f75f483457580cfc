package ext4

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/jbd2"
)

// ext4 metadata checksums are CRC32C seeded with the checksum of the
// filesystem UUID. The writer stores group-descriptor checksums when the
// filesystem carries the metadata-checksum feature; SuperblockChecksum and
// InodeChecksum are not called by the write path, so those fields are not
// updated. Volumes without the feature leave the fields zero.

// csumSeed derives the per-filesystem seed.
func csumSeed(uuid [16]byte) uint32 {
	return jbd2.Crc32c(uuid[:], 0)
}

// SuperblockChecksum covers the first 1020 bytes of the superblock.
func SuperblockChecksum(raw []byte) uint32 {
	return jbd2.Crc32c(raw[:SuperblockSize-4], 0)
}

// GroupDescChecksum covers the group number and the descriptor with its
// checksum field zeroed; the low 16 bits are stored.
func GroupDescChecksum(uuid [16]byte, group uint32, raw []byte) uint16 {
	var g [4]byte
	binary.LittleEndian.PutUint32(g[:], group)
	sum := jbd2.Crc32c(g[:], csumSeed(uuid))
	sum = jbd2.Crc32c(raw[:30], sum)
	var zero [2]byte
	sum = jbd2.Crc32c(zero[:], sum)
	sum = jbd2.Crc32c(raw[32:GroupDescSize], sum)
	return uint16(sum)
}

// InodeChecksum covers the inode number, generation and the raw record.
func InodeChecksum(uuid [16]byte, inum uint32, generation uint32, raw []byte) uint32 {
	var n [8]byte
	binary.LittleEndian.PutUint32(n[0:4], inum)
	binary.LittleEndian.PutUint32(n[4:8], generation)
	sum := jbd2.Crc32c(n[:], csumSeed(uuid))
	return jbd2.Crc32c(raw, sum)
}
