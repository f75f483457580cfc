package jbd2

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Crc32c continues a CRC32C over data from a previous value. Passing 0
// starts a fresh checksum; chaining calls is equivalent to checksumming the
// concatenation.
func Crc32c(data []byte, initial uint32) uint32 {
	return crc32.Update(initial, castagnoli, data)
}

// DescriptorChecksum covers the header minus its magic, then every tag
// minus the per-tag checksum field. seed is the filesystem UUID checksum.
func DescriptorChecksum(h Header, tags []Tag, seed uint32) uint32 {
	var hb [HeaderSize]byte
	h.Put(hb[:])
	sum := Crc32c(hb[4:], seed)
	for _, t := range tags {
		var tb [TagSize]byte
		t.Put(tb[:])
		sum = Crc32c(tb[:TagSize-4], sum)
	}
	return sum
}

// CommitChecksum covers the commit header minus its magic.
func CommitChecksum(h Header, seed uint32) uint32 {
	var hb [HeaderSize]byte
	h.Put(hb[:])
	return Crc32c(hb[4:], seed)
}

// DataChecksum covers the destination block number, the transaction
// sequence, then the journaled data itself.
func DataChecksum(data []byte, block uint64, sequence uint32) uint32 {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], block)
	sum := Crc32c(n[:], 0)
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], sequence)
	sum = Crc32c(s[:], sum)
	return Crc32c(data, sum)
}

// SeedFromUUID derives the per-filesystem checksum seed.
func SeedFromUUID(uuid [16]byte) uint32 {
	return Crc32c(uuid[:], 0)
}
