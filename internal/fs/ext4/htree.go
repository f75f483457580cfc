package ext4

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// HTree hashed-directory support. The hash version comes from the dx_root
// header; unimplemented versions are rejected rather than silently falling
// back to a linear scan of index blocks.
const (
	// Inode flag marking an indexed directory.
	FlagIndex = 0x1000

	HashLegacy         = 0
	HashHalfMD4        = 1
	HashTEA            = 2
	HashLegacyUnsigned = 3
	HashHalfMD4Unsign  = 4
	HashTEAUnsigned    = 5

	dxRootInfoOffset = 24
	dxRootEntries    = 32
)

func rol32(x uint32, s uint) uint32 { return x<<s | x>>(32-s) }

func mdF(x, y, z uint32) uint32 { return z ^ (x & (y ^ z)) }
func mdG(x, y, z uint32) uint32 { return (x & y) + ((x ^ y) & z) }
func mdH(x, y, z uint32) uint32 { return x ^ y ^ z }

// halfMD4Transform is the folded MD4 the kernel uses for directory hashing.
func halfMD4Transform(buf *[4]uint32, in [8]uint32) {
	const k2 = 0x5A827999
	const k3 = 0x6ED9EBA1
	a, b, c, d := buf[0], buf[1], buf[2], buf[3]

	round := func(f func(x, y, z uint32) uint32, a *uint32, b, c, d uint32, x uint32, s uint) {
		*a += f(b, c, d) + x
		*a = rol32(*a, s)
	}

	round(mdF, &a, b, c, d, in[0], 3)
	round(mdF, &d, a, b, c, in[1], 7)
	round(mdF, &c, d, a, b, in[2], 11)
	round(mdF, &b, c, d, a, in[3], 19)
	round(mdF, &a, b, c, d, in[4], 3)
	round(mdF, &d, a, b, c, in[5], 7)
	round(mdF, &c, d, a, b, in[6], 11)
	round(mdF, &b, c, d, a, in[7], 19)

	round(mdG, &a, b, c, d, in[1]+k2, 3)
	round(mdG, &d, a, b, c, in[3]+k2, 5)
	round(mdG, &c, d, a, b, in[5]+k2, 9)
	round(mdG, &b, c, d, a, in[7]+k2, 13)
	round(mdG, &a, b, c, d, in[0]+k2, 3)
	round(mdG, &d, a, b, c, in[2]+k2, 5)
	round(mdG, &c, d, a, b, in[4]+k2, 9)
	round(mdG, &b, c, d, a, in[6]+k2, 13)

	round(mdH, &a, b, c, d, in[3]+k3, 3)
	round(mdH, &d, a, b, c, in[7]+k3, 9)
	round(mdH, &c, d, a, b, in[2]+k3, 11)
	round(mdH, &b, c, d, a, in[6]+k3, 15)
	round(mdH, &a, b, c, d, in[1]+k3, 3)
	round(mdH, &d, a, b, c, in[5]+k3, 9)
	round(mdH, &c, d, a, b, in[0]+k3, 11)
	round(mdH, &b, c, d, a, in[4]+k3, 15)

	buf[0] += a
	buf[1] += b
	buf[2] += c
	buf[3] += d
}

// teaTransform is the alternative TEA-based directory hash.
func teaTransform(buf *[4]uint32, in [4]uint32) {
	var sum uint32
	b0, b1 := buf[0], buf[1]
	for n := 0; n < 16; n++ {
		sum += 0x9E3779B9
		b0 += (b1<<4 + in[0]) ^ (b1 + sum) ^ (b1>>5 + in[1])
		b1 += (b0<<4 + in[2]) ^ (b0 + sum) ^ (b0>>5 + in[3])
	}
	buf[0] += b0
	buf[1] += b1
}

// str2hashbuf packs up to num words of the name with the length-derived pad,
// using signed or unsigned byte extension to match the stored hash flavor.
func str2hashbuf(msg []byte, num int, signed bool) []uint32 {
	length := len(msg)
	pad := uint32(length) | uint32(length)<<8
	pad |= pad << 16
	if length > num*4 {
		length = num * 4
	}
	out := make([]uint32, 0, num)
	val := pad
	for i := 0; i < length; i++ {
		if i%4 == 0 {
			val = pad
		}
		var c uint32
		if signed {
			c = uint32(int32(int8(msg[i])))
		} else {
			c = uint32(msg[i])
		}
		val = c + val<<8
		if i%4 == 3 {
			out = append(out, val)
			val = pad
		}
	}
	if len(out) < num {
		out = append(out, val)
	}
	for len(out) < num {
		out = append(out, pad)
	}
	return out
}

// DirHash computes the major hash for a name under the given version and
// seed. Unknown versions report Unsupported.
func DirHash(version uint8, seed [4]uint32, name string) (uint32, error) {
	buf := [4]uint32{0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476}
	if seed != ([4]uint32{}) {
		buf = seed
	}
	msg := []byte(name)
	signed := version == HashHalfMD4 || version == HashTEA || version == HashLegacy
	var hash uint32
	switch version {
	case HashHalfMD4, HashHalfMD4Unsign:
		for len(msg) > 0 {
			words := str2hashbuf(msg, 8, signed)
			var in [8]uint32
			copy(in[:], words)
			halfMD4Transform(&buf, in)
			if len(msg) > 32 {
				msg = msg[32:]
			} else {
				msg = nil
			}
		}
		hash = buf[1]
	case HashTEA, HashTEAUnsigned:
		for len(msg) > 0 {
			words := str2hashbuf(msg, 4, signed)
			var in [4]uint32
			copy(in[:], words)
			teaTransform(&buf, in)
			if len(msg) > 16 {
				msg = msg[16:]
			} else {
				msg = nil
			}
		}
		hash = buf[0]
	default:
		return 0, types.E(types.KindUnsupported, "dir_hash")
	}
	return hash &^ 1, nil
}

// dxEntry is one hash→block index record.
type dxEntry struct {
	Hash  uint32
	Block uint32
}

// dxRoot is the parsed header of an indexed directory's first block.
type dxRoot struct {
	HashVersion    uint8
	IndirectLevels uint8
	Entries        []dxEntry // entries[0].Hash is implicit zero on disk
}

// parseDxRoot reads the dx_root structure after the fake dot entries.
func parseDxRoot(block []byte) (*dxRoot, error) {
	if len(block) < dxRootEntries+8 {
		return nil, types.E(types.KindCorruptMetadata, "dx_root")
	}
	if binary.LittleEndian.Uint32(block[dxRootInfoOffset:]) != 0 {
		return nil, types.E(types.KindCorruptMetadata, "dx_root")
	}
	root := &dxRoot{
		HashVersion:    block[dxRootInfoOffset+4],
		IndirectLevels: block[dxRootInfoOffset+6],
	}
	if root.IndirectLevels > 2 {
		return nil, types.E(types.KindCorruptMetadata, "dx_root")
	}
	limit := binary.LittleEndian.Uint16(block[dxRootEntries:])
	count := binary.LittleEndian.Uint16(block[dxRootEntries+2:])
	if count > limit || int(dxRootEntries)+int(count)*8 > len(block) {
		return nil, types.E(types.KindCorruptMetadata, "dx_root")
	}
	// The first entry shares storage with the count/limit header: its hash
	// is implicitly zero and its block follows the header.
	root.Entries = append(root.Entries, dxEntry{
		Hash:  0,
		Block: binary.LittleEndian.Uint32(block[dxRootEntries+4:]),
	})
	off := dxRootEntries + 8
	for i := uint16(1); i < count; i++ {
		root.Entries = append(root.Entries, dxEntry{
			Hash:  binary.LittleEndian.Uint32(block[off:]),
			Block: binary.LittleEndian.Uint32(block[off+4:]),
		})
		off += 8
	}
	return root, nil
}

// parseDxNode reads an interior index block (fake 8-byte dirent, then the
// same count/limit + entry array as the root).
func parseDxNode(block []byte) ([]dxEntry, error) {
	if len(block) < 16 {
		return nil, types.E(types.KindCorruptMetadata, "dx_node")
	}
	limit := binary.LittleEndian.Uint16(block[8:])
	count := binary.LittleEndian.Uint16(block[10:])
	if count > limit || 8+int(count)*8 > len(block) {
		return nil, types.E(types.KindCorruptMetadata, "dx_node")
	}
	entries := []dxEntry{{Hash: 0, Block: binary.LittleEndian.Uint32(block[12:])}}
	off := 16
	for i := uint16(1); i < count; i++ {
		entries = append(entries, dxEntry{
			Hash:  binary.LittleEndian.Uint32(block[off:]),
			Block: binary.LittleEndian.Uint32(block[off+4:]),
		})
		off += 8
	}
	return entries, nil
}

// dxPick returns the block of the last entry whose hash is <= target.
func dxPick(entries []dxEntry, hash uint32) uint32 {
	lo, hi := 0, len(entries)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if entries[mid].Hash <= hash {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return entries[lo].Block
}
