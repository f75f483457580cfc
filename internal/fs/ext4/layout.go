package ext4

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// ext4 on-disk layout. All fields little-endian. Offsets follow the kernel
// documentation; only the fields this engine maintains are modeled, and
// serialization writes full-size records so unknown fields stay zero.
const (
	SuperblockOffset = 1024
	SuperblockSize   = 1024
	SuperMagic       = 0xEF53

	GroupDescSize = 64
	InodeSize     = 256

	RootInode    = 2
	JournalInode = 8
	FirstInode   = 11

	// Feature flags.
	CompatHasJournal   = 0x0004
	IncompatFiletype   = 0x0002
	IncompatExtents    = 0x0040
	Incompat64Bit      = 0x0080
	RoCompatLargeFile  = 0x0002
	RoCompatMetadataCk = 0x0400

	// Inode flags.
	FlagExtents = 0x80000

	// Inode modes.
	ModeFIFO      = 0x1000
	ModeCharDev   = 0x2000
	ModeDirectory = 0x4000
	ModeBlockDev  = 0x6000
	ModeRegular   = 0x8000
	ModeSymlink   = 0xA000
	ModeSocket    = 0xC000
	ModeTypeMask  = 0xF000

	// Directory entry file types.
	FileTypeUnknown   = 0
	FileTypeRegular   = 1
	FileTypeDirectory = 2
	FileTypeSymlink   = 7

	DirEntryHeaderSize = 8
	MaxNameLength      = 255
)

// Superblock models the fields the engine reads and writes.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint64
	FreeBlocksCount uint64
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	Magic           uint16
	State           uint16
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	UUID            [16]byte
	VolumeName      [16]byte
	JournalInum     uint32
	DescSize        uint16
	MountCount      uint16
}

// ParseSuperblock validates the magic and reads the superblock.
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, types.E(types.KindCorruptMetadata, "ext4_superblock")
	}
	if binary.LittleEndian.Uint16(b[56:58]) != SuperMagic {
		return nil, types.E(types.KindCorruptMetadata, "ext4_superblock")
	}
	sb := &Superblock{
		InodesCount:     binary.LittleEndian.Uint32(b[0:4]),
		FreeInodesCount: binary.LittleEndian.Uint32(b[16:20]),
		FirstDataBlock:  binary.LittleEndian.Uint32(b[20:24]),
		LogBlockSize:    binary.LittleEndian.Uint32(b[24:28]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(b[32:36]),
		InodesPerGroup:  binary.LittleEndian.Uint32(b[40:44]),
		Mtime:           binary.LittleEndian.Uint32(b[44:48]),
		Wtime:           binary.LittleEndian.Uint32(b[48:52]),
		MountCount:      binary.LittleEndian.Uint16(b[52:54]),
		Magic:           binary.LittleEndian.Uint16(b[56:58]),
		State:           binary.LittleEndian.Uint16(b[58:60]),
		RevLevel:        binary.LittleEndian.Uint32(b[76:80]),
		FirstIno:        binary.LittleEndian.Uint32(b[84:88]),
		InodeSize:       binary.LittleEndian.Uint16(b[88:90]),
		FeatureCompat:   binary.LittleEndian.Uint32(b[92:96]),
		FeatureIncompat: binary.LittleEndian.Uint32(b[96:100]),
		FeatureRoCompat: binary.LittleEndian.Uint32(b[100:104]),
		JournalInum:     binary.LittleEndian.Uint32(b[224:228]),
		DescSize:        binary.LittleEndian.Uint16(b[254:256]),
	}
	copy(sb.UUID[:], b[104:120])
	copy(sb.VolumeName[:], b[120:136])
	sb.BlocksCount = uint64(binary.LittleEndian.Uint32(b[4:8])) |
		uint64(binary.LittleEndian.Uint32(b[336:340]))<<32
	sb.FreeBlocksCount = uint64(binary.LittleEndian.Uint32(b[12:16])) |
		uint64(binary.LittleEndian.Uint32(b[344:348]))<<32
	if sb.InodeSize == 0 || sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return nil, types.E(types.KindCorruptMetadata, "ext4_superblock")
	}
	return sb, nil
}

// Serialize writes the superblock into a fresh 1024-byte record.
func (sb *Superblock) Serialize() []byte {
	b := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint32(b[0:4], sb.InodesCount)
	binary.LittleEndian.PutUint32(b[4:8], uint32(sb.BlocksCount))
	binary.LittleEndian.PutUint32(b[12:16], uint32(sb.FreeBlocksCount))
	binary.LittleEndian.PutUint32(b[16:20], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(b[20:24], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(b[24:28], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(b[28:32], sb.LogBlockSize) // cluster size mirrors block size
	binary.LittleEndian.PutUint32(b[32:36], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(b[36:40], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(b[40:44], sb.InodesPerGroup)
	binary.LittleEndian.PutUint32(b[44:48], sb.Mtime)
	binary.LittleEndian.PutUint32(b[48:52], sb.Wtime)
	binary.LittleEndian.PutUint16(b[52:54], sb.MountCount)
	binary.LittleEndian.PutUint16(b[54:56], 0xFFFF) // max mount count disabled
	binary.LittleEndian.PutUint16(b[56:58], sb.Magic)
	binary.LittleEndian.PutUint16(b[58:60], sb.State)
	binary.LittleEndian.PutUint16(b[60:62], 1) // errors: continue
	binary.LittleEndian.PutUint32(b[72:76], 0) // creator os: linux
	binary.LittleEndian.PutUint32(b[76:80], sb.RevLevel)
	binary.LittleEndian.PutUint32(b[84:88], sb.FirstIno)
	binary.LittleEndian.PutUint16(b[88:90], sb.InodeSize)
	binary.LittleEndian.PutUint32(b[92:96], sb.FeatureCompat)
	binary.LittleEndian.PutUint32(b[96:100], sb.FeatureIncompat)
	binary.LittleEndian.PutUint32(b[100:104], sb.FeatureRoCompat)
	copy(b[104:120], sb.UUID[:])
	copy(b[120:136], sb.VolumeName[:])
	binary.LittleEndian.PutUint32(b[224:228], sb.JournalInum)
	binary.LittleEndian.PutUint16(b[254:256], sb.DescSize)
	binary.LittleEndian.PutUint32(b[336:340], uint32(sb.BlocksCount>>32))
	binary.LittleEndian.PutUint32(b[344:348], uint32(sb.FreeBlocksCount>>32))
	return b
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint32 { return 1024 << sb.LogBlockSize }

// GroupCount returns the number of block groups.
func (sb *Superblock) GroupCount() uint32 {
	return uint32((sb.BlocksCount - uint64(sb.FirstDataBlock) + uint64(sb.BlocksPerGroup) - 1) /
		uint64(sb.BlocksPerGroup))
}

// GroupDesc is one 64-byte block-group descriptor.
type GroupDesc struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocksCount uint32
	FreeInodesCount uint32
	UsedDirsCount   uint32
	Checksum        uint16
}

// ParseGroupDesc reads one 64-byte descriptor.
func ParseGroupDesc(b []byte) (*GroupDesc, error) {
	if len(b) < GroupDescSize {
		return nil, types.E(types.KindCorruptMetadata, "ext4_group_desc")
	}
	return &GroupDesc{
		BlockBitmap: uint64(binary.LittleEndian.Uint32(b[0:4])) |
			uint64(binary.LittleEndian.Uint32(b[32:36]))<<32,
		InodeBitmap: uint64(binary.LittleEndian.Uint32(b[4:8])) |
			uint64(binary.LittleEndian.Uint32(b[36:40]))<<32,
		InodeTable: uint64(binary.LittleEndian.Uint32(b[8:12])) |
			uint64(binary.LittleEndian.Uint32(b[40:44]))<<32,
		FreeBlocksCount: uint32(binary.LittleEndian.Uint16(b[12:14])) |
			uint32(binary.LittleEndian.Uint16(b[44:46]))<<16,
		FreeInodesCount: uint32(binary.LittleEndian.Uint16(b[14:16])) |
			uint32(binary.LittleEndian.Uint16(b[46:48]))<<16,
		UsedDirsCount: uint32(binary.LittleEndian.Uint16(b[16:18])) |
			uint32(binary.LittleEndian.Uint16(b[48:50]))<<16,
		Checksum: binary.LittleEndian.Uint16(b[30:32]),
	}, nil
}

// Serialize writes the descriptor into a fresh 64-byte record.
func (gd *GroupDesc) Serialize() []byte {
	b := make([]byte, GroupDescSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(gd.BlockBitmap))
	binary.LittleEndian.PutUint32(b[4:8], uint32(gd.InodeBitmap))
	binary.LittleEndian.PutUint32(b[8:12], uint32(gd.InodeTable))
	binary.LittleEndian.PutUint16(b[12:14], uint16(gd.FreeBlocksCount))
	binary.LittleEndian.PutUint16(b[14:16], uint16(gd.FreeInodesCount))
	binary.LittleEndian.PutUint16(b[16:18], uint16(gd.UsedDirsCount))
	binary.LittleEndian.PutUint16(b[30:32], gd.Checksum)
	binary.LittleEndian.PutUint32(b[32:36], uint32(gd.BlockBitmap>>32))
	binary.LittleEndian.PutUint32(b[36:40], uint32(gd.InodeBitmap>>32))
	binary.LittleEndian.PutUint32(b[40:44], uint32(gd.InodeTable>>32))
	binary.LittleEndian.PutUint16(b[44:46], uint16(gd.FreeBlocksCount>>16))
	binary.LittleEndian.PutUint16(b[46:48], uint16(gd.FreeInodesCount>>16))
	binary.LittleEndian.PutUint16(b[48:50], uint16(gd.UsedDirsCount>>16))
	return b
}

// Inode is the parsed form of one 256-byte inode record.
type Inode struct {
	Mode       uint16
	UID        uint16
	GID        uint16
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Block      [60]byte
	Generation uint32
}

// ParseInode reads one inode record.
func ParseInode(b []byte) (*Inode, error) {
	if len(b) < 128 {
		return nil, types.E(types.KindCorruptMetadata, "ext4_inode")
	}
	ino := &Inode{
		Mode:       binary.LittleEndian.Uint16(b[0:2]),
		UID:        binary.LittleEndian.Uint16(b[2:4]),
		Atime:      binary.LittleEndian.Uint32(b[8:12]),
		Ctime:      binary.LittleEndian.Uint32(b[12:16]),
		Mtime:      binary.LittleEndian.Uint32(b[16:20]),
		Dtime:      binary.LittleEndian.Uint32(b[20:24]),
		GID:        binary.LittleEndian.Uint16(b[24:26]),
		LinksCount: binary.LittleEndian.Uint16(b[26:28]),
		BlocksLo:   binary.LittleEndian.Uint32(b[28:32]),
		Flags:      binary.LittleEndian.Uint32(b[32:36]),
		Generation: binary.LittleEndian.Uint32(b[100:104]),
	}
	copy(ino.Block[:], b[40:100])
	ino.Size = uint64(binary.LittleEndian.Uint32(b[4:8]))
	if ino.Mode&ModeTypeMask == ModeRegular {
		ino.Size |= uint64(binary.LittleEndian.Uint32(b[108:112])) << 32
	}
	return ino, nil
}

// Serialize writes the inode into a fresh record of the given size.
func (ino *Inode) Serialize(size int) []byte {
	if size < 128 {
		size = InodeSize
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint16(b[0:2], ino.Mode)
	binary.LittleEndian.PutUint16(b[2:4], ino.UID)
	binary.LittleEndian.PutUint32(b[4:8], uint32(ino.Size))
	binary.LittleEndian.PutUint32(b[8:12], ino.Atime)
	binary.LittleEndian.PutUint32(b[12:16], ino.Ctime)
	binary.LittleEndian.PutUint32(b[16:20], ino.Mtime)
	binary.LittleEndian.PutUint32(b[20:24], ino.Dtime)
	binary.LittleEndian.PutUint16(b[24:26], ino.GID)
	binary.LittleEndian.PutUint16(b[26:28], ino.LinksCount)
	binary.LittleEndian.PutUint32(b[28:32], ino.BlocksLo)
	binary.LittleEndian.PutUint32(b[32:36], ino.Flags)
	copy(b[40:100], ino.Block[:])
	binary.LittleEndian.PutUint32(b[100:104], ino.Generation)
	if ino.Mode&ModeTypeMask == ModeRegular {
		binary.LittleEndian.PutUint32(b[108:112], uint32(ino.Size>>32))
	}
	if size >= 132 {
		binary.LittleEndian.PutUint16(b[128:130], 32) // i_extra_isize
	}
	return b
}

// IsDirectory reports the directory mode bits.
func (ino *Inode) IsDirectory() bool { return ino.Mode&ModeTypeMask == ModeDirectory }

// IsRegular reports the regular-file mode bits.
func (ino *Inode) IsRegular() bool { return ino.Mode&ModeTypeMask == ModeRegular }

// IsSymlink reports the symlink mode bits.
func (ino *Inode) IsSymlink() bool { return ino.Mode&ModeTypeMask == ModeSymlink }

// DirEntry is one ext4_dir_entry_2 record.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	FileType uint8
	Name     string
}

// ParseDirEntry reads one entry at the start of b.
func ParseDirEntry(b []byte) (*DirEntry, error) {
	if len(b) < DirEntryHeaderSize {
		return nil, types.E(types.KindCorruptMetadata, "ext4_dirent")
	}
	recLen := binary.LittleEndian.Uint16(b[4:6])
	nameLen := int(b[6])
	if recLen < DirEntryHeaderSize || int(recLen) > len(b) || DirEntryHeaderSize+nameLen > int(recLen) {
		return nil, types.E(types.KindCorruptMetadata, "ext4_dirent")
	}
	return &DirEntry{
		Inode:    binary.LittleEndian.Uint32(b[0:4]),
		RecLen:   recLen,
		FileType: b[7],
		Name:     string(b[DirEntryHeaderSize : DirEntryHeaderSize+nameLen]),
	}, nil
}

// Put serializes the entry header and name into b.
func (de *DirEntry) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], de.Inode)
	binary.LittleEndian.PutUint16(b[4:6], de.RecLen)
	b[6] = uint8(len(de.Name))
	b[7] = de.FileType
	copy(b[DirEntryHeaderSize:], de.Name)
}

// MinRecLen returns the 4-byte-aligned space the entry needs.
func (de *DirEntry) MinRecLen() uint16 {
	return uint16((DirEntryHeaderSize + len(de.Name) + 3) &^ 3)
}
