package exfat

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/onuse/moses/internal/types"
)

// On-disk structures from the exFAT specification, revision 1.00. Parsing
// and serialization go through restruct against the little-endian layout.
var defaultEncoding = binary.LittleEndian

const (
	BootSectorSize = 512
	DirEntrySize   = 32

	// Directory entry type codes (in-use bit 0x80 set).
	EntryTypeAllocationBitmap = 0x81
	EntryTypeUpcaseTable      = 0x82
	EntryTypeVolumeLabel      = 0x83
	EntryTypeFile             = 0x85
	EntryTypeStreamExtension  = 0xC0
	EntryTypeFileName         = 0xC1

	entryTypeInUse = 0x80

	// File attribute bits.
	AttrReadOnly  = 0x0001
	AttrHidden    = 0x0002
	AttrSystem    = 0x0004
	AttrDirectory = 0x0010
	AttrArchive   = 0x0020

	// GeneralSecondaryFlags bits.
	FlagAllocationPossible = 0x01
	FlagNoFatChain         = 0x02

	// NamesPerEntry is the UTF-16 capacity of one file-name entry.
	NamesPerEntry = 15

	// MaxNameLength is the specification's name-length limit.
	MaxNameLength = 255

	firstDataCluster = 2
)

// BootSector is the exFAT boot sector (sector 0 of the boot region).
type BootSector struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
	Reserved                    [7]byte
	BootCode                    [390]byte
	BootSignature               uint16
}

// ParseBootSector validates the signature fields and unpacks the sector.
func ParseBootSector(raw []byte) (*BootSector, error) {
	if len(raw) < BootSectorSize {
		return nil, types.E(types.KindCorruptMetadata, "exfat_boot")
	}
	bs := new(BootSector)
	if err := restruct.Unpack(raw[:BootSectorSize], defaultEncoding, bs); err != nil {
		return nil, types.E(types.KindCorruptMetadata, "exfat_boot", err)
	}
	if string(bs.FileSystemName[:]) != "EXFAT   " {
		return nil, types.E(types.KindCorruptMetadata, "exfat_boot")
	}
	if bs.BootSignature != 0xAA55 {
		return nil, types.E(types.KindCorruptMetadata, "exfat_boot")
	}
	if bs.BytesPerSectorShift < 9 || bs.BytesPerSectorShift > 12 {
		return nil, types.E(types.KindCorruptMetadata, "exfat_boot")
	}
	return bs, nil
}

// Serialize packs the boot sector.
func (bs *BootSector) Serialize() ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, bs)
	if err != nil {
		return nil, types.E(types.KindInvalidInput, "exfat_boot", err)
	}
	return raw, nil
}

// SectorSize returns the sector size in bytes.
func (bs *BootSector) SectorSize() uint32 { return 1 << bs.BytesPerSectorShift }

// ClusterSize returns the cluster size in bytes.
func (bs *BootSector) ClusterSize() uint32 {
	return 1 << (uint32(bs.BytesPerSectorShift) + uint32(bs.SectorsPerClusterShift))
}

// ClusterOffset returns the absolute byte offset of a data cluster.
func (bs *BootSector) ClusterOffset(cluster uint32) int64 {
	sector := int64(bs.ClusterHeapOffset) +
		int64(cluster-firstDataCluster)<<bs.SectorsPerClusterShift
	return sector << bs.BytesPerSectorShift
}

// FatByteOffset returns the byte offset of the active FAT.
func (bs *BootSector) FatByteOffset() int64 {
	return int64(bs.FatOffset) << bs.BytesPerSectorShift
}

// FileEntry is the primary entry of a file entry set.
type FileEntry struct {
	EntryType                 uint8
	SecondaryCount            uint8
	SetChecksum               uint16
	FileAttributes            uint16
	Reserved1                 uint16
	CreateTimestamp           uint32
	LastModifiedTimestamp     uint32
	LastAccessedTimestamp     uint32
	Create10msIncrement       uint8
	LastModified10msIncrement uint8
	CreateUtcOffset           uint8
	LastModifiedUtcOffset     uint8
	LastAccessedUtcOffset     uint8
	Reserved2                 [7]byte
}

// IsDirectory reports the directory attribute.
func (fe *FileEntry) IsDirectory() bool { return fe.FileAttributes&AttrDirectory != 0 }

// StreamExtensionEntry is the mandatory first secondary entry.
type StreamExtensionEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	Reserved1             uint8
	NameLength            uint8
	NameHash              uint16
	Reserved2             uint16
	ValidDataLength       uint64
	Reserved3             uint32
	FirstCluster          uint32
	DataLength            uint64
}

// FileNameEntry carries up to fifteen UTF-16 units of the name.
type FileNameEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	FileName              [NamesPerEntry]uint16
}

// VolumeLabelEntry is the root directory's label entry.
type VolumeLabelEntry struct {
	EntryType      uint8
	CharacterCount uint8
	VolumeLabel    [11]uint16
	Reserved       [8]byte
}

// AllocationBitmapEntry points at the cluster-heap allocation bitmap.
type AllocationBitmapEntry struct {
	EntryType    uint8
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

// UpcaseTableEntry points at the mandatory up-case table.
type UpcaseTableEntry struct {
	EntryType     uint8
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

// unpackEntry decodes one 32-byte slot into x.
func unpackEntry(raw []byte, x interface{}) error {
	if len(raw) < DirEntrySize {
		return types.E(types.KindCorruptMetadata, "exfat_entry")
	}
	if err := restruct.Unpack(raw[:DirEntrySize], defaultEncoding, x); err != nil {
		return types.E(types.KindCorruptMetadata, "exfat_entry", err)
	}
	return nil
}

// packEntry encodes x into a 32-byte slot.
func packEntry(x interface{}) ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, x)
	if err != nil {
		return nil, types.E(types.KindInvalidInput, "exfat_entry", err)
	}
	if len(raw) != DirEntrySize {
		return nil, types.E(types.KindInvalidInput, "exfat_entry")
	}
	return raw, nil
}
