package fatfs

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// Boot sector / BIOS parameter block for FAT12/16/32 volumes.
// All fields are little-endian at their historical offsets.
const (
	BootSectorSize = 512

	// Boot signature at offset 510.
	BootSignature = 0xAA55

	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

	// Cluster-count bands that define the FAT variant.
	fat12MaxClusters = 4085
	fat16MaxClusters = 65525
)

// BPB is the parsed boot sector. FAT32-only fields are zero on FAT16.
type BPB struct {
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerClus  uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16
	TotalSectors16  uint16
	Media           uint8
	FATSize16       uint16
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32

	// FAT32 extension.
	FATSize32      uint32
	ExtFlags       uint16
	FSVersion      uint16
	RootCluster    uint32
	FSInfoSector   uint16
	BackupBootSect uint16

	// Extended boot signature block (offset differs by variant).
	DriveNumber uint8
	BootSig     uint8
	VolumeID    uint32
	VolumeLabel [11]byte
	FSTypeLabel [8]byte
}

// ParseBPB validates the boot signature and reads every field.
func ParseBPB(b []byte) (*BPB, error) {
	if len(b) < BootSectorSize {
		return nil, types.E(types.KindCorruptMetadata, "parse_bpb")
	}
	if binary.LittleEndian.Uint16(b[510:512]) != BootSignature {
		return nil, types.E(types.KindCorruptMetadata, "parse_bpb")
	}
	p := &BPB{
		BytesPerSector:  binary.LittleEndian.Uint16(b[11:13]),
		SectorsPerClus:  b[13],
		ReservedSectors: binary.LittleEndian.Uint16(b[14:16]),
		NumFATs:         b[16],
		RootEntryCount:  binary.LittleEndian.Uint16(b[17:19]),
		TotalSectors16:  binary.LittleEndian.Uint16(b[19:21]),
		Media:           b[21],
		FATSize16:       binary.LittleEndian.Uint16(b[22:24]),
		SectorsPerTrack: binary.LittleEndian.Uint16(b[24:26]),
		NumHeads:        binary.LittleEndian.Uint16(b[26:28]),
		HiddenSectors:   binary.LittleEndian.Uint32(b[28:32]),
		TotalSectors32:  binary.LittleEndian.Uint32(b[32:36]),
	}
	copy(p.OEMName[:], b[3:11])
	switch {
	case p.BytesPerSector < 512 || p.BytesPerSector > 4096 || p.BytesPerSector&(p.BytesPerSector-1) != 0:
		return nil, types.E(types.KindCorruptMetadata, "parse_bpb")
	case p.SectorsPerClus == 0 || p.SectorsPerClus&(p.SectorsPerClus-1) != 0:
		return nil, types.E(types.KindCorruptMetadata, "parse_bpb")
	case p.ReservedSectors == 0 || p.NumFATs == 0:
		return nil, types.E(types.KindCorruptMetadata, "parse_bpb")
	}
	if p.FATSize16 == 0 {
		// FAT32 layout.
		p.FATSize32 = binary.LittleEndian.Uint32(b[36:40])
		p.ExtFlags = binary.LittleEndian.Uint16(b[40:42])
		p.FSVersion = binary.LittleEndian.Uint16(b[42:44])
		p.RootCluster = binary.LittleEndian.Uint32(b[44:48])
		p.FSInfoSector = binary.LittleEndian.Uint16(b[48:50])
		p.BackupBootSect = binary.LittleEndian.Uint16(b[50:52])
		p.DriveNumber = b[64]
		p.BootSig = b[66]
		p.VolumeID = binary.LittleEndian.Uint32(b[67:71])
		copy(p.VolumeLabel[:], b[71:82])
		copy(p.FSTypeLabel[:], b[82:90])
	} else {
		p.DriveNumber = b[36]
		p.BootSig = b[38]
		p.VolumeID = binary.LittleEndian.Uint32(b[39:43])
		copy(p.VolumeLabel[:], b[43:54])
		copy(p.FSTypeLabel[:], b[54:62])
	}
	return p, nil
}

// Serialize writes the boot sector into a fresh 512-byte slice.
func (p *BPB) Serialize() []byte {
	b := make([]byte, BootSectorSize)
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90 // jmp short + nop
	copy(b[3:11], p.OEMName[:])
	binary.LittleEndian.PutUint16(b[11:13], p.BytesPerSector)
	b[13] = p.SectorsPerClus
	binary.LittleEndian.PutUint16(b[14:16], p.ReservedSectors)
	b[16] = p.NumFATs
	binary.LittleEndian.PutUint16(b[17:19], p.RootEntryCount)
	binary.LittleEndian.PutUint16(b[19:21], p.TotalSectors16)
	b[21] = p.Media
	binary.LittleEndian.PutUint16(b[22:24], p.FATSize16)
	binary.LittleEndian.PutUint16(b[24:26], p.SectorsPerTrack)
	binary.LittleEndian.PutUint16(b[26:28], p.NumHeads)
	binary.LittleEndian.PutUint32(b[28:32], p.HiddenSectors)
	binary.LittleEndian.PutUint32(b[32:36], p.TotalSectors32)
	if p.FATSize16 == 0 {
		binary.LittleEndian.PutUint32(b[36:40], p.FATSize32)
		binary.LittleEndian.PutUint16(b[40:42], p.ExtFlags)
		binary.LittleEndian.PutUint16(b[42:44], p.FSVersion)
		binary.LittleEndian.PutUint32(b[44:48], p.RootCluster)
		binary.LittleEndian.PutUint16(b[48:50], p.FSInfoSector)
		binary.LittleEndian.PutUint16(b[50:52], p.BackupBootSect)
		b[64] = p.DriveNumber
		b[66] = p.BootSig
		binary.LittleEndian.PutUint32(b[67:71], p.VolumeID)
		copy(b[71:82], p.VolumeLabel[:])
		copy(b[82:90], p.FSTypeLabel[:])
	} else {
		b[36] = p.DriveNumber
		b[38] = p.BootSig
		binary.LittleEndian.PutUint32(b[39:43], p.VolumeID)
		copy(b[43:54], p.VolumeLabel[:])
		copy(b[54:62], p.FSTypeLabel[:])
	}
	binary.LittleEndian.PutUint16(b[510:512], BootSignature)
	return b
}

// TotalSectors returns whichever total-sector field is in use.
func (p *BPB) TotalSectors() uint32 {
	if p.TotalSectors16 != 0 {
		return uint32(p.TotalSectors16)
	}
	return p.TotalSectors32
}

// FATSize returns the per-FAT size in sectors.
func (p *BPB) FATSize() uint32 {
	if p.FATSize16 != 0 {
		return uint32(p.FATSize16)
	}
	return p.FATSize32
}

// RootDirSectors returns the size of the fixed root region (zero on FAT32).
func (p *BPB) RootDirSectors() uint32 {
	return (uint32(p.RootEntryCount)*32 + uint32(p.BytesPerSector) - 1) / uint32(p.BytesPerSector)
}

// FirstDataSector returns the sector of cluster 2.
func (p *BPB) FirstDataSector() uint32 {
	return uint32(p.ReservedSectors) + uint32(p.NumFATs)*p.FATSize() + p.RootDirSectors()
}

// CountOfClusters returns the number of data clusters, which defines the
// FAT variant.
func (p *BPB) CountOfClusters() uint32 {
	dataSectors := p.TotalSectors() - p.FirstDataSector()
	return dataSectors / uint32(p.SectorsPerClus)
}

// Variant classifies the volume by its cluster count band.
func (p *BPB) Variant() types.FilesystemKind {
	n := p.CountOfClusters()
	switch {
	case n < fat12MaxClusters:
		return types.FilesystemUnknown // FAT12 media are not served by this engine's readers
	case n < fat16MaxClusters:
		return types.FilesystemFAT16
	default:
		return types.FilesystemFAT32
	}
}

// ClusterBytes returns the cluster size in bytes.
func (p *BPB) ClusterBytes() uint32 {
	return uint32(p.BytesPerSector) * uint32(p.SectorsPerClus)
}

// ClusterOffset returns the absolute byte offset of a data cluster.
func (p *BPB) ClusterOffset(cluster uint32) int64 {
	sector := p.FirstDataSector() + (cluster-2)*uint32(p.SectorsPerClus)
	return int64(sector) * int64(p.BytesPerSector)
}

// FATOffsets returns the byte offset of every FAT copy.
func (p *BPB) FATOffsets() []int64 {
	offs := make([]int64, p.NumFATs)
	for i := range offs {
		offs[i] = (int64(p.ReservedSectors) + int64(i)*int64(p.FATSize())) * int64(p.BytesPerSector)
	}
	return offs
}

// RootDirOffset returns the byte offset of the FAT16 fixed root region.
func (p *BPB) RootDirOffset() int64 {
	return (int64(p.ReservedSectors) + int64(p.NumFATs)*int64(p.FATSize())) * int64(p.BytesPerSector)
}
