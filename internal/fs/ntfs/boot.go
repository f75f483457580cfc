package ntfs

import (
	"bytes"
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// NTFS boot sector, as documented by the linux-ntfs project.
const (
	BootSectorSize = 512
	oemID          = "NTFS    "
)

// BootSector holds the geometry fields the engine consumes.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	TotalSectors      uint64
	MFTCluster        uint64
	MFTMirrorCluster  uint64
	ClustersPerMFTRec int8
	SerialNumber      uint64
}

// ParseBootSector validates the OEM id and signature and reads the fields.
func ParseBootSector(b []byte) (*BootSector, error) {
	if len(b) < BootSectorSize {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_boot")
	}
	if !bytes.Equal(b[3:11], []byte(oemID)) {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_boot")
	}
	if binary.LittleEndian.Uint16(b[510:512]) != 0xAA55 {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_boot")
	}
	bs := &BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(b[11:13]),
		SectorsPerCluster: b[13],
		TotalSectors:      binary.LittleEndian.Uint64(b[40:48]),
		MFTCluster:        binary.LittleEndian.Uint64(b[48:56]),
		MFTMirrorCluster:  binary.LittleEndian.Uint64(b[56:64]),
		ClustersPerMFTRec: int8(b[64]),
		SerialNumber:      binary.LittleEndian.Uint64(b[72:80]),
	}
	if bs.BytesPerSector < 256 || bs.SectorsPerCluster == 0 {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_boot")
	}
	return bs, nil
}

// Serialize writes the boot sector fields into a fresh 512-byte sector.
func (bs *BootSector) Serialize() []byte {
	b := make([]byte, BootSectorSize)
	b[0], b[1], b[2] = 0xEB, 0x52, 0x90
	copy(b[3:11], oemID)
	binary.LittleEndian.PutUint16(b[11:13], bs.BytesPerSector)
	b[13] = bs.SectorsPerCluster
	b[21] = 0xF8 // media descriptor
	binary.LittleEndian.PutUint64(b[40:48], bs.TotalSectors)
	binary.LittleEndian.PutUint64(b[48:56], bs.MFTCluster)
	binary.LittleEndian.PutUint64(b[56:64], bs.MFTMirrorCluster)
	b[64] = byte(bs.ClustersPerMFTRec)
	binary.LittleEndian.PutUint64(b[72:80], bs.SerialNumber)
	binary.LittleEndian.PutUint16(b[510:512], 0xAA55)
	return b
}

// ClusterBytes returns the cluster size in bytes.
func (bs *BootSector) ClusterBytes() uint32 {
	return uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)
}

// MFTRecordSize decodes the clusters-per-record field: positive counts
// clusters, negative encodes 2^(-n) bytes.
func (bs *BootSector) MFTRecordSize() uint32 {
	if bs.ClustersPerMFTRec > 0 {
		return uint32(bs.ClustersPerMFTRec) * bs.ClusterBytes()
	}
	return 1 << uint32(-bs.ClustersPerMFTRec)
}
