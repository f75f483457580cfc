package fs

import (
	"bytes"
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// ProbeIO is the minimal read access detection needs.
type ProbeIO interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Probe sniffs the device's leading sectors and identifies the filesystem
// family, or reports FilesystemUnrecognized. The checks mirror each
// family's defining fields rather than trusting any single magic byte.
func Probe(dev ProbeIO) (types.FilesystemKind, error) {
	sector := make([]byte, 512)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return types.FilesystemUnknown, types.E(types.KindIo, "probe", err)
	}

	// ext superblock lives at byte 1024 regardless of sector 0 contents.
	sb := make([]byte, 1024)
	if _, err := dev.ReadAt(sb, 1024); err == nil {
		if binary.LittleEndian.Uint16(sb[56:58]) == 0xEF53 {
			featureCompat := binary.LittleEndian.Uint32(sb[92:96])
			featureIncompat := binary.LittleEndian.Uint32(sb[96:100])
			const compatHasJournal = 0x0004
			const incompatExtents = 0x0040
			switch {
			case featureIncompat&incompatExtents != 0:
				return types.FilesystemExt4, nil
			case featureCompat&compatHasJournal != 0:
				return types.FilesystemExt3, nil
			default:
				return types.FilesystemExt2, nil
			}
		}
	}

	if bytes.Equal(sector[3:11], []byte("EXFAT   ")) {
		return types.FilesystemExFAT, nil
	}
	if bytes.Equal(sector[3:11], []byte("NTFS    ")) {
		return types.FilesystemNTFS, nil
	}

	// FAT requires the boot signature plus the defining field pattern.
	if sector[510] == 0x55 && sector[511] == 0xAA {
		rootEntries := binary.LittleEndian.Uint16(sector[17:19])
		totalSectors16 := binary.LittleEndian.Uint16(sector[19:21])
		fatSize16 := binary.LittleEndian.Uint16(sector[22:24])
		if rootEntries == 0 && totalSectors16 == 0 && fatSize16 == 0 {
			return types.FilesystemFAT32, nil
		}
		if fatSize16 != 0 && rootEntries != 0 {
			return types.FilesystemFAT16, nil
		}
	}
	return types.FilesystemUnknown, types.E(types.KindFilesystemUnrecognized, "probe")
}
