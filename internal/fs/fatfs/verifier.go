package fatfs

import (
	"encoding/binary"
	"fmt"

	"github.com/onuse/moses/internal/types"
)

// VerificationReport lists the checks a freshly formatted volume passed.
type VerificationReport struct {
	Variant       types.FilesystemKind
	ClusterCount  uint32
	Checks        []string
	RootEntryUsed bool
}

// VerifyVolume re-reads a formatted volume and checks the structural facts
// a conforming implementation must exhibit: boot signature, cluster-count
// band, reserved FAT cells, and an empty root directory (a volume-label
// entry is permitted).
func VerifyVolume(dev Device, want types.FilesystemKind) (*VerificationReport, error) {
	sector := make([]byte, BootSectorSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil, types.E(types.KindIo, "verify", err)
	}
	bpb, err := ParseBPB(sector)
	if err != nil {
		return nil, err
	}
	rep := &VerificationReport{ClusterCount: bpb.CountOfClusters()}
	rep.Variant = bpb.Variant()
	rep.Checks = append(rep.Checks, "boot signature 0x55AA present")

	if rep.Variant != want {
		return rep, types.E(types.KindCorruptMetadata, "verify",
			fmt.Errorf("detected %s, expected %s", rep.Variant, want))
	}
	switch want {
	case types.FilesystemFAT16:
		if n := bpb.CountOfClusters(); n < fat12MaxClusters || n >= fat16MaxClusters {
			return rep, types.E(types.KindCorruptMetadata, "verify",
				fmt.Errorf("cluster count %d outside FAT16 band", n))
		}
		rep.Checks = append(rep.Checks, "cluster count inside (4084, 65525)")
		if bpb.RootEntryCount == 0 || bpb.FATSize16 == 0 {
			return rep, types.E(types.KindCorruptMetadata, "verify",
				fmt.Errorf("FAT16 defining fields zeroed"))
		}
	case types.FilesystemFAT32:
		if bpb.RootEntryCount != 0 || bpb.TotalSectors16 != 0 || bpb.FATSize16 != 0 {
			return rep, types.E(types.KindCorruptMetadata, "verify",
				fmt.Errorf("FAT32 defining fields not zeroed"))
		}
		rep.Checks = append(rep.Checks, "FAT32 defining fields zeroed")
	default:
		return rep, types.E(types.KindInvalidInput, "verify")
	}

	// Reserved FAT cells carry the media descriptor and an EOC marker.
	fatBase := bpb.FATOffsets()[0]
	if want == types.FilesystemFAT16 {
		cells := make([]byte, 4)
		if _, err := dev.ReadAt(cells, fatBase); err != nil {
			return rep, types.E(types.KindIo, "verify", err)
		}
		if binary.LittleEndian.Uint16(cells[0:2]) != 0xFF00|uint16(bpb.Media) ||
			binary.LittleEndian.Uint16(cells[2:4]) < 0xFFF8 {
			return rep, types.E(types.KindCorruptMetadata, "verify",
				fmt.Errorf("reserved FAT cells malformed"))
		}
	} else {
		cells := make([]byte, 8)
		if _, err := dev.ReadAt(cells, fatBase); err != nil {
			return rep, types.E(types.KindIo, "verify", err)
		}
		if binary.LittleEndian.Uint32(cells[0:4])&0x0FFFFFFF != 0x0FFFFF00|uint32(bpb.Media) ||
			binary.LittleEndian.Uint32(cells[4:8])&0x0FFFFFFF < 0x0FFFFFF8 {
			return rep, types.E(types.KindCorruptMetadata, "verify",
				fmt.Errorf("reserved FAT cells malformed"))
		}
	}
	rep.Checks = append(rep.Checks, "reserved FAT cells valid")

	// Root directory must be empty but for an optional volume label.
	f, err := NewReader(devNoClose{dev})
	if err != nil {
		return rep, err
	}
	entries, err := f.ReadDir("/")
	if err != nil {
		return rep, err
	}
	if len(entries) != 0 {
		return rep, types.E(types.KindCorruptMetadata, "verify",
			fmt.Errorf("root directory not empty after format"))
	}
	rep.Checks = append(rep.Checks, "root directory empty")
	return rep, nil
}
