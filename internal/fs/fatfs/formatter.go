package fatfs

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"

	"github.com/onuse/moses/internal/fatchain"
	"github.com/onuse/moses/internal/types"
)

// Cluster-size selection tables from the FAT specification, keyed by total
// 512-byte sectors. A zero entry means the size is out of range for the
// variant.
var fat16Table = []struct {
	maxSectors uint64
	secPerClus uint8
}{
	{8400, 0},
	{32680, 2},
	{262144, 4},
	{524288, 8},
	{1048576, 16},
	{2097152, 32},
	{4194304, 64},
}

var fat32Table = []struct {
	maxSectors uint64
	secPerClus uint8
}{
	{66600, 0},
	{532480, 1},
	{16777216, 8},
	{33554432, 16},
	{67108864, 32},
	{0xFFFFFFFF, 64},
}

func pickSecPerClus(table []struct {
	maxSectors uint64
	secPerClus uint8
}, sectors uint64) uint8 {
	for _, row := range table {
		if sectors <= row.maxSectors {
			return row.secPerClus
		}
	}
	return 0
}

// fatSizeSectors applies the specification's FAT sizing formula.
func fatSizeSectors(totalSectors, reserved, rootDirSectors uint32, secPerClus, numFATs uint8, fat32 bool) uint32 {
	tmp1 := totalSectors - reserved - rootDirSectors
	tmp2 := uint32(256)*uint32(secPerClus) + uint32(numFATs)
	if fat32 {
		tmp2 /= 2
	}
	return (tmp1 + tmp2 - 1) / tmp2
}

func labelBytes(label string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if label == "" {
		copy(out[:], "NO NAME")
	} else {
		copy(out[:], strings.ToUpper(label))
	}
	return out
}

// putFSInfo writes the FAT32 FSInfo sector.
func putFSInfo(b []byte, freeCount, nextFree uint32) {
	binary.LittleEndian.PutUint32(b[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:492], freeCount)
	binary.LittleEndian.PutUint32(b[492:496], nextFree)
	binary.LittleEndian.PutUint16(b[510:512], BootSignature)
}

// Format lays out a FAT16 or FAT32 volume on the device. The variant is
// chosen by opts.Kind; geometry follows the specification's sizing tables
// so the produced cluster count always lands inside the variant's band.
func Format(dev Device, opts types.FormatOptions, progress types.Progress) error {
	fat32 := opts.Kind == types.FilesystemFAT32
	if !fat32 && opts.Kind != types.FilesystemFAT16 {
		return types.E(types.KindInvalidInput, "fat_format")
	}
	totalSectors := dev.Size() / 512
	if totalSectors == 0 || totalSectors > 0xFFFFFFFF {
		return types.E(types.KindInvalidInput, "fat_format")
	}

	var secPerClus uint8
	if opts.ClusterSize != 0 {
		if opts.ClusterSize%512 != 0 || opts.ClusterSize > 64*512 {
			return types.E(types.KindInvalidInput, "fat_format")
		}
		secPerClus = uint8(opts.ClusterSize / 512)
	} else if fat32 {
		secPerClus = pickSecPerClus(fat32Table, totalSectors)
	} else {
		secPerClus = pickSecPerClus(fat16Table, totalSectors)
	}
	if secPerClus == 0 {
		return types.E(types.KindInvalidInput, "fat_format")
	}

	bpb := &BPB{
		BytesPerSector:  512,
		SectorsPerClus:  secPerClus,
		NumFATs:         2,
		Media:           0xF8,
		SectorsPerTrack: 63,
		NumHeads:        255,
		BootSig:         0x29,
		VolumeID:        uuid.New().ID(),
		VolumeLabel:     labelBytes(opts.Label),
	}
	copy(bpb.OEMName[:], "MSWIN4.1")
	if fat32 {
		bpb.ReservedSectors = 32
		bpb.RootEntryCount = 0
		bpb.TotalSectors32 = uint32(totalSectors)
		bpb.RootCluster = 2
		bpb.FSInfoSector = 1
		bpb.BackupBootSect = 6
		copy(bpb.FSTypeLabel[:], "FAT32   ")
		bpb.FATSize32 = fatSizeSectors(uint32(totalSectors), 32, 0, secPerClus, 2, true)
	} else {
		bpb.ReservedSectors = 1
		bpb.RootEntryCount = 512
		if totalSectors < 0x10000 {
			bpb.TotalSectors16 = uint16(totalSectors)
		} else {
			bpb.TotalSectors32 = uint32(totalSectors)
		}
		copy(bpb.FSTypeLabel[:], "FAT16   ")
		rootDirSectors := bpb.RootDirSectors()
		bpb.FATSize16 = uint16(fatSizeSectors(uint32(totalSectors), 1, rootDirSectors, secPerClus, 2, false))
	}

	clusters := bpb.CountOfClusters()
	if fat32 && clusters < fat16MaxClusters {
		return types.E(types.KindInvalidInput, "fat_format")
	}
	if !fat32 && (clusters < fat12MaxClusters || clusters >= fat16MaxClusters) {
		return types.E(types.KindInvalidInput, "fat_format")
	}

	if opts.DryRun {
		log.WithFields(map[string]interface{}{
			"variant":  opts.Kind.String(),
			"clusters": clusters,
		}).Info("dry run: format planned, nothing written")
		return nil
	}

	if !progress.Report("boot sector", 0.0) {
		return types.E(types.KindUserCancelled, "fat_format")
	}
	boot := bpb.Serialize()
	if _, err := dev.WriteAt(boot, 0); err != nil {
		return types.E(types.KindIo, "fat_format", err)
	}
	if fat32 {
		if _, err := dev.WriteAt(boot, int64(bpb.BackupBootSect)*512); err != nil {
			return types.E(types.KindIo, "fat_format", err)
		}
		fsinfo := make([]byte, 512)
		putFSInfo(fsinfo, clusters-1, 3)
		if _, err := dev.WriteAt(fsinfo, int64(bpb.FSInfoSector)*512); err != nil {
			return types.E(types.KindIo, "fat_format", err)
		}
	}

	if !progress.Report("file allocation tables", 0.2) {
		return types.E(types.KindUserCancelled, "fat_format")
	}
	// Zero both FATs, then seed the reserved cells.
	fatBytes := int64(bpb.FATSize()) * 512
	zero := make([]byte, 64*1024)
	for _, base := range bpb.FATOffsets() {
		for off := int64(0); off < fatBytes; off += int64(len(zero)) {
			n := int64(len(zero))
			if off+n > fatBytes {
				n = fatBytes - off
			}
			if _, err := dev.WriteAt(zero[:n], base+off); err != nil {
				return types.E(types.KindIo, "fat_format", err)
			}
		}
	}
	for _, base := range bpb.FATOffsets() {
		if fat32 {
			cells := make([]byte, 12)
			binary.LittleEndian.PutUint32(cells[0:4], 0x0FFFFF00|uint32(bpb.Media))
			binary.LittleEndian.PutUint32(cells[4:8], 0x0FFFFFFF)
			binary.LittleEndian.PutUint32(cells[8:12], 0x0FFFFFFF) // root directory EOC
			if _, err := dev.WriteAt(cells, base); err != nil {
				return types.E(types.KindIo, "fat_format", err)
			}
		} else {
			cells := make([]byte, 4)
			binary.LittleEndian.PutUint16(cells[0:2], 0xFF00|uint16(bpb.Media))
			binary.LittleEndian.PutUint16(cells[2:4], 0xFFFF)
			if _, err := dev.WriteAt(cells, base); err != nil {
				return types.E(types.KindIo, "fat_format", err)
			}
		}
	}

	if !progress.Report("root directory", 0.5) {
		return types.E(types.KindUserCancelled, "fat_format")
	}
	if fat32 {
		rootZero := make([]byte, bpb.ClusterBytes())
		if _, err := dev.WriteAt(rootZero, bpb.ClusterOffset(2)); err != nil {
			return types.E(types.KindIo, "fat_format", err)
		}
	} else {
		rootZero := make([]byte, int(bpb.RootDirSectors())*512)
		if _, err := dev.WriteAt(rootZero, bpb.RootDirOffset()); err != nil {
			return types.E(types.KindIo, "fat_format", err)
		}
	}

	// Full format zeroes the data region as well.
	if !opts.QuickFormat {
		dataStart := int64(bpb.FirstDataSector()) * 512
		dataEnd := int64(totalSectors) * 512
		for off := dataStart; off < dataEnd; off += int64(len(zero)) {
			n := int64(len(zero))
			if off+n > dataEnd {
				n = dataEnd - off
			}
			if _, err := dev.WriteAt(zero[:n], off); err != nil {
				return types.E(types.KindIo, "fat_format", err)
			}
			frac := 0.5 + 0.45*float64(off-dataStart)/float64(dataEnd-dataStart)
			if !progress.Report("zeroing data region", frac) {
				return types.E(types.KindUserCancelled, "fat_format")
			}
		}
	}

	// The volume-label root entry mirrors the BPB label.
	if opts.Label != "" {
		f, err := NewWriter(devNoClose{dev})
		if err != nil {
			return err
		}
		if err := f.SetLabel(opts.Label); err != nil {
			return err
		}
		if err := f.FlushAllWrites(); err != nil {
			return err
		}
	}

	if !progress.Report("flush", 1.0) {
		return types.E(types.KindUserCancelled, "fat_format")
	}
	if err := dev.Flush(); err != nil {
		return types.E(types.KindIo, "fat_format", err)
	}
	log.WithFields(map[string]interface{}{
		"variant":  opts.Kind.String(),
		"clusters": clusters,
		"fat_width": func() fatchain.Width {
			if fat32 {
				return fatchain.Width32
			}
			return fatchain.Width16
		}(),
	}).Info("format complete")
	return nil
}

// devNoClose shields the caller's handle from the label writer's Close.
type devNoClose struct{ Device }

func (devNoClose) Close() error { return nil }
