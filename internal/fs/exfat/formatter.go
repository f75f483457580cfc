package exfat

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/onuse/moses/internal/types"
)

const (
	bootRegionSectors = 12
	fatOffsetSectors  = 32
	eoc               = 0xFFFFFFFF
)

// clusterShiftFor picks the default cluster size for a volume size, per the
// specification's recommendations.
func clusterShiftFor(volumeBytes uint64) uint8 {
	switch {
	case volumeBytes <= 256<<20:
		return 3 // 4 KiB
	case volumeBytes <= 32<<30:
		return 6 // 32 KiB
	default:
		return 8 // 128 KiB
	}
}

// Format lays out an exFAT volume: boot regions, FAT, allocation bitmap,
// up-case table and the root directory with its metadata entries (volume
// label when one is given, allocation bitmap, up-case table).
func Format(dev Device, opts types.FormatOptions, progress types.Progress) error {
	if opts.Kind != types.FilesystemExFAT {
		return types.E(types.KindInvalidInput, "exfat_format")
	}
	const sectorShift = 9
	volumeSectors := dev.Size() >> sectorShift
	if volumeSectors < 1<<12 {
		return types.E(types.KindInvalidInput, "exfat_format")
	}
	clusterShift := clusterShiftFor(dev.Size())
	if opts.ClusterSize != 0 {
		cs := opts.ClusterSize >> sectorShift
		if cs == 0 || cs&(cs-1) != 0 {
			return types.E(types.KindInvalidInput, "exfat_format")
		}
		clusterShift = 0
		for v := cs; v > 1; v >>= 1 {
			clusterShift++
		}
	}
	sectorsPerCluster := uint64(1) << clusterShift

	// FAT length and cluster count converge in two passes.
	clusterCount := uint32((volumeSectors - fatOffsetSectors) / sectorsPerCluster)
	var fatLength, heapOffset uint64
	for i := 0; i < 2; i++ {
		fatLength = (uint64(clusterCount+2)*4 + (1 << sectorShift) - 1) >> sectorShift
		heapOffset = fatOffsetSectors + fatLength
		// Heap starts cluster-aligned.
		if rem := heapOffset % sectorsPerCluster; rem != 0 {
			heapOffset += sectorsPerCluster - rem
		}
		clusterCount = uint32((volumeSectors - heapOffset) / sectorsPerCluster)
	}
	if clusterCount < 16 {
		return types.E(types.KindInvalidInput, "exfat_format")
	}
	clusterBytes := uint32(1) << (sectorShift + uint32(clusterShift))

	// Metadata cluster plan: allocation bitmap, up-case table, root.
	bitmapBytes := (uint64(clusterCount) + 7) / 8
	bitmapClusters := uint32((bitmapBytes + uint64(clusterBytes) - 1) / uint64(clusterBytes))
	upcase := GenerateUpcaseTable()
	upcaseClusters := uint32((uint64(len(upcase)) + uint64(clusterBytes) - 1) / uint64(clusterBytes))
	bitmapFirst := uint32(firstDataCluster)
	upcaseFirst := bitmapFirst + bitmapClusters
	rootFirst := upcaseFirst + upcaseClusters
	usedClusters := bitmapClusters + upcaseClusters + 1
	if usedClusters >= clusterCount {
		return types.E(types.KindInvalidInput, "exfat_format")
	}

	bs := &BootSector{
		JumpBoot:                    [3]byte{0xEB, 0x76, 0x90},
		VolumeLength:                volumeSectors,
		FatOffset:                   fatOffsetSectors,
		FatLength:                   uint32(fatLength),
		ClusterHeapOffset:           uint32(heapOffset),
		ClusterCount:                clusterCount,
		FirstClusterOfRootDirectory: rootFirst,
		VolumeSerialNumber:          uuid.New().ID(),
		FileSystemRevision:          0x0100,
		BytesPerSectorShift:         sectorShift,
		SectorsPerClusterShift:      clusterShift,
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		PercentInUse:                uint8(uint64(usedClusters) * 100 / uint64(clusterCount)),
		BootSignature:               0xAA55,
	}
	copy(bs.FileSystemName[:], "EXFAT   ")

	if opts.DryRun {
		log.WithFields(map[string]interface{}{
			"clusters":     clusterCount,
			"cluster_size": clusterBytes,
		}).Info("dry run: format planned, nothing written")
		return nil
	}

	if !progress.Report("boot region", 0.0) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	sectorSize := 1 << sectorShift
	region := make([]byte, bootRegionSectors*sectorSize)
	bootRaw, err := bs.Serialize()
	if err != nil {
		return err
	}
	copy(region, bootRaw)
	// Extended boot sectors 1..8 carry the extended signature.
	for s := 1; s <= 8; s++ {
		binary.LittleEndian.PutUint32(region[s*sectorSize+sectorSize-4:], 0xAA550000)
	}
	sum := BootChecksum(region[:11*sectorSize])
	for o := 0; o < sectorSize; o += 4 {
		binary.LittleEndian.PutUint32(region[11*sectorSize+o:], sum)
	}
	if _, err := dev.WriteAt(region, 0); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}
	// Backup boot region.
	if _, err := dev.WriteAt(region, int64(bootRegionSectors*sectorSize)); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}

	if !progress.Report("file allocation table", 0.2) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	fat := make([]byte, fatLength<<sectorShift)
	binary.LittleEndian.PutUint32(fat[0:4], 0xFFFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], eoc)
	writeChain := func(first, count uint32) {
		for i := uint32(0); i < count; i++ {
			c := first + i
			next := uint32(eoc)
			if i+1 < count {
				next = c + 1
			}
			binary.LittleEndian.PutUint32(fat[c*4:], next)
		}
	}
	writeChain(bitmapFirst, bitmapClusters)
	writeChain(upcaseFirst, upcaseClusters)
	writeChain(rootFirst, 1)
	if _, err := dev.WriteAt(fat, bs.FatByteOffset()); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}

	if !progress.Report("allocation bitmap", 0.4) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	bits := make([]byte, bitmapClusters*clusterBytes)
	for c := uint32(0); c < usedClusters; c++ {
		bits[c/8] |= 1 << (c % 8)
	}
	if _, err := dev.WriteAt(bits, bs.ClusterOffset(bitmapFirst)); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}

	if !progress.Report("up-case table", 0.6) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	padded := make([]byte, upcaseClusters*clusterBytes)
	copy(padded, upcase)
	if _, err := dev.WriteAt(padded, bs.ClusterOffset(upcaseFirst)); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}

	if !progress.Report("root directory", 0.8) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	root := make([]byte, clusterBytes)
	next := 0
	if opts.Label != "" {
		units := utf16.Encode([]rune(opts.Label))
		if len(units) > 11 {
			units = units[:11]
		}
		vl := VolumeLabelEntry{EntryType: EntryTypeVolumeLabel, CharacterCount: uint8(len(units))}
		copy(vl.VolumeLabel[:], units)
		raw, err := packEntry(&vl)
		if err != nil {
			return err
		}
		copy(root[next*DirEntrySize:], raw)
		next++
	}
	ab := AllocationBitmapEntry{
		EntryType:    EntryTypeAllocationBitmap,
		FirstCluster: bitmapFirst,
		DataLength:   bitmapBytes,
	}
	raw, err := packEntry(&ab)
	if err != nil {
		return err
	}
	copy(root[next*DirEntrySize:], raw)
	next++
	uc := UpcaseTableEntry{
		EntryType:     EntryTypeUpcaseTable,
		TableChecksum: UpcaseChecksum(upcase),
		FirstCluster:  upcaseFirst,
		DataLength:    uint64(len(upcase)),
	}
	raw, err = packEntry(&uc)
	if err != nil {
		return err
	}
	copy(root[next*DirEntrySize:], raw)
	if _, err := dev.WriteAt(root, bs.ClusterOffset(rootFirst)); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}

	if !progress.Report("flush", 1.0) {
		return types.E(types.KindUserCancelled, "exfat_format")
	}
	if err := dev.Flush(); err != nil {
		return types.E(types.KindIo, "exfat_format", err)
	}
	log.WithFields(map[string]interface{}{
		"clusters":     clusterCount,
		"cluster_size": clusterBytes,
	}).Info("format complete")
	return nil
}
