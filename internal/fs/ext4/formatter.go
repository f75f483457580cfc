package ext4

import (
	"github.com/google/uuid"

	"github.com/onuse/moses/internal/config"
	"github.com/onuse/moses/internal/extent"
	"github.com/onuse/moses/internal/jbd2"
	"github.com/onuse/moses/internal/types"
)

// layoutPlan is the computed geometry for a fresh filesystem.
type layoutPlan struct {
	blockSize      uint32
	firstDataBlock uint32
	totalBlocks    uint64
	blocksPerGroup uint32
	inodesPerGroup uint32
	groupCount     uint32
	gdtBlocks      uint32
	itBlocksPer    uint32
	journalBlocks  uint32
}

func planLayout(devBytes uint64, opts types.FormatOptions, cfg *config.Config) (*layoutPlan, error) {
	p := &layoutPlan{}
	if opts.ClusterSize != 0 {
		switch opts.ClusterSize {
		case 1024, 2048, 4096:
			p.blockSize = opts.ClusterSize
		default:
			return nil, types.E(types.KindInvalidInput, "ext4_format")
		}
	} else if devBytes < 512<<20 {
		p.blockSize = 1024
	} else {
		p.blockSize = 4096
	}
	p.totalBlocks = devBytes / uint64(p.blockSize)
	if p.totalBlocks < 64 {
		return nil, types.E(types.KindInvalidInput, "ext4_format")
	}
	if p.blockSize == 1024 {
		p.firstDataBlock = 1
	}
	p.blocksPerGroup = p.blockSize * 8
	p.groupCount = uint32((p.totalBlocks - uint64(p.firstDataBlock) +
		uint64(p.blocksPerGroup) - 1) / uint64(p.blocksPerGroup))

	// One inode per 16 KiB of capacity, rounded to fill whole table blocks.
	perBlock := p.blockSize / InodeSize
	ipg := p.blocksPerGroup * p.blockSize / 16384
	if ipg < perBlock {
		ipg = perBlock
	}
	ipg -= ipg % perBlock
	p.inodesPerGroup = ipg
	p.itBlocksPer = ipg / perBlock
	p.gdtBlocks = (p.groupCount*GroupDescSize + p.blockSize - 1) / p.blockSize

	if opts.EnableJournal {
		p.journalBlocks = cfg.JournalSizeBlocks
		if max := uint32(p.totalBlocks / 16); p.journalBlocks > max {
			p.journalBlocks = max
		}
		if p.journalBlocks < 64 {
			p.journalBlocks = 64
		}
	}
	return p, nil
}

// Format lays out an ext4 filesystem: superblock, group descriptors,
// bitmaps, inode tables, root directory, journal and lost+found.
func Format(dev Device, opts types.FormatOptions, progress types.Progress) error {
	cfg := config.Default()
	p, err := planLayout(dev.Size(), opts, cfg)
	if err != nil {
		return err
	}
	if opts.DryRun {
		log.WithFields(map[string]interface{}{
			"block_size": p.blockSize,
			"blocks":     p.totalBlocks,
			"groups":     p.groupCount,
		}).Info("dry run: format planned, nothing written")
		return nil
	}
	if !progress.Report("layout", 0.0) {
		return types.E(types.KindUserCancelled, "ext4_format")
	}

	bs := uint64(p.blockSize)
	writeBlock := func(blk uint64, data []byte) error {
		if _, err := dev.WriteAt(data, int64(blk)*int64(bs)); err != nil {
			return types.E(types.KindIo, "ext4_format", err)
		}
		return nil
	}

	// Build per-group metadata placement and in-memory bitmaps.
	gds := make([]*GroupDesc, p.groupCount)
	blockBitmaps := make([][]byte, p.groupCount)
	inodeBitmaps := make([][]byte, p.groupCount)
	groupBlocks := func(gi uint32) uint64 {
		start := uint64(p.firstDataBlock) + uint64(gi)*uint64(p.blocksPerGroup)
		n := uint64(p.blocksPerGroup)
		if start+n > p.totalBlocks {
			n = p.totalBlocks - start
		}
		return n
	}
	markUsed := func(blk uint64) {
		gi := uint32((blk - uint64(p.firstDataBlock)) / uint64(p.blocksPerGroup))
		bit := (blk - uint64(p.firstDataBlock)) % uint64(p.blocksPerGroup)
		blockBitmaps[gi][bit/8] |= 1 << (bit % 8)
		gds[gi].FreeBlocksCount--
	}

	for gi := uint32(0); gi < p.groupCount; gi++ {
		gds[gi] = &GroupDesc{
			FreeBlocksCount: uint32(groupBlocks(gi)),
			FreeInodesCount: p.inodesPerGroup,
		}
		blockBitmaps[gi] = make([]byte, p.blockSize)
		inodeBitmaps[gi] = make([]byte, p.blockSize)
		// Padding bits past the valid range read as allocated.
		padBits(blockBitmaps[gi], groupBlocks(gi))
		padBits(inodeBitmaps[gi], uint64(p.inodesPerGroup))
	}

	// Place metadata group by group.
	cursor := make([]uint64, p.groupCount)
	for gi := uint32(0); gi < p.groupCount; gi++ {
		start := uint64(p.firstDataBlock) + uint64(gi)*uint64(p.blocksPerGroup)
		c := start
		if gi == 0 {
			// One block for the superblock (with the boot area when the
			// block size allows), then the descriptor table.
			c = start + 1 + uint64(p.gdtBlocks)
			for b := start; b < c; b++ {
				markUsed(b)
			}
		}
		gds[gi].BlockBitmap = c
		markUsed(c)
		c++
		gds[gi].InodeBitmap = c
		markUsed(c)
		c++
		gds[gi].InodeTable = c
		for b := uint64(0); b < uint64(p.itBlocksPer); b++ {
			markUsed(c + b)
		}
		c += uint64(p.itBlocksPer)
		cursor[gi] = c
	}

	// Reserved inodes 1..10 live in group 0.
	for i := uint32(0); i < FirstInode-1; i++ {
		inodeBitmaps[0][i/8] |= 1 << (i % 8)
		gds[0].FreeInodesCount--
	}

	allocRun := func(gi uint32, count uint64) (uint64, error) {
		start := cursor[gi]
		end := uint64(p.firstDataBlock) + uint64(gi)*uint64(p.blocksPerGroup) + groupBlocks(gi)
		if start+count > end {
			return 0, types.E(types.KindOutOfSpace, "ext4_format")
		}
		for b := start; b < start+count; b++ {
			markUsed(b)
		}
		cursor[gi] += count
		return start, nil
	}

	if !progress.Report("inode tables", 0.15) {
		return types.E(types.KindUserCancelled, "ext4_format")
	}
	// Zero every inode table.
	zeroBlock := make([]byte, p.blockSize)
	for gi := uint32(0); gi < p.groupCount; gi++ {
		for b := uint64(0); b < uint64(p.itBlocksPer); b++ {
			if err := writeBlock(gds[gi].InodeTable+b, zeroBlock); err != nil {
				return err
			}
		}
		frac := 0.15 + 0.35*float64(gi+1)/float64(p.groupCount)
		if !progress.Report("inode tables", frac) {
			return types.E(types.KindUserCancelled, "ext4_format")
		}
	}

	// Root directory: one block with "." and "..".
	rootBlk, err := allocRun(0, 1)
	if err != nil {
		return err
	}
	rootDir := make([]byte, p.blockSize)
	dot := DirEntry{Inode: RootInode, RecLen: 12, FileType: FileTypeDirectory, Name: "."}
	dot.Put(rootDir)
	dotdot := DirEntry{
		Inode:    RootInode,
		RecLen:   uint16(p.blockSize) - 12,
		FileType: FileTypeDirectory,
		Name:     "..",
	}
	dotdot.Put(rootDir[12:])
	if err := writeBlock(rootBlk, rootDir); err != nil {
		return err
	}

	rootIno := newInode(ModeDirectory | 0o755)
	rootIno.LinksCount = 2
	rootIno.Size = bs
	rootIno.BlocksLo = p.blockSize / 512
	rootTree := extent.NewTree(memExtentStore{p.blockSize}, rootIno.Block[:])
	if err := rootTree.Insert(extent.Extent{Logical: 0, Len: 1, Physical: rootBlk}); err != nil {
		return err
	}
	inodeBitmaps[0][(RootInode-1)/8] |= 1 << ((RootInode - 1) % 8)

	// Journal inode: a contiguous run in group 0; format fails with
	// OutOfSpace when group 0 cannot hold it.
	var journalIno *Inode
	if p.journalBlocks > 0 {
		jstart, err := allocRun(0, uint64(p.journalBlocks))
		if err != nil {
			return err
		}
		journalIno = newInode(ModeRegular | 0o600)
		journalIno.Size = uint64(p.journalBlocks) * bs
		journalIno.BlocksLo = p.journalBlocks * (p.blockSize / 512)
		jt := extent.NewTree(memExtentStore{p.blockSize}, journalIno.Block[:])
		remaining := p.journalBlocks
		logical := uint32(0)
		phys := jstart
		for remaining > 0 {
			run := remaining
			if run > extent.MaxExtentLen {
				run = extent.MaxExtentLen
			}
			if err := jt.Insert(extent.Extent{Logical: logical, Len: uint16(run), Physical: phys}); err != nil {
				return err
			}
			logical += run
			phys += uint64(run)
			remaining -= run
		}
		inodeBitmaps[0][(JournalInode-1)/8] |= 1 << ((JournalInode - 1) % 8)

		j := jbd2.NewJournal(dev, jbd2.Config{
			BlockSize: p.blockSize,
			Start:     jstart,
			Length:    p.journalBlocks,
		})
		if err := j.Format(); err != nil {
			return err
		}
	}

	if !progress.Report("group metadata", 0.6) {
		return types.E(types.KindUserCancelled, "ext4_format")
	}

	// Free counters: checked reconciliation that must never underflow on a
	// supported device size.
	var freeBlocks uint64
	for gi := uint32(0); gi < p.groupCount; gi++ {
		freeBlocks += uint64(gds[gi].FreeBlocksCount)
		if gds[gi].FreeBlocksCount > uint32(groupBlocks(gi)) {
			return types.E(types.KindCorruptMetadata, "ext4_format")
		}
	}
	var freeInodes uint32
	for gi := uint32(0); gi < p.groupCount; gi++ {
		freeInodes += gds[gi].FreeInodesCount
	}

	vuuid := uuid.New()
	sb := &Superblock{
		InodesCount:     p.inodesPerGroup * p.groupCount,
		BlocksCount:     p.totalBlocks,
		FreeBlocksCount: freeBlocks,
		FreeInodesCount: freeInodes,
		FirstDataBlock:  p.firstDataBlock,
		LogBlockSize:    log2(p.blockSize) - 10,
		BlocksPerGroup:  p.blocksPerGroup,
		InodesPerGroup:  p.inodesPerGroup,
		Magic:           SuperMagic,
		State:           1, // cleanly unmounted
		RevLevel:        1,
		FirstIno:        FirstInode,
		InodeSize:       InodeSize,
		FeatureIncompat: IncompatFiletype | IncompatExtents | Incompat64Bit,
		FeatureRoCompat: RoCompatLargeFile,
		DescSize:        GroupDescSize,
		Wtime:           nowTS(),
		Mtime:           0,
	}
	copy(sb.UUID[:], vuuid[:])
	copy(sb.VolumeName[:], opts.Label)
	if p.journalBlocks > 0 {
		sb.FeatureCompat |= CompatHasJournal
		sb.JournalInum = JournalInode
	}

	// Write bitmaps.
	for gi := uint32(0); gi < p.groupCount; gi++ {
		if err := writeBlock(gds[gi].BlockBitmap, blockBitmaps[gi]); err != nil {
			return err
		}
		if err := writeBlock(gds[gi].InodeBitmap, inodeBitmaps[gi]); err != nil {
			return err
		}
	}

	// Write reserved inode records.
	writeInodeRecord := func(inum uint32, ino *Inode) error {
		gi := (inum - 1) / p.inodesPerGroup
		idx := (inum - 1) % p.inodesPerGroup
		off := int64(gds[gi].InodeTable)*int64(bs) + int64(idx)*InodeSize
		if _, err := dev.WriteAt(ino.Serialize(InodeSize), off); err != nil {
			return types.E(types.KindIo, "ext4_format", err)
		}
		return nil
	}
	if err := writeInodeRecord(RootInode, rootIno); err != nil {
		return err
	}
	if journalIno != nil {
		if err := writeInodeRecord(JournalInode, journalIno); err != nil {
			return err
		}
	}

	// Group descriptor table.
	gdt := make([]byte, uint64(p.gdtBlocks)*bs)
	for gi, gd := range gds {
		copy(gdt[gi*GroupDescSize:], gd.Serialize())
	}
	gdtStart := uint64(1)
	if p.blockSize == 1024 {
		gdtStart = 2
	}
	for b := uint64(0); b < uint64(p.gdtBlocks); b++ {
		if err := writeBlock(gdtStart+b, gdt[b*bs:(b+1)*bs]); err != nil {
			return err
		}
	}

	// Superblock last, making the filesystem visible.
	if !progress.Report("superblock", 0.9) {
		return types.E(types.KindUserCancelled, "ext4_format")
	}
	if _, err := dev.WriteAt(sb.Serialize(), SuperblockOffset); err != nil {
		return types.E(types.KindIo, "ext4_format", err)
	}
	if err := dev.Flush(); err != nil {
		return types.E(types.KindIo, "ext4_format", err)
	}

	// lost+found through the regular writer, exercising the same paths
	// every other mutation uses.
	w, err := NewWriter(devNoClose{dev})
	if err != nil {
		return err
	}
	if err := w.Mkdir("/lost+found"); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if !progress.Report("done", 1.0) {
		return types.E(types.KindUserCancelled, "ext4_format")
	}
	log.WithFields(map[string]interface{}{
		"blocks": p.totalBlocks,
		"groups": p.groupCount,
	}).Info("format complete")
	return nil
}

// padBits sets the unused tail bits of a bitmap block.
func padBits(bm []byte, validBits uint64) {
	for bit := validBits; bit < uint64(len(bm))*8; bit++ {
		bm[bit/8] |= 1 << (bit % 8)
	}
}

func log2(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// memExtentStore serves formatter-built trees that never split past the
// inline root.
type memExtentStore struct{ blockSize uint32 }

func (m memExtentStore) ReadBlock(uint64) ([]byte, error) {
	return nil, types.E(types.KindCorruptMetadata, "format_extent")
}

func (m memExtentStore) WriteBlock(uint64, []byte) error {
	return types.E(types.KindCorruptMetadata, "format_extent")
}

func (m memExtentStore) AllocateBlock(uint64) (uint64, error) {
	return 0, types.E(types.KindOutOfSpace, "format_extent")
}

func (m memExtentStore) FreeBlock(uint64) error { return nil }

func (m memExtentStore) BlockSize() uint32 { return m.blockSize }

// devNoClose shields the caller's handle from inner writers' Close.
type devNoClose struct{ Device }

func (devNoClose) Close() error { return nil }
