package ext4

import (
	"time"

	"github.com/onuse/moses/internal/bitmap"
	"github.com/onuse/moses/internal/extent"
	"github.com/onuse/moses/internal/jbd2"
	"github.com/onuse/moses/internal/types"
)

// pending holds block images written by the active transaction but not yet
// checkpointed, so intra-transaction reads observe their own writes.
type pendingBlocks map[uint64][]byte

// setupWriter loads allocator state and the journal, replaying any
// committed transactions left in the log.
func (f *FS) setupWriter() error {
	if err := f.loadAllocators(); err != nil {
		return err
	}
	if f.sb.FeatureCompat&CompatHasJournal != 0 && f.sb.JournalInum != 0 {
		if err := f.attachJournal(); err != nil {
			return err
		}
		n, err := f.txmgr.Replay()
		if err != nil {
			return err
		}
		if n > 0 {
			// Replay rewrote metadata: drop every cache and reload.
			f.inodeCache = make(map[uint32]*Inode)
			raw := make([]byte, SuperblockSize)
			if _, err := f.dev.ReadAt(raw, SuperblockOffset); err != nil {
				return types.E(types.KindIo, "ext4_open", err)
			}
			sb, err := ParseSuperblock(raw)
			if err != nil {
				return err
			}
			f.sb = sb
			if err := f.loadGroupDescs(); err != nil {
				return err
			}
			if err := f.loadAllocators(); err != nil {
				return err
			}
		}
	} else {
		f.txmgr = jbd2.NewManager(f.dev, nil, f.blockSize, 0)
	}
	if f.pending == nil {
		f.pending = make(pendingBlocks)
	}
	return nil
}

// loadAllocators reads every group's bitmaps into allocator state.
func (f *FS) loadAllocators() error {
	bGroups := make([]bitmap.GroupState, 0, len(f.gds))
	iGroups := make([]bitmap.GroupState, 0, len(f.gds))
	for gi, gd := range f.gds {
		bb, err := f.readBlock(gd.BlockBitmap)
		if err != nil {
			return err
		}
		bitsPerGroup := uint64(f.sb.BlocksPerGroup)
		if last := gi == len(f.gds)-1; last {
			remain := f.sb.BlocksCount - uint64(f.sb.FirstDataBlock) -
				uint64(gi)*uint64(f.sb.BlocksPerGroup)
			if remain < bitsPerGroup {
				bitsPerGroup = remain
			}
		}
		bGroups = append(bGroups, bitmap.GroupState{
			Bitmap:    bitmap.FromBytes(bb, bitsPerGroup),
			FirstUnit: uint64(f.sb.FirstDataBlock) + uint64(gi)*uint64(f.sb.BlocksPerGroup),
			Free:      uint64(gd.FreeBlocksCount),
		})
		ib, err := f.readBlock(gd.InodeBitmap)
		if err != nil {
			return err
		}
		iGroups = append(iGroups, bitmap.GroupState{
			Bitmap:    bitmap.FromBytes(ib, uint64(f.sb.InodesPerGroup)),
			FirstUnit: uint64(gi) * uint64(f.sb.InodesPerGroup),
			Free:      uint64(gd.FreeInodesCount),
		})
	}
	f.balloc = bitmap.NewAllocator(bGroups)
	f.ialloc = bitmap.NewAllocator(iGroups)
	return nil
}

// attachJournal maps the journal inode's blocks and loads the log state.
func (f *FS) attachJournal() error {
	jino, err := f.readInode(f.sb.JournalInum)
	if err != nil {
		return err
	}
	t, err := f.tree(jino)
	if err != nil {
		return err
	}
	extents, err := t.Walk()
	if err != nil {
		return err
	}
	length := uint32(jino.Size / uint64(f.blockSize))
	mapping := make([]uint64, 0, length)
	for _, e := range extents {
		for i := uint32(0); i < uint32(e.Len); i++ {
			mapping = append(mapping, e.Physical+uint64(i))
		}
	}
	if uint32(len(mapping)) < length {
		return types.E(types.KindCorruptMetadata, "attach_journal")
	}
	f.journal = jbd2.NewJournal(f.dev, jbd2.Config{
		BlockSize: f.blockSize,
		Length:    length,
		UUID:      f.sb.UUID,
	})
	f.journal.MapBlock = func(n uint32) uint64 { return mapping[n] }
	if err := f.journal.Load(); err != nil {
		return err
	}
	f.txmgr = jbd2.NewManager(f.dev, f.journal, f.blockSize, 0)
	return nil
}

// readBlockOverlay observes the active transaction's own writes.
func (f *FS) readBlockOverlay(block uint64) ([]byte, bool) {
	if f.pending == nil {
		return nil, false
	}
	b, ok := f.pending[block]
	return b, ok
}

// writeMetaBlock stages a metadata block image into the active transaction.
func (f *FS) writeMetaBlock(typ jbd2.UpdateType, block uint64, after []byte) error {
	tx := f.txmgr.Active()
	if tx == nil {
		return types.E(types.KindInvalidInput, "write_meta")
	}
	before, ok := f.readBlockOverlay(block)
	if !ok {
		var err error
		before, err = f.readBlockRaw(block)
		if err != nil {
			return err
		}
	}
	if err := f.txmgr.AddUpdate(tx, typ, block, before, after); err != nil {
		return err
	}
	cp := make([]byte, len(after))
	copy(cp, after)
	f.pending[block] = cp
	return nil
}

// allocBlock takes one block near goal and records it in the transaction.
func (f *FS) allocBlock(goal uint64, isDir bool) (uint64, error) {
	hint := bitmap.AllocationHint{IsDirectory: isDir, LastAllocated: f.lastAlloc}
	if goal != 0 {
		hint.GoalBlock = &goal
	}
	blk, err := f.balloc.Allocate(hint)
	if err != nil {
		return 0, err
	}
	f.lastAlloc = blk
	if tx := f.txmgr.Active(); tx != nil {
		f.txmgr.RecordAllocatedBlocks(tx, blk)
	}
	return blk, nil
}

// freeBlock returns a block to the pool and revokes it in the journal.
func (f *FS) freeBlock(blk uint64) error {
	if err := f.balloc.Free(blk); err != nil {
		return err
	}
	if tx := f.txmgr.Active(); tx != nil {
		f.txmgr.RecordFreedBlocks(tx, blk)
	}
	delete(f.pending, blk)
	return nil
}

// allocInode takes an inode number, spreading directories across groups.
func (f *FS) allocInode(isDir bool, parentInum uint32) (uint32, error) {
	hint := bitmap.AllocationHint{IsDirectory: isDir}
	if !isDir && parentInum > 0 {
		group := (parentInum - 1) / f.sb.InodesPerGroup
		hint.Group = &group
	}
	unit, err := f.ialloc.Allocate(hint)
	if err != nil {
		return 0, err
	}
	inum := uint32(unit) + 1
	if tx := f.txmgr.Active(); tx != nil {
		f.txmgr.RecordAllocatedInodes(tx, inum)
	}
	if isDir {
		f.gds[(inum-1)/f.sb.InodesPerGroup].UsedDirsCount++
	}
	return inum, nil
}

// freeInode releases an inode number.
func (f *FS) freeInode(inum uint32, wasDir bool) error {
	if err := f.ialloc.Free(uint64(inum - 1)); err != nil {
		return err
	}
	if tx := f.txmgr.Active(); tx != nil {
		f.txmgr.RecordFreedInodes(tx, inum)
	}
	if wasDir {
		f.gds[(inum-1)/f.sb.InodesPerGroup].UsedDirsCount--
	}
	delete(f.inodeCache, inum)
	delete(f.dirtyInodes, inum)
	return nil
}

// writeInode marks an inode dirty; flushMetadata serializes it at commit.
func (f *FS) writeInode(inum uint32, ino *Inode) {
	f.inodeCache[inum] = ino
	f.dirtyInodes[inum] = true
}

// flushMetadata stages dirty inodes, bitmaps, group descriptors and the
// superblock into the transaction, in that order.
func (f *FS) flushMetadata() error {
	// Dirty inodes, grouped by inode-table block.
	byBlock := make(map[uint64][]uint32)
	for inum := range f.dirtyInodes {
		off, err := f.inodeLocation(inum)
		if err != nil {
			return err
		}
		blk := uint64(off) / uint64(f.blockSize)
		byBlock[blk] = append(byBlock[blk], inum)
	}
	for blk, inums := range byBlock {
		img, ok := f.readBlockOverlay(blk)
		if !ok {
			var err error
			img, err = f.readBlockRaw(blk)
			if err != nil {
				return err
			}
		}
		img = append([]byte(nil), img...)
		for _, inum := range inums {
			off, _ := f.inodeLocation(inum)
			within := off % int64(f.blockSize)
			raw := f.inodeCache[inum].Serialize(int(f.sb.InodeSize))
			copy(img[within:], raw)
		}
		if err := f.writeMetaBlock(jbd2.UpdateOther, blk, img); err != nil {
			return err
		}
	}
	f.dirtyInodes = make(map[uint32]bool)

	// Bitmaps.
	for gi, gd := range f.gds {
		bg := f.balloc.Groups()[gi]
		img := make([]byte, f.blockSize)
		copy(img, bg.Bitmap.Bytes())
		if err := f.writeMetaBlock(jbd2.UpdateBitmap, gd.BlockBitmap, img); err != nil {
			return err
		}
		ig := f.ialloc.Groups()[gi]
		img = make([]byte, f.blockSize)
		copy(img, ig.Bitmap.Bytes())
		if err := f.writeMetaBlock(jbd2.UpdateBitmap, gd.InodeBitmap, img); err != nil {
			return err
		}
		gd.FreeBlocksCount = uint32(bg.Free)
		gd.FreeInodesCount = uint32(ig.Free)
	}

	// Group descriptor table.
	gdtBlocks := (uint64(len(f.gds))*GroupDescSize + uint64(f.blockSize) - 1) / uint64(f.blockSize)
	raw := make([]byte, gdtBlocks*uint64(f.blockSize))
	for gi, gd := range f.gds {
		rec := gd.Serialize()
		if f.sb.FeatureRoCompat&RoCompatMetadataCk != 0 {
			gd.Checksum = GroupDescChecksum(f.sb.UUID, uint32(gi), rec)
			rec = gd.Serialize()
		}
		copy(raw[gi*GroupDescSize:], rec)
	}
	for b := uint64(0); b < gdtBlocks; b++ {
		if err := f.writeMetaBlock(jbd2.UpdateGroupDescriptor, f.gdtBlock()+b,
			raw[b*uint64(f.blockSize):(b+1)*uint64(f.blockSize)]); err != nil {
			return err
		}
	}

	// Superblock: free counters reconciled from the allocators.
	f.sb.FreeBlocksCount = f.balloc.FreeUnits()
	f.sb.FreeInodesCount = uint32(f.ialloc.FreeUnits())
	f.sb.Wtime = uint32(time.Now().Unix())
	return f.writeSuperblock()
}

// writeSuperblock patches the superblock bytes into their containing block.
func (f *FS) writeSuperblock() error {
	blk := uint64(SuperblockOffset) / uint64(f.blockSize)
	within := SuperblockOffset % int(f.blockSize)
	img, ok := f.readBlockOverlay(blk)
	if !ok {
		var err error
		img, err = f.readBlockRaw(blk)
		if err != nil {
			return err
		}
	}
	img = append([]byte(nil), img...)
	copy(img[within:], f.sb.Serialize())
	return f.writeMetaBlock(jbd2.UpdateSuperblock, blk, img)
}

// withTx wraps one public mutation in a journaled transaction: metadata is
// staged, committed to the journal, then checkpointed. On failure every
// dirty cache is dropped and authoritative state reloaded.
func (f *FS) withTx(op string, fn func(tx *jbd2.Transaction) error) error {
	if f.readOnly {
		return types.E(types.KindAccessDenied, op)
	}
	g, err := f.txmgr.BeginGuarded()
	if err != nil {
		return err
	}
	fail := func(err error) error {
		g.Rollback()
		f.discardDirtyState()
		return err
	}
	if err := fn(g.Tx()); err != nil {
		return fail(err)
	}
	if err := f.flushMetadata(); err != nil {
		return fail(err)
	}
	if err := g.Commit(); err != nil {
		return fail(err)
	}
	if err := f.txmgr.Checkpoint(); err != nil {
		f.discardDirtyState()
		return err
	}
	f.pending = make(pendingBlocks)
	return f.dev.Flush()
}

// discardDirtyState clears caches and reloads authoritative on-disk state
// so a subsequent retry re-reads the truth.
func (f *FS) discardDirtyState() {
	f.pending = make(pendingBlocks)
	f.inodeCache = make(map[uint32]*Inode)
	f.dirtyInodes = make(map[uint32]bool)
	raw := make([]byte, SuperblockSize)
	if _, err := f.dev.ReadAt(raw, SuperblockOffset); err == nil {
		if sb, err := ParseSuperblock(raw); err == nil {
			f.sb = sb
		}
	}
	if err := f.loadGroupDescs(); err != nil {
		log.WithError(err).Error("group descriptor reload failed after abort")
	}
	if err := f.loadAllocators(); err != nil {
		log.WithError(err).Error("allocator reload failed after abort")
	}
}

func nowTS() uint32 { return uint32(time.Now().Unix()) }

// newInode builds a fresh in-memory inode of the given mode.
func newInode(mode uint16) *Inode {
	ino := &Inode{
		Mode:       mode,
		LinksCount: 1,
		Atime:      nowTS(),
		Ctime:      nowTS(),
		Mtime:      nowTS(),
		Flags:      FlagExtents,
	}
	extent.InitRoot(ino.Block[:])
	return ino
}

// dirInsert adds a directory entry, splitting slack in an existing record
// or appending a fresh directory block when no run fits.
func (f *FS) dirInsert(dirInum uint32, name string, target uint32, fileType uint8) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return types.E(types.KindInvalidInput, "dir_insert", name)
	}
	dir, err := f.readInode(dirInum)
	if err != nil {
		return err
	}
	needed := (&DirEntry{Name: name}).MinRecLen()
	var placed bool
	bs := uint64(f.blockSize)
	blocks := uint32((dir.Size + bs - 1) / bs)
	for bi := uint32(0); bi < blocks && !placed; bi++ {
		phys, err := f.fileBlock(dir, bi)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		block, err := f.readBlock(phys)
		if err != nil {
			return err
		}
		off := 0
		for off < int(f.blockSize) {
			de, err := ParseDirEntry(block[off:])
			if err != nil {
				return err
			}
			var slack, keep uint16
			if de.Inode == 0 {
				slack, keep = de.RecLen, 0
			} else {
				keep = de.MinRecLen()
				slack = de.RecLen - keep
			}
			if slack >= needed {
				if de.Inode != 0 {
					de.RecLen = keep
					de.Put(block[off:])
				}
				ne := DirEntry{
					Inode:    target,
					RecLen:   slack,
					FileType: fileType,
					Name:     name,
				}
				ne.Put(block[off+int(keep):])
				if err := f.writeMetaBlock(jbd2.UpdateOther, phys, block); err != nil {
					return err
				}
				placed = true
				break
			}
			off += int(de.RecLen)
		}
	}
	if !placed {
		// Append a fresh directory block holding one spanning entry.
		goal := uint64(0)
		if blocks > 0 {
			if p, err := f.fileBlock(dir, blocks-1); err == nil {
				goal = p
			}
		}
		phys, err := f.allocBlock(goal, true)
		if err != nil {
			return err
		}
		t, err := f.tree(dir)
		if err != nil {
			return err
		}
		if err := t.Insert(extent.Extent{Logical: blocks, Len: 1, Physical: phys}); err != nil {
			return err
		}
		block := make([]byte, f.blockSize)
		ne := DirEntry{Inode: target, RecLen: uint16(f.blockSize), FileType: fileType, Name: name}
		ne.Put(block)
		if err := f.writeMetaBlock(jbd2.UpdateOther, phys, block); err != nil {
			return err
		}
		dir.Size += bs
		dir.BlocksLo += f.blockSize / 512
	}
	dir.Mtime = nowTS()
	f.writeInode(dirInum, dir)
	return nil
}

// dirRemove tombstones an entry, merging its record length into the
// previous live entry of the block.
func (f *FS) dirRemove(dirInum uint32, name string) error {
	dir, err := f.readInode(dirInum)
	if err != nil {
		return err
	}
	bs := uint64(f.blockSize)
	blocks := uint32((dir.Size + bs - 1) / bs)
	for bi := uint32(0); bi < blocks; bi++ {
		phys, err := f.fileBlock(dir, bi)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		block, err := f.readBlock(phys)
		if err != nil {
			return err
		}
		off, prevOff := 0, -1
		for off < int(f.blockSize) {
			de, err := ParseDirEntry(block[off:])
			if err != nil {
				return err
			}
			if de.Inode != 0 && de.Name == name {
				if prevOff >= 0 {
					prev, err := ParseDirEntry(block[prevOff:])
					if err != nil {
						return err
					}
					prev.RecLen += de.RecLen
					prev.Put(block[prevOff:])
				} else {
					de.Inode = 0
					de.Put(block[off:])
				}
				if err := f.writeMetaBlock(jbd2.UpdateOther, phys, block); err != nil {
					return err
				}
				dir.Mtime = nowTS()
				f.writeInode(dirInum, dir)
				return nil
			}
			prevOff = off
			off += int(de.RecLen)
		}
	}
	return types.E(types.KindNotFound, "dir_remove", name)
}

// dirIsEmpty reports whether a directory holds only dot entries.
func (f *FS) dirIsEmpty(ino *Inode) (bool, error) {
	empty := true
	err := f.walkDirBlocks(ino, func(_ uint32, _ int, de *DirEntry) (bool, error) {
		if de.Inode != 0 && de.Name != "." && de.Name != ".." {
			empty = false
			return true, nil
		}
		return false, nil
	})
	return empty, err
}

// setDotDot rewrites a directory's ".." entry to a new parent.
func (f *FS) setDotDot(dirInum, newParent uint32) error {
	dir, err := f.readInode(dirInum)
	if err != nil {
		return err
	}
	phys, err := f.fileBlock(dir, 0)
	if err != nil {
		return err
	}
	block, err := f.readBlock(phys)
	if err != nil {
		return err
	}
	off := 0
	for off < int(f.blockSize) {
		de, err := ParseDirEntry(block[off:])
		if err != nil {
			return err
		}
		if de.Name == ".." {
			de.Inode = newParent
			de.Put(block[off:])
			return f.writeMetaBlock(jbd2.UpdateOther, phys, block)
		}
		off += int(de.RecLen)
	}
	return types.E(types.KindCorruptMetadata, "set_dotdot")
}

// CreateFile implements fs.Writer.
func (f *FS) CreateFile(path string) error {
	return f.withTx("create_file", func(tx *jbd2.Transaction) error {
		parent, name, err := f.resolveParent(path)
		if err != nil {
			return err
		}
		pino, err := f.readInode(parent)
		if err != nil {
			return err
		}
		if _, err := f.lookup(pino, name); err == nil {
			return types.E(types.KindAlreadyExists, "create_file", path)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		inum, err := f.allocInode(false, parent)
		if err != nil {
			return err
		}
		f.writeInode(inum, newInode(ModeRegular|0o644))
		return f.dirInsert(parent, name, inum, FileTypeRegular)
	})
}

// Mkdir implements fs.Writer.
func (f *FS) Mkdir(path string) error {
	return f.withTx("mkdir", func(tx *jbd2.Transaction) error {
		parent, name, err := f.resolveParent(path)
		if err != nil {
			return err
		}
		pino, err := f.readInode(parent)
		if err != nil {
			return err
		}
		if _, err := f.lookup(pino, name); err == nil {
			return types.E(types.KindAlreadyExists, "mkdir", path)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		inum, err := f.allocInode(true, parent)
		if err != nil {
			return err
		}
		blk, err := f.allocBlock(0, true)
		if err != nil {
			return err
		}
		ino := newInode(ModeDirectory | 0o755)
		ino.LinksCount = 2
		ino.Size = uint64(f.blockSize)
		ino.BlocksLo = f.blockSize / 512
		t, err := f.tree(ino)
		if err != nil {
			return err
		}
		if err := t.Insert(extent.Extent{Logical: 0, Len: 1, Physical: blk}); err != nil {
			return err
		}
		// Dot and dot-dot are always the first two entries.
		block := make([]byte, f.blockSize)
		dot := DirEntry{Inode: inum, RecLen: 12, FileType: FileTypeDirectory, Name: "."}
		dot.Put(block)
		dotdot := DirEntry{
			Inode:    parent,
			RecLen:   uint16(f.blockSize) - 12,
			FileType: FileTypeDirectory,
			Name:     "..",
		}
		dotdot.Put(block[12:])
		if err := f.writeMetaBlock(jbd2.UpdateOther, blk, block); err != nil {
			return err
		}
		f.writeInode(inum, ino)
		if err := f.dirInsert(parent, name, inum, FileTypeDirectory); err != nil {
			return err
		}
		pino, err = f.readInode(parent)
		if err != nil {
			return err
		}
		pino.LinksCount++
		f.writeInode(parent, pino)
		return nil
	})
}

// ensureFileBlock maps one logical block, allocating near the file's last
// block to bias contiguity.
func (f *FS) ensureFileBlock(inum uint32, ino *Inode, logical uint32) (uint64, error) {
	t, err := f.tree(ino)
	if err != nil {
		return 0, err
	}
	e, err := t.Find(logical)
	if err != nil {
		return 0, err
	}
	if e != nil {
		return e.PhysicalFor(logical), nil
	}
	var goal uint64
	if logical > 0 {
		if p, err := f.fileBlock(ino, logical-1); err == nil && p != 0 {
			goal = p + 1
		}
	}
	phys, err := f.allocBlock(goal, false)
	if err != nil {
		return 0, err
	}
	if err := t.Insert(extent.Extent{Logical: logical, Len: 1, Physical: phys}); err != nil {
		return 0, err
	}
	ino.BlocksLo += f.blockSize / 512
	f.writeInode(inum, ino)
	// Fresh blocks start zeroed so holes and tails read back clean.
	zero := make([]byte, f.blockSize)
	if _, err := f.dev.WriteAt(zero, f.blockOffset(phys)); err != nil {
		return 0, types.E(types.KindIo, "ensure_block", err)
	}
	return phys, nil
}

// Write implements fs.Writer. File data is written in place; metadata
// changes ride the transaction.
func (f *FS) Write(path string, offset uint64, data []byte) error {
	return f.withTx("write", func(tx *jbd2.Transaction) error {
		inum, err := f.resolve(path, true)
		if err != nil {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		if ino.IsDirectory() {
			return types.E(types.KindIsADirectory, "write", path)
		}
		bs := uint64(f.blockSize)
		pos := offset
		remaining := data
		for len(remaining) > 0 {
			logical := uint32(pos / bs)
			within := pos % bs
			take := bs - within
			if take > uint64(len(remaining)) {
				take = uint64(len(remaining))
			}
			phys, err := f.ensureFileBlock(inum, ino, logical)
			if err != nil {
				return err
			}
			if _, err := f.dev.WriteAt(remaining[:take], f.blockOffset(phys)+int64(within)); err != nil {
				return types.E(types.KindIo, "write", err)
			}
			pos += take
			remaining = remaining[take:]
		}
		if offset+uint64(len(data)) > ino.Size {
			ino.Size = offset + uint64(len(data))
		}
		ino.Mtime = nowTS()
		f.writeInode(inum, ino)
		return nil
	})
}

// Truncate implements fs.Writer.
func (f *FS) Truncate(path string, size uint64) error {
	return f.withTx("truncate", func(tx *jbd2.Transaction) error {
		inum, err := f.resolve(path, true)
		if err != nil {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		if ino.IsDirectory() {
			return types.E(types.KindIsADirectory, "truncate", path)
		}
		bs := uint64(f.blockSize)
		switch {
		case size < ino.Size:
			keepBlocks := uint32((size + bs - 1) / bs)
			oldBlocks := uint32((ino.Size + bs - 1) / bs)
			if oldBlocks > keepBlocks {
				t, err := f.tree(ino)
				if err != nil {
					return err
				}
				freed, err := t.RemoveRange(keepBlocks, oldBlocks)
				if err != nil {
					return err
				}
				for _, blk := range freed {
					if err := f.freeBlock(blk); err != nil {
						return err
					}
				}
				ino.BlocksLo -= uint32(len(freed)) * (f.blockSize / 512)
			}
			// Zero the freed tail of the final kept block.
			if size%bs != 0 {
				phys, err := f.fileBlock(ino, uint32(size/bs))
				if err != nil {
					return err
				}
				if phys != 0 {
					within := size % bs
					zero := make([]byte, bs-within)
					if _, err := f.dev.WriteAt(zero, f.blockOffset(phys)+int64(within)); err != nil {
						return types.E(types.KindIo, "truncate", err)
					}
				}
			}
		case size > ino.Size:
			// Growth allocates zero-filled blocks.
			first := uint32(ino.Size / bs)
			last := uint32((size + bs - 1) / bs)
			for logical := first; logical < last; logical++ {
				if _, err := f.ensureFileBlock(inum, ino, logical); err != nil {
					return err
				}
				ino, err = f.readInode(inum)
				if err != nil {
					return err
				}
			}
		}
		ino.Size = size
		ino.Mtime = nowTS()
		f.writeInode(inum, ino)
		return nil
	})
}

// removeInodeData frees every data and tree block of an inode.
func (f *FS) removeInodeData(ino *Inode) error {
	t, err := f.tree(ino)
	if err != nil {
		return err
	}
	bs := uint64(f.blockSize)
	blocks := uint32((ino.Size + bs - 1) / bs)
	if blocks == 0 {
		return nil
	}
	freed, err := t.RemoveRange(0, blocks)
	if err != nil {
		return err
	}
	for _, blk := range freed {
		if err := f.freeBlock(blk); err != nil {
			return err
		}
	}
	return nil
}

// Unlink implements fs.Writer.
func (f *FS) Unlink(path string) error {
	return f.withTx("unlink", func(tx *jbd2.Transaction) error {
		parent, name, err := f.resolveParent(path)
		if err != nil {
			return err
		}
		pino, err := f.readInode(parent)
		if err != nil {
			return err
		}
		inum, err := f.lookup(pino, name)
		if err != nil {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		if ino.IsDirectory() {
			return types.E(types.KindIsADirectory, "unlink", path)
		}
		if err := f.dirRemove(parent, name); err != nil {
			return err
		}
		ino.LinksCount--
		if ino.LinksCount == 0 {
			if ino.IsRegular() || (ino.IsSymlink() && ino.Size >= 60) {
				if err := f.removeInodeData(ino); err != nil {
					return err
				}
			}
			ino.Dtime = nowTS()
			f.writeInode(inum, ino)
			return f.freeInode(inum, false)
		}
		ino.Ctime = nowTS()
		f.writeInode(inum, ino)
		return nil
	})
}

// Rmdir implements fs.Writer.
func (f *FS) Rmdir(path string) error {
	return f.withTx("rmdir", func(tx *jbd2.Transaction) error {
		parent, name, err := f.resolveParent(path)
		if err != nil {
			return err
		}
		pino, err := f.readInode(parent)
		if err != nil {
			return err
		}
		inum, err := f.lookup(pino, name)
		if err != nil {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		if !ino.IsDirectory() {
			return types.E(types.KindNotADirectory, "rmdir", path)
		}
		empty, err := f.dirIsEmpty(ino)
		if err != nil {
			return err
		}
		if !empty {
			return types.E(types.KindDirectoryNotEmpty, "rmdir", path)
		}
		if err := f.dirRemove(parent, name); err != nil {
			return err
		}
		if err := f.removeInodeData(ino); err != nil {
			return err
		}
		ino.LinksCount = 0
		ino.Dtime = nowTS()
		f.writeInode(inum, ino)
		if err := f.freeInode(inum, true); err != nil {
			return err
		}
		pino, err = f.readInode(parent)
		if err != nil {
			return err
		}
		pino.LinksCount-- // the removed directory's ".." no longer counts
		f.writeInode(parent, pino)
		return nil
	})
}

// Rename implements fs.Writer. The new entry is inserted and the old one
// removed, within one parent or across parents; across parents a moved
// directory's ".." plus both parents' link counts are adjusted.
func (f *FS) Rename(oldPath, newPath string) error {
	return f.withTx("rename", func(tx *jbd2.Transaction) error {
		oldParent, oldName, err := f.resolveParent(oldPath)
		if err != nil {
			return err
		}
		newParent, newName, err := f.resolveParent(newPath)
		if err != nil {
			return err
		}
		opino, err := f.readInode(oldParent)
		if err != nil {
			return err
		}
		inum, err := f.lookup(opino, oldName)
		if err != nil {
			return err
		}
		npino, err := f.readInode(newParent)
		if err != nil {
			return err
		}
		if _, err := f.lookup(npino, newName); err == nil {
			return types.E(types.KindAlreadyExists, "rename", newPath)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		fileType := uint8(FileTypeRegular)
		switch {
		case ino.IsDirectory():
			fileType = FileTypeDirectory
		case ino.IsSymlink():
			fileType = FileTypeSymlink
		}
		if err := f.dirInsert(newParent, newName, inum, fileType); err != nil {
			return err
		}
		if err := f.dirRemove(oldParent, oldName); err != nil {
			return err
		}
		if ino.IsDirectory() && oldParent != newParent {
			if err := f.setDotDot(inum, newParent); err != nil {
				return err
			}
			opino, err = f.readInode(oldParent)
			if err != nil {
				return err
			}
			opino.LinksCount--
			f.writeInode(oldParent, opino)
			npino, err = f.readInode(newParent)
			if err != nil {
				return err
			}
			npino.LinksCount++
			f.writeInode(newParent, npino)
		}
		ino.Ctime = nowTS()
		f.writeInode(inum, ino)
		return nil
	})
}

// Link implements fs.Writer: a second directory entry for the same inode.
func (f *FS) Link(oldPath, newPath string) error {
	return f.withTx("link", func(tx *jbd2.Transaction) error {
		inum, err := f.resolve(oldPath, true)
		if err != nil {
			return err
		}
		ino, err := f.readInode(inum)
		if err != nil {
			return err
		}
		if ino.IsDirectory() {
			return types.E(types.KindIsADirectory, "link", oldPath)
		}
		parent, name, err := f.resolveParent(newPath)
		if err != nil {
			return err
		}
		pino, err := f.readInode(parent)
		if err != nil {
			return err
		}
		if _, err := f.lookup(pino, name); err == nil {
			return types.E(types.KindAlreadyExists, "link", newPath)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		if err := f.dirInsert(parent, name, inum, FileTypeRegular); err != nil {
			return err
		}
		ino.LinksCount++
		ino.Ctime = nowTS()
		f.writeInode(inum, ino)
		return nil
	})
}

// FlushAllWrites implements fs.Writer: any committed-but-uncheckpointed
// transactions drain and the device syncs.
func (f *FS) FlushAllWrites() error {
	if err := f.txmgr.Checkpoint(); err != nil {
		return err
	}
	return f.dev.Flush()
}
