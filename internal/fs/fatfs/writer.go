package fatfs

import (
	"strings"
	"time"

	"github.com/onuse/moses/internal/fatchain"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/recovery"
	"github.com/onuse/moses/internal/types"
)

// withGuard wraps one public mutation in a recovery guard: commit discards
// the undo log, any error path replays it and re-flushes the FAT so the
// restored cells reach the device.
func (f *FS) withGuard(op string, fn func(g *recovery.Guard) error) error {
	if f.readOnly {
		return types.E(types.KindAccessDenied, op)
	}
	g := f.rlog.Begin(op)
	if err := fn(g); err != nil {
		if rerr := g.RollbackTo(f.rlog); rerr != nil {
			log.WithError(rerr).Error("rollback failed")
		}
		if ferr := f.fat.Flush(); ferr != nil {
			log.WithError(ferr).Error("FAT restore flush failed")
		}
		return err
	}
	if err := f.fat.Flush(); err != nil {
		_ = g.RollbackTo(f.rlog)
		return err
	}
	g.CommitTo(f.rlog)
	return f.dev.Flush()
}

// guardFatCell snapshots a FAT cell so rollback can restore it.
func (f *FS) guardFatCell(g *recovery.Guard, n uint32) {
	old, err := f.fat.ReadEntry(n)
	if err != nil {
		return
	}
	g.Record("fat cell", func() error { return f.fat.WriteEntry(n, old) })
}

// zeroCluster clears a data cluster on the device.
func (f *FS) zeroCluster(c uint32) error {
	zero := make([]byte, f.bpb.ClusterBytes())
	if _, err := f.dev.WriteAt(zero, f.bpb.ClusterOffset(c)); err != nil {
		return types.E(types.KindIo, "zero_cluster", err)
	}
	return nil
}

// takenShortNames collects the 8.3 keys already used in a directory.
func (f *FS) takenShortNames(ref dirRef) (map[[11]byte]bool, error) {
	taken := make(map[[11]byte]bool)
	err := f.walkDir(ref, func(fe foundEntry) (bool, error) {
		taken[fe.entry.Name] = true
		return false, nil
	})
	return taken, err
}

// findFreeSlots locates n contiguous free slots, growing cluster-backed
// directories by one zeroed cluster when the existing regions are full.
func (f *FS) findFreeSlots(g *recovery.Guard, ref dirRef, n int) ([]int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		regions, err := f.slotRegions(ref)
		if err != nil {
			return nil, err
		}
		var run []int64
		buf := make([]byte, DirEntrySize)
		for _, reg := range regions {
			for off := reg[0]; off < reg[0]+reg[1]; off += DirEntrySize {
				if _, err := f.dev.ReadAt(buf, off); err != nil {
					return nil, types.E(types.KindIo, "dir_slots", err)
				}
				if buf[0] == slotEnd || buf[0] == slotDeleted {
					run = append(run, off)
					if len(run) == n {
						return run, nil
					}
				} else {
					run = run[:0]
				}
			}
			// Runs do not span discontiguous regions.
			run = run[:0]
		}
		if ref.fixedRoot {
			return nil, types.E(types.KindOutOfSpace, "dir_slots")
		}
		// Grow the directory by one cluster and rescan.
		chain, err := f.fat.GetChain(ref.cluster)
		if err != nil {
			return nil, err
		}
		tail := chain[len(chain)-1]
		f.guardFatCell(g, tail)
		newC, err := f.fat.ExtendChain(tail, 1)
		if err != nil {
			return nil, err
		}
		g.RecordBlockAllocation(uint64(newC), func(u uint64) error {
			return f.fat.WriteEntry(uint32(u), fatchain.Free)
		})
		if err := f.zeroCluster(newC); err != nil {
			return nil, err
		}
	}
	return nil, types.E(types.KindOutOfSpace, "dir_slots")
}

// insertEntry writes name's LFN chain (when needed) and short entry.
func (f *FS) insertEntry(g *recovery.Guard, ref dirRef, name string, raw RawEntry) error {
	taken, err := f.takenShortNames(ref)
	if err != nil {
		return err
	}
	short, err := ShortNameFor(name, taken)
	if err != nil {
		return err
	}
	raw.Name = short
	var lfn [][DirEntrySize]byte
	if NeedsLongName(name) {
		lfn = BuildLfnSlots(name, short)
	}
	slots, err := f.findFreeSlots(g, ref, len(lfn)+1)
	if err != nil {
		return err
	}
	for i, off := range slots {
		before := make([]byte, DirEntrySize)
		if _, err := f.dev.ReadAt(before, off); err != nil {
			return types.E(types.KindIo, "dir_insert", err)
		}
		g.RecordDataWrite(f.dev, off, before)
		var slot [DirEntrySize]byte
		if i < len(lfn) {
			slot = lfn[i]
		} else {
			raw.Put(slot[:])
		}
		if _, err := f.dev.WriteAt(slot[:], off); err != nil {
			return types.E(types.KindIo, "dir_insert", err)
		}
	}
	return nil
}

// removeEntry tombstones every slot of an entry set.
func (f *FS) removeEntry(g *recovery.Guard, fe *foundEntry) error {
	for _, off := range fe.slots {
		before := make([]byte, DirEntrySize)
		if _, err := f.dev.ReadAt(before, off); err != nil {
			return types.E(types.KindIo, "dir_remove", err)
		}
		g.RecordDataWrite(f.dev, off, before)
		if _, err := f.dev.WriteAt([]byte{slotDeleted}, off); err != nil {
			return types.E(types.KindIo, "dir_remove", err)
		}
	}
	return nil
}

// rewriteShortEntry updates an entry's short slot in place.
func (f *FS) rewriteShortEntry(g *recovery.Guard, fe *foundEntry) error {
	before := make([]byte, DirEntrySize)
	if _, err := f.dev.ReadAt(before, fe.dirSlot); err != nil {
		return types.E(types.KindIo, "dir_update", err)
	}
	g.RecordDataWrite(f.dev, fe.dirSlot, before)
	var slot [DirEntrySize]byte
	fe.entry.Put(slot[:])
	if _, err := f.dev.WriteAt(slot[:], fe.dirSlot); err != nil {
		return types.E(types.KindIo, "dir_update", err)
	}
	return nil
}

func newRawEntry(attr uint8) RawEntry {
	now := time.Now()
	date, tim := dosTime(now)
	return RawEntry{
		Attr:    attr,
		CrtDate: date, CrtTime: tim,
		WrtDate: date, WrtTime: tim,
		AccDate: date,
	}
}

// CreateFile implements fs.Writer.
func (f *FS) CreateFile(path string) error {
	return f.withGuard("create_file", func(g *recovery.Guard) error {
		parentParts, name, err := fs.SplitParent(path)
		if err != nil {
			return err
		}
		parent, err := f.resolveDir(parentParts)
		if err != nil {
			return err
		}
		if _, err := f.lookup(parent, name); err == nil {
			return types.E(types.KindAlreadyExists, "create_file", path)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		return f.insertEntry(g, parent, name, newRawEntry(AttrArchive))
	})
}

// ensureChainLength grows (zero-filled) or returns the file's chain so it
// covers clusters clusters; entry is updated when the head changes.
func (f *FS) ensureChainLength(g *recovery.Guard, fe *foundEntry, clusters uint32) ([]uint32, error) {
	var chain []uint32
	var err error
	if fe.entry.FirstCluster() != 0 {
		chain, err = f.fat.GetChain(fe.entry.FirstCluster())
		if err != nil {
			return nil, err
		}
	}
	if uint32(len(chain)) >= clusters {
		return chain, nil
	}
	need := clusters - uint32(len(chain))
	var first uint32
	if len(chain) == 0 {
		first, err = f.fat.AllocateChain(need)
		if err != nil {
			return nil, err
		}
		fe.entry.SetFirstCluster(first)
	} else {
		tail := chain[len(chain)-1]
		f.guardFatCell(g, tail)
		first, err = f.fat.ExtendChain(tail, need)
		if err != nil {
			return nil, err
		}
	}
	grown, err := f.fat.GetChain(first)
	if err != nil {
		return nil, err
	}
	for _, c := range grown {
		c := c
		g.RecordBlockAllocation(uint64(c), func(u uint64) error {
			return f.fat.WriteEntry(uint32(u), fatchain.Free)
		})
		if err := f.zeroCluster(c); err != nil {
			return nil, err
		}
	}
	return append(chain, grown...), nil
}

// Write implements fs.Writer.
func (f *FS) Write(path string, offset uint64, data []byte) error {
	return f.withGuard("write", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.entry.IsDirectory() {
			return types.E(types.KindIsADirectory, "write", path)
		}
		end := offset + uint64(len(data))
		cb := uint64(f.bpb.ClusterBytes())
		clusters := uint32((end + cb - 1) / cb)
		chain, err := f.ensureChainLength(g, fe, clusters)
		if err != nil {
			return err
		}
		// Scatter the data across the covering clusters.
		remaining := data
		pos := offset
		for _, c := range chain {
			if len(remaining) == 0 {
				break
			}
			if pos >= cb {
				pos -= cb
				continue
			}
			take := cb - pos
			if take > uint64(len(remaining)) {
				take = uint64(len(remaining))
			}
			off := f.bpb.ClusterOffset(c) + int64(pos)
			before := make([]byte, take)
			if _, err := f.dev.ReadAt(before, off); err != nil {
				return types.E(types.KindIo, "write", err)
			}
			g.RecordDataWrite(f.dev, off, before)
			if _, err := f.dev.WriteAt(remaining[:take], off); err != nil {
				return types.E(types.KindIo, "write", err)
			}
			remaining = remaining[take:]
			pos = 0
		}
		if end > uint64(fe.entry.Size) {
			fe.entry.Size = uint32(end)
		}
		date, tim := dosTime(time.Now())
		fe.entry.WrtDate, fe.entry.WrtTime = date, tim
		return f.rewriteShortEntry(g, fe)
	})
}

// Truncate implements fs.Writer.
func (f *FS) Truncate(path string, size uint64) error {
	return f.withGuard("truncate", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.entry.IsDirectory() {
			return types.E(types.KindIsADirectory, "truncate", path)
		}
		cb := uint64(f.bpb.ClusterBytes())
		keep := uint32((size + cb - 1) / cb)
		old := uint64(fe.entry.Size)
		switch {
		case size > old:
			if _, err := f.ensureChainLength(g, fe, keep); err != nil {
				return err
			}
		case size < old && fe.entry.FirstCluster() != 0:
			chain, err := f.fat.GetChain(fe.entry.FirstCluster())
			if err != nil {
				return err
			}
			if keep == 0 {
				for _, c := range chain {
					f.guardFatCell(g, c)
				}
				if err := f.fat.FreeChain(fe.entry.FirstCluster()); err != nil {
					return err
				}
				fe.entry.SetFirstCluster(0)
			} else if uint32(len(chain)) > keep {
				// Cut the chain after the last kept cluster.
				f.guardFatCell(g, chain[keep-1])
				for _, c := range chain[keep:] {
					f.guardFatCell(g, c)
				}
				if err := f.fat.WriteEntry(chain[keep-1], f.fat.Width().EOC()); err != nil {
					return err
				}
				for _, c := range chain[keep:] {
					if err := f.fat.WriteEntry(c, fatchain.Free); err != nil {
						return err
					}
				}
			}
			// Zero the freed tail of the final kept cluster.
			if keep > 0 && size%cb != 0 {
				tail := chain[keep-1]
				within := size % cb
				off := f.bpb.ClusterOffset(tail) + int64(within)
				n := cb - within
				before := make([]byte, n)
				if _, err := f.dev.ReadAt(before, off); err != nil {
					return types.E(types.KindIo, "truncate", err)
				}
				g.RecordDataWrite(f.dev, off, before)
				if _, err := f.dev.WriteAt(make([]byte, n), off); err != nil {
					return types.E(types.KindIo, "truncate", err)
				}
			}
		}
		fe.entry.Size = uint32(size)
		date, tim := dosTime(time.Now())
		fe.entry.WrtDate, fe.entry.WrtTime = date, tim
		return f.rewriteShortEntry(g, fe)
	})
}

// Unlink implements fs.Writer.
func (f *FS) Unlink(path string) error {
	return f.withGuard("unlink", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.entry.IsDirectory() {
			return types.E(types.KindIsADirectory, "unlink", path)
		}
		if fe.entry.FirstCluster() != 0 {
			chain, err := f.fat.GetChain(fe.entry.FirstCluster())
			if err != nil {
				return err
			}
			for _, c := range chain {
				f.guardFatCell(g, c)
			}
			if err := f.fat.FreeChain(fe.entry.FirstCluster()); err != nil {
				return err
			}
		}
		return f.removeEntry(g, fe)
	})
}

// Mkdir implements fs.Writer.
func (f *FS) Mkdir(path string) error {
	return f.withGuard("mkdir", func(g *recovery.Guard) error {
		parentParts, name, err := fs.SplitParent(path)
		if err != nil {
			return err
		}
		parent, err := f.resolveDir(parentParts)
		if err != nil {
			return err
		}
		if _, err := f.lookup(parent, name); err == nil {
			return types.E(types.KindAlreadyExists, "mkdir", path)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		c, err := f.fat.AllocateCluster()
		if err != nil {
			return err
		}
		g.RecordBlockAllocation(uint64(c), func(u uint64) error {
			return f.fat.WriteEntry(uint32(u), fatchain.Free)
		})
		if err := f.zeroCluster(c); err != nil {
			return err
		}
		// Dot and dot-dot open every directory.
		dot := newRawEntry(AttrDirectory)
		copy(dot.Name[:], ".          ")
		dot.SetFirstCluster(c)
		dotdot := newRawEntry(AttrDirectory)
		copy(dotdot.Name[:], "..         ")
		if !parent.fixedRoot && parent.cluster != f.bpb.RootCluster {
			dotdot.SetFirstCluster(parent.cluster)
		}
		slot := make([]byte, DirEntrySize)
		dot.Put(slot)
		if _, err := f.dev.WriteAt(slot, f.bpb.ClusterOffset(c)); err != nil {
			return types.E(types.KindIo, "mkdir", err)
		}
		dotdot.Put(slot)
		if _, err := f.dev.WriteAt(slot, f.bpb.ClusterOffset(c)+DirEntrySize); err != nil {
			return types.E(types.KindIo, "mkdir", err)
		}
		e := newRawEntry(AttrDirectory)
		e.SetFirstCluster(c)
		return f.insertEntry(g, parent, name, e)
	})
}

// isDirEmpty reports whether a directory holds only dot entries.
func (f *FS) isDirEmpty(ref dirRef) (bool, error) {
	empty := true
	err := f.walkDir(ref, func(fe foundEntry) (bool, error) {
		if fe.name == "." || fe.name == ".." || fe.entry.IsVolumeLabel() {
			return false, nil
		}
		empty = false
		return true, nil
	})
	return empty, err
}

// Rmdir implements fs.Writer.
func (f *FS) Rmdir(path string) error {
	return f.withGuard("rmdir", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if !fe.entry.IsDirectory() {
			return types.E(types.KindNotADirectory, "rmdir", path)
		}
		ref := dirRef{cluster: fe.entry.FirstCluster()}
		empty, err := f.isDirEmpty(ref)
		if err != nil {
			return err
		}
		if !empty {
			return types.E(types.KindDirectoryNotEmpty, "rmdir", path)
		}
		chain, err := f.fat.GetChain(fe.entry.FirstCluster())
		if err != nil {
			return err
		}
		for _, c := range chain {
			f.guardFatCell(g, c)
		}
		if err := f.fat.FreeChain(fe.entry.FirstCluster()); err != nil {
			return err
		}
		return f.removeEntry(g, fe)
	})
}

// Rename implements fs.Writer.
func (f *FS) Rename(oldPath, newPath string) error {
	return f.withGuard("rename", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(oldPath)
		if err != nil {
			return err
		}
		newParentParts, newName, err := fs.SplitParent(newPath)
		if err != nil {
			return err
		}
		newParent, err := f.resolveDir(newParentParts)
		if err != nil {
			return err
		}
		if _, err := f.lookup(newParent, newName); err == nil {
			return types.E(types.KindAlreadyExists, "rename", newPath)
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		moved := fe.entry
		if err := f.insertEntry(g, newParent, newName, moved); err != nil {
			return err
		}
		if err := f.removeEntry(g, fe); err != nil {
			return err
		}
		// A moved directory's dot-dot entry must name the new parent.
		if moved.IsDirectory() {
			ref := dirRef{cluster: moved.FirstCluster()}
			var dotdot *foundEntry
			werr := f.walkDir(ref, func(de foundEntry) (bool, error) {
				if de.name == ".." {
					cp := de
					dotdot = &cp
					return true, nil
				}
				return false, nil
			})
			if werr != nil {
				return werr
			}
			if dotdot != nil {
				parentCluster := uint32(0)
				if !newParent.fixedRoot && newParent.cluster != f.bpb.RootCluster {
					parentCluster = newParent.cluster
				}
				dotdot.entry.SetFirstCluster(parentCluster)
				if err := f.rewriteShortEntry(g, dotdot); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Link implements fs.Writer. FAT has no hard links.
func (f *FS) Link(string, string) error {
	return types.E(types.KindUnsupported, "link")
}

// FlushAllWrites implements fs.Writer: dirty FAT cells reach every copy,
// FAT32 free-count hints are refreshed, and the device is synced.
func (f *FS) FlushAllWrites() error {
	if err := f.fat.Flush(); err != nil {
		return err
	}
	if f.variant == types.FilesystemFAT32 && f.bpb.FSInfoSector != 0 {
		if err := f.writeFSInfo(); err != nil {
			return err
		}
	}
	return f.dev.Flush()
}

// writeFSInfo refreshes the FAT32 FSInfo sector's free-count hint.
func (f *FS) writeFSInfo() error {
	free, err := f.fat.CountFree()
	if err != nil {
		return err
	}
	b := make([]byte, f.bpb.BytesPerSector)
	putFSInfo(b, free, 2)
	off := int64(f.bpb.FSInfoSector) * int64(f.bpb.BytesPerSector)
	if _, err := f.dev.WriteAt(b, off); err != nil {
		return types.E(types.KindIo, "fsinfo", err)
	}
	return nil
}

// SetLabel rewrites the volume label in the root directory and BPB.
func (f *FS) SetLabel(label string) error {
	return f.withGuard("set_label", func(g *recovery.Guard) error {
		var labelRaw [11]byte
		for i := range labelRaw {
			labelRaw[i] = ' '
		}
		copy(labelRaw[:], strings.ToUpper(label))
		bootOff := int64(43)
		if f.variant == types.FilesystemFAT32 {
			bootOff = 71
		}
		bootBefore := make([]byte, len(labelRaw))
		if _, err := f.dev.ReadAt(bootBefore, bootOff); err != nil {
			return types.E(types.KindIo, "set_label", err)
		}
		g.RecordDataWrite(f.dev, bootOff, bootBefore)
		if _, err := f.dev.WriteAt(labelRaw[:], bootOff); err != nil {
			return types.E(types.KindIo, "set_label", err)
		}
		var existing *foundEntry
		err := f.walkDir(f.rootRef(), func(fe foundEntry) (bool, error) {
			if fe.entry.IsVolumeLabel() {
				cp := fe
				existing = &cp
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if existing != nil {
			existing.entry.Name = labelRaw
			return f.rewriteShortEntry(g, existing)
		}
		e := newRawEntry(AttrVolumeID)
		e.Name = labelRaw
		slots, err := f.findFreeSlots(g, f.rootRef(), 1)
		if err != nil {
			return err
		}
		before := make([]byte, DirEntrySize)
		if _, err := f.dev.ReadAt(before, slots[0]); err != nil {
			return types.E(types.KindIo, "set_label", err)
		}
		g.RecordDataWrite(f.dev, slots[0], before)
		var slot [DirEntrySize]byte
		e.Put(slot[:])
		if _, err := f.dev.WriteAt(slot[:], slots[0]); err != nil {
			return types.E(types.KindIo, "set_label", err)
		}
		return nil
	})
}
