package exfat

import (
	"time"

	"github.com/onuse/moses/internal/fatchain"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/recovery"
	"github.com/onuse/moses/internal/types"
)

// withGuard wraps one public mutation in a recovery guard.
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

// allocCluster takes one cluster through the FAT free scan and mirrors the
// allocation into the heap bitmap.
func (f *FS) allocCluster(g *recovery.Guard) (uint32, error) {
	c, err := f.fat.AllocateCluster()
	if err != nil {
		return 0, err
	}
	f.heap.Set(uint64(c - firstDataCluster))
	f.heapDirty = true
	g.Record("cluster allocation", func() error {
		f.heap.Clear(uint64(c - firstDataCluster))
		return f.fat.WriteEntry(c, fatchain.Free)
	})
	return c, nil
}

// guardFatCell snapshots a FAT cell for rollback.
func (f *FS) guardFatCell(g *recovery.Guard, n uint32) {
	old, err := f.fat.ReadEntry(n)
	if err != nil {
		return
	}
	g.Record("fat cell", func() error { return f.fat.WriteEntry(n, old) })
}

// freeChain releases a FAT chain and its heap bits.
func (f *FS) freeChain(g *recovery.Guard, first uint32) error {
	chain, err := f.fat.GetChain(first)
	if err != nil {
		return err
	}
	for _, c := range chain {
		c := c
		f.guardFatCell(g, c)
		g.Record("heap bit", func() error { f.heap.Set(uint64(c - firstDataCluster)); return nil })
		f.heap.Clear(uint64(c - firstDataCluster))
	}
	f.heapDirty = true
	return f.fat.FreeChain(first)
}

func (f *FS) zeroCluster(c uint32) error {
	zero := make([]byte, f.bs.ClusterSize())
	if _, err := f.dev.WriteAt(zero, f.bs.ClusterOffset(c)); err != nil {
		return types.E(types.KindIo, "zero_cluster", err)
	}
	return nil
}

// findFreeSlots locates n contiguous free slots in a directory, extending
// FAT-chained directories by one zeroed cluster when full.
func (f *FS) findFreeSlots(g *recovery.Guard, loc dirLoc, n int) ([]int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		buf, offsets, err := f.readDirRaw(loc)
		if err != nil {
			return nil, err
		}
		var run []int64
		for i := 0; i*DirEntrySize < len(buf); i++ {
			t := buf[i*DirEntrySize]
			if t == 0 || t&entryTypeInUse == 0 {
				run = append(run, offsets[i])
				if len(run) == n {
					return run, nil
				}
			} else {
				run = run[:0]
				i += secondaryCountOf(buf[i*DirEntrySize:])
			}
		}
		if loc.flags&FlagNoFatChain != 0 {
			return nil, types.E(types.KindOutOfSpace, "dir_slots")
		}
		chain, err := f.fat.GetChain(loc.first)
		if err != nil {
			return nil, err
		}
		tail := chain[len(chain)-1]
		f.guardFatCell(g, tail)
		c, err := f.allocCluster(g)
		if err != nil {
			return nil, err
		}
		if err := f.fat.WriteEntry(tail, c); err != nil {
			return nil, err
		}
		if err := f.zeroCluster(c); err != nil {
			return nil, err
		}
	}
	return nil, types.E(types.KindOutOfSpace, "dir_slots")
}

// secondaryCountOf reads the secondary count of a primary slot, so the
// free-slot scan can skip whole sets.
func secondaryCountOf(slot []byte) int {
	if slot[0] == EntryTypeFile {
		return int(slot[1])
	}
	return 0
}

// writeSlots writes raw entry bytes across possibly discontiguous slots.
func (f *FS) writeSlots(g *recovery.Guard, raw []byte, slots []int64) error {
	for i, off := range slots {
		before := make([]byte, DirEntrySize)
		if _, err := f.dev.ReadAt(before, off); err != nil {
			return types.E(types.KindIo, "dir_write", err)
		}
		g.RecordDataWrite(f.dev, off, before)
		if _, err := f.dev.WriteAt(raw[i*DirEntrySize:(i+1)*DirEntrySize], off); err != nil {
			return types.E(types.KindIo, "dir_write", err)
		}
	}
	return nil
}

// insertSet serializes and stores an entry set in a directory.
func (f *FS) insertSet(g *recovery.Guard, loc dirLoc, set *EntrySet) error {
	raw, err := set.Serialize()
	if err != nil {
		return err
	}
	slots, err := f.findFreeSlots(g, loc, len(raw)/DirEntrySize)
	if err != nil {
		return err
	}
	return f.writeSlots(g, raw, slots)
}

// removeSet clears the in-use bit on every slot of a set.
func (f *FS) removeSet(g *recovery.Guard, fe *foundSet) error {
	for _, off := range fe.slots {
		before := make([]byte, DirEntrySize)
		if _, err := f.dev.ReadAt(before, off); err != nil {
			return types.E(types.KindIo, "dir_remove", err)
		}
		g.RecordDataWrite(f.dev, off, before)
		if _, err := f.dev.WriteAt([]byte{before[0] &^ entryTypeInUse}, off); err != nil {
			return types.E(types.KindIo, "dir_remove", err)
		}
	}
	return nil
}

// rewriteSet re-serializes a set over its existing slots. The name must be
// unchanged so the slot count stays fixed.
func (f *FS) rewriteSet(g *recovery.Guard, fe *foundSet) error {
	raw, err := fe.set.Serialize()
	if err != nil {
		return err
	}
	if len(raw)/DirEntrySize != len(fe.slots) {
		return types.E(types.KindInvalidInput, "dir_update")
	}
	return f.writeSlots(g, raw, fe.slots)
}

func newEntrySet(name string, attrs uint16) *EntrySet {
	now := makeExfatTime(time.Now())
	return &EntrySet{
		File: FileEntry{
			FileAttributes:        attrs,
			CreateTimestamp:       now,
			LastModifiedTimestamp: now,
			LastAccessedTimestamp: now,
		},
		Stream: StreamExtensionEntry{
			GeneralSecondaryFlags: FlagAllocationPossible,
		},
		Name: name,
	}
}

// ensureNotExists fails with AlreadyExists when name is present.
func (f *FS) ensureNotExists(loc dirLoc, name string) error {
	if _, err := f.lookup(loc, name); err == nil {
		return types.E(types.KindAlreadyExists, "exists", name)
	} else if !types.IsKind(err, types.KindNotFound) {
		return err
	}
	return nil
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
		if err := f.ensureNotExists(parent, name); err != nil {
			return err
		}
		return f.insertSet(g, parent, newEntrySet(name, AttrArchive))
	})
}

// Mkdir implements fs.Writer. exFAT directories carry no dot entries; a
// fresh directory is one zeroed cluster.
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
		if err := f.ensureNotExists(parent, name); err != nil {
			return err
		}
		c, err := f.allocCluster(g)
		if err != nil {
			return err
		}
		if err := f.zeroCluster(c); err != nil {
			return err
		}
		set := newEntrySet(name, AttrDirectory)
		set.Stream.FirstCluster = c
		set.Stream.DataLength = uint64(f.bs.ClusterSize())
		set.Stream.ValidDataLength = set.Stream.DataLength
		return f.insertSet(g, parent, set)
	})
}

// ensureChainLength grows the file's chain to cover the given cluster
// count, zero-filling new clusters.
func (f *FS) ensureChainLength(g *recovery.Guard, set *EntrySet, clusters uint32) ([]uint32, error) {
	var chain []uint32
	var err error
	if set.Stream.FirstCluster != 0 {
		chain, err = f.chainFor(f.locOf(set))
		if err != nil {
			return nil, err
		}
	}
	for uint32(len(chain)) < clusters {
		c, err := f.allocCluster(g)
		if err != nil {
			return nil, err
		}
		if err := f.zeroCluster(c); err != nil {
			return nil, err
		}
		if len(chain) == 0 {
			set.Stream.FirstCluster = c
		} else {
			tail := chain[len(chain)-1]
			f.guardFatCell(g, tail)
			if err := f.fat.WriteEntry(tail, c); err != nil {
				return nil, err
			}
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// Write implements fs.Writer.
func (f *FS) Write(path string, offset uint64, data []byte) error {
	return f.withGuard("write", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.set.File.IsDirectory() {
			return types.E(types.KindIsADirectory, "write", path)
		}
		end := offset + uint64(len(data))
		cb := uint64(f.bs.ClusterSize())
		chain, err := f.ensureChainLength(g, fe.set, uint32((end+cb-1)/cb))
		if err != nil {
			return err
		}
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
			off := f.bs.ClusterOffset(c) + int64(pos)
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
		if end > fe.set.Stream.ValidDataLength {
			fe.set.Stream.ValidDataLength = end
		}
		if end > fe.set.Stream.DataLength {
			fe.set.Stream.DataLength = end
		}
		fe.set.File.LastModifiedTimestamp = makeExfatTime(time.Now())
		return f.rewriteSet(g, fe)
	})
}

// Truncate implements fs.Writer.
func (f *FS) Truncate(path string, size uint64) error {
	return f.withGuard("truncate", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.set.File.IsDirectory() {
			return types.E(types.KindIsADirectory, "truncate", path)
		}
		cb := uint64(f.bs.ClusterSize())
		keep := uint32((size + cb - 1) / cb)
		old := fe.set.Stream.ValidDataLength
		switch {
		case size > old:
			if _, err := f.ensureChainLength(g, fe.set, keep); err != nil {
				return err
			}
		case size < old && fe.set.Stream.FirstCluster != 0:
			chain, err := f.chainFor(f.locOf(fe.set))
			if err != nil {
				return err
			}
			if keep == 0 {
				if err := f.freeChain(g, fe.set.Stream.FirstCluster); err != nil {
					return err
				}
				fe.set.Stream.FirstCluster = 0
			} else if uint32(len(chain)) > keep {
				f.guardFatCell(g, chain[keep-1])
				if err := f.fat.WriteEntry(chain[keep-1], f.fat.Width().EOC()); err != nil {
					return err
				}
				for _, c := range chain[keep:] {
					c := c
					f.guardFatCell(g, c)
					g.Record("heap bit", func() error {
						f.heap.Set(uint64(c - firstDataCluster))
						return nil
					})
					f.heap.Clear(uint64(c - firstDataCluster))
					if err := f.fat.WriteEntry(c, fatchain.Free); err != nil {
						return err
					}
				}
				f.heapDirty = true
			}
			if keep > 0 && size%cb != 0 {
				tail := chain[keep-1]
				within := size % cb
				off := f.bs.ClusterOffset(tail) + int64(within)
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
		fe.set.Stream.ValidDataLength = size
		fe.set.Stream.DataLength = size
		fe.set.File.LastModifiedTimestamp = makeExfatTime(time.Now())
		return f.rewriteSet(g, fe)
	})
}

// Unlink implements fs.Writer.
func (f *FS) Unlink(path string) error {
	return f.withGuard("unlink", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if fe.set.File.IsDirectory() {
			return types.E(types.KindIsADirectory, "unlink", path)
		}
		if fe.set.Stream.FirstCluster != 0 {
			if err := f.freeChain(g, fe.set.Stream.FirstCluster); err != nil {
				return err
			}
		}
		return f.removeSet(g, fe)
	})
}

// Rmdir implements fs.Writer.
func (f *FS) Rmdir(path string) error {
	return f.withGuard("rmdir", func(g *recovery.Guard) error {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return err
		}
		if !fe.set.File.IsDirectory() {
			return types.E(types.KindNotADirectory, "rmdir", path)
		}
		empty := true
		if err := f.walkDir(f.locOf(fe.set), func(foundSet) (bool, error) {
			empty = false
			return true, nil
		}); err != nil {
			return err
		}
		if !empty {
			return types.E(types.KindDirectoryNotEmpty, "rmdir", path)
		}
		if fe.set.Stream.FirstCluster != 0 {
			if err := f.freeChain(g, fe.set.Stream.FirstCluster); err != nil {
				return err
			}
		}
		return f.removeSet(g, fe)
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
		if err := f.ensureNotExists(newParent, newName); err != nil {
			return err
		}
		moved := &EntrySet{File: fe.set.File, Stream: fe.set.Stream, Name: newName}
		if err := f.insertSet(g, newParent, moved); err != nil {
			return err
		}
		return f.removeSet(g, fe)
	})
}

// Link implements fs.Writer. exFAT has no hard links.
func (f *FS) Link(string, string) error {
	return types.E(types.KindUnsupported, "link")
}

// flushHeap writes the in-memory allocation bitmap back over its clusters.
func (f *FS) flushHeap() error {
	if !f.heapDirty {
		return nil
	}
	bits := f.heap.Bytes()
	cb := int64(f.bs.ClusterSize())
	var done int64
	for _, c := range f.bitmapChain {
		n := int64(len(bits)) - done
		if n > cb {
			n = cb
		}
		if n <= 0 {
			break
		}
		if _, err := f.dev.WriteAt(bits[done:done+n], f.bs.ClusterOffset(c)); err != nil {
			return types.E(types.KindIo, "flush_bitmap", err)
		}
		done += n
	}
	f.heapDirty = false
	return nil
}

// FlushAllWrites implements fs.Writer: FAT, allocation bitmap and the
// percent-in-use hint (excluded from the boot checksum) reach the device.
func (f *FS) FlushAllWrites() error {
	if err := f.fat.Flush(); err != nil {
		return err
	}
	if err := f.flushHeap(); err != nil {
		return err
	}
	used := uint64(f.bs.ClusterCount) - f.heap.CountClear()
	percent := uint8(0)
	if f.bs.ClusterCount > 0 {
		percent = uint8(used * 100 / uint64(f.bs.ClusterCount))
	}
	if _, err := f.dev.WriteAt([]byte{percent}, 112); err != nil {
		return types.E(types.KindIo, "flush", err)
	}
	return f.dev.Flush()
}
