package exfat

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/bitmap"
	"github.com/onuse/moses/internal/config"
	"github.com/onuse/moses/internal/fatchain"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/recovery"
	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "exfat")

// Device is the raw access the exFAT engine needs.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() uint64
	Close() error
}

// dirLoc describes where a directory's entries live.
type dirLoc struct {
	first   uint32
	flags   uint8
	dataLen uint64
}

// foundSet is one parsed entry set with the device offsets of its slots.
type foundSet struct {
	set   *EntrySet
	slots []int64
}

// FS is an open exFAT volume.
type FS struct {
	dev      Device
	bs       *BootSector
	fat      *fatchain.Table
	heap     *bitmap.Bitmap
	readOnly bool
	rlog     *recovery.Log

	bitmapEntry  AllocationBitmapEntry
	bitmapChain  []uint32
	labelPresent bool
	label        string
	labelSlot    int64
	heapDirty    bool
}

// NewReader opens the volume read-only.
func NewReader(dev Device) (*FS, error) { return open(dev, true) }

// NewWriter opens the volume for mutation.
func NewWriter(dev Device) (*FS, error) { return open(dev, false) }

func open(dev Device, readOnly bool) (*FS, error) {
	raw := make([]byte, BootSectorSize)
	if _, err := dev.ReadAt(raw, 0); err != nil {
		return nil, types.E(types.KindIo, "exfat_open", err)
	}
	bs, err := ParseBootSector(raw)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	f := &FS{
		dev:      dev,
		bs:       bs,
		readOnly: readOnly,
		rlog:     recovery.NewLog(cfg.RecoveryMaxPoints),
	}
	f.fat = fatchain.New(dev, fatchain.Config{
		Width:         fatchain.WidthExfat,
		CopyOffsets:   []int64{bs.FatByteOffset()},
		ClusterCount:  bs.ClusterCount,
		MaxIterations: cfg.ChainMaxIterations,
	})
	if err := f.loadRootMetadata(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"clusters":     bs.ClusterCount,
		"cluster_size": bs.ClusterSize(),
	}).Debug("opened exFAT volume")
	return f, nil
}

// loadRootMetadata scans the root directory for the allocation bitmap,
// up-case table and volume label, then loads the bitmap into memory.
func (f *FS) loadRootMetadata() error {
	buf, offsets, err := f.readDirRaw(f.rootLoc())
	if err != nil {
		return err
	}
	for i := 0; i*DirEntrySize < len(buf); i++ {
		slot := buf[i*DirEntrySize:]
		switch slot[0] {
		case EntryTypeAllocationBitmap:
			if err := unpackEntry(slot, &f.bitmapEntry); err != nil {
				return err
			}
		case EntryTypeVolumeLabel:
			var vl VolumeLabelEntry
			if err := unpackEntry(slot, &vl); err != nil {
				return err
			}
			f.labelPresent = true
			f.labelSlot = offsets[i]
			runes := make([]rune, 0, vl.CharacterCount)
			for k := 0; k < int(vl.CharacterCount) && k < len(vl.VolumeLabel); k++ {
				runes = append(runes, rune(vl.VolumeLabel[k]))
			}
			f.label = string(runes)
		}
	}
	if f.bitmapEntry.EntryType != EntryTypeAllocationBitmap {
		return types.E(types.KindCorruptMetadata, "exfat_open")
	}
	chain, err := f.fat.GetChain(f.bitmapEntry.FirstCluster)
	if err != nil {
		return err
	}
	f.bitmapChain = chain
	bits := make([]byte, f.bitmapEntry.DataLength)
	cb := int64(f.bs.ClusterSize())
	var got int64
	for _, c := range chain {
		n := int64(len(bits)) - got
		if n > cb {
			n = cb
		}
		if n <= 0 {
			break
		}
		if _, err := f.dev.ReadAt(bits[got:got+n], f.bs.ClusterOffset(c)); err != nil {
			return types.E(types.KindIo, "exfat_open", err)
		}
		got += n
	}
	f.heap = bitmap.FromBytes(bits, uint64(f.bs.ClusterCount))
	return nil
}

func (f *FS) rootLoc() dirLoc {
	return dirLoc{first: f.bs.FirstClusterOfRootDirectory, flags: FlagAllocationPossible}
}

// chainFor resolves a data run: FAT chain, or a contiguous run when the
// no-FAT-chain flag is set.
func (f *FS) chainFor(loc dirLoc) ([]uint32, error) {
	if loc.first == 0 {
		return nil, nil
	}
	if loc.flags&FlagNoFatChain != 0 {
		cb := uint64(f.bs.ClusterSize())
		n := (loc.dataLen + cb - 1) / cb
		chain := make([]uint32, 0, n)
		for i := uint64(0); i < n; i++ {
			chain = append(chain, loc.first+uint32(i))
		}
		return chain, nil
	}
	return f.fat.GetChain(loc.first)
}

// readDirRaw loads a directory's clusters and the device offset of each
// 32-byte slot.
func (f *FS) readDirRaw(loc dirLoc) ([]byte, []int64, error) {
	chain, err := f.chainFor(loc)
	if err != nil {
		return nil, nil, err
	}
	cb := int(f.bs.ClusterSize())
	buf := make([]byte, 0, len(chain)*cb)
	offsets := make([]int64, 0, len(chain)*cb/DirEntrySize)
	for _, c := range chain {
		cbuf := make([]byte, cb)
		base := f.bs.ClusterOffset(c)
		if _, err := f.dev.ReadAt(cbuf, base); err != nil {
			return nil, nil, types.E(types.KindIo, "exfat_readdir", err)
		}
		buf = append(buf, cbuf...)
		for o := 0; o < cb; o += DirEntrySize {
			offsets = append(offsets, base+int64(o))
		}
	}
	return buf, offsets, nil
}

// walkDir yields every live entry set. fn returning true stops the walk.
func (f *FS) walkDir(loc dirLoc, fn func(foundSet) (bool, error)) error {
	buf, offsets, err := f.readDirRaw(loc)
	if err != nil {
		return err
	}
	for i := 0; i*DirEntrySize < len(buf); i++ {
		t := buf[i*DirEntrySize]
		if t == 0 {
			return nil
		}
		if t != EntryTypeFile {
			continue
		}
		set, err := ParseEntrySet(buf[i*DirEntrySize:])
		if err != nil {
			return err
		}
		count := set.SlotCount()
		slots := make([]int64, 0, count)
		for k := 0; k < count && i+k < len(offsets); k++ {
			slots = append(slots, offsets[i+k])
		}
		stop, err := fn(foundSet{set: set, slots: slots})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		i += int(set.File.SecondaryCount)
	}
	return nil
}

// lookup finds a name in a directory through the up-case fold.
func (f *FS) lookup(loc dirLoc, name string) (*foundSet, error) {
	hash := NameHash(name)
	var found *foundSet
	err := f.walkDir(loc, func(fe foundSet) (bool, error) {
		if fe.set.Stream.NameHash == hash && NamesEqual(fe.set.Name, name) {
			cp := fe
			found = &cp
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.E(types.KindNotFound, "lookup", name)
	}
	return found, nil
}

func (f *FS) locOf(set *EntrySet) dirLoc {
	return dirLoc{
		first:   set.Stream.FirstCluster,
		flags:   set.Stream.GeneralSecondaryFlags,
		dataLen: set.Stream.DataLength,
	}
}

// resolveDir resolves directory components from the root.
func (f *FS) resolveDir(parts []string) (dirLoc, error) {
	loc := f.rootLoc()
	for _, part := range parts {
		fe, err := f.lookup(loc, part)
		if err != nil {
			return dirLoc{}, err
		}
		if !fe.set.File.IsDirectory() {
			return dirLoc{}, types.E(types.KindNotADirectory, "resolve", part)
		}
		loc = f.locOf(fe.set)
	}
	return loc, nil
}

// resolveEntry resolves a path to its entry set and parent directory.
func (f *FS) resolveEntry(path string) (*foundSet, dirLoc, error) {
	parentParts, name, err := fs.SplitParent(path)
	if err != nil {
		return nil, dirLoc{}, err
	}
	parent, err := f.resolveDir(parentParts)
	if err != nil {
		return nil, dirLoc{}, err
	}
	fe, err := f.lookup(parent, name)
	if err != nil {
		return nil, parent, err
	}
	return fe, parent, nil
}

// Close flushes writers and releases the device.
func (f *FS) Close() error {
	if !f.readOnly {
		if err := f.FlushAllWrites(); err != nil {
			f.dev.Close()
			return err
		}
	}
	return f.dev.Close()
}

// Info implements fs.Reader.
func (f *FS) Info() (types.FilesystemInfo, error) {
	info := types.FilesystemInfo{
		Kind:        types.FilesystemExFAT,
		Label:       f.label,
		BlockSize:   f.bs.ClusterSize(),
		TotalBlocks: uint64(f.bs.ClusterCount),
		FreeBlocks:  f.heap.CountClear(),
	}
	info.UUID[0] = byte(f.bs.VolumeSerialNumber)
	info.UUID[1] = byte(f.bs.VolumeSerialNumber >> 8)
	info.UUID[2] = byte(f.bs.VolumeSerialNumber >> 16)
	info.UUID[3] = byte(f.bs.VolumeSerialNumber >> 24)
	return info, nil
}

func setAttr(set *EntrySet) types.FileAttr {
	attr := types.FileAttr{
		Size:      set.Stream.ValidDataLength,
		Mode:      0o644,
		Kind:      types.EntryKindFile,
		LinkCount: 1,
		Modified:  exfatTime(set.File.LastModifiedTimestamp),
		Accessed:  exfatTime(set.File.LastAccessedTimestamp),
		Changed:   exfatTime(set.File.CreateTimestamp),
	}
	if set.File.IsDirectory() {
		attr.Kind = types.EntryKindDirectory
		attr.Mode = 0o755
		attr.Size = 0
	}
	if set.File.FileAttributes&AttrReadOnly != 0 {
		attr.Mode &^= 0o222
	}
	return attr
}

// exfatTime decodes the packed DOS-style timestamp.
func exfatTime(ts uint32) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(ts>>25), time.Month(ts>>21&0xF), int(ts>>16&0x1F),
		int(ts>>11&0x1F), int(ts>>5&0x3F), int(ts&0x1F)*2, 0, time.UTC)
}

// makeExfatTime encodes a timestamp.
func makeExfatTime(t time.Time) uint32 {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return uint32(t.Year()-1980)<<25 | uint32(t.Month())<<21 | uint32(t.Day())<<16 |
		uint32(t.Hour())<<11 | uint32(t.Minute())<<5 | uint32(t.Second()/2)
}

// Stat implements fs.Reader.
func (f *FS) Stat(path string) (types.FileAttr, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return types.FileAttr{}, err
	}
	if len(parts) == 0 {
		return types.FileAttr{Kind: types.EntryKindDirectory, LinkCount: 1}, nil
	}
	fe, _, err := f.resolveEntry(path)
	if err != nil {
		return types.FileAttr{}, err
	}
	return setAttr(fe.set), nil
}

// ReadDir implements fs.Reader.
func (f *FS) ReadDir(path string) ([]types.DirEntry, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return nil, err
	}
	loc := f.rootLoc()
	if len(parts) > 0 {
		loc, err = f.resolveDir(parts)
		if err != nil {
			return nil, err
		}
	}
	var out []types.DirEntry
	err = f.walkDir(loc, func(fe foundSet) (bool, error) {
		kind := types.EntryKindFile
		if fe.set.File.IsDirectory() {
			kind = types.EntryKindDirectory
		}
		out = append(out, types.DirEntry{
			Name: fe.set.Name,
			Kind: kind,
			Size: fe.set.Stream.ValidDataLength,
		})
		return false, nil
	})
	return out, err
}

// Read implements fs.Reader.
func (f *FS) Read(path string, offset uint64, length uint32) ([]byte, error) {
	fe, _, err := f.resolveEntry(path)
	if err != nil {
		return nil, err
	}
	if fe.set.File.IsDirectory() {
		return nil, types.E(types.KindIsADirectory, "read", path)
	}
	size := fe.set.Stream.ValidDataLength
	if offset >= size {
		return nil, nil
	}
	if offset+uint64(length) > size {
		length = uint32(size - offset)
	}
	if length == 0 {
		return nil, nil
	}
	chain, err := f.chainFor(f.locOf(fe.set))
	if err != nil {
		return nil, err
	}
	cb := uint64(f.bs.ClusterSize())
	out := make([]byte, 0, length)
	remaining := uint64(length)
	pos := offset
	for _, c := range chain {
		if remaining == 0 {
			break
		}
		if pos >= cb {
			pos -= cb
			continue
		}
		take := cb - pos
		if take > remaining {
			take = remaining
		}
		buf := make([]byte, take)
		if _, err := f.dev.ReadAt(buf, f.bs.ClusterOffset(c)+int64(pos)); err != nil {
			return nil, types.E(types.KindIo, "read", err)
		}
		out = append(out, buf...)
		remaining -= take
		pos = 0
	}
	if remaining != 0 {
		return nil, types.E(types.KindCorruptChain, "read")
	}
	return out, nil
}

// StatFS implements fs.Reader.
func (f *FS) StatFS() (types.StatFS, error) {
	return types.StatFS{
		BlockSize:     f.bs.ClusterSize(),
		TotalBlocks:   uint64(f.bs.ClusterCount),
		FreeBlocks:    f.heap.CountClear(),
		MaxNameLength: MaxNameLength,
	}, nil
}
