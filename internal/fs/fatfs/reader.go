package fatfs

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/config"
	"github.com/onuse/moses/internal/fatchain"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/recovery"
	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "fatfs")

// Device is the raw access the FAT engine needs; device.AlignedFile
// satisfies it.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() uint64
	Close() error
}

// FS is an open FAT16/FAT32 volume. The same handle backs the reader and
// writer façades; readOnly gates mutation.
type FS struct {
	dev      Device
	bpb      *BPB
	fat      *fatchain.Table
	variant  types.FilesystemKind
	readOnly bool
	rlog     *recovery.Log
	cfg      *config.Config
}

// dirRef locates a directory's storage.
type dirRef struct {
	fixedRoot bool   // FAT16 fixed root region
	cluster   uint32 // first cluster, when not fixedRoot
}

// foundEntry is one live directory entry with its slot locations.
type foundEntry struct {
	entry   RawEntry
	name    string
	slots   []int64 // byte offsets of the LFN slots and short slot, in order
	dirSlot int64   // offset of the short slot
}

// NewReader opens the volume read-only.
func NewReader(dev Device) (*FS, error) {
	return open(dev, true)
}

// NewWriter opens the volume for mutation.
func NewWriter(dev Device) (*FS, error) {
	return open(dev, false)
}

func open(dev Device, readOnly bool) (*FS, error) {
	sector := make([]byte, BootSectorSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil, types.E(types.KindIo, "fat_open", err)
	}
	bpb, err := ParseBPB(sector)
	if err != nil {
		return nil, err
	}
	variant := bpb.Variant()
	if variant == types.FilesystemUnknown {
		return nil, types.E(types.KindFilesystemUnrecognized, "fat_open")
	}
	cfg := config.Default()
	width := fatchain.Width16
	if variant == types.FilesystemFAT32 {
		width = fatchain.Width32
	}
	f := &FS{
		dev:      dev,
		bpb:      bpb,
		variant:  variant,
		readOnly: readOnly,
		rlog:     recovery.NewLog(cfg.RecoveryMaxPoints),
		cfg:      cfg,
	}
	f.fat = fatchain.New(dev, fatchain.Config{
		Width:         width,
		CopyOffsets:   bpb.FATOffsets(),
		ClusterCount:  bpb.CountOfClusters(),
		MaxIterations: cfg.ChainMaxIterations,
	})
	log.WithFields(logrus.Fields{
		"variant":  variant.String(),
		"clusters": bpb.CountOfClusters(),
	}).Debug("opened FAT volume")
	return f, nil
}

// Kind returns the detected variant.
func (f *FS) Kind() types.FilesystemKind { return f.variant }

// Close flushes dirty state (writers) and releases the device handle.
func (f *FS) Close() error {
	if !f.readOnly {
		if err := f.FlushAllWrites(); err != nil {
			f.dev.Close()
			return err
		}
	}
	return f.dev.Close()
}

// rootRef locates the root directory for the variant.
func (f *FS) rootRef() dirRef {
	if f.variant == types.FilesystemFAT32 {
		return dirRef{cluster: f.bpb.RootCluster}
	}
	return dirRef{fixedRoot: true}
}

// slotRegions returns the byte ranges making up a directory, in order.
func (f *FS) slotRegions(ref dirRef) ([][2]int64, error) {
	if ref.fixedRoot {
		start := f.bpb.RootDirOffset()
		length := int64(f.bpb.RootEntryCount) * DirEntrySize
		return [][2]int64{{start, length}}, nil
	}
	chain, err := f.fat.GetChain(ref.cluster)
	if err != nil {
		return nil, err
	}
	regions := make([][2]int64, 0, len(chain))
	cb := int64(f.bpb.ClusterBytes())
	for _, c := range chain {
		regions = append(regions, [2]int64{f.bpb.ClusterOffset(c), cb})
	}
	return regions, nil
}

// walkDir invokes fn for every live entry. fn returning true stops early.
func (f *FS) walkDir(ref dirRef, fn func(foundEntry) (bool, error)) error {
	regions, err := f.slotRegions(ref)
	if err != nil {
		return err
	}
	var acc lfnAccumulator
	var pendingSlots []int64
	buf := make([]byte, DirEntrySize)
	for _, reg := range regions {
		for off := reg[0]; off < reg[0]+reg[1]; off += DirEntrySize {
			if _, err := f.dev.ReadAt(buf, off); err != nil {
				return types.E(types.KindIo, "readdir", err)
			}
			switch {
			case buf[0] == slotEnd:
				return nil
			case buf[0] == slotDeleted:
				acc.reset()
				pendingSlots = nil
				continue
			case buf[11]&AttrLongName == AttrLongName:
				acc.add(buf)
				pendingSlots = append(pendingSlots, off)
				continue
			}
			e := ParseRawEntry(buf)
			long := acc.take(e.Name)
			name := long
			if name == "" {
				name = e.ShortName()
			}
			slots := append(pendingSlots, off)
			pendingSlots = nil
			stop, err := fn(foundEntry{entry: e, name: name, slots: slots, dirSlot: off})
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	return nil
}

// lookup finds name (case-insensitive, as FAT names are) in ref.
func (f *FS) lookup(ref dirRef, name string) (*foundEntry, error) {
	var found *foundEntry
	err := f.walkDir(ref, func(fe foundEntry) (bool, error) {
		if fe.entry.IsVolumeLabel() {
			return false, nil
		}
		if strings.EqualFold(fe.name, name) {
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

// resolveDir walks the components and returns the directory they name.
func (f *FS) resolveDir(parts []string) (dirRef, error) {
	ref := f.rootRef()
	for _, part := range parts {
		fe, err := f.lookup(ref, part)
		if err != nil {
			return dirRef{}, err
		}
		if !fe.entry.IsDirectory() {
			return dirRef{}, types.E(types.KindNotADirectory, "resolve", part)
		}
		ref = dirRef{cluster: fe.entry.FirstCluster()}
	}
	return ref, nil
}

// resolveEntry resolves a full path to its entry and the parent directory.
func (f *FS) resolveEntry(path string) (*foundEntry, dirRef, error) {
	parentParts, name, err := fs.SplitParent(path)
	if err != nil {
		return nil, dirRef{}, err
	}
	parent, err := f.resolveDir(parentParts)
	if err != nil {
		return nil, dirRef{}, err
	}
	fe, err := f.lookup(parent, name)
	if err != nil {
		return nil, parent, err
	}
	return fe, parent, nil
}

// Info implements fs.Reader.
func (f *FS) Info() (types.FilesystemInfo, error) {
	info := types.FilesystemInfo{
		Kind:      f.variant,
		BlockSize: f.bpb.ClusterBytes(),
	}
	info.TotalBlocks = uint64(f.bpb.CountOfClusters())
	free, err := f.fat.CountFree()
	if err != nil {
		return info, err
	}
	info.FreeBlocks = uint64(free)
	// Prefer the root volume-label entry; fall back to the BPB label.
	label := ""
	_ = f.walkDir(f.rootRef(), func(fe foundEntry) (bool, error) {
		if fe.entry.IsVolumeLabel() {
			label = strings.TrimRight(string(fe.entry.Name[:]), " ")
			return true, nil
		}
		return false, nil
	})
	if label == "" {
		label = strings.TrimRight(string(f.bpb.VolumeLabel[:]), " ")
	}
	info.Label = label
	// The 32-bit volume serial stands in for a UUID.
	info.UUID[0] = byte(f.bpb.VolumeID)
	info.UUID[1] = byte(f.bpb.VolumeID >> 8)
	info.UUID[2] = byte(f.bpb.VolumeID >> 16)
	info.UUID[3] = byte(f.bpb.VolumeID >> 24)
	return info, nil
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
	return entryAttr(fe.entry), nil
}

func entryAttr(e RawEntry) types.FileAttr {
	attr := types.FileAttr{
		Size:      uint64(e.Size),
		Mode:      0o644,
		Kind:      types.EntryKindFile,
		LinkCount: 1,
		Modified:  fromDosTime(e.WrtDate, e.WrtTime),
		Accessed:  fromDosTime(e.AccDate, 0),
		Changed:   fromDosTime(e.CrtDate, e.CrtTime),
	}
	if e.IsDirectory() {
		attr.Kind = types.EntryKindDirectory
		attr.Mode = 0o755
		attr.Size = 0
	}
	if e.Attr&AttrReadOnly != 0 {
		attr.Mode &^= 0o222
	}
	return attr
}

// ReadDir implements fs.Reader.
func (f *FS) ReadDir(path string) ([]types.DirEntry, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return nil, err
	}
	var ref dirRef
	if len(parts) == 0 {
		ref = f.rootRef()
	} else {
		fe, _, err := f.resolveEntry(path)
		if err != nil {
			return nil, err
		}
		if !fe.entry.IsDirectory() {
			return nil, types.E(types.KindNotADirectory, "readdir", path)
		}
		ref = dirRef{cluster: fe.entry.FirstCluster()}
	}
	var out []types.DirEntry
	err = f.walkDir(ref, func(fe foundEntry) (bool, error) {
		if fe.entry.IsVolumeLabel() || fe.name == "." || fe.name == ".." {
			return false, nil
		}
		kind := types.EntryKindFile
		if fe.entry.IsDirectory() {
			kind = types.EntryKindDirectory
		}
		out = append(out, types.DirEntry{Name: fe.name, Kind: kind, Size: uint64(fe.entry.Size)})
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
	if fe.entry.IsDirectory() {
		return nil, types.E(types.KindIsADirectory, "read", path)
	}
	size := uint64(fe.entry.Size)
	if offset >= size {
		return nil, nil
	}
	if offset+uint64(length) > size {
		length = uint32(size - offset)
	}
	if length == 0 {
		return nil, nil
	}
	if fe.entry.FirstCluster() == 0 {
		return nil, types.E(types.KindCorruptMetadata, "read", path)
	}
	chain, err := f.fat.GetChain(fe.entry.FirstCluster())
	if err != nil {
		return nil, err
	}
	return f.readFromChain(chain, offset, length)
}

func (f *FS) readFromChain(chain []uint32, offset uint64, length uint32) ([]byte, error) {
	cb := uint64(f.bpb.ClusterBytes())
	out := make([]byte, 0, length)
	remaining := uint64(length)
	for _, c := range chain {
		if remaining == 0 {
			break
		}
		if offset >= cb {
			offset -= cb
			continue
		}
		take := cb - offset
		if take > remaining {
			take = remaining
		}
		buf := make([]byte, take)
		if _, err := f.dev.ReadAt(buf, f.bpb.ClusterOffset(c)+int64(offset)); err != nil {
			return nil, types.E(types.KindIo, "read", err)
		}
		out = append(out, buf...)
		remaining -= take
		offset = 0
	}
	if remaining != 0 {
		return nil, types.E(types.KindCorruptChain, "read")
	}
	return out, nil
}

// StatFS implements fs.Reader.
func (f *FS) StatFS() (types.StatFS, error) {
	free, err := f.fat.CountFree()
	if err != nil {
		return types.StatFS{}, err
	}
	return types.StatFS{
		BlockSize:     f.bpb.ClusterBytes(),
		TotalBlocks:   uint64(f.bpb.CountOfClusters()),
		FreeBlocks:    uint64(free),
		MaxNameLength: MaxLongName,
	}, nil
}
