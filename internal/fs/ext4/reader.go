package ext4

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/bitmap"
	"github.com/onuse/moses/internal/config"
	"github.com/onuse/moses/internal/extent"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/jbd2"
	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "ext4")

// Device is the raw access the ext4 engine needs.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() uint64
	Close() error
}

// FS is an open ext4 volume. One handle backs both façades; readOnly gates
// the writer surface.
type FS struct {
	dev       Device
	sb        *Superblock
	gds       []*GroupDesc
	blockSize uint32
	readOnly  bool
	cfg       *config.Config

	txmgr   *jbd2.Manager
	journal *jbd2.Journal

	balloc *bitmap.Allocator
	ialloc *bitmap.Allocator

	inodeCache  map[uint32]*Inode
	dirtyInodes map[uint32]bool
	pending     pendingBlocks
	lastAlloc   uint64
}

// NewReader opens the volume read-only.
func NewReader(dev Device) (*FS, error) { return open(dev, true) }

// NewWriter opens the volume for mutation, replaying any committed journal
// transactions left from an unclean shutdown before the first operation.
func NewWriter(dev Device) (*FS, error) { return open(dev, false) }

func open(dev Device, readOnly bool) (*FS, error) {
	raw := make([]byte, SuperblockSize)
	if _, err := dev.ReadAt(raw, SuperblockOffset); err != nil {
		return nil, types.E(types.KindIo, "ext4_open", err)
	}
	sb, err := ParseSuperblock(raw)
	if err != nil {
		return nil, err
	}
	f := &FS{
		dev:         dev,
		sb:          sb,
		blockSize:   sb.BlockSize(),
		readOnly:    readOnly,
		cfg:         config.Default(),
		inodeCache:  make(map[uint32]*Inode),
		dirtyInodes: make(map[uint32]bool),
	}
	if err := f.loadGroupDescs(); err != nil {
		return nil, err
	}
	if !readOnly {
		if err := f.setupWriter(); err != nil {
			return nil, err
		}
	}
	log.WithFields(logrus.Fields{
		"block_size": f.blockSize,
		"groups":     len(f.gds),
	}).Debug("opened ext4 volume")
	return f, nil
}

// gdtBlock returns the first block of the group descriptor table.
func (f *FS) gdtBlock() uint64 {
	if f.blockSize == 1024 {
		return 2
	}
	return 1
}

func (f *FS) loadGroupDescs() error {
	count := f.sb.GroupCount()
	raw, err := f.readBlocks(f.gdtBlock(), (uint64(count)*GroupDescSize+uint64(f.blockSize)-1)/uint64(f.blockSize))
	if err != nil {
		return err
	}
	f.gds = f.gds[:0]
	for i := uint32(0); i < count; i++ {
		gd, err := ParseGroupDesc(raw[i*GroupDescSize:])
		if err != nil {
			return err
		}
		f.gds = append(f.gds, gd)
	}
	return nil
}

func (f *FS) blockOffset(block uint64) int64 {
	return int64(block) * int64(f.blockSize)
}

// readBlock observes the active transaction's staged writes first, then
// falls through to the device.
func (f *FS) readBlock(block uint64) ([]byte, error) {
	if img, ok := f.readBlockOverlay(block); ok {
		cp := make([]byte, len(img))
		copy(cp, img)
		return cp, nil
	}
	return f.readBlockRaw(block)
}

func (f *FS) readBlockRaw(block uint64) ([]byte, error) {
	b := make([]byte, f.blockSize)
	if _, err := f.dev.ReadAt(b, f.blockOffset(block)); err != nil {
		return nil, types.E(types.KindIo, "read_block", err)
	}
	return b, nil
}

func (f *FS) readBlocks(start, count uint64) ([]byte, error) {
	b := make([]byte, count*uint64(f.blockSize))
	if _, err := f.dev.ReadAt(b, f.blockOffset(start)); err != nil {
		return nil, types.E(types.KindIo, "read_blocks", err)
	}
	return b, nil
}

// inodeLocation returns the device byte offset of an inode record.
func (f *FS) inodeLocation(inum uint32) (int64, error) {
	if inum == 0 || inum > f.sb.InodesCount {
		return 0, types.E(types.KindInvalidInput, "inode_location")
	}
	group := (inum - 1) / f.sb.InodesPerGroup
	index := (inum - 1) % f.sb.InodesPerGroup
	if int(group) >= len(f.gds) {
		return 0, types.E(types.KindCorruptMetadata, "inode_location")
	}
	return f.blockOffset(f.gds[group].InodeTable) + int64(index)*int64(f.sb.InodeSize), nil
}

// readInode returns the cached or on-disk inode record.
func (f *FS) readInode(inum uint32) (*Inode, error) {
	if ino, ok := f.inodeCache[inum]; ok {
		return ino, nil
	}
	off, err := f.inodeLocation(inum)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, f.sb.InodeSize)
	if _, err := f.dev.ReadAt(raw, off); err != nil {
		return nil, types.E(types.KindIo, "read_inode", err)
	}
	ino, err := ParseInode(raw)
	if err != nil {
		return nil, err
	}
	f.inodeCache[inum] = ino
	return ino, nil
}

// extentStore adapts the filesystem to the extent tree's block interface.
// Allocations route through the block allocator and the active transaction.
type extentStore struct{ f *FS }

func (s extentStore) ReadBlock(p uint64) ([]byte, error) { return s.f.readBlock(p) }

func (s extentStore) WriteBlock(p uint64, d []byte) error {
	return s.f.writeMetaBlock(jbd2.UpdateOther, p, d)
}

func (s extentStore) AllocateBlock(goal uint64) (uint64, error) { return s.f.allocBlock(goal, false) }

func (s extentStore) FreeBlock(p uint64) error { return s.f.freeBlock(p) }

func (s extentStore) BlockSize() uint32 { return s.f.blockSize }

// tree returns the inode's extent tree.
func (f *FS) tree(ino *Inode) (*extent.Tree, error) {
	if ino.Flags&FlagExtents == 0 {
		return nil, types.E(types.KindUnsupported, "extent_tree")
	}
	return extent.NewTree(extentStore{f}, ino.Block[:]), nil
}

// fileBlock maps a logical file block to its physical block; zero means a
// hole.
func (f *FS) fileBlock(ino *Inode, logical uint32) (uint64, error) {
	t, err := f.tree(ino)
	if err != nil {
		return 0, err
	}
	e, err := t.Find(logical)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	return e.PhysicalFor(logical), nil
}

// readFileData reads length bytes of file content starting at offset,
// clamped to the inode size.
func (f *FS) readFileData(ino *Inode, offset uint64, length uint32) ([]byte, error) {
	if offset >= ino.Size {
		return nil, nil
	}
	if offset+uint64(length) > ino.Size {
		length = uint32(ino.Size - offset)
	}
	out := make([]byte, 0, length)
	bs := uint64(f.blockSize)
	for length > 0 {
		logical := uint32(offset / bs)
		within := offset % bs
		take := bs - within
		if take > uint64(length) {
			take = uint64(length)
		}
		phys, err := f.fileBlock(ino, logical)
		if err != nil {
			return nil, err
		}
		if phys == 0 {
			out = append(out, make([]byte, take)...)
		} else {
			buf := make([]byte, take)
			if _, err := f.dev.ReadAt(buf, f.blockOffset(phys)+int64(within)); err != nil {
				return nil, types.E(types.KindIo, "read", err)
			}
			out = append(out, buf...)
		}
		offset += take
		length -= uint32(take)
	}
	return out, nil
}

// walkDirBlocks invokes fn for every entry record of a directory's blocks,
// including unused records (inode 0); fn returning true stops the walk.
func (f *FS) walkDirBlocks(ino *Inode, fn func(blockIndex uint32, offsetInBlock int, de *DirEntry) (bool, error)) error {
	bs := uint64(f.blockSize)
	blocks := uint32((ino.Size + bs - 1) / bs)
	for bi := uint32(0); bi < blocks; bi++ {
		phys, err := f.fileBlock(ino, bi)
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
			stop, err := fn(bi, off, de)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			off += int(de.RecLen)
		}
	}
	return nil
}

// lookupLinear scans directory blocks for a name.
func (f *FS) lookupLinear(ino *Inode, name string) (uint32, error) {
	var found uint32
	err := f.walkDirBlocks(ino, func(_ uint32, _ int, de *DirEntry) (bool, error) {
		if de.Inode != 0 && de.Name == name {
			found = de.Inode
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, types.E(types.KindNotFound, "lookup", name)
	}
	return found, nil
}

// lookupHTree walks the hash index to the candidate leaf, then scans it.
func (f *FS) lookupHTree(ino *Inode, name string) (uint32, error) {
	phys, err := f.fileBlock(ino, 0)
	if err != nil {
		return 0, err
	}
	rootBlock, err := f.readBlock(phys)
	if err != nil {
		return 0, err
	}
	root, err := parseDxRoot(rootBlock)
	if err != nil {
		return 0, err
	}
	hash, err := DirHash(root.HashVersion, [4]uint32{}, name)
	if err != nil {
		return 0, err
	}
	entries := root.Entries
	for level := uint8(0); ; level++ {
		leafLogical := dxPick(entries, hash)
		leafPhys, err := f.fileBlock(ino, leafLogical)
		if err != nil {
			return 0, err
		}
		block, err := f.readBlock(leafPhys)
		if err != nil {
			return 0, err
		}
		if level < root.IndirectLevels {
			entries, err = parseDxNode(block)
			if err != nil {
				return 0, err
			}
			continue
		}
		// Leaf: linear scan.
		off := 0
		for off < int(f.blockSize) {
			de, err := ParseDirEntry(block[off:])
			if err != nil {
				return 0, err
			}
			if de.Inode != 0 && de.Name == name {
				return de.Inode, nil
			}
			off += int(de.RecLen)
		}
		return 0, types.E(types.KindNotFound, "lookup", name)
	}
}

// lookup finds name in the directory inode.
func (f *FS) lookup(ino *Inode, name string) (uint32, error) {
	if !ino.IsDirectory() {
		return 0, types.E(types.KindNotADirectory, "lookup", name)
	}
	if ino.Flags&FlagIndex != 0 {
		return f.lookupHTree(ino, name)
	}
	return f.lookupLinear(ino, name)
}

// readSymlink returns a symlink's target.
func (f *FS) readSymlink(ino *Inode) (string, error) {
	if ino.Size < 60 {
		return string(ino.Block[:ino.Size]), nil
	}
	data, err := f.readFileData(ino, 0, uint32(ino.Size))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// resolve walks a path to its inode number, following symlinks up to the
// configured depth.
func (f *FS) resolve(path string, followLeaf bool) (uint32, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return 0, err
	}
	return f.resolveFrom(RootInode, parts, followLeaf, 0)
}

func (f *FS) resolveFrom(start uint32, parts []string, followLeaf bool, depth int) (uint32, error) {
	if depth > f.cfg.SymlinkMaxDepth {
		return 0, types.E(types.KindTooManyLinks, "resolve")
	}
	cur := start
	for i, part := range parts {
		ino, err := f.readInode(cur)
		if err != nil {
			return 0, err
		}
		next, err := f.lookup(ino, part)
		if err != nil {
			return 0, err
		}
		leaf := i == len(parts)-1
		target, err := f.readInode(next)
		if err != nil {
			return 0, err
		}
		if target.IsSymlink() && (!leaf || followLeaf) {
			dest, err := f.readSymlink(target)
			if err != nil {
				return 0, err
			}
			if !strings.HasPrefix(dest, "/") {
				dest = "/" + dest
			}
			destParts, err := fs.SplitPath(dest)
			if err != nil {
				return 0, err
			}
			resolved, err := f.resolveFrom(RootInode, destParts, true, depth+1)
			if err != nil {
				return 0, err
			}
			next = resolved
		}
		cur = next
	}
	return cur, nil
}

// resolveParent returns the parent directory inode number and leaf name.
func (f *FS) resolveParent(path string) (uint32, string, error) {
	parentParts, name, err := fs.SplitParent(path)
	if err != nil {
		return 0, "", err
	}
	parent, err := f.resolveFrom(RootInode, parentParts, true, 0)
	if err != nil {
		return 0, "", err
	}
	return parent, name, nil
}

// Close flushes writers and releases the handle.
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
	kind := types.FilesystemExt2
	if f.sb.FeatureIncompat&IncompatExtents != 0 {
		kind = types.FilesystemExt4
	} else if f.sb.FeatureCompat&CompatHasJournal != 0 {
		kind = types.FilesystemExt3
	}
	return types.FilesystemInfo{
		Kind:        kind,
		Label:       strings.TrimRight(string(f.sb.VolumeName[:]), "\x00"),
		UUID:        f.sb.UUID,
		BlockSize:   f.blockSize,
		TotalBlocks: f.sb.BlocksCount,
		FreeBlocks:  f.sb.FreeBlocksCount,
	}, nil
}

func inodeAttr(ino *Inode) types.FileAttr {
	attr := types.FileAttr{
		Size:      ino.Size,
		Mode:      uint32(ino.Mode) & 0o7777,
		LinkCount: uint32(ino.LinksCount),
		Accessed:  time.Unix(int64(ino.Atime), 0).UTC(),
		Modified:  time.Unix(int64(ino.Mtime), 0).UTC(),
		Changed:   time.Unix(int64(ino.Ctime), 0).UTC(),
	}
	switch {
	case ino.IsDirectory():
		attr.Kind = types.EntryKindDirectory
	case ino.IsSymlink():
		attr.Kind = types.EntryKindSymlink
	case ino.IsRegular():
		attr.Kind = types.EntryKindFile
	default:
		attr.Kind = types.EntryKindOther
	}
	return attr
}

// Stat implements fs.Reader.
func (f *FS) Stat(path string) (types.FileAttr, error) {
	inum, err := f.resolve(path, false)
	if err != nil {
		return types.FileAttr{}, err
	}
	ino, err := f.readInode(inum)
	if err != nil {
		return types.FileAttr{}, err
	}
	return inodeAttr(ino), nil
}

// ReadDir implements fs.Reader.
func (f *FS) ReadDir(path string) ([]types.DirEntry, error) {
	inum, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	ino, err := f.readInode(inum)
	if err != nil {
		return nil, err
	}
	if !ino.IsDirectory() {
		return nil, types.E(types.KindNotADirectory, "readdir", path)
	}
	var out []types.DirEntry
	err = f.walkDirBlocks(ino, func(_ uint32, _ int, de *DirEntry) (bool, error) {
		if de.Inode == 0 || de.Name == "." || de.Name == ".." {
			return false, nil
		}
		kind := types.EntryKindOther
		switch de.FileType {
		case FileTypeRegular:
			kind = types.EntryKindFile
		case FileTypeDirectory:
			kind = types.EntryKindDirectory
		case FileTypeSymlink:
			kind = types.EntryKindSymlink
		}
		entry := types.DirEntry{Name: de.Name, Kind: kind}
		if target, err := f.readInode(de.Inode); err == nil {
			entry.Size = target.Size
		}
		out = append(out, entry)
		return false, nil
	})
	return out, err
}

// Read implements fs.Reader.
func (f *FS) Read(path string, offset uint64, length uint32) ([]byte, error) {
	inum, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	ino, err := f.readInode(inum)
	if err != nil {
		return nil, err
	}
	if ino.IsDirectory() {
		return nil, types.E(types.KindIsADirectory, "read", path)
	}
	return f.readFileData(ino, offset, length)
}

// StatFS implements fs.Reader.
func (f *FS) StatFS() (types.StatFS, error) {
	return types.StatFS{
		BlockSize:     f.blockSize,
		TotalBlocks:   f.sb.BlocksCount,
		FreeBlocks:    f.sb.FreeBlocksCount,
		TotalInodes:   uint64(f.sb.InodesCount),
		FreeInodes:    uint64(f.sb.FreeInodesCount),
		MaxNameLength: MaxNameLength,
	}, nil
}
