//go:build !windows

// Package fusehost adapts the engine's mount bridge to a FUSE daemon. The
// Windows side consumes the same bridge.Host through a projected
// filesystem provider that lives outside this module.
package fusehost

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/bridge"
	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "fusehost")

// fileSystem maps FUSE inode IDs onto engine paths. Inode 1 is the root;
// children are numbered on first lookup and never reused within a mount.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	host bridge.Host

	mu     sync.Mutex
	paths  map[fuseops.InodeID]string
	ids    map[string]fuseops.InodeID
	nextID fuseops.InodeID
}

// Mount serves the bridge host at the given directory until the mount is
// torn down externally.
func Mount(ctx context.Context, host bridge.Host, dir string, readOnly bool) error {
	fsys := &fileSystem{
		host:   host,
		paths:  map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		ids:    map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextID: fuseops.RootInodeID + 1,
	}
	cfg := &fuse.MountConfig{
		FSName:   "moses",
		ReadOnly: readOnly,
	}
	mfs, err := fuse.Mount(dir, fuseutil.NewFileSystemServer(fsys), cfg)
	if err != nil {
		return types.E(types.KindIo, "fuse_mount", err)
	}
	log.WithField("dir", dir).Info("mounted")
	if err := mfs.Join(ctx); err != nil {
		return types.E(types.KindIo, "fuse_join", err)
	}
	return host.Release()
}

func (f *fileSystem) pathOf(id fuseops.InodeID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.paths[id]
	return p, ok
}

func (f *fileSystem) idFor(p string) fuseops.InodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.ids[p]; ok {
		return id
	}
	id := f.nextID
	f.nextID++
	f.ids[p] = id
	f.paths[id] = p
	return id
}

func (f *fileSystem) forget(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.ids[p]; ok {
		delete(f.ids, p)
		delete(f.paths, id)
	}
}

func mapError(err error) error {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return fuse.ENOENT
	case types.KindAlreadyExists:
		return fuse.EEXIST
	case types.KindNotADirectory:
		return fuse.ENOTDIR
	case types.KindIsADirectory:
		return fuse.EIO
	case types.KindDirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case types.KindAccessDenied:
		return syscall.EACCES
	case types.KindInvalidInput:
		return fuse.EINVAL
	default:
		return fuse.EIO
	}
}

func toInodeAttributes(attr types.FileAttr) fuseops.InodeAttributes {
	mode := os.FileMode(attr.Mode & 0o777)
	switch attr.Kind {
	case types.EntryKindDirectory:
		mode |= os.ModeDir
	case types.EntryKindSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:  attr.Size,
		Nlink: attr.LinkCount,
		Mode:  mode,
		Atime: attr.Accessed,
		Mtime: attr.Modified,
		Ctime: attr.Changed,
	}
}

func (f *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	sfs, err := f.host.StatFS()
	if err != nil {
		return mapError(err)
	}
	op.BlockSize = sfs.BlockSize
	op.Blocks = sfs.TotalBlocks
	op.BlocksFree = sfs.FreeBlocks
	op.BlocksAvailable = sfs.FreeBlocks
	op.IoSize = sfs.BlockSize
	op.Inodes = sfs.TotalInodes
	op.InodesFree = sfs.FreeInodes
	return nil
}

func (f *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := f.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	child := path.Join(parent, op.Name)
	attr, err := f.host.Lookup(child)
	if err != nil {
		return mapError(err)
	}
	op.Entry.Child = f.idFor(child)
	op.Entry.Attributes = toInodeAttributes(attr)
	return nil
}

func (f *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := f.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := f.host.GetAttributes(p)
	if err != nil {
		return mapError(err)
	}
	op.Attributes = toInodeAttributes(attr)
	return nil
}

func (f *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, ok := f.pathOf(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (f *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	p, ok := f.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := f.host.ReadDir(p)
	if err != nil {
		return mapError(err)
	}
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		dt := fuseutil.DT_File
		if e.Kind == types.EntryKindDirectory {
			dt = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  f.idFor(path.Join(p, e.Name)),
			Name:   e.Name,
			Type:   dt,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (f *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := f.pathOf(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (f *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	p, ok := f.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	data, err := f.host.ReadFile(p, uint64(op.Offset), uint32(len(op.Dst)))
	if err != nil {
		return mapError(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (f *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	p, ok := f.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if err := f.host.WriteFile(p, uint64(op.Offset), op.Data); err != nil {
		return mapError(err)
	}
	return nil
}

func (f *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := f.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	child := path.Join(parent, op.Name)
	if err := f.host.CreateFile(child); err != nil {
		return mapError(err)
	}
	attr, err := f.host.Lookup(child)
	if err != nil {
		return mapError(err)
	}
	op.Entry.Child = f.idFor(child)
	op.Entry.Attributes = toInodeAttributes(attr)
	return nil
}

func (f *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := f.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	child := path.Join(parent, op.Name)
	if err := f.host.MkDir(child); err != nil {
		return mapError(err)
	}
	attr, err := f.host.Lookup(child)
	if err != nil {
		return mapError(err)
	}
	op.Entry.Child = f.idFor(child)
	op.Entry.Attributes = toInodeAttributes(attr)
	return nil
}

func (f *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := f.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	child := path.Join(parent, op.Name)
	if err := f.host.Unlink(child); err != nil {
		return mapError(err)
	}
	f.forget(child)
	return nil
}

func (f *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := f.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	child := path.Join(parent, op.Name)
	if err := f.host.RmDir(child); err != nil {
		return mapError(err)
	}
	f.forget(child)
	return nil
}

func (f *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := f.pathOf(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := f.pathOf(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := path.Join(oldParent, op.OldName)
	newPath := path.Join(newParent, op.NewName)
	if err := f.host.Rename(oldPath, newPath); err != nil {
		return mapError(err)
	}
	f.forget(oldPath)
	return nil
}

func (f *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (f *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (f *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}
