package bridge

import (
	"sync"

	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/types"
)

// Host is the trait an external mount integration (FUSE on Unix, projected
// filesystem on Windows) consumes. It is pathwise: the host owns inode or
// handle numbering, the engine owns name resolution. All methods are safe
// for concurrent use.
type Host interface {
	StatFS() (types.StatFS, error)
	Lookup(path string) (types.FileAttr, error)
	GetAttributes(path string) (types.FileAttr, error)
	ReadDir(path string) ([]types.DirEntry, error)
	ReadFile(path string, offset uint64, length uint32) ([]byte, error)

	// Mutating counterparts; a read-only engine answers AccessDenied.
	MkDir(path string) error
	CreateFile(path string) error
	WriteFile(path string, offset uint64, data []byte) error
	Truncate(path string, size uint64) error
	Unlink(path string) error
	RmDir(path string) error
	Rename(oldPath, newPath string) error

	// Release flushes writer state; the host calls it on unmount.
	Release() error
}

// engineHost adapts a filesystem reader or writer to the Host trait with
// interior locking, since mount hosts issue concurrent requests and the
// engine's handles are single-owner.
type engineHost struct {
	mu     sync.Mutex
	reader fs.Reader
	writer fs.Writer // nil for read-only mounts
}

// NewHost wraps a reader. When r also implements fs.Writer the mount is
// writable; otherwise mutating calls report AccessDenied.
func NewHost(r fs.Reader) Host {
	h := &engineHost{reader: r}
	if w, ok := r.(fs.Writer); ok {
		h.writer = w
	}
	return h
}

// NewWritableHost wraps a writer.
func NewWritableHost(w fs.Writer) Host {
	return &engineHost{reader: w, writer: w}
}

func (h *engineHost) StatFS() (types.StatFS, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader.StatFS()
}

func (h *engineHost) Lookup(path string) (types.FileAttr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader.Stat(path)
}

func (h *engineHost) GetAttributes(path string) (types.FileAttr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader.Stat(path)
}

func (h *engineHost) ReadDir(path string) ([]types.DirEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader.ReadDir(path)
}

func (h *engineHost) ReadFile(path string, offset uint64, length uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reader.Read(path, offset, length)
}

func (h *engineHost) writeOp(fn func(fs.Writer) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer == nil {
		return types.E(types.KindAccessDenied, "mount_write")
	}
	return fn(h.writer)
}

func (h *engineHost) MkDir(path string) error {
	return h.writeOp(func(w fs.Writer) error { return w.Mkdir(path) })
}

func (h *engineHost) CreateFile(path string) error {
	return h.writeOp(func(w fs.Writer) error { return w.CreateFile(path) })
}

func (h *engineHost) WriteFile(path string, offset uint64, data []byte) error {
	return h.writeOp(func(w fs.Writer) error { return w.Write(path, offset, data) })
}

func (h *engineHost) Truncate(path string, size uint64) error {
	return h.writeOp(func(w fs.Writer) error { return w.Truncate(path, size) })
}

func (h *engineHost) Unlink(path string) error {
	return h.writeOp(func(w fs.Writer) error { return w.Unlink(path) })
}

func (h *engineHost) RmDir(path string) error {
	return h.writeOp(func(w fs.Writer) error { return w.Rmdir(path) })
}

func (h *engineHost) Rename(oldPath, newPath string) error {
	return h.writeOp(func(w fs.Writer) error { return w.Rename(oldPath, newPath) })
}

func (h *engineHost) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer != nil {
		return h.writer.FlushAllWrites()
	}
	return nil
}
