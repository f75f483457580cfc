package fs

import (
	"io"

	"github.com/onuse/moses/internal/types"
)

// Reader is the read-only contract every filesystem family implements.
type Reader interface {
	// Info returns the volume identity block.
	Info() (types.FilesystemInfo, error)

	// Stat resolves a path and returns its attributes.
	Stat(path string) (types.FileAttr, error)

	// ReadDir lists a directory in on-disk order.
	ReadDir(path string) ([]types.DirEntry, error)

	// Read copies up to len bytes of a regular file starting at offset.
	// The read is exact-length except at end of file.
	Read(path string, offset uint64, length uint32) ([]byte, error)

	// StatFS returns aggregate space and namespace counters.
	StatFS() (types.StatFS, error)

	io.Closer
}

// Writer extends Reader with the mutating contract. Every mutation opens a
// transaction or recovery guard and commits it before returning.
type Writer interface {
	Reader

	// CreateFile makes an empty regular file.
	CreateFile(path string) error

	// Write stores bytes at offset, extending the file as needed.
	Write(path string, offset uint64, data []byte) error

	// Truncate grows (zero-filled) or shrinks the file.
	Truncate(path string, size uint64) error

	// Unlink removes a file name; the last name frees the data.
	Unlink(path string) error

	// Mkdir creates an empty directory.
	Mkdir(path string) error

	// Rmdir removes an empty directory.
	Rmdir(path string) error

	// Rename moves oldPath to newPath, within or across directories.
	Rename(oldPath, newPath string) error

	// Link adds a second name for an existing file, where the family
	// supports hard links.
	Link(oldPath, newPath string) error

	// FlushAllWrites forces every dirty cache and counter to disk.
	FlushAllWrites() error
}

// ReadAll is a convenience wrapper reading a whole regular file.
func ReadAll(r Reader, path string) ([]byte, error) {
	attr, err := r.Stat(path)
	if err != nil {
		return nil, err
	}
	if attr.Kind == types.EntryKindDirectory {
		return nil, types.E(types.KindIsADirectory, "read_all", path)
	}
	out := make([]byte, 0, attr.Size)
	var off uint64
	for off < attr.Size {
		chunk := uint32(1 << 20)
		if remaining := attr.Size - off; remaining < uint64(chunk) {
			chunk = uint32(remaining)
		}
		b, err := r.Read(path, off, chunk)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			break
		}
		out = append(out, b...)
		off += uint64(len(b))
	}
	return out, nil
}
