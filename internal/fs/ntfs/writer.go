package ntfs

import (
	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

// NTFS write support ships dry-run by default: every mutation is planned
// and validated against the on-disk structures, but the device write is
// gated behind the ntfs_allow_writes configuration flag. Namespace
// mutations (create, unlink, rename) need index B-tree rewrites this
// engine does not implement and always report Unsupported.

// plannedWrite is one validated device write the dry-run mode withheld.
type plannedWrite struct {
	Path   string
	Offset int64
	Length int
}

// PlannedWrites returns the writes withheld while dry-run was active.
func (f *FS) PlannedWrites() []plannedWrite { return f.planned }

// Write implements fs.Writer for in-place rewrites of existing,
// non-resident file content. The file cannot grow.
func (f *FS) Write(path string, offset uint64, data []byte) error {
	if f.readOnly {
		return types.E(types.KindAccessDenied, "write")
	}
	n, err := f.resolve(path)
	if err != nil {
		return err
	}
	rec := f.records[n]
	if rec.hdr.Flags&FlagDirectory != 0 {
		return types.E(types.KindIsADirectory, "write", path)
	}
	attr := f.dataAttr(rec)
	if attr == nil || !attr.NonResident {
		return types.E(types.KindUnsupported, "write", path)
	}
	if offset+uint64(len(data)) > attr.DataSize {
		return types.E(types.KindUnsupported, "write", path)
	}

	// Map the byte range onto runs and either perform or withhold each
	// device write.
	cb := uint64(f.boot.ClusterBytes())
	pos := offset
	remaining := data
	for _, r := range attr.Runs {
		runBytes := r.Count * cb
		if len(remaining) == 0 {
			break
		}
		if pos >= runBytes {
			pos -= runBytes
			continue
		}
		take := runBytes - pos
		if take > uint64(len(remaining)) {
			take = uint64(len(remaining))
		}
		if r.Sparse {
			return types.E(types.KindUnsupported, "write", path)
		}
		devOff := int64(r.Cluster*cb + pos)
		if f.cfg.NTFSAllowWrites {
			if _, err := f.dev.WriteAt(remaining[:take], devOff); err != nil {
				return types.E(types.KindIo, "write", err)
			}
		} else {
			f.planned = append(f.planned, plannedWrite{Path: path, Offset: devOff, Length: int(take)})
			log.WithFields(logrus.Fields{
				"path":   path,
				"offset": devOff,
				"bytes":  take,
			}).Info("dry run: write withheld")
		}
		remaining = remaining[take:]
		pos = 0
	}
	if f.cfg.NTFSAllowWrites {
		return f.dev.Flush()
	}
	return nil
}

// CreateFile implements fs.Writer.
func (f *FS) CreateFile(string) error {
	return types.E(types.KindUnsupported, "create_file")
}

// Truncate implements fs.Writer.
func (f *FS) Truncate(string, uint64) error {
	return types.E(types.KindUnsupported, "truncate")
}

// Unlink implements fs.Writer.
func (f *FS) Unlink(string) error {
	return types.E(types.KindUnsupported, "unlink")
}

// Mkdir implements fs.Writer.
func (f *FS) Mkdir(string) error {
	return types.E(types.KindUnsupported, "mkdir")
}

// Rmdir implements fs.Writer.
func (f *FS) Rmdir(string) error {
	return types.E(types.KindUnsupported, "rmdir")
}

// Rename implements fs.Writer.
func (f *FS) Rename(string, string) error {
	return types.E(types.KindUnsupported, "rename")
}

// Link implements fs.Writer.
func (f *FS) Link(string, string) error {
	return types.E(types.KindUnsupported, "link")
}

// FlushAllWrites implements fs.Writer.
func (f *FS) FlushAllWrites() error {
	if f.cfg.NTFSAllowWrites {
		return f.dev.Flush()
	}
	return nil
}
