package device

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "device")

// AlignedFile provides byte-addressed access to a raw block device while
// issuing only sector-aligned I/O underneath. Callers may use any offset and
// length; unaligned heads and tails are buffered through a read-modify-write
// of the surrounding sectors.
type AlignedFile struct {
	f        *os.File
	sector   uint32
	size     uint64
	readOnly bool
}

// OpenImage opens a file-backed image with a 512-byte logical sector.
// Used by tests and by formatters targeting image files.
func OpenImage(path string, write bool) (*AlignedFile, error) {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, mapOpenError("open_image", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.E(types.KindIo, "open_image", path, err)
	}
	return &AlignedFile{f: f, sector: 512, size: uint64(st.Size()), readOnly: !write}, nil
}

// Open opens the device named by the descriptor. The volume path is tried
// first; on failure the platform's physical-device path is derived from the
// descriptor and tried once more before the error surfaces.
func Open(dev *types.Device, write bool) (*AlignedFile, error) {
	f, sector, size, err := openDevice(dev.ID, write)
	if err == nil {
		return &AlignedFile{f: f, sector: sector, size: size, readOnly: !write}, nil
	}
	alt := physicalPath(dev)
	if alt == "" || alt == dev.ID {
		return nil, err
	}
	log.WithFields(logrus.Fields{"device": dev.ID, "fallback": alt}).
		Warn("volume path open failed, retrying physical path")
	f, sector, size, err2 := openDevice(alt, write)
	if err2 != nil {
		return nil, err
	}
	return &AlignedFile{f: f, sector: sector, size: size, readOnly: !write}, nil
}

// SectorSize returns the logical sector size of the underlying device.
func (a *AlignedFile) SectorSize() uint32 { return a.sector }

// Size returns the advertised device size in bytes.
func (a *AlignedFile) Size() uint64 { return a.size }

// ReadAt reads exactly len(p) bytes at off, or fails. The underlying reads
// are aligned to the sector size.
func (a *AlignedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > a.size {
		return 0, types.E(types.KindInvalidInput, "read_at", a.f.Name())
	}
	if len(p) == 0 {
		return 0, nil
	}
	sec := int64(a.sector)
	start := off / sec * sec
	end := (off + int64(len(p)) + sec - 1) / sec * sec
	if uint64(end) > a.size {
		end = int64(a.size)
	}
	buf := make([]byte, end-start)
	if _, err := io.ReadFull(io.NewSectionReader(a.f, start, end-start), buf); err != nil {
		return 0, types.E(types.KindIo, "read_at", a.f.Name(), err)
	}
	copy(p, buf[off-start:])
	return len(p), nil
}

// ReadRange is ReadAt with an allocated result.
func (a *AlignedFile) ReadRange(off int64, length int) ([]byte, error) {
	p := make([]byte, length)
	if _, err := a.ReadAt(p, off); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteAt writes len(p) bytes at off. Unaligned head and tail sectors are
// read back, patched and rewritten; the middle is written directly.
func (a *AlignedFile) WriteAt(p []byte, off int64) (int, error) {
	if a.readOnly {
		return 0, types.E(types.KindAccessDenied, "write_at", a.f.Name())
	}
	if off < 0 || uint64(off)+uint64(len(p)) > a.size {
		return 0, types.E(types.KindInvalidInput, "write_at", a.f.Name())
	}
	if len(p) == 0 {
		return 0, nil
	}
	sec := int64(a.sector)
	start := off / sec * sec
	end := (off + int64(len(p)) + sec - 1) / sec * sec
	if start == off && end == off+int64(len(p)) {
		if _, err := a.f.WriteAt(p, off); err != nil {
			return 0, types.E(types.KindIo, "write_at", a.f.Name(), err)
		}
		return len(p), nil
	}
	// Read-modify-write through the covering aligned span.
	buf := make([]byte, end-start)
	if uint64(end) > a.size {
		end = int64(a.size)
		buf = buf[:end-start]
	}
	if _, err := io.ReadFull(io.NewSectionReader(a.f, start, int64(len(buf))), buf); err != nil {
		return 0, types.E(types.KindIo, "write_at", a.f.Name(), err)
	}
	copy(buf[off-start:], p)
	if _, err := a.f.WriteAt(buf, start); err != nil {
		return 0, types.E(types.KindIo, "write_at", a.f.Name(), err)
	}
	return len(p), nil
}

// Flush forces buffered writes to stable storage.
func (a *AlignedFile) Flush() error {
	if a.readOnly {
		return nil
	}
	if err := a.f.Sync(); err != nil {
		return types.E(types.KindIo, "flush", a.f.Name(), err)
	}
	return nil
}

// Close flushes (for writers) and releases the handle.
func (a *AlignedFile) Close() error {
	if !a.readOnly {
		if err := a.f.Sync(); err != nil {
			a.f.Close()
			return types.E(types.KindIo, "close", a.f.Name(), err)
		}
	}
	if err := a.f.Close(); err != nil {
		return types.E(types.KindIo, "close", err)
	}
	return nil
}

func mapOpenError(op, path string, err error) error {
	switch {
	case os.IsPermission(err):
		return types.E(types.KindAccessDenied, op, path, err)
	case isBusy(err):
		return types.E(types.KindDeviceBusy, op, path, err)
	default:
		return types.E(types.KindIo, op, path, err)
	}
}
