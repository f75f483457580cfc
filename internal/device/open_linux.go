//go:build linux

package device

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/onuse/moses/internal/types"
)

// openDevice opens a block device node and queries its logical sector size
// and total size through the block-layer ioctls. Regular files fall back to
// a 512-byte sector and their stat size, so image paths work transparently.
func openDevice(path string, write bool) (*os.File, uint32, uint64, error) {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, 0, 0, mapOpenError("open_device", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, 0, types.E(types.KindIo, "open_device", path, err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return f, 512, uint64(st.Size()), nil
	}
	fd := int(f.Fd())
	sector, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		sector = 512
	}
	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		f.Close()
		return nil, 0, 0, types.E(types.KindIo, "open_device", path, err)
	}
	return f, uint32(sector), uint64(size), nil
}

// physicalPath strips a partition suffix so the whole-disk node can be
// retried when the volume node itself refuses to open.
func physicalPath(dev *types.Device) string {
	id := dev.ID
	if strings.HasPrefix(id, "/dev/nvme") {
		if i := strings.LastIndex(id, "p"); i > len("/dev/nvme") {
			return id[:i]
		}
		return ""
	}
	trimmed := strings.TrimRight(id, "0123456789")
	if trimmed != id && strings.HasPrefix(trimmed, "/dev/") {
		return trimmed
	}
	return ""
}

func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
