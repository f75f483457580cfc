//go:build !linux && !windows

package device

import (
	"os"
	"strings"

	"github.com/onuse/moses/internal/types"
)

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
	return f, 512, uint64(st.Size()), nil
}

// physicalPath maps /dev/disk2s1 onto /dev/disk2 on Darwin-style nodes.
func physicalPath(dev *types.Device) string {
	id := dev.ID
	if i := strings.LastIndex(id, "s"); i > len("/dev/disk") && strings.HasPrefix(id, "/dev/disk") {
		return id[:i]
	}
	return ""
}

func isBusy(error) bool { return false }
