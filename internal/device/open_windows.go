//go:build windows

package device

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/onuse/moses/internal/types"
)

// openDevice opens a volume or physical-drive path. Write access requires
// read+write sharing: exclusive opens of mounted volumes fail with a sharing
// violation, which surfaces as DeviceBusy so the host can offer to dismount.
func openDevice(path string, write bool) (*os.File, uint32, uint64, error) {
	access := uint32(windows.GENERIC_READ)
	if write {
		access |= windows.GENERIC_WRITE
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, 0, 0, types.E(types.KindInvalidInput, "open_device", path, err)
	}
	h, err := windows.CreateFile(p, access,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_NO_BUFFERING, 0)
	if err != nil {
		return nil, 0, 0, mapOpenError("open_device", path, err)
	}
	f := os.NewFile(uintptr(h), path)

	var size uint64
	var bytesReturned uint32
	// IOCTL_DISK_GET_LENGTH_INFO returns the exact byte length for both
	// volumes and physical drives.
	const ioctlDiskGetLengthInfo = 0x0007405C
	var lengthInfo struct{ Length int64 }
	err = windows.DeviceIoControl(h, ioctlDiskGetLengthInfo, nil, 0,
		(*byte)(unsafe.Pointer(&lengthInfo)), uint32(unsafe.Sizeof(lengthInfo)), &bytesReturned, nil)
	if err != nil {
		st, serr := f.Stat()
		if serr != nil {
			f.Close()
			return nil, 0, 0, types.E(types.KindIo, "open_device", path, err)
		}
		size = uint64(st.Size())
	} else {
		size = uint64(lengthInfo.Length)
	}
	return f, 512, size, nil
}

// physicalPath maps a \\.\X: volume path onto the device descriptor's
// physical drive path when the descriptor names one.
func physicalPath(dev *types.Device) string {
	if strings.HasPrefix(dev.ID, `\\.\PhysicalDrive`) {
		return ""
	}
	// Volume letters carry no drive number; the enumerator stores the
	// physical path in Name for Windows devices when it knows it.
	if strings.HasPrefix(dev.Name, `\\.\PhysicalDrive`) {
		return dev.Name
	}
	return fmt.Sprintf(`\\.\%s`, strings.TrimSuffix(strings.TrimPrefix(dev.ID, `\\.\`), `\`))
}

func isBusy(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION)
}
