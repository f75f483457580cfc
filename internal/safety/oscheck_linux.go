//go:build linux

package safety

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/onuse/moses/internal/types"
)

// QueryOS gathers the Linux cross-check: /proc/mounts for live mounts and
// the system volume, /etc/fstab membership, device-mapper/MD holders for
// volume-group membership, and dm-crypt for encryption.
func QueryOS(dev *types.Device) OSSignals {
	var sig OSSignals

	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		sig.QueryFailed = true
		sig.FailureDetail = err.Error()
		return sig
	}
	for _, line := range strings.Split(string(mounts), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		source, target := fields[0], fields[1]
		if source == dev.ID || strings.HasPrefix(source, dev.ID) {
			sig.MountPoints = append(sig.MountPoints, target)
			if target == "/" || target == "/boot" || target == "/boot/efi" {
				sig.IsSystem = true
			}
		}
	}

	if fstab, err := os.ReadFile("/etc/fstab"); err == nil {
		for _, line := range strings.Split(string(fstab), "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "#") {
				continue
			}
			if strings.Contains(trimmed, dev.ID) {
				sig.InFstab = true
			}
		}
	}

	base := filepath.Base(dev.ID)
	if holders, err := os.ReadDir("/sys/block/" + base + "/holders"); err == nil {
		for _, h := range holders {
			sig.VolumeGroup = true
			if strings.HasPrefix(h.Name(), "dm-") {
				// A dm holder may be crypt or LVM; either way the device
				// is not a plain data disk.
				if uuidRaw, err := os.ReadFile("/sys/block/" + h.Name() + "/dm/uuid"); err == nil {
					if strings.HasPrefix(string(uuidRaw), "CRYPT-") {
						sig.Encrypted = true
					}
				}
			}
		}
	}
	return sig
}
