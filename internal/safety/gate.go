package safety

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "safety")

// Risk orders the gate's verdicts from benign to blocked.
type Risk int

const (
	RiskSafe Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskForbidden
)

func (r Risk) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "forbidden"
	}
}

// OSSignals is the cross-check the gate gathers from the running platform.
// The device's own descriptor is never trusted alone.
type OSSignals struct {
	MountPoints   []string `json:"mount_points"`
	IsSystem      bool     `json:"is_system"`
	Encrypted     bool     `json:"encrypted"`
	InFstab       bool     `json:"in_fstab"`
	VolumeGroup   bool     `json:"volume_group"` // LVM/RAID/container member
	QueryFailed   bool     `json:"query_failed"`
	FailureDetail string   `json:"failure_detail,omitempty"`
}

// criticalMounts are paths whose presence forces the strictest verdicts.
var criticalMounts = []string{"/", "/boot", "/boot/efi", "/usr", "/var", "/etc", "/home",
	`C:\`, "C:"}

func isCriticalMount(p string) bool {
	for _, c := range criticalMounts {
		if p == c {
			return true
		}
	}
	return false
}

// RiskAssessment is the gate's verdict with its reasons.
type RiskAssessment struct {
	DeviceID string   `json:"device_id"`
	Risk     Risk     `json:"risk"`
	Reasons  []string `json:"reasons"`
}

// Assess classifies a device by combining its descriptor with the OS
// cross-check. A descriptor/OS discrepancy alone raises the risk to High;
// an OS-confirmed system device is Forbidden outright.
func Assess(dev *types.Device, os OSSignals) RiskAssessment {
	a := RiskAssessment{DeviceID: dev.ID, Risk: RiskSafe}
	raise := func(r Risk, reason string) {
		if r > a.Risk {
			a.Risk = r
		}
		a.Reasons = append(a.Reasons, reason)
	}

	if os.QueryFailed {
		raise(RiskMedium, "OS cross-check unavailable: "+os.FailureDetail)
	}
	if os.IsSystem {
		raise(RiskForbidden, "OS reports a system/boot device")
	}
	if dev.System {
		raise(RiskForbidden, "descriptor flags the device as system")
	}
	if dev.System != os.IsSystem && !os.QueryFailed {
		raise(RiskHigh, fmt.Sprintf(
			"descriptor/OS disagreement: descriptor system=%v, OS system=%v",
			dev.System, os.IsSystem))
	}
	for _, mp := range os.MountPoints {
		if isCriticalMount(mp) {
			raise(RiskForbidden, "mounted at critical path "+mp)
		}
	}
	for _, mp := range dev.MountPoints {
		if isCriticalMount(mp) {
			raise(RiskForbidden, "descriptor lists critical mount "+mp)
		}
	}
	// Descriptor silent about a mount the OS sees is itself a discrepancy.
	for _, mp := range os.MountPoints {
		if !dev.HasMountPoint(mp) {
			raise(RiskHigh, "OS sees mount the descriptor omits: "+mp)
		}
	}
	if os.Encrypted {
		raise(RiskHigh, "volume is encrypted")
	}
	if os.InFstab {
		raise(RiskHigh, "device appears in /etc/fstab")
	}
	if os.VolumeGroup {
		raise(RiskHigh, "device is an LVM/RAID/container member")
	}
	if !dev.Removable && (dev.IsMounted() || len(os.MountPoints) > 0) {
		raise(RiskHigh, "non-removable device with active mounts")
	}

	if a.Risk == RiskSafe {
		if dev.Removable && !dev.IsMounted() && len(os.MountPoints) == 0 {
			a.Reasons = append(a.Reasons, "removable, unmounted, non-system")
		} else {
			a.Risk = RiskMedium
			a.Reasons = append(a.Reasons, "no specific hazard, defaulting to medium")
		}
	}
	log.WithFields(logrus.Fields{"device": dev.ID, "risk": a.Risk.String()}).
		Info("risk assessed")
	return a
}

// AssessWithOS runs the platform cross-check and classifies the device.
func AssessWithOS(dev *types.Device) RiskAssessment {
	return Assess(dev, QueryOS(dev))
}
