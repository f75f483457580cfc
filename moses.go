// Package moses is the on-disk filesystem engine behind the Moses
// formatting toolkit: pluggable readers and writers for the ext, FAT,
// exFAT and NTFS families, the journaling and allocation machinery that
// keeps them consistent, and the safety gate that decides whether a
// destructive operation may touch a block device.
package moses

import (
	"github.com/onuse/moses/internal/bridge"
	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/fs/exfat"
	"github.com/onuse/moses/internal/fs/ext4"
	"github.com/onuse/moses/internal/fs/fatfs"
	"github.com/onuse/moses/internal/fs/ntfs"
	"github.com/onuse/moses/internal/safety"
	"github.com/onuse/moses/internal/types"
	"github.com/onuse/moses/internal/worker"
)

// Re-exported core types, so hosts depend on one import path.
type (
	Device         = types.Device
	FormatOptions  = types.FormatOptions
	FilesystemKind = types.FilesystemKind
	Progress       = types.Progress
	RiskAssessment = safety.RiskAssessment
	Approval       = safety.Approval
	Reader         = fs.Reader
	Writer         = fs.Writer
	MountHost      = bridge.Host
)

// Assess runs the safety gate with the platform OS cross-check.
func Assess(dev *Device) RiskAssessment {
	return safety.AssessWithOS(dev)
}

// Approve issues a single-use approval token for an assessment.
func Approve(a RiskAssessment, operator string, confirmedHighRisk bool) (*Approval, error) {
	return safety.Approve(a, operator, confirmedHighRisk)
}

// Probe identifies the filesystem on a device without opening a reader.
func Probe(dev *Device) (FilesystemKind, error) {
	h, err := device.Open(dev, false)
	if err != nil {
		return types.FilesystemUnknown, err
	}
	defer h.Close()
	return fs.Probe(h)
}

// NewReader opens a read-only filesystem handle. No approval is required
// for reads.
func NewReader(dev *Device) (Reader, error) {
	h, err := device.Open(dev, false)
	if err != nil {
		return nil, err
	}
	kind, err := fs.Probe(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	switch kind {
	case types.FilesystemExt2, types.FilesystemExt3, types.FilesystemExt4:
		return ext4.NewReader(h)
	case types.FilesystemFAT16, types.FilesystemFAT32:
		return fatfs.NewReader(h)
	case types.FilesystemExFAT:
		return exfat.NewReader(h)
	case types.FilesystemNTFS:
		return ntfs.NewReader(h)
	default:
		h.Close()
		return nil, types.E(types.KindFilesystemUnrecognized, "new_reader", dev.ID)
	}
}

// NewWriter opens a mutating filesystem handle, consuming the approval.
func NewWriter(dev *Device, approval *Approval) (Writer, error) {
	if err := approval.Consume(dev); err != nil {
		return nil, err
	}
	h, err := device.Open(dev, true)
	if err != nil {
		return nil, err
	}
	kind, err := fs.Probe(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	switch kind {
	case types.FilesystemExt2, types.FilesystemExt3, types.FilesystemExt4:
		return ext4.NewWriter(h)
	case types.FilesystemFAT16, types.FilesystemFAT32:
		return fatfs.NewWriter(h)
	case types.FilesystemExFAT:
		return exfat.NewWriter(h)
	case types.FilesystemNTFS:
		return ntfs.NewWriter(h)
	default:
		h.Close()
		return nil, types.E(types.KindFilesystemUnrecognized, "new_writer", dev.ID)
	}
}

// Format runs a format job through the elevated worker, consuming the
// approval. The worker re-runs the safety gate before touching the device.
func Format(dev *Device, opts FormatOptions, approval *Approval, progress Progress) error {
	if err := approval.Consume(dev); err != nil {
		return err
	}
	if !progress.Report("dispatch", 0.0) {
		return types.E(types.KindUserCancelled, "format")
	}
	_, err := worker.Dispatch(dev, opts)
	if err != nil {
		return err
	}
	progress.Report("done", 1.0)
	return nil
}

// FormatLocal formats in-process, for image files and already-elevated
// callers; the safety gate still applies.
func FormatLocal(dev *Device, opts FormatOptions, approval *Approval, progress Progress) error {
	if err := approval.Consume(dev); err != nil {
		return err
	}
	h, err := device.Open(dev, true)
	if err != nil {
		return err
	}
	defer h.Close()
	switch opts.Kind {
	case types.FilesystemFAT16, types.FilesystemFAT32:
		return fatfs.Format(h, opts, progress)
	case types.FilesystemExFAT:
		return exfat.Format(h, opts, progress)
	case types.FilesystemExt4:
		return ext4.Format(h, opts, progress)
	default:
		return types.E(types.KindUnsupported, "format", opts.Kind.String())
	}
}

// NewMountHost wraps a reader or writer for an external FUSE or projected
// filesystem integration.
func NewMountHost(r Reader) MountHost { return bridge.NewHost(r) }
