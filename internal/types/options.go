package types

// FormatOptions carries everything a formatter needs beyond the Device.
// Serialized to JSON for the privileged worker handshake.
type FormatOptions struct {
	// Kind selects the target filesystem family.
	Kind FilesystemKind `json:"filesystem_type"`

	// Label is the requested volume label; empty leaves the family default.
	Label string `json:"label,omitempty"`

	// ClusterSize requests a cluster/block size in bytes; zero lets the
	// formatter pick the family default for the device size.
	ClusterSize uint32 `json:"cluster_size,omitempty"`

	// QuickFormat skips zeroing data regions when true.
	QuickFormat bool `json:"quick_format"`

	// EnableJournal controls journal creation for families that support one.
	EnableJournal bool `json:"enable_journal"`

	// DryRun plans the format and reports what would be written without
	// touching the device.
	DryRun bool `json:"dry_run"`
}

// Summary renders the short one-line form used in worker logs.
func (o FormatOptions) Summary() string {
	s := o.Kind.String()
	if o.Label != "" {
		s += " label=" + o.Label
	}
	if o.QuickFormat {
		s += " quick"
	}
	if o.DryRun {
		s += " dry-run"
	}
	return s
}
