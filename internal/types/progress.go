package types

// Progress is invoked by long operations with a phase name and a completion
// ratio in [0,1]. Returning false requests cancellation: the formatters stop
// at their next progress report and surface KindUserCancelled. Sectors they
// already wrote are not restored.
type Progress func(phase string, fraction float64) bool

// NopProgress never cancels.
func NopProgress(string, float64) bool { return true }

// Report invokes p when non-nil and reports whether the operation may
// continue.
func (p Progress) Report(phase string, fraction float64) bool {
	if p == nil {
		return true
	}
	return p(phase, fraction)
}
