//go:build !linux

package safety

import "github.com/onuse/moses/internal/types"

// QueryOS on platforms without a wired cross-check reports failure, which
// the gate treats as at least Medium risk: an unverifiable device is never
// assumed safe.
func QueryOS(dev *types.Device) OSSignals {
	return OSSignals{
		QueryFailed:   true,
		FailureDetail: "no OS cross-check on this platform",
	}
}
