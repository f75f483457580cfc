package safety

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/onuse/moses/internal/types"
)

// Approval is a single-use token tying one operator confirmation to one
// device at one assessed risk. Consumption is first-wins.
type Approval struct {
	DeviceID string
	Operator string
	Risk     Risk
	Nonce    string

	used atomic.Bool
}

// Approve issues a token for an assessment. Forbidden devices cannot be
// approved; High risk demands explicit re-confirmation.
func Approve(a RiskAssessment, operator string, confirmedHighRisk bool) (*Approval, error) {
	if a.Risk == RiskForbidden {
		return nil, types.E(types.KindSafetyRejected, "approve", a.DeviceID)
	}
	if a.Risk == RiskHigh && !confirmedHighRisk {
		return nil, types.E(types.KindSafetyRejected, "approve", a.DeviceID)
	}
	return &Approval{
		DeviceID: a.DeviceID,
		Operator: operator,
		Risk:     a.Risk,
		Nonce:    uuid.NewString(),
	}, nil
}

// IsUsed reports whether the token was already consumed.
func (ap *Approval) IsUsed() bool { return ap.used.Load() }

// Consume validates the token against a device and burns it. A reused or
// mismatched token reports SafetyRejected.
func (ap *Approval) Consume(dev *types.Device) error {
	if ap == nil {
		return types.E(types.KindSafetyRejected, "consume_approval")
	}
	if ap.DeviceID != dev.ID {
		return types.E(types.KindSafetyRejected, "consume_approval", dev.ID)
	}
	if !ap.used.CompareAndSwap(false, true) {
		return types.E(types.KindSafetyRejected, "consume_approval", dev.ID)
	}
	return nil
}
