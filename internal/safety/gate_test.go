package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onuse/moses/internal/types"
)

func usbDevice() *types.Device {
	return &types.Device{
		ID:        "/dev/sdx",
		Name:      "Test Stick",
		Size:      64 << 30,
		Type:      types.DeviceTypeUSB,
		Removable: true,
	}
}

func TestRemovableUnmountedIsSafe(t *testing.T) {
	a := Assess(usbDevice(), OSSignals{})
	assert.Equal(t, RiskSafe, a.Risk)
	assert.NotEmpty(t, a.Reasons)
}

func TestOSConfirmedSystemIsForbidden(t *testing.T) {
	a := Assess(usbDevice(), OSSignals{IsSystem: true})
	assert.Equal(t, RiskForbidden, a.Risk)
}

func TestDiscrepancyRaisesToForbiddenOnRootMount(t *testing.T) {
	// Descriptor claims non-system but the OS sees it mounted at /.
	dev := usbDevice()
	dev.System = false
	a := Assess(dev, OSSignals{MountPoints: []string{"/"}, IsSystem: true})
	assert.Equal(t, RiskForbidden, a.Risk)
	found := false
	for _, r := range a.Reasons {
		if r == "mounted at critical path /" {
			found = true
		}
	}
	assert.True(t, found, "reasons: %v", a.Reasons)
}

func TestDiscrepancyAloneIsHigh(t *testing.T) {
	dev := usbDevice()
	dev.System = true // descriptor says system, OS disagrees
	a := Assess(dev, OSSignals{})
	// Descriptor system flag alone forbids; flip the direction instead.
	assert.Equal(t, RiskForbidden, a.Risk)

	dev2 := usbDevice()
	a2 := Assess(dev2, OSSignals{MountPoints: []string{"/mnt/data"}})
	assert.Equal(t, RiskHigh, a2.Risk, "OS-only mount must read as a discrepancy")
}

func TestHazardSignalsAreHigh(t *testing.T) {
	for _, sig := range []OSSignals{
		{Encrypted: true},
		{InFstab: true},
		{VolumeGroup: true},
	} {
		a := Assess(usbDevice(), sig)
		assert.Equal(t, RiskHigh, a.Risk, "signals %+v", sig)
	}
}

func TestMonotonicity(t *testing.T) {
	// Adding a critical signal never lowers the reported risk.
	base := OSSignals{}
	baseline := Assess(usbDevice(), base).Risk
	additions := []OSSignals{
		{Encrypted: true},
		{InFstab: true},
		{VolumeGroup: true},
		{IsSystem: true},
		{Encrypted: true, InFstab: true, VolumeGroup: true, IsSystem: true},
	}
	for _, sig := range additions {
		got := Assess(usbDevice(), sig).Risk
		assert.GreaterOrEqual(t, int(got), int(baseline), "signals %+v", sig)
	}
}

func TestQueryFailureNeverSafe(t *testing.T) {
	a := Assess(usbDevice(), OSSignals{QueryFailed: true, FailureDetail: "sandbox"})
	assert.GreaterOrEqual(t, int(a.Risk), int(RiskMedium))
}

func TestApprovalLifecycle(t *testing.T) {
	dev := usbDevice()
	a := Assess(dev, OSSignals{})
	ap, err := Approve(a, "operator", false)
	require.NoError(t, err)
	assert.False(t, ap.IsUsed())
	require.NoError(t, ap.Consume(dev))
	assert.True(t, ap.IsUsed())
	// Single use: a second consumption is rejected.
	err = ap.Consume(dev)
	assert.Equal(t, types.KindSafetyRejected, types.KindOf(err))
}

func TestApprovalDeviceMismatch(t *testing.T) {
	dev := usbDevice()
	ap, err := Approve(Assess(dev, OSSignals{}), "operator", false)
	require.NoError(t, err)
	other := usbDevice()
	other.ID = "/dev/sdy"
	err = ap.Consume(other)
	assert.Equal(t, types.KindSafetyRejected, types.KindOf(err))
}

func TestForbiddenCannotBeApproved(t *testing.T) {
	a := Assess(usbDevice(), OSSignals{IsSystem: true})
	_, err := Approve(a, "operator", true)
	assert.Equal(t, types.KindSafetyRejected, types.KindOf(err))
}

func TestHighNeedsReconfirmation(t *testing.T) {
	a := Assess(usbDevice(), OSSignals{Encrypted: true})
	_, err := Approve(a, "operator", false)
	assert.Equal(t, types.KindSafetyRejected, types.KindOf(err))
	ap, err := Approve(a, "operator", true)
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, ap.Risk)
}
