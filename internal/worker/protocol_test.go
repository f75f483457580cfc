package worker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onuse/moses/internal/types"
)

func TestInputsRoundTrip(t *testing.T) {
	dev := &types.Device{
		ID:          "/dev/sdz",
		Name:        "Round Trip",
		Size:        1 << 30,
		Type:        types.DeviceTypeUSB,
		MountPoints: []string{"/mnt/rt"},
		Removable:   true,
	}
	opts := types.FormatOptions{
		Kind:        types.FilesystemFAT32,
		Label:       "RT",
		QuickFormat: true,
	}
	devicePath, optionsPath, err := WriteInputs(dev, opts)
	require.NoError(t, err)
	defer Cleanup(devicePath, optionsPath)

	backDev, backOpts, err := ReadInputs(devicePath, optionsPath)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, backDev.ID)
	assert.Equal(t, dev.MountPoints, backDev.MountPoints)
	assert.Equal(t, opts.Kind, backOpts.Kind)
	assert.Equal(t, opts.Label, backOpts.Label)
}

func TestResultRoundTripAndPath(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "options-*.json")
	require.NoError(t, err)
	f.Close()

	res := Result{Success: true, Message: "ok", FSType: "fat32", DurationMs: 42, ExitCode: 0}
	require.NoError(t, WriteResult(f.Name(), res))
	assert.Equal(t, f.Name()+".result.json", ResultPath(f.Name()))

	back, err := ReadResult(f.Name())
	require.NoError(t, err)
	assert.Equal(t, res, *back)
}

func TestRunRejectsBadArguments(t *testing.T) {
	if code := Run(nil); code != ExitArgs {
		t.Fatalf("no args exit = %d, want %d", code, ExitArgs)
	}
	if code := Run([]string{"/nonexistent/a", "/nonexistent/b"}); code != ExitArgs {
		t.Fatalf("missing files exit = %d, want %d", code, ExitArgs)
	}
}

func TestRunRejectsUnsafeDevice(t *testing.T) {
	// A device flagged as system must be stopped by the worker's own gate
	// regardless of what the parent approved.
	dev := &types.Device{ID: "/dev/sda", System: true}
	opts := types.FormatOptions{Kind: types.FilesystemFAT32}
	devicePath, optionsPath, err := WriteInputs(dev, opts)
	require.NoError(t, err)
	defer Cleanup(devicePath, optionsPath)

	code := Run([]string{devicePath, optionsPath})
	assert.Equal(t, ExitSafetyReject, code)

	res, err := ReadResult(optionsPath)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ExitSafetyReject, res.ExitCode)
}
