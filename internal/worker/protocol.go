package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onuse/moses/internal/types"
)

// The elevation handshake passes JSON files, never pipes: the elevated
// child may not inherit descriptors across the privilege boundary.
//
// Arguments: <device.json> <options.json>
// Result:    <options.json>.result.json
// Exit:      0 success, 1 argument error, 2 safety rejection,
//            3 format failure, 4 I/O failure.
const (
	ExitOK           = 0
	ExitArgs         = 1
	ExitSafetyReject = 2
	ExitFormatFailed = 3
	ExitIo           = 4
)

// Result is the structured record the worker leaves for the parent.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	FSType     string `json:"fs_type"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
}

// ResultPath derives the result file path from the options file path, so
// both sides can compute it without extra plumbing.
func ResultPath(optionsPath string) string {
	return optionsPath + ".result.json"
}

// LogPath is the per-PID worker log under the platform temp directory.
func LogPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("moses-worker-%d.log", pid))
}

// WriteInputs serializes the handshake inputs into fresh temp files and
// returns their paths.
func WriteInputs(dev *types.Device, opts types.FormatOptions) (devicePath, optionsPath string, err error) {
	dir := os.TempDir()
	df, err := os.CreateTemp(dir, "moses-device-*.json")
	if err != nil {
		return "", "", types.E(types.KindIo, "worker_inputs", err)
	}
	if err := json.NewEncoder(df).Encode(dev); err != nil {
		df.Close()
		os.Remove(df.Name())
		return "", "", types.E(types.KindIo, "worker_inputs", err)
	}
	df.Close()

	of, err := os.CreateTemp(dir, "moses-options-*.json")
	if err != nil {
		os.Remove(df.Name())
		return "", "", types.E(types.KindIo, "worker_inputs", err)
	}
	if err := json.NewEncoder(of).Encode(opts); err != nil {
		of.Close()
		os.Remove(df.Name())
		os.Remove(of.Name())
		return "", "", types.E(types.KindIo, "worker_inputs", err)
	}
	of.Close()
	return df.Name(), of.Name(), nil
}

// ReadInputs deserializes the handshake files on the worker side.
func ReadInputs(devicePath, optionsPath string) (*types.Device, types.FormatOptions, error) {
	var dev types.Device
	var opts types.FormatOptions
	raw, err := os.ReadFile(devicePath)
	if err != nil {
		return nil, opts, types.E(types.KindIo, "worker_inputs", err)
	}
	if err := json.Unmarshal(raw, &dev); err != nil {
		return nil, opts, types.E(types.KindInvalidInput, "worker_inputs", err)
	}
	raw, err = os.ReadFile(optionsPath)
	if err != nil {
		return nil, opts, types.E(types.KindIo, "worker_inputs", err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, opts, types.E(types.KindInvalidInput, "worker_inputs", err)
	}
	return &dev, opts, nil
}

// WriteResult leaves the structured record for the parent.
func WriteResult(optionsPath string, res Result) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return types.E(types.KindIo, "worker_result", err)
	}
	if err := os.WriteFile(ResultPath(optionsPath), raw, 0o600); err != nil {
		return types.E(types.KindIo, "worker_result", err)
	}
	return nil
}

// ReadResult parses the worker's record on the parent side.
func ReadResult(optionsPath string) (*Result, error) {
	raw, err := os.ReadFile(ResultPath(optionsPath))
	if err != nil {
		return nil, types.E(types.KindWorkerFailed, "worker_result", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, types.E(types.KindWorkerFailed, "worker_result", err)
	}
	return &res, nil
}

// Cleanup removes the three handshake files.
func Cleanup(devicePath, optionsPath string) {
	os.Remove(devicePath)
	os.Remove(optionsPath)
	os.Remove(ResultPath(optionsPath))
}
