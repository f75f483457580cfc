package worker

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "worker")

// WorkerBinary is the elevated helper's executable name, resolved on PATH
// or next to the current binary.
const WorkerBinary = "moses-worker"

// Dispatch runs a format job through the elevated worker: inputs are
// serialized to temp files, the worker is spawned through the platform's
// elevation channel, and its structured result is read back. The three
// handshake files are removed on return.
func Dispatch(dev *types.Device, opts types.FormatOptions) (*Result, error) {
	devicePath, optionsPath, err := WriteInputs(dev, opts)
	if err != nil {
		return nil, err
	}
	defer Cleanup(devicePath, optionsPath)

	bin, err := workerPath()
	if err != nil {
		return nil, err
	}
	cmd := elevatedCommand(bin, devicePath, optionsPath)
	log.WithFields(logrus.Fields{"device": dev.ID, "options": opts.Summary()}).
		Info("dispatching elevated worker")
	runErr := cmd.Run()

	res, readErr := ReadResult(optionsPath)
	if runErr != nil {
		if res != nil {
			return res, types.E(types.KindWorkerFailed, "dispatch",
				fmt.Errorf("%s (exit: %v)", res.Message, runErr))
		}
		return nil, types.E(types.KindWorkerFailed, "dispatch", runErr)
	}
	if readErr != nil {
		return nil, readErr
	}
	if !res.Success {
		return res, types.E(types.KindWorkerFailed, "dispatch", fmt.Errorf("%s", res.Message))
	}
	return res, nil
}

// workerPath resolves the helper binary: alongside the running executable
// first, then PATH.
func workerPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := fmt.Sprintf("%s/%s", dirOf(self), WorkerBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if p, err := exec.LookPath(WorkerBinary); err == nil {
		return p, nil
	}
	return "", types.E(types.KindWorkerFailed, "worker_path", WorkerBinary)
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i]
		}
	}
	return "."
}
