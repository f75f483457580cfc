package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/fs/exfat"
	"github.com/onuse/moses/internal/fs/ext4"
	"github.com/onuse/moses/internal/fs/fatfs"
	"github.com/onuse/moses/internal/safety"
	"github.com/onuse/moses/internal/types"
)

// Run is the worker process body: validate arguments, re-run the safety
// gate, dispatch the formatter, leave a structured result. It returns the
// process exit code; main wires it to os.Exit.
func Run(args []string) int {
	logFile, err := os.OpenFile(LogPath(os.Getpid()),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	wlog := logrus.New()
	if err == nil {
		defer logFile.Close()
		wlog.SetOutput(logFile)
	}
	wlog.WithField("args", len(args)).Info("worker started")

	if len(args) != 2 {
		wlog.Errorf("expected 2 arguments, got %d", len(args))
		return ExitArgs
	}
	devicePath, optionsPath := args[0], args[1]
	for _, p := range []string{devicePath, optionsPath} {
		if _, err := os.Stat(p); err != nil {
			wlog.WithError(err).Errorf("input file missing: %s", p)
			return ExitArgs
		}
	}

	started := time.Now()
	fail := func(code int, msg string) int {
		wlog.Error(msg)
		_ = WriteResult(optionsPath, Result{
			Success:    false,
			Message:    msg,
			DurationMs: time.Since(started).Milliseconds(),
			ExitCode:   code,
		})
		return code
	}

	dev, opts, err := ReadInputs(devicePath, optionsPath)
	if err != nil {
		return fail(ExitArgs, fmt.Sprintf("bad inputs: %v", err))
	}

	// Defense in depth: the parent's classification is never trusted.
	assessment := safety.AssessWithOS(dev)
	if assessment.Risk >= safety.RiskHigh {
		return fail(ExitSafetyReject, fmt.Sprintf(
			"safety gate rejected device %s: risk %s, reasons %v",
			dev.ID, assessment.Risk, assessment.Reasons))
	}

	h, err := device.Open(dev, true)
	if err != nil {
		return fail(ExitIo, fmt.Sprintf("open device: %v", err))
	}
	defer h.Close()

	progress := func(phase string, fraction float64) bool {
		wlog.WithFields(logrus.Fields{"phase": phase, "pct": int(fraction * 100)}).
			Info("format progress")
		return true
	}

	switch opts.Kind {
	case types.FilesystemFAT16, types.FilesystemFAT32:
		err = fatfs.Format(h, opts, progress)
	case types.FilesystemExFAT:
		err = exfat.Format(h, opts, progress)
	case types.FilesystemExt4:
		err = ext4.Format(h, opts, progress)
	default:
		return fail(ExitFormatFailed, fmt.Sprintf("no formatter for %s", opts.Kind))
	}
	if err != nil {
		code := ExitFormatFailed
		if types.KindOf(err) == types.KindIo {
			code = ExitIo
		}
		return fail(code, fmt.Sprintf("format failed: %v", err))
	}

	res := Result{
		Success:    true,
		Message:    "format complete",
		FSType:     opts.Kind.String(),
		DurationMs: time.Since(started).Milliseconds(),
		ExitCode:   ExitOK,
	}
	if err := WriteResult(optionsPath, res); err != nil {
		wlog.WithError(err).Error("result write failed")
		return ExitIo
	}
	wlog.WithField("duration", res.DurationMs).Info("worker finished")
	return ExitOK
}
