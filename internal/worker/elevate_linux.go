//go:build linux

package worker

import (
	"os"
	"os/exec"
)

// elevatedCommand requests elevation through polkit when available. An
// already-root parent execs the worker directly.
func elevatedCommand(bin string, args ...string) *exec.Cmd {
	if os.Geteuid() == 0 {
		return exec.Command(bin, args...)
	}
	if pkexec, err := exec.LookPath("pkexec"); err == nil {
		return exec.Command(pkexec, append([]string{bin}, args...)...)
	}
	return exec.Command("sudo", append([]string{bin}, args...)...)
}
