//go:build windows

package worker

import (
	"fmt"
	"os/exec"
	"strings"
)

// elevatedCommand routes through PowerShell's Start-Process -Verb RunAs,
// which raises the UAC consent dialog.
func elevatedCommand(bin string, args ...string) *exec.Cmd {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("'%s'", a)
	}
	script := fmt.Sprintf(
		"Start-Process -FilePath '%s' -ArgumentList %s -Verb RunAs -Wait",
		bin, strings.Join(quoted, ","))
	return exec.Command("powershell", "-NoProfile", "-Command", script)
}
