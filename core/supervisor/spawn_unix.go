//go:build darwin || linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// applyDetachAttributes puts the daemon in its own session so terminal
// hangups do not reach it.
func applyDetachAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
