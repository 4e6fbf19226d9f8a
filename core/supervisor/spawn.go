package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// launchDetached starts the daemon process disowned from the caller so
// it outlives the CLI invocation. Stdout and stderr go to the daemon
// log file; the daemon keeps running regardless of what the caller does
// afterwards.
func launchDetached(execPath string, args []string, logPath string) (int, error) {
	// #nosec G204 -- the executable path is self-resolved, not user input.
	cmd := exec.Command(execPath, args...)
	cmd.Stdin = nil
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err == nil {
			// #nosec G304 -- log path is derived from the configured data directory.
			if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
				cmd.Stdout = logFile
				cmd.Stderr = logFile
				defer func() {
					_ = logFile.Close()
				}()
			}
		}
	}
	applyDetachAttributes(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}
