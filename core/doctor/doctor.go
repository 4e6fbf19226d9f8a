// Package doctor runs local environment diagnostics: directory
// permissions, keystore health, registry integrity, daemon reachability,
// and autostart consistency. Checks never mutate state beyond a
// write-probe file that is removed immediately.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sealog-dev/sealog/core/autostart"
	"github.com/sealog-dev/sealog/core/config"
	"github.com/sealog-dev/sealog/core/keystore"
	"github.com/sealog-dev/sealog/core/status"
	"github.com/sealog-dev/sealog/core/supervisor"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type Options struct {
	Cfg     config.Config
	Version string
	// Probe checks daemon health; nil skips the daemon check.
	Probe func(ctx context.Context) (supervisor.Health, bool)
	// Autostart inspects the login launcher; nil skips that check.
	Autostart *autostart.Manager
}

type Result struct {
	CreatedAt   string   `json:"created_at"`
	Version     string   `json:"version"`
	Status      string   `json:"status"`
	Summary     string   `json:"summary"`
	FixCommands []string `json:"fix_commands"`
	Checks      []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	checks := []Check{
		checkDirWritable("data_dir", opts.Cfg.DataDir),
		checkDirWritable("sessions_dir", opts.Cfg.SessionsDir()),
		checkKeystore(opts.Cfg.KeysDir()),
		checkRegistry(opts.Cfg.RegistryPath()),
	}
	if opts.Probe != nil {
		checks = append(checks, checkDaemon(ctx, opts.Probe))
	}
	if opts.Autostart != nil {
		checks = append(checks, checkAutostart(opts.Autostart, opts.Cfg.AutostartMarkerPath()))
	}

	failed := 0
	warned := 0
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	overall := statusPass
	if failed > 0 {
		overall = statusFail
	} else if warned > 0 {
		overall = statusWarn
	}
	sort.Strings(fixCommands)

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "0.0.0-dev"
	}

	return Result{
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		Version:     version,
		Status:      overall,
		Summary:     fmt.Sprintf("doctor: status=%s failed=%d warned=%d", overall, failed, warned),
		FixCommands: fixCommands,
		Checks:      checks,
	}
}

func checkDirWritable(name, dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       name,
				Status:     statusWarn,
				Message:    "directory does not exist yet; it is created on first use",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(dir)),
			}
		}
		return Check{
			Name:    name,
			Status:  statusFail,
			Message: fmt.Sprintf("directory not accessible: %v", err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    name,
			Status:  statusFail,
			Message: "path is not a directory",
		}
	}
	probePath := filepath.Join(dir, ".sealog-doctor-writecheck")
	if err := os.WriteFile(probePath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       name,
			Status:     statusFail,
			Message:    fmt.Sprintf("directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(dir)),
		}
	}
	_ = os.Remove(probePath)
	return Check{
		Name:    name,
		Status:  statusPass,
		Message: "directory is writable",
	}
}

func checkKeystore(keysDir string) Check {
	outcome := keystore.Open(keysDir).Init()
	switch outcome.State {
	case status.StateOK:
		return Check{
			Name:    "keystore",
			Status:  statusPass,
			Message: "signing key is available",
		}
	case status.StateDegraded:
		return Check{
			Name:       "keystore",
			Status:     statusWarn,
			Message:    fmt.Sprintf("signing key is ephemeral: %s", outcome.Reason),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(keysDir)),
		}
	default:
		// An unusable keystore only degrades records to unsigned.
		return Check{
			Name:    "keystore",
			Status:  statusWarn,
			Message: fmt.Sprintf("signing unavailable; records will be unsigned: %s", outcome.Reason),
		}
	}
}

func checkRegistry(path string) Check {
	// #nosec G304 -- registry path is derived from the configured data directory.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:    "registry",
				Status:  statusPass,
				Message: "session registry not created yet",
			}
		}
		return Check{
			Name:    "registry",
			Status:  statusFail,
			Message: fmt.Sprintf("session registry not readable: %v", err),
		}
	}
	var mapping map[string]string
	if err := json.Unmarshal(content, &mapping); err != nil {
		return Check{
			Name:    "registry",
			Status:  statusWarn,
			Message: "session registry is corrupt; it reads as empty and is rewritten on the next mapping",
		}
	}
	return Check{
		Name:    "registry",
		Status:  statusPass,
		Message: fmt.Sprintf("session registry holds %d mapping(s)", len(mapping)),
	}
}

func checkDaemon(ctx context.Context, probe func(ctx context.Context) (supervisor.Health, bool)) Check {
	health, running := probe(ctx)
	if !running {
		return Check{
			Name:       "daemon",
			Status:     statusWarn,
			Message:    "daemon not running; it starts on demand",
			FixCommand: "sealog daemon ensure",
		}
	}
	return Check{
		Name:    "daemon",
		Status:  statusPass,
		Message: fmt.Sprintf("daemon %s is healthy with %d active session(s)", health.Version, health.ActiveSessions),
	}
}

func checkAutostart(manager *autostart.Manager, markerPath string) Check {
	installed, err := manager.IsInstalled()
	if err != nil {
		return Check{
			Name:    "autostart",
			Status:  statusWarn,
			Message: fmt.Sprintf("launcher state unreadable: %v", err),
		}
	}
	_, markerErr := os.Stat(markerPath)
	markerPresent := markerErr == nil
	switch {
	case markerPresent && !installed:
		return Check{
			Name:       "autostart",
			Status:     statusWarn,
			Message:    "autostart was installed but the launcher entry is missing",
			FixCommand: "sealog autostart recover",
		}
	case installed:
		return Check{
			Name:    "autostart",
			Status:  statusPass,
			Message: "autostart entry is present",
		}
	default:
		return Check{
			Name:    "autostart",
			Status:  statusPass,
			Message: "autostart not configured",
		}
	}
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
