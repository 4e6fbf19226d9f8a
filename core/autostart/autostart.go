// Package autostart registers the daemon with the operating system's
// login-time launcher. Everything here is best effort: a machine where
// autostart cannot be configured still gets a working daemon through
// on-demand supervision, so failures degrade rather than abort.
package autostart

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sealog-dev/sealog/core/fsx"
	"github.com/sealog-dev/sealog/core/status"
)

// Entry describes the daemon invocation registered with the launcher.
type Entry struct {
	ExecPath string `json:"exec_path"`
	Port     int    `json:"port"`
}

// Platform is the OS-specific launcher capability. Implementations
// exist for launchd, systemd user units, and the Windows Run key.
type Platform interface {
	Install(entry Entry) error
	Remove() error
	IsInstalled() (bool, error)
}

type marker struct {
	Entry       Entry     `json:"entry"`
	InstalledAt time.Time `json:"installed_at"`
}

type Options struct {
	// ExecPath is the daemon executable; resolved via os.Executable
	// when empty.
	ExecPath string
	Port     int
	// MarkerPath records the installed entry so Recover can reinstall
	// after the launcher entry disappears.
	MarkerPath string
	// Platform overrides the per-OS default, for tests.
	Platform Platform
	Logger   zerolog.Logger
}

type Manager struct {
	execPath   string
	port       int
	markerPath string
	platform   Platform
	logger     zerolog.Logger
}

func New(opts Options) *Manager {
	m := &Manager{
		execPath:   opts.ExecPath,
		port:       opts.Port,
		markerPath: opts.MarkerPath,
		platform:   opts.Platform,
		logger:     opts.Logger,
	}
	if m.platform == nil {
		m.platform = newPlatform()
	}
	return m
}

func (m *Manager) entry() (Entry, error) {
	execPath := strings.TrimSpace(m.execPath)
	if execPath == "" {
		resolved, err := os.Executable()
		if err != nil {
			return Entry{}, err
		}
		execPath = resolved
	}
	return Entry{ExecPath: execPath, Port: m.port}, nil
}

// Install registers the daemon with the launcher and records a marker
// for later recovery. A marker that cannot be written degrades the
// result but leaves the installation in place.
func (m *Manager) Install() status.Outcome {
	entry, err := m.entry()
	if err != nil {
		return status.Failed("daemon executable not resolvable: " + err.Error())
	}
	if err := m.platform.Install(entry); err != nil {
		return status.Failed("launcher registration failed: " + err.Error())
	}
	if err := m.writeMarker(entry); err != nil {
		m.logger.Warn().Err(err).Msg("autostart marker not persisted")
		return status.Degraded("installed, but recovery marker not persisted")
	}
	return status.OK()
}

// Remove unregisters the daemon and drops the recovery marker.
func (m *Manager) Remove() status.Outcome {
	if err := m.platform.Remove(); err != nil {
		return status.Failed("launcher removal failed: " + err.Error())
	}
	if m.markerPath != "" {
		if err := os.Remove(m.markerPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Msg("autostart marker not removed")
			return status.Degraded("removed, but recovery marker remains")
		}
	}
	return status.OK()
}

// IsInstalled reports whether the launcher currently has an entry.
func (m *Manager) IsInstalled() (bool, error) {
	return m.platform.IsInstalled()
}

// Recover reinstalls the launcher entry when the recovery marker says
// one should exist but the launcher has lost it. Without a marker there
// is nothing to recover and the call succeeds.
func (m *Manager) Recover() status.Outcome {
	entry, ok := m.readMarker()
	if !ok {
		return status.OK()
	}
	installed, err := m.platform.IsInstalled()
	if err != nil {
		return status.Degraded("launcher state unreadable: " + err.Error())
	}
	if installed {
		return status.OK()
	}
	m.logger.Info().Str("exec_path", entry.ExecPath).Msg("autostart entry missing; reinstalling from marker")
	if err := m.platform.Install(entry); err != nil {
		return status.Failed("launcher reinstall failed: " + err.Error())
	}
	return status.OK()
}

func (m *Manager) writeMarker(entry Entry) error {
	if m.markerPath == "" {
		return nil
	}
	encoded, err := json.MarshalIndent(marker{Entry: entry, InstalledAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(m.markerPath, append(encoded, '\n'), 0o600)
}

func (m *Manager) readMarker() (Entry, bool) {
	if m.markerPath == "" {
		return Entry{}, false
	}
	// #nosec G304 -- marker path is derived from the configured data directory.
	content, err := os.ReadFile(m.markerPath)
	if err != nil {
		return Entry{}, false
	}
	var record marker
	if err := json.Unmarshal(content, &record); err != nil || strings.TrimSpace(record.Entry.ExecPath) == "" {
		return Entry{}, false
	}
	return record.Entry, true
}
