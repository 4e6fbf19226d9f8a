// Package supervisor guarantees at most one reachable daemon instance
// on a known port and provides idempotent ensure/kill primitives safe
// under concurrent, unsynchronized callers. Port-bind exclusivity is the
// true mutual-exclusion primitive; the PID record is a cache, not a lock.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/fsx"
)

const (
	defaultProbeTimeout = 750 * time.Millisecond
	defaultSpawnTimeout = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	maxPollInterval     = 2 * time.Second
	killWaitTimeout     = 5 * time.Second
)

// PidRecord is the persisted supervisor state for a spawned daemon.
type PidRecord struct {
	Pid       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// Health is the daemon's health endpoint response.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
	Pid            int    `json:"pid,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
}

// Inspector abstracts OS-level process discovery so the supervision
// logic stays platform-agnostic.
type Inspector interface {
	IsProcessRunning(pid int) bool
	FindPidsByPort(port int) []int
	Terminate(pid int) error
}

// SpawnFunc launches a detached daemon on the port and returns its pid.
type SpawnFunc func(port int, preferOnline bool) (int, error)

type Options struct {
	Port          int
	PidPath       string
	ExecCachePath string
	LogPath       string
	ProbeTimeout  time.Duration
	SpawnTimeout  time.Duration
	PollInterval  time.Duration
	Inspector     Inspector
	Logger        zerolog.Logger
	// Spawn overrides the default detached self-spawn, for tests.
	Spawn SpawnFunc
}

type EnsureOptions struct {
	// PreferOnline re-resolves the daemon executable instead of trusting
	// the cached executable record, for update flows.
	PreferOnline bool
}

type Supervisor struct {
	port          int
	pidPath       string
	execCachePath string
	logPath       string
	probeTimeout  time.Duration
	spawnTimeout  time.Duration
	pollInterval  time.Duration
	inspector     Inspector
	logger        zerolog.Logger
	spawn         SpawnFunc
	client        *http.Client
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		port:          opts.Port,
		pidPath:       opts.PidPath,
		execCachePath: opts.ExecCachePath,
		logPath:       opts.LogPath,
		probeTimeout:  opts.ProbeTimeout,
		spawnTimeout:  opts.SpawnTimeout,
		pollInterval:  opts.PollInterval,
		inspector:     opts.Inspector,
		logger:        opts.Logger,
		spawn:         opts.Spawn,
		client:        &http.Client{},
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = defaultProbeTimeout
	}
	if s.spawnTimeout <= 0 {
		s.spawnTimeout = defaultSpawnTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.inspector == nil {
		s.inspector = NewInspector()
	}
	if s.spawn == nil {
		s.spawn = s.spawnDaemon
	}
	return s
}

func (s *Supervisor) healthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", s.port)
}

// CheckHealth probes the daemon's health endpoint with a bounded
// timeout. Timeout, refusal, or a malformed response all read as
// "daemon not running"; it never returns an error.
func (s *Supervisor) CheckHealth(ctx context.Context) (Health, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL(), nil)
	if err != nil {
		return Health{}, false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Health{}, false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Health{}, false
	}
	var health Health
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		return Health{}, false
	}
	if health.Status != "ok" {
		return Health{}, false
	}
	return health, true
}

// ReadPidRecord returns the persisted record, or false when the file is
// missing or unparsable.
func (s *Supervisor) ReadPidRecord() (PidRecord, bool) {
	// #nosec G304 -- pid path is derived from the configured data directory.
	content, err := os.ReadFile(s.pidPath)
	if err != nil {
		return PidRecord{}, false
	}
	var record PidRecord
	if err := json.Unmarshal(content, &record); err != nil || record.Pid <= 0 {
		return PidRecord{}, false
	}
	return record, true
}

func (s *Supervisor) writePidRecord(record PidRecord) error {
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternalFailure, "pid_encode", "", false)
	}
	encoded = append(encoded, '\n')
	if err := fsx.WriteFileAtomic(s.pidPath, encoded, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "pid_write", "check data directory permissions", false)
	}
	return nil
}

// ClearPidRecord removes the persisted record; missing is fine.
func (s *Supervisor) ClearPidRecord() {
	if err := os.Remove(s.pidPath); err != nil && !os.IsNotExist(err) {
		s.logger.Debug().Err(err).Msg("remove pid record")
	}
}

// EnsureDaemon makes sure a healthy daemon is reachable, spawning one if
// needed. Idempotent under concurrent callers: a second caller either
// sees the health check succeed, or races to spawn a duplicate whose
// port bind the OS rejects and falls back to re-checking health.
func (s *Supervisor) EnsureDaemon(ctx context.Context, opts EnsureOptions) error {
	if _, ok := s.CheckHealth(ctx); ok {
		return nil
	}
	if record, ok := s.ReadPidRecord(); ok {
		// The health probe already failed, so the record is stale whether
		// or not something still answers at that pid.
		if s.inspector.IsProcessRunning(record.Pid) {
			s.logger.Warn().Int("pid", record.Pid).Msg("pid record alive but daemon unreachable; discarding record")
		} else {
			s.logger.Debug().Int("pid", record.Pid).Msg("discarding stale pid record")
		}
		s.ClearPidRecord()
	}

	pid, err := s.spawn(s.port, opts.PreferOnline)
	if err != nil {
		// Spawn may lose a race with a concurrent caller; health decides.
		if _, ok := s.CheckHealth(ctx); ok {
			return nil
		}
		return errors.Wrap(err, errors.CategoryUnreachable, "daemon_spawn", "check the daemon log for startup errors", true)
	}
	if err := s.writePidRecord(PidRecord{Pid: pid, Port: s.port, StartedAt: time.Now().UTC()}); err != nil {
		s.logger.Warn().Err(err).Msg("pid record not persisted; port lookup remains as fallback")
	}
	s.logger.Info().Int("pid", pid).Int("port", s.port).Msg("daemon spawned; waiting for healthy")

	health, err := s.awaitHealthy(ctx)
	if err != nil {
		return err
	}
	// Detached spawn can succeed at the OS level even when a concurrent
	// racer won the port bind and our child died on it. The serving
	// daemon's self-reported pid is authoritative for the record.
	if health.Pid > 0 && health.Pid != pid {
		s.logger.Info().Int("spawned_pid", pid).Int("serving_pid", health.Pid).Msg("spawned daemon lost the port race; recording the serving pid")
		if err := s.writePidRecord(PidRecord{Pid: health.Pid, Port: s.port, StartedAt: time.Now().UTC()}); err != nil {
			s.logger.Warn().Err(err).Msg("pid record not persisted; port lookup remains as fallback")
		}
	}
	return nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context) (Health, error) {
	deadline := time.Now().Add(s.spawnTimeout)
	interval := s.pollInterval
	for {
		if health, ok := s.CheckHealth(ctx); ok {
			return health, nil
		}
		if err := ctx.Err(); err != nil {
			return Health{}, errors.Wrap(err, errors.CategoryNetworkTransient, "ensure_cancelled", "", true)
		}
		if time.Now().After(deadline) {
			return Health{}, errors.New(errors.CategoryUnreachable, "daemon_not_healthy", "check the daemon log for startup errors", "daemon did not become healthy within %s", s.spawnTimeout)
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// KillDaemon stops the daemon located via the PID record or, as a
// fallback, by port lookup. An already-stopped daemon is a success
// no-op; the call is idempotent.
func (s *Supervisor) KillDaemon(ctx context.Context) error {
	seen := map[int]struct{}{}
	var pids []int
	if record, ok := s.ReadPidRecord(); ok {
		seen[record.Pid] = struct{}{}
		pids = append(pids, record.Pid)
	}
	for _, pid := range s.inspector.FindPidsByPort(s.port) {
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}

	var alive []int
	for _, pid := range pids {
		if s.inspector.IsProcessRunning(pid) {
			alive = append(alive, pid)
		}
	}
	if len(alive) == 0 {
		s.ClearPidRecord()
		return nil
	}

	for _, pid := range alive {
		if err := s.inspector.Terminate(pid); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("terminate daemon")
		}
	}

	deadline := time.Now().Add(killWaitTimeout)
	for {
		remaining := 0
		for _, pid := range alive {
			if s.inspector.IsProcessRunning(pid) {
				remaining++
			}
		}
		if remaining == 0 {
			s.ClearPidRecord()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.CategoryNetworkTransient, "kill_cancelled", "", true)
		}
		if time.Now().After(deadline) {
			return errors.New(errors.CategoryInternalFailure, "daemon_kill", "terminate the process manually", "daemon did not exit within %s", killWaitTimeout)
		}
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}
}

type execCache struct {
	Path       string    `json:"path"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func (s *Supervisor) resolveExecutable(preferOnline bool) (string, error) {
	if !preferOnline && s.execCachePath != "" {
		// #nosec G304 -- cache path is derived from the configured data directory.
		if content, err := os.ReadFile(s.execCachePath); err == nil {
			var cached execCache
			if json.Unmarshal(content, &cached) == nil && strings.TrimSpace(cached.Path) != "" {
				if _, err := os.Stat(cached.Path); err == nil {
					return cached.Path, nil
				}
			}
		}
	}
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate daemon executable: %w", err)
	}
	if s.execCachePath != "" {
		encoded, marshalErr := json.MarshalIndent(execCache{Path: path, ResolvedAt: time.Now().UTC()}, "", "  ")
		if marshalErr == nil {
			if writeErr := fsx.WriteFileAtomic(s.execCachePath, append(encoded, '\n'), 0o600); writeErr != nil {
				s.logger.Debug().Err(writeErr).Msg("exec cache not persisted")
			}
		}
	}
	return path, nil
}

func (s *Supervisor) spawnDaemon(port int, preferOnline bool) (int, error) {
	execPath, err := s.resolveExecutable(preferOnline)
	if err != nil {
		return 0, err
	}
	args := []string{"daemon", "run", "--port", fmt.Sprintf("%d", port)}
	return launchDetached(execPath, args, s.logPath)
}
