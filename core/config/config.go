// Package config resolves the tool's data directory and runtime
// settings from defaults, an optional YAML file, and SEALOG_* overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort         = 4774
	defaultProbeTimeout = 750 * time.Millisecond
	defaultSpawnTimeout = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// Duration is a yaml-friendly wrapper parsed with time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Daemon struct {
	Port         int      `yaml:"port"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	SpawnTimeout Duration `yaml:"spawn_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	DataDir string `yaml:"data_dir"`
	Daemon  Daemon `yaml:"daemon"`
	Log     Log    `yaml:"log"`
}

func Default() Config {
	return Config{
		Daemon: Daemon{
			Port:         DefaultPort,
			ProbeTimeout: Duration(defaultProbeTimeout),
			SpawnTimeout: Duration(defaultSpawnTimeout),
			PollInterval: Duration(defaultPollInterval),
		},
		Log: Log{Level: "info"},
	}
}

// Load builds the effective configuration. Precedence, lowest to
// highest: defaults, the YAML file (explicit path, else SEALOG_CONFIG,
// else config.yaml inside the data directory when present), then
// SEALOG_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.DataDir = resolveDataDir()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("SEALOG_CONFIG"))
	}
	explicit := path != ""
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	// #nosec G304 -- config path is explicit local input or a well-known location.
	content, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("data directory could not be resolved")
	}
	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		return Config{}, fmt.Errorf("invalid daemon port: %d", cfg.Daemon.Port)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := strings.TrimSpace(os.Getenv("SEALOG_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sealog")
}

func applyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("SEALOG_HOME")); dir != "" {
		cfg.DataDir = dir
	}
	if port := strings.TrimSpace(os.Getenv("SEALOG_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Daemon.Port = parsed
		}
	}
	if level := strings.TrimSpace(os.Getenv("SEALOG_LOG_LEVEL")); level != "" {
		cfg.Log.Level = level
	}
}

func (c Config) PidPath() string {
	return filepath.Join(c.DataDir, "daemon.pid.json")
}

func (c Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "session-ids.json")
}

func (c Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

func (c Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, "daemon.log")
}

// ExecCachePath stores the resolved daemon executable between runs.
func (c Config) ExecCachePath() string {
	return filepath.Join(c.DataDir, "daemon.exec.json")
}

// AutostartMarkerPath records the desired autostart registration.
func (c Config) AutostartMarkerPath() string {
	return filepath.Join(c.DataDir, "autostart.json")
}
