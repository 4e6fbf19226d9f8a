package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sealog-dev/sealog/core/config"
	"github.com/sealog-dev/sealog/core/daemon"
	"github.com/sealog-dev/sealog/core/logx"
	"github.com/sealog-dev/sealog/core/supervisor"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background session daemon",
	}
	cmd.AddCommand(newDaemonRunCmd())
	cmd.AddCommand(newDaemonEnsureCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonKillCmd())
	return cmd
}

func loadConfig(configPath string, port int) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if port > 0 {
		cfg.Daemon.Port = port
	}
	return cfg, nil
}

func daemonLogger(cfg config.Config) zerolog.Logger {
	return logx.New(os.Stderr, "daemon", logx.ParseLevel(cfg.Log.Level))
}

func buildSupervisor(cfg config.Config, logger zerolog.Logger) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Port:          cfg.Daemon.Port,
		PidPath:       cfg.PidPath(),
		ExecCachePath: cfg.ExecCachePath(),
		LogPath:       cfg.LogPath(),
		ProbeTimeout:  cfg.Daemon.ProbeTimeout.Std(),
		SpawnTimeout:  cfg.Daemon.SpawnTimeout.Std(),
		PollInterval:  cfg.Daemon.PollInterval.Std(),
		Logger:        logger,
	})
}

func newDaemonRunCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, port)
			if err != nil {
				return err
			}
			logger := daemonLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server := daemon.New(cfg, Version, logger)
			return server.Run(ctx, cfg.Daemon.Port)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func newDaemonEnsureCmd() *cobra.Command {
	var (
		configPath   string
		port         int
		preferOnline bool
	)
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Start the daemon if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, port)
			if err != nil {
				return err
			}
			s := buildSupervisor(cfg, logx.NewCLI("supervisor"))
			if err := s.EnsureDaemon(cmd.Context(), supervisor.EnsureOptions{PreferOnline: preferOnline}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon healthy on port %d\n", cfg.Daemon.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "daemon port (overrides config)")
	cmd.Flags().BoolVar(&preferOnline, "prefer-online", false, "re-resolve the daemon executable instead of using the cached one")
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	var (
		configPath string
		port       int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, port)
			if err != nil {
				return err
			}
			s := buildSupervisor(cfg, logx.NewCLI("supervisor"))
			health, running := s.CheckHealth(cmd.Context())
			out := cmd.OutOrStdout()

			if asJSON {
				view := map[string]any{"running": running, "port": cfg.Daemon.Port}
				if running {
					view["health"] = health
				}
				if record, ok := s.ReadPidRecord(); ok {
					view["pid_record"] = record
				}
				return json.NewEncoder(out).Encode(view)
			}

			if !running {
				fmt.Fprintf(out, "daemon not running on port %d\n", cfg.Daemon.Port)
				return nil
			}
			fmt.Fprintf(out, "daemon %s running on port %d (pid %d, %d active sessions)\n",
				health.Version, cfg.Daemon.Port, health.Pid, health.ActiveSessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "daemon port (overrides config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newDaemonKillCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the daemon if it is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, port)
			if err != nil {
				return err
			}
			s := buildSupervisor(cfg, logx.NewCLI("supervisor"))
			if err := s.KillDaemon(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "daemon port (overrides config)")
	return cmd
}
