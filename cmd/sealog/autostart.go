package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sealog-dev/sealog/core/autostart"
	"github.com/sealog-dev/sealog/core/config"
	"github.com/sealog-dev/sealog/core/logx"
	"github.com/sealog-dev/sealog/core/status"
)

func newAutostartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Manage login-time daemon startup",
	}
	cmd.AddCommand(newAutostartInstallCmd())
	cmd.AddCommand(newAutostartRemoveCmd())
	cmd.AddCommand(newAutostartStatusCmd())
	cmd.AddCommand(newAutostartRecoverCmd())
	return cmd
}

func buildAutostart(cfg config.Config) *autostart.Manager {
	return autostart.New(autostart.Options{
		Port:       cfg.Daemon.Port,
		MarkerPath: cfg.AutostartMarkerPath(),
		Logger:     logx.NewCLI("autostart"),
	})
}

func reportOutcome(cmd *cobra.Command, action string, outcome status.Outcome) error {
	out := cmd.OutOrStdout()
	switch outcome.State {
	case status.StateOK:
		fmt.Fprintf(out, "autostart %s\n", action)
		return nil
	case status.StateDegraded:
		fmt.Fprintf(out, "autostart %s (degraded: %s)\n", action, outcome.Reason)
		return nil
	default:
		return fmt.Errorf("autostart %s failed: %s", action, outcome.Reason)
	}
}

func newAutostartInstallCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register the daemon to start at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			return reportOutcome(cmd, "installed", buildAutostart(cfg).Install())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	return cmd
}

func newAutostartRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Unregister the daemon from login startup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			return reportOutcome(cmd, "removed", buildAutostart(cfg).Remove())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	return cmd
}

func newAutostartStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether login startup is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			installed, err := buildAutostart(cfg).IsInstalled()
			if err != nil {
				return err
			}
			if installed {
				fmt.Fprintln(cmd.OutOrStdout(), "autostart installed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "autostart not installed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	return cmd
}

func newAutostartRecoverCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reinstall the login entry if it went missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			return reportOutcome(cmd, "recovered", buildAutostart(cfg).Recover())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	return cmd
}
