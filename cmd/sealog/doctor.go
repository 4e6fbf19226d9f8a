package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sealog-dev/sealog/core/doctor"
	"github.com/sealog-dev/sealog/core/logx"
	"github.com/sealog-dev/sealog/core/supervisor"
)

func newDoctorCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local sealog environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			s := buildSupervisor(cfg, logx.NewCLI("supervisor"))
			result := doctor.Run(cmd.Context(), doctor.Options{
				Cfg:     cfg,
				Version: Version,
				Probe: func(ctx context.Context) (supervisor.Health, bool) {
					return s.CheckHealth(ctx)
				},
				Autostart: buildAutostart(cfg),
			})

			out := cmd.OutOrStdout()
			if asJSON {
				if err := json.NewEncoder(out).Encode(result); err != nil {
					return err
				}
			} else {
				for _, check := range result.Checks {
					fmt.Fprintf(out, "%-12s %-4s %s\n", check.Name, check.Status, check.Message)
					if check.FixCommand != "" {
						fmt.Fprintf(out, "%-12s      fix: %s\n", "", check.FixCommand)
					}
				}
				fmt.Fprintln(out, result.Summary)
			}
			if result.Status == "fail" {
				return fmt.Errorf("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
