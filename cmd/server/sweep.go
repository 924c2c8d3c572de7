package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry pass over due timers and overdue events, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		fired := a.worker.RunOnce(cmd.Context())
		slog.Info("Sweep completed", "fired", fired)
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d event(s)\n", fired)
		return nil
	},
}
