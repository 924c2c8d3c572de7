package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var registerAgentCmd = &cobra.Command{
	Use:   "register-agent <name>",
	Short: "Register an agent and print its credential and claim token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.identity.Register(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reg)
	},
}
