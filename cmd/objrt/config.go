package main

import (
	"github.com/spf13/cobra"
)

func newConfigCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return m.Encode(cmd.OutOrStdout())
		},
	}
}
