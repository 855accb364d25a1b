package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fracflow.ai/internal/sim/tuning"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema for run configuration files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), tuning.SchemaJSON())
		return err
	},
}
