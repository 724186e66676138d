package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/risa-org/zonis/session"
)

// keygenCmd prints a fresh override key.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an override key",
	Long:  "Print a random override key suitable for the override_key setting.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := session.GenerateOverrideKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
