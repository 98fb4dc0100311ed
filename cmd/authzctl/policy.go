package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carelink.org/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with policy rule files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Parse a policy file and print its version",
	Long: `Parse a policy file with the same strict rules the server applies on
load. Exits non-zero on any syntax error.

Examples:
  authzctl policy validate configs/policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := policy.NewStore()
		version, err := store.Load(cmd.Context(), policy.FileSource(args[0]))
		if err != nil {
			return err
		}
		snap := store.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d rules)\n", version, len(snap.Rules()))
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}
