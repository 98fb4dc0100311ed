package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carelink.org/internal/audit"
	"carelink.org/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the decision audit chain",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every hash in the audit chain",
	Long: `Walk the audit chain in sequence order against the configured
database and report the first broken link, if any.

Examples:
  authzctl audit verify --config /etc/carelink/authzd.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{MaxOpenConns: 2, MaxIdleConns: 1})
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := audit.Verify(cmd.Context(), st.AuditSink())
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if !report.OK {
			return fmt.Errorf("audit chain broken at seq %d: %s", report.BrokenAt, report.Problem)
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
