package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"carelink.org/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "authzctl",
	Short: "Operate the CareLink authorization and consent engine",
	Long: `authzctl validates policy files, dry-runs decisions, verifies the
audit hash chain and issues bearer tokens for local testing.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "authzd config file path")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
