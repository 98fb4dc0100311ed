package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"carelink.org/internal/access"
	"carelink.org/internal/decision"
	"carelink.org/internal/policy"
)

var (
	simulatePolicy  string
	simulateRequest string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Dry-run a decision against a policy file",
	Long: `Evaluate a single decision request against a policy file without
touching the audit chain. The request file holds subject, object, action
and context as JSON.

Examples:
  authzctl simulate --policy configs/policy.yaml --request req.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readSimulateRequest(simulateRequest)
		if err != nil {
			return err
		}
		store := policy.NewStore()
		if _, err := store.Load(cmd.Context(), policy.FileSource(simulatePolicy)); err != nil {
			return err
		}
		d := decision.New(store).Decide(req.Subject, req.Object, req.Action, req.Context)
		return printJSON(cmd.OutOrStdout(), d)
	},
}

func readSimulateRequest(path string) (access.SimulateRequest, error) {
	var req access.SimulateRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	if req.Subject.Role == "" || req.Object.Type == "" || req.Action == "" {
		return req, fmt.Errorf("request needs subject.role, object.type and action")
	}
	return req, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePolicy, "policy", "configs/policy.yaml", "policy file")
	simulateCmd.Flags().StringVar(&simulateRequest, "request", "", "decision request JSON file")
	_ = simulateCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(simulateCmd)
}
