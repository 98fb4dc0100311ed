package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"carelink.org/internal/authz"
	"carelink.org/internal/decision"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPolicyValidate(t *testing.T) {
	out, err := execute(t, "policy", "validate", "../../configs/policy.yaml")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(out, "ok: v1-2026.10.1-") {
		t.Fatalf("unexpected output: %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("version: x\nrules:\n  - id: r\n    roles: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "policy", "validate", bad); !authz.IsKind(err, authz.KindInvalidPolicySyntax) {
		t.Fatalf("expected invalid_policy_syntax, got %v", err)
	}
}

func TestSimulate(t *testing.T) {
	req := filepath.Join(t.TempDir(), "req.json")
	body := `{
  "subject": {"role": "case_manager", "scope_type": "organization", "scope_id": "org_1"},
  "object": {"type": "note", "id": "n1", "tenant_root_id": "org_1"},
  "action": "read",
  "context": {"tenant_root_id": "org_1", "purpose": "care", "contains_phi": true, "consent_ok": true, "assigned_to_user": true}
}`
	if err := os.WriteFile(req, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "simulate", "--policy", "../../configs/policy.yaml", "--request", req)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var d decision.Decision
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if d.Effect != authz.Allow || d.MatchedRule != "note-read" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}
