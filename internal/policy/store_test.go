package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"carelink.org/internal/authz"
)

const basePolicy = `
version: "t1"
rules:
  - id: note-any
    roles: [case_manager]
    resource: "*"
    actions: [read]
  - id: note-type
    roles: [case_manager]
    resource: note
    actions: [read]
    when:
      - fact: consent_ok
        equals: true
  - id: note-instance
    roles: [case_manager]
    resource: note
    resource_id: note_42
    actions: [read]
    when:
      - fact: purpose
        in: [qa]
`

func mustLoad(t *testing.T, s *Store, doc string) string {
	t.Helper()
	v, err := s.Load(context.Background(), BytesSource{Label: "test", Data: []byte(doc)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return v
}

func TestMatchPrefersMostSpecific(t *testing.T) {
	s := NewStore()
	mustLoad(t, s, basePolicy)
	snap := s.Snapshot()

	cases := []struct {
		name string
		obj  authz.Object
		want string
	}{
		{"instance", authz.Object{Type: authz.ResourceNote, ID: "note_42"}, "note-instance"},
		{"type", authz.Object{Type: authz.ResourceNote, ID: "note_7"}, "note-type"},
		{"wildcard", authz.Object{Type: authz.ResourceReport, ID: "r1"}, "note-any"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule, ok := snap.Match("case_manager", tc.obj, authz.ActionRead)
			if !ok {
				t.Fatalf("expected a match")
			}
			if rule.ID != tc.want {
				t.Fatalf("matched %s, want %s", rule.ID, tc.want)
			}
		})
	}

	if _, ok := snap.Match("helper_basic", authz.Object{Type: authz.ResourceNote}, authz.ActionRead); ok {
		t.Fatalf("unexpected match for unknown role")
	}
	if _, ok := snap.Match("case_manager", authz.Object{Type: authz.ResourceNote}, authz.ActionDelete); ok {
		t.Fatalf("unexpected match for unlisted action")
	}
}

func TestMatchTieGoesToFirstRule(t *testing.T) {
	s := NewStore()
	mustLoad(t, s, `
rules:
  - id: first
    roles: [r]
    resource: note
    actions: [read]
  - id: second
    roles: [r]
    resource: note
    actions: [read]
`)
	rule, ok := s.Snapshot().Match("r", authz.Object{Type: authz.ResourceNote}, authz.ActionRead)
	if !ok || rule.ID != "first" {
		t.Fatalf("got %q ok=%v", rule.ID, ok)
	}
}

func TestLoadIdempotentVersion(t *testing.T) {
	s := NewStore(WithReload(true))
	v1 := mustLoad(t, s, basePolicy)
	v2 := mustLoad(t, s, basePolicy)
	if v1 != v2 {
		t.Fatalf("identical content changed version: %s -> %s", v1, v2)
	}
	v3, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v3 != v1 {
		t.Fatalf("reload of identical content changed version: %s -> %s", v1, v3)
	}
	if !strings.HasPrefix(v1, "v1-t1-") {
		t.Fatalf("unexpected version format %q", v1)
	}

	v4 := mustLoad(t, s, strings.Replace(basePolicy, `"t1"`, `"t2"`, 1))
	if v4 == v1 || !strings.HasPrefix(v4, "v2-t2-") {
		t.Fatalf("expected bumped version, got %q", v4)
	}
}

func TestInvalidPolicyKeepsActiveSnapshot(t *testing.T) {
	s := NewStore()
	v := mustLoad(t, s, basePolicy)

	bad := []string{
		"",
		"rules: []",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n    bogus: 1\n",
		"rules:\n  - id: x\n    roles: []\n    resource: note\n    actions: [read]\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: spaceship\n    actions: [read]\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n    when:\n      - fact: unknown_fact\n        equals: true\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n    when:\n      - fact: consent_ok\n        equals: true\n        in: [a]\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [update]\n    break_glass_writes: true\n",
		"rules:\n  - id: x\n    roles: [a]\n    resource: note\n    actions: [read]\n    when:\n      - fact: purpose\n        equals: true\n",
	}
	for i, doc := range bad {
		_, err := s.Load(context.Background(), BytesSource{Label: "bad", Data: []byte(doc)})
		if err == nil {
			t.Fatalf("case %d: expected error", i)
		}
		if !authz.IsKind(err, authz.KindInvalidPolicySyntax) {
			t.Fatalf("case %d: expected InvalidPolicySyntax, got %v", i, err)
		}
	}
	if s.CurrentVersion() != v {
		t.Fatalf("active version changed after failed loads: %s", s.CurrentVersion())
	}
}

func TestReloadDisabled(t *testing.T) {
	s := NewStore()
	mustLoad(t, s, basePolicy)
	if _, err := s.Reload(context.Background()); err != ErrReloadDisabled {
		t.Fatalf("expected ErrReloadDisabled, got %v", err)
	}
	if _, err := NewStore(WithReload(true)).Reload(context.Background()); err != ErrNotLoaded {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(basePolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(WithReload(true))
	v1, err := s.Load(context.Background(), FileSource(path))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	old := s.Snapshot()

	if err := os.WriteFile(path, []byte(strings.Replace(basePolicy, "note_42", "note_43", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	v2, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v1 == v2 {
		t.Fatalf("expected new version after change")
	}
	// Readers holding the old snapshot keep their view.
	if rule, _ := old.Match("case_manager", authz.Object{Type: authz.ResourceNote, ID: "note_42"}, authz.ActionRead); rule.ID != "note-instance" {
		t.Fatalf("old snapshot mutated: %s", rule.ID)
	}
}

func TestConcurrentReadersDuringSwap(t *testing.T) {
	s := NewStore()
	mustLoad(t, s, basePolicy)
	alt := strings.Replace(basePolicy, `"t1"`, `"t9"`, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Snapshot()
				if snap == nil || len(snap.Rules()) != 3 {
					t.Errorf("inconsistent snapshot")
					return
				}
			}
		}()
	}
	for j := 0; j < 20; j++ {
		doc := basePolicy
		if j%2 == 0 {
			doc = alt
		}
		if _, err := s.Load(context.Background(), BytesSource{Label: "swap", Data: []byte(doc)}); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	wg.Wait()
}

func TestShippedPolicyParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "policy.yaml"))
	if err != nil {
		t.Fatalf("read shipped policy: %v", err)
	}
	if _, rules, err := Parse(data); err != nil || len(rules) == 0 {
		t.Fatalf("shipped policy invalid: %v", err)
	}
}
