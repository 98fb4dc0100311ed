package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"carelink.org/internal/authz"
)

func TestTokensGenerateAndValidate(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	tokens, err := NewTokens("s3cret", WithIssuer("test-issuer"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	token, err := tokens.GenerateToken("user-42", []string{"Case_Manager", "helper_basic", "case_manager"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := tokens.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "case_manager") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}

	now = now.Add(31 * time.Minute)
	if _, err := tokens.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestTokensRejectForeignSignatures(t *testing.T) {
	a, _ := NewTokens("secret-a")
	b, _ := NewTokens("secret-b")
	token, err := a.GenerateToken("u", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := a.ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token")
	}
	other, _ := NewTokens("secret-a", WithIssuer("someone-else"))
	if _, err := other.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("issuer mismatch must fail")
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens(" "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	tokens, _ := NewTokens("x")
	if _, err := tokens.GenerateToken("", nil, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := tokens.GenerateToken("u", nil, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ttl")
	}
}

func TestResolvePrincipal(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	store := NewMemoryAssignments()
	store.Assign(authz.Subject{UserID: "u1", Role: "Case_Manager", ScopeType: authz.ScopeOrganization, ScopeID: "org_1"})
	store.Assign(authz.Subject{UserID: "u1", Role: "platform_admin", ScopeType: authz.ScopeGlobal, ExpiresAt: &past})

	p, err := Resolve(context.Background(), store, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(p.Subjects) != 2 || p.Subjects[0].Role != "case_manager" {
		t.Fatalf("unexpected subjects: %+v", p.Subjects)
	}
	if active := p.Active(now); len(active) != 1 {
		t.Fatalf("expected one active assignment, got %d", len(active))
	}
	if p.HasGlobalRole(RolePlatformAdmin, now) {
		t.Fatal("expired admin assignment must not count")
	}

	ctx := ContextWithPrincipal(context.Background(), p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "u1" {
		t.Fatalf("principal not stored in context")
	}
	if uid, ok := UserIDFromContext(ctx); !ok || uid != "u1" {
		t.Fatalf("user id not stored in context")
	}
	if roles := RolesFromContext(ctx); !slices.Contains(roles, "platform_admin") {
		t.Fatalf("roles missing: %v", roles)
	}

	if _, err := Resolve(context.Background(), store, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
