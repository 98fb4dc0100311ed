package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carelink.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc.def", want: "abc.def"},
		{header: "bearer   abc", want: "abc"},
		{header: "", wantErr: true},
		{header: "Basic dXNlcg==", wantErr: true},
		{header: "Bearer ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.header)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %q, %v", got, err)
			}
		})
	}
}

func TestWithAuthStoresCaller(t *testing.T) {
	tokens, err := auth.NewTokens("secret")
	if err != nil {
		t.Fatal(err)
	}
	a := &API{tokens: tokens}

	var seen string
	handler := RequestID(a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = callerID(r)
		w.WriteHeader(http.StatusOK)
	})))

	tok, err := tokens.GenerateToken("user-1", []string{"staff"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != "user-1" {
		t.Fatalf("expected authenticated pass-through, got %d %q", rr.Code, seen)
	}
}

func TestWithAuthRejectsForeignToken(t *testing.T) {
	tokens, _ := auth.NewTokens("secret")
	other, _ := auth.NewTokens("other-secret")
	a := &API{tokens: tokens}

	handler := RequestID(a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})))

	tok, err := other.GenerateToken("user-1", []string{"staff"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}
