package obs

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/v1/clients/c_123/consents": "/v1/clients/:id/consents",
		"/v1/consents/abc/revoke":    "/v1/consents/:id/revoke",
		"/v1/consents/abc/extra":     "/v1/consents/abc/extra",
		"/v1/authz/decisions":        "/v1/authz/decisions",
		"/v1/audit/verify?from=10":   "/v1/audit/verify",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestPolicyLoadedTracksSingleVersion(t *testing.T) {
	PolicyLoaded("v1-a", nil)
	PolicyLoaded("v2-b", nil)
	PolicyLoaded("v2-b", errors.New("bad"))

	if got := testutil.ToFloat64(policyInfo.WithLabelValues("v2-b")); got != 1 {
		t.Fatalf("active version gauge = %v", got)
	}
	if n := testutil.CollectAndCount(policyInfo); n != 1 {
		t.Fatalf("expected one policy_info series, got %d", n)
	}
}
