package policy

import (
	"testing"

	"carelink.org/internal/authz"
)

func TestClauseEval(t *testing.T) {
	present := true
	obj := authz.Object{Type: authz.ResourceNote, TenantRootID: "org_1"}
	ctx := authz.Context{
		TenantRootID:       "org_1",
		Purpose:            authz.PurposeCare,
		ConsentOK:          authz.Bool(true),
		SameOrg:            authz.Bool(false),
		ProgramAccessLevel: authz.ProgramWrite,
	}
	in := Input{Context: ctx, Object: obj}

	cases := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{"bool true", Clause{Fact: authz.FactConsentOK, Equals: true}, true},
		{"bool false present", Clause{Fact: authz.FactSameOrg, Equals: false}, true},
		{"absent is not false", Clause{Fact: authz.FactInNetwork, Equals: false}, false},
		{"absent is not true", Clause{Fact: authz.FactInNetwork, Equals: true}, false},
		{"string equals", Clause{Fact: authz.FactPurpose, Equals: "care"}, true},
		{"in", Clause{Fact: authz.FactPurpose, In: []string{"qa", "care"}}, true},
		{"not in", Clause{Fact: authz.FactPurpose, In: []string{"qa"}}, false},
		{"at least met", Clause{Fact: authz.FactProgramAccessLevel, AtLeast: authz.ProgramView}, true},
		{"at least unmet", Clause{Fact: authz.FactProgramAccessLevel, AtLeast: authz.ProgramFull}, false},
		{"present", Clause{Fact: authz.FactTenantRootID, Present: &present}, true},
		{"tenant match", Clause{TenantMatch: true}, true},
		{"or rescues", Clause{Fact: authz.FactSameOrg, Equals: true, Or: []Clause{{Fact: authz.FactConsentOK, Equals: true}}}, true},
		{"or all fail", Clause{Fact: authz.FactSameOrg, Equals: true, Or: []Clause{{Fact: authz.FactInNetwork, Equals: true}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.clause.Eval(in); got != tc.want {
				t.Fatalf("%s: got %v want %v", tc.clause, got, tc.want)
			}
		})
	}

	other := Input{Context: ctx, Object: authz.Object{TenantRootID: "org_2"}}
	if (Clause{TenantMatch: true}).Eval(other) {
		t.Fatal("tenant match across tenants")
	}
}

func TestClauseString(t *testing.T) {
	c := Clause{Fact: authz.FactContainsPHI, Equals: false, Or: []Clause{{Fact: authz.FactConsentOK, Equals: true}}}
	if got := c.String(); got != "(contains_phi == false or consent_ok == true)" {
		t.Fatalf("String() = %q", got)
	}
	if !c.InvolvesConsent() {
		t.Fatal("expected consent-related clause")
	}
}

func TestClauseBypassableFollowsLeadingFact(t *testing.T) {
	cases := map[string]struct {
		clause Clause
		want   bool
	}{
		"consent led":  {Clause{Fact: authz.FactConsentOK, Equals: true, Or: []Clause{{Fact: authz.FactContainsPHI, Equals: false}}}, true},
		"tenant match": {Clause{TenantMatch: true}, true},
		"purpose":      {Clause{Fact: authz.FactPurpose, In: []string{"care"}}, false},
		"purpose or same org": {Clause{Fact: authz.FactPurpose, In: []string{"care"},
			Or: []Clause{{Fact: authz.FactSameOrg, Equals: true}}}, false},
		"phi led": {Clause{Fact: authz.FactContainsPHI, Equals: false, Or: []Clause{{Fact: authz.FactConsentOK, Equals: true}}}, false},
	}
	for name, tc := range cases {
		if got := tc.clause.Bypassable(); got != tc.want {
			t.Fatalf("%s: Bypassable() = %v, want %v", name, got, tc.want)
		}
	}
}
