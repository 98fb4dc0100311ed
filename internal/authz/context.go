package authz

import (
	"time"
)

// Context carries the server-resolved facts a decision is evaluated against.
// Optional booleans are pointers: an absent fact is not the same as false.
type Context struct {
	TenantRootID       string             `json:"tenant_root_id"`
	Purpose            Purpose            `json:"purpose,omitempty"`
	ContainsPHI        *bool              `json:"contains_phi,omitempty"`
	ConsentOK          *bool              `json:"consent_ok,omitempty"`
	ConsentID          string             `json:"consent_id,omitempty"`
	ConsentGracePeriod *bool              `json:"consent_grace_period,omitempty"`
	ConsentReason      string             `json:"consent_reason,omitempty"`
	SameOrg            *bool              `json:"same_org,omitempty"`
	SameLocation       *bool              `json:"same_location,omitempty"`
	InNetwork          *bool              `json:"in_network,omitempty"`
	AssignedToUser     *bool              `json:"assigned_to_user,omitempty"`
	SharesProgram      *bool              `json:"shares_program,omitempty"`
	ProgramAccessLevel ProgramAccessLevel `json:"program_access_level,omitempty"`
	SelfScope          *bool              `json:"self_scope,omitempty"`
	TempGrant          *bool              `json:"temp_grant,omitempty"`
	TwoPersonRule      *bool              `json:"two_person_rule,omitempty"`
	BreakGlass         *bool              `json:"bg,omitempty"`
	BreakGlassExpires  *time.Time         `json:"bg_expires_at,omitempty"`
}

// Fact names addressable from policy predicates.
const (
	FactTenantRootID       = "tenant_root_id"
	FactPurpose            = "purpose"
	FactContainsPHI        = "contains_phi"
	FactConsentOK          = "consent_ok"
	FactConsentID          = "consent_id"
	FactConsentGracePeriod = "consent_grace_period"
	FactSameOrg            = "same_org"
	FactSameLocation       = "same_location"
	FactInNetwork          = "in_network"
	FactAssignedToUser     = "assigned_to_user"
	FactSharesProgram      = "shares_program"
	FactProgramAccessLevel = "program_access_level"
	FactSelfScope          = "self_scope"
	FactTempGrant          = "temp_grant"
	FactTwoPersonRule      = "two_person_rule"
	FactBreakGlass         = "bg"
)

var boolFacts = map[string]func(Context) *bool{
	FactContainsPHI:        func(c Context) *bool { return c.ContainsPHI },
	FactConsentOK:          func(c Context) *bool { return c.ConsentOK },
	FactConsentGracePeriod: func(c Context) *bool { return c.ConsentGracePeriod },
	FactSameOrg:            func(c Context) *bool { return c.SameOrg },
	FactSameLocation:       func(c Context) *bool { return c.SameLocation },
	FactInNetwork:          func(c Context) *bool { return c.InNetwork },
	FactAssignedToUser:     func(c Context) *bool { return c.AssignedToUser },
	FactSharesProgram:      func(c Context) *bool { return c.SharesProgram },
	FactSelfScope:          func(c Context) *bool { return c.SelfScope },
	FactTempGrant:          func(c Context) *bool { return c.TempGrant },
	FactTwoPersonRule:      func(c Context) *bool { return c.TwoPersonRule },
	FactBreakGlass:         func(c Context) *bool { return c.BreakGlass },
}

var stringFacts = map[string]func(Context) string{
	FactTenantRootID:       func(c Context) string { return c.TenantRootID },
	FactPurpose:            func(c Context) string { return string(c.Purpose) },
	FactConsentID:          func(c Context) string { return c.ConsentID },
	FactProgramAccessLevel: func(c Context) string { return string(c.ProgramAccessLevel) },
}

// IsBoolFact reports whether name is a known boolean fact.
func IsBoolFact(name string) bool {
	_, ok := boolFacts[name]
	return ok
}

// IsStringFact reports whether name is a known string fact.
func IsStringFact(name string) bool {
	_, ok := stringFacts[name]
	return ok
}

// BoolFact returns the value of a boolean fact and whether it is present.
func (c Context) BoolFact(name string) (bool, bool) {
	get, ok := boolFacts[name]
	if !ok {
		return false, false
	}
	v := get(c)
	if v == nil {
		return false, false
	}
	return *v, true
}

// StringFact returns the value of a string fact and whether it is present.
func (c Context) StringFact(name string) (string, bool) {
	get, ok := stringFacts[name]
	if !ok {
		return "", false
	}
	v := get(c)
	return v, v != ""
}

// Normalize applies the fail-closed defaults: PHI without a consent answer
// is treated as consent refused.
func (c Context) Normalize() Context {
	if c.ContainsPHI != nil && *c.ContainsPHI && c.ConsentOK == nil {
		c.ConsentOK = Bool(false)
	}
	return c
}

// BreakGlassActive reports whether the context carries an unexpired break-glass session.
func (c Context) BreakGlassActive(now time.Time) bool {
	if c.BreakGlass == nil || !*c.BreakGlass || c.BreakGlassExpires == nil {
		return false
	}
	return !now.After(*c.BreakGlassExpires)
}

// Snapshot renders the context as a flat map for audit entries. Only present
// facts are included so absence survives serialization.
func (c Context) Snapshot() map[string]any {
	out := map[string]any{FactTenantRootID: c.TenantRootID}
	for name, get := range boolFacts {
		if v := get(c); v != nil {
			out[name] = *v
		}
	}
	for name, get := range stringFacts {
		if name == FactTenantRootID {
			continue
		}
		if v := get(c); v != "" {
			out[name] = v
		}
	}
	if c.ConsentReason != "" {
		out["consent_reason"] = c.ConsentReason
	}
	if c.BreakGlassExpires != nil {
		out["bg_expires_at"] = c.BreakGlassExpires.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
