// Package decision evaluates access requests against the active policy
// snapshot. It never performs I/O.
package decision

import (
	"fmt"
	"time"

	"carelink.org/internal/authz"
	"carelink.org/internal/policy"
)

// Reason codes attached to decisions.
const (
	CodeAllowed          = "allowed"
	CodeNoPolicy         = "no_matching_policy"
	CodeConditionFailed  = "condition_failed"
	CodeConsentRequired  = "consent_required"
	CodeSubjectExpired   = "subject_expired"
	CodeNoSubject        = "no_active_subject"
	CodePolicyNotLoaded  = "policy_not_loaded"
	CodeBreakGlassAccess = "break_glass_override"
)

// Decision is the engine's verdict for one request.
type Decision struct {
	Effect        authz.Effect `json:"decision"`
	MatchedRule   string       `json:"matched_policy,omitempty"`
	Reasoning     string       `json:"reasoning"`
	Code          string       `json:"code"`
	FailedClause  string       `json:"failed_clause,omitempty"`
	PolicyVersion string       `json:"policy_version"`
	Role          string       `json:"role,omitempty"`
	BreakGlass    bool         `json:"break_glass,omitempty"`
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d.Effect == authz.Allow }

// Snapshotter supplies the active rule set.
type Snapshotter interface {
	Snapshot() *policy.Snapshot
}

// Engine evaluates requests. It is safe for concurrent use.
type Engine struct {
	policies Snapshotter
	now      func() time.Time
}

// Option configures Engine.
type Option func(*Engine)

// WithClock overrides the clock used for subject and break-glass expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine bound to a policy store.
func New(policies Snapshotter, opts ...Option) *Engine {
	e := &Engine{policies: policies, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates a single subject. Identical inputs against the same
// snapshot and clock yield identical decisions.
func (e *Engine) Decide(subject authz.Subject, object authz.Object, action authz.Action, ctx authz.Context) Decision {
	snap := e.policies.Snapshot()
	return e.decide(snap, e.now(), subject, object, action, ctx)
}

// DecideAny evaluates every active subject of a user against one snapshot.
// The first allow wins; otherwise the first deny is returned.
func (e *Engine) DecideAny(subjects []authz.Subject, object authz.Object, action authz.Action, ctx authz.Context) Decision {
	snap := e.policies.Snapshot()
	now := e.now()

	var first *Decision
	for _, s := range subjects {
		if !s.Active(now) {
			continue
		}
		d := e.decide(snap, now, s, object, action, ctx)
		if d.Allowed() {
			return d
		}
		if first == nil {
			first = &d
		}
	}
	if first != nil {
		return *first
	}
	return deny(snap, CodeNoSubject, "no active role assignment", "", "")
}

func (e *Engine) decide(snap *policy.Snapshot, now time.Time, subject authz.Subject, object authz.Object, action authz.Action, ctx authz.Context) Decision {
	if snap == nil {
		return deny(nil, CodePolicyNotLoaded, "no policy loaded", "", "")
	}
	if !subject.Active(now) {
		d := deny(snap, CodeSubjectExpired, "role assignment expired", "", "")
		d.Role = subject.Role
		return d
	}

	rule, ok := snap.Match(subject.Role, object, action)
	if !ok {
		d := deny(snap, CodeNoPolicy, "no matching policy", "", "")
		d.Role = subject.Role
		return d
	}

	ctx = ctx.Normalize()
	in := policy.Input{Context: ctx, Object: object}
	bgUsable := rule.BreakGlass && ctx.BreakGlassActive(now) && (action.IsRead() || rule.BreakGlassWrites)

	var overridden []string
	for _, clause := range rule.When {
		if clause.Eval(in) {
			continue
		}
		if bgUsable && clause.Bypassable() {
			overridden = append(overridden, clause.String())
			continue
		}
		code := CodeConditionFailed
		reason := fmt.Sprintf("policy %s: condition failed: %s", rule.ID, clause)
		if clause.InvolvesConsent() {
			code = CodeConsentRequired
			reason = fmt.Sprintf("policy %s: consent required: %s", rule.ID, clause)
			if ctx.ConsentReason != "" {
				reason += " (" + ctx.ConsentReason + ")"
			}
		}
		d := deny(snap, code, reason, rule.ID, clause.String())
		d.Role = subject.Role
		return d
	}

	d := Decision{
		Effect:        authz.Allow,
		MatchedRule:   rule.ID,
		Code:          CodeAllowed,
		Reasoning:     fmt.Sprintf("policy %s matched for role %s", rule.ID, subject.Role),
		PolicyVersion: snap.Version,
		Role:          subject.Role,
	}
	if len(overridden) > 0 {
		d.Code = CodeBreakGlassAccess
		d.BreakGlass = true
		d.Reasoning = fmt.Sprintf("policy %s matched for role %s with break-glass override of %d condition(s)", rule.ID, subject.Role, len(overridden))
	}
	return d
}

func deny(snap *policy.Snapshot, code, reason, rule, clause string) Decision {
	d := Decision{
		Effect:       authz.Deny,
		Code:         code,
		Reasoning:    reason,
		MatchedRule:  rule,
		FailedClause: clause,
	}
	if snap != nil {
		d.PolicyVersion = snap.Version
	}
	return d
}
