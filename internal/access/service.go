// Package access runs the authorization pipeline: resolve the caller's role
// assignments, build the context, decide, record the decision in the audit
// chain and hand back an outcome.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/auth"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
	"carelink.org/internal/contextbuilder"
	"carelink.org/internal/decision"
	"carelink.org/internal/ids"
	"carelink.org/internal/obs"
	"carelink.org/internal/policy"
)

// ErrInvalidRequest marks malformed requests (unknown type, purpose, action).
var ErrInvalidRequest = errors.New("access: invalid request")

// Pipeline-level reason codes, in addition to the engine's.
const (
	CodeResourceNotFound  = "resource_not_found"
	CodeCrossTenantDenied = "cross_tenant_denied"
	CodeCrossTenantSearch = "cross_tenant_projection"
)

// Request is one access attempt as received from a transport.
type Request struct {
	UserID        string
	Object        authz.Object
	Action        authz.Action
	Overrides     contextbuilder.Overrides
	CorrelationID string
}

// Outcome is the decision response.
type Outcome struct {
	Decision        authz.Effect               `json:"decision"`
	MatchedPolicy   string                     `json:"matched_policy,omitempty"`
	Reasoning       string                     `json:"reasoning"`
	Code            string                     `json:"code"`
	FailedClause    string                     `json:"failed_clause,omitempty"`
	PolicyVersion   string                     `json:"policy_version"`
	CorrelationID   string                     `json:"correlation_id"`
	AuditID         string                     `json:"audit_id,omitempty"`
	Context         map[string]any             `json:"context_snapshot"`
	Projection      *contextbuilder.Projection `json:"projection,omitempty"`
	Warnings        []string                   `json:"warnings,omitempty"`
	ConsentTimedOut bool                       `json:"-"`
}

// Allowed reports whether the outcome grants access.
func (o Outcome) Allowed() bool { return o.Decision == authz.Allow }

// Deps are the collaborators of Service.
type Deps struct {
	Assignments auth.AssignmentStore
	Builder     *contextbuilder.Builder
	Engine      *decision.Engine
	Recorder    *audit.Recorder
	BreakGlass  *breakglass.Controller
	Policies    *policy.Store
	Consents    *consent.Registry
	Evaluator   contextbuilder.ConsentEvaluator
}

// Service is the entry point transports call.
type Service struct {
	deps Deps
	now  func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the clock used to filter active assignments.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates deps and constructs a Service.
func New(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Assignments == nil:
		return nil, errors.New("access: assignment store is required")
	case deps.Builder == nil:
		return nil, errors.New("access: context builder is required")
	case deps.Engine == nil:
		return nil, errors.New("access: decision engine is required")
	case deps.Recorder == nil:
		return nil, errors.New("access: audit recorder is required")
	case deps.Policies == nil:
		return nil, errors.New("access: policy store is required")
	}
	s := &Service{deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize decides req and records the decision. A deny is an Outcome, not
// an error; errors mean no decision could be made or recorded.
func (s *Service) Authorize(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = ids.New()
	}
	fail := func(err *authz.Error) (Outcome, error) {
		err.CorrelationID = correlationID
		return Outcome{}, err
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return fail(authz.Errorf(authz.KindAuthenticationRequired, "caller identity is required"))
	}
	if strings.TrimSpace(string(req.Action)) == "" || strings.TrimSpace(req.Object.ID) == "" {
		return Outcome{}, fmt.Errorf("%w: object id and action are required", ErrInvalidRequest)
	}
	principal, err := auth.Resolve(ctx, s.deps.Assignments, userID)
	if err != nil {
		return fail(authz.Wrap(authz.KindInternal, err, "resolve role assignments"))
	}
	active := principal.Active(s.now())
	if len(active) == 0 {
		return fail(authz.Errorf(authz.KindAuthenticationRequired, "no active role assignment"))
	}

	built, err := s.deps.Builder.Build(ctx, contextbuilder.Request{
		UserID:    userID,
		Subjects:  active,
		Object:    req.Object,
		Action:    req.Action,
		Overrides: req.Overrides,
	})
	var out roleOutcome
	switch {
	case errors.Is(err, contextbuilder.ErrResourceNotFound):
		out.Outcome = Outcome{
			Decision:      authz.Deny,
			Code:          CodeResourceNotFound,
			Reasoning:     fmt.Sprintf("%s %s not found", req.Object.Type, req.Object.ID),
			PolicyVersion: s.deps.Policies.CurrentVersion(),
			Context:       map[string]any{},
		}
		built.Object = authz.Object{Type: req.Object.Type, ID: req.Object.ID}
	case err != nil:
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		out = s.decide(req.Action, built, active)
	}
	out.CorrelationID = correlationID
	out.Warnings = built.Warnings
	if built.Consent != nil {
		obs.ObserveConsent(consentLabel(*built.Consent))
		out.ConsentTimedOut = built.Consent.TimedOut
	}
	obs.ObserveDecision(string(out.Decision), string(built.Object.Type), time.Since(start))

	in := audit.Input{
		ActorID:       userID,
		ActorRole:     out.role,
		Action:        string(req.Action),
		ResourceType:  string(built.Object.Type),
		ResourceID:    built.Object.ID,
		TenantRootID:  built.Object.TenantRootID,
		Decision:      string(out.Decision),
		Reason:        out.Reasoning,
		MatchedRule:   out.MatchedPolicy,
		CorrelationID: correlationID,
		PolicyVersion: out.PolicyVersion,
		Context:       out.Context,
	}
	if built.Context.BreakGlassActive(s.now()) {
		in.BreakGlass = true
		in.BreakGlassExpires = built.Context.BreakGlassExpires
	}
	entry, err := s.deps.Recorder.Record(ctx, in)
	if err != nil {
		mutation := !req.Action.IsRead()
		obs.AuditAppendFailed(mutation)
		_ = audit.LogEvent(ctx, "audit.append_failed", map[string]any{
			"correlation_id": correlationID,
			"action":         string(req.Action),
			"resource_type":  string(built.Object.Type),
			"mutation":       mutation,
			"error":          err.Error(),
		})
		if mutation {
			return fail(authz.Wrap(authz.KindInternal, err, "decision could not be recorded"))
		}
		out.Warnings = append(out.Warnings, "decision not recorded in audit chain")
	} else {
		out.AuditID = entry.ID
	}
	return out.Outcome, nil
}

// roleOutcome carries the deciding role alongside the public outcome.
type roleOutcome struct {
	Outcome
	role string
}

// decide runs the engine over built. active is every live assignment of the
// caller; it is consulted only for cross-tenant searches, where no assignment
// is in scope of the resource but a search rule may still grant a projection.
func (s *Service) decide(action authz.Action, built contextbuilder.Built, active []authz.Subject) roleOutcome {
	snapshot := built.Context.Snapshot()
	if built.CrossTenant {
		out := roleOutcome{Outcome: Outcome{
			Decision:      authz.Deny,
			Code:          CodeCrossTenantDenied,
			Reasoning:     "cross-tenant access requires an explicit link or consent",
			PolicyVersion: s.deps.Policies.CurrentVersion(),
			Context:       snapshot,
		}}
		if action != authz.ActionSearch || built.Projection == nil {
			return out
		}
		d := s.deps.Engine.DecideAny(active, built.Object, action, built.Context)
		out.PolicyVersion = d.PolicyVersion
		out.role = d.Role
		if !d.Allowed() {
			out.Code = d.Code
			out.Reasoning = d.Reasoning
			out.FailedClause = d.FailedClause
			return out
		}
		out.Decision = authz.Allow
		out.Code = CodeCrossTenantSearch
		out.MatchedPolicy = d.MatchedRule
		out.Reasoning = "cross-tenant search: minimal projection only"
		out.Projection = built.Projection
		return out
	}

	var d decision.Decision
	if len(built.Subjects) == 0 {
		d = decision.Decision{
			Effect:        authz.Deny,
			Code:          decision.CodeNoSubject,
			Reasoning:     "no role assignment in scope of the resource",
			PolicyVersion: s.deps.Policies.CurrentVersion(),
		}
	} else {
		d = s.deps.Engine.DecideAny(built.Subjects, built.Object, action, built.Context)
	}
	return roleOutcome{
		Outcome: Outcome{
			Decision:      d.Effect,
			MatchedPolicy: d.MatchedRule,
			Reasoning:     d.Reasoning,
			Code:          d.Code,
			FailedClause:  d.FailedClause,
			PolicyVersion: d.PolicyVersion,
			Context:       snapshot,
		},
		role: d.Role,
	}
}

// Require is Authorize for call sites that only proceed on allow. A deny is
// returned as a typed *authz.Error carrying the correlation id.
func (s *Service) Require(ctx context.Context, req Request) (Outcome, error) {
	out, err := s.Authorize(ctx, req)
	if err != nil || out.Allowed() {
		return out, err
	}
	return out, DenyError(out)
}

// DenyError maps a denied outcome onto the error taxonomy.
func DenyError(out Outcome) *authz.Error {
	kind := authz.KindInsufficientPermissions
	if out.Code == decision.CodeConsentRequired {
		kind = authz.KindConsentRequired
		if out.ConsentTimedOut {
			kind = authz.KindPolicyEvaluationTimeout
		}
	}
	return &authz.Error{Kind: kind, Message: out.Reasoning, CorrelationID: out.CorrelationID}
}

func consentLabel(r consent.Result) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.ConsentOK && r.GracePeriodActive:
		return "grace"
	case r.ConsentOK:
		return "ok"
	case strings.HasPrefix(r.Reason, "consent lookup failed"), strings.HasPrefix(r.Reason, "consent evaluation failed"):
		return "error"
	default:
		return "denied"
	}
}
