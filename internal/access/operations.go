package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carelink.org/internal/audit"
	"carelink.org/internal/auth"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
	"carelink.org/internal/decision"
	"carelink.org/internal/ids"
	"carelink.org/internal/obs"
	"carelink.org/internal/policy"
)

// Principal resolves the caller's role assignments.
func (s *Service) Principal(ctx context.Context, userID string) (auth.Principal, error) {
	if strings.TrimSpace(userID) == "" {
		return auth.Principal{}, authz.Errorf(authz.KindAuthenticationRequired, "caller identity is required")
	}
	return auth.Resolve(ctx, s.deps.Assignments, userID)
}

// IsPlatformAdmin reports whether userID holds an active global platform
// admin assignment.
func (s *Service) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		return false, err
	}
	return principal.HasGlobalRole(auth.RolePlatformAdmin, s.now()), nil
}

// ActivateBreakGlass opens an emergency session for userID and records the
// activation in the audit chain. The call fails if the activation cannot be
// recorded.
func (s *Service) ActivateBreakGlass(ctx context.Context, userID, reason string) (breakglass.Session, error) {
	if s.deps.BreakGlass == nil {
		return breakglass.Session{}, errors.New("access: break-glass is not configured")
	}
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		return breakglass.Session{}, err
	}
	if len(principal.Active(s.now())) == 0 {
		return breakglass.Session{}, authz.Errorf(authz.KindAuthenticationRequired, "no active role assignment")
	}
	session, err := s.deps.BreakGlass.Activate(ctx, principal.UserID, reason)
	if err != nil {
		return session, err
	}
	obs.BreakGlassActivated()

	correlationID := ids.New()
	exp := session.ExpiresAt
	_, err = s.deps.Recorder.Record(ctx, audit.Input{
		ActorID:           principal.UserID,
		Action:            string(authz.ActionActivate),
		ResourceType:      string(authz.ResourceBreakGlassSession),
		ResourceID:        session.ID,
		Decision:          string(authz.Allow),
		Reason:            "break-glass activated: " + session.Reason,
		CorrelationID:     correlationID,
		PolicyVersion:     s.deps.Policies.CurrentVersion(),
		BreakGlass:        true,
		BreakGlassExpires: &exp,
	})
	_ = audit.LogEvent(ctx, "break_glass.activated", map[string]any{
		"session_id":     session.ID,
		"expires_at":     exp,
		"correlation_id": correlationID,
		"recorded":       err == nil,
	})
	if err != nil {
		obs.AuditAppendFailed(true)
		e := authz.Wrap(authz.KindInternal, err, "break-glass activation could not be recorded")
		e.CorrelationID = correlationID
		return breakglass.Session{}, e
	}
	return session, nil
}

// BreakGlassStatus reports the caller's latest session and its state.
func (s *Service) BreakGlassStatus(ctx context.Context, userID string) (breakglass.Session, breakglass.State, error) {
	if s.deps.BreakGlass == nil {
		return breakglass.Session{}, breakglass.StateInactive, errors.New("access: break-glass is not configured")
	}
	return s.deps.BreakGlass.State(ctx, userID)
}

// SimulateRequest is a dry-run decision with a caller-supplied context.
type SimulateRequest struct {
	Subject authz.Subject `json:"subject"`
	Object  authz.Object  `json:"object"`
	Action  authz.Action  `json:"action"`
	Context authz.Context `json:"context"`
}

// Simulate evaluates req against the active policy without touching the
// audit chain.
func (s *Service) Simulate(ctx context.Context, req SimulateRequest) decision.Decision {
	d := s.deps.Engine.Decide(req.Subject, req.Object, req.Action, req.Context)
	_ = audit.LogEvent(ctx, "authz.simulated", map[string]any{
		"role":           req.Subject.Role,
		"resource_type":  string(req.Object.Type),
		"action":         string(req.Action),
		"decision":       string(d.Effect),
		"matched_policy": d.MatchedRule,
		"policy_version": d.PolicyVersion,
	})
	return d
}

// Policy returns the active snapshot, nil before the first load.
func (s *Service) Policy() *policy.Snapshot { return s.deps.Policies.Snapshot() }

// ReloadPolicy re-reads the policy source. The active snapshot is kept on
// any failure.
func (s *Service) ReloadPolicy(ctx context.Context) (string, error) {
	if !s.deps.Policies.ReloadAllowed() {
		return s.deps.Policies.CurrentVersion(), policy.ErrReloadDisabled
	}
	version, err := s.deps.Policies.Reload(ctx)
	obs.PolicyLoaded(version, err)
	fields := map[string]any{"version": version}
	if err != nil {
		fields["error"] = err.Error()
	}
	_ = audit.LogEvent(ctx, "policy.reloaded", fields)
	return version, err
}

// GrantConsent records a client's consent on behalf of userID, who must be
// allowed grant_access on the client.
func (s *Service) GrantConsent(ctx context.Context, userID string, rec consent.Record) (consent.Record, error) {
	if s.deps.Consents == nil {
		return consent.Record{}, errors.New("access: consent registry is not configured")
	}
	if strings.TrimSpace(rec.ClientID) == "" {
		return consent.Record{}, fmt.Errorf("%w: client_id is required", consent.ErrInvalidInput)
	}
	if _, err := s.Require(ctx, Request{
		UserID: userID,
		Object: authz.Object{Type: authz.ResourceClient, ID: rec.ClientID},
		Action: authz.ActionGrantAccess,
	}); err != nil {
		return consent.Record{}, err
	}
	rec.GrantedBy = userID
	out, err := s.deps.Consents.Grant(ctx, rec)
	if err != nil {
		return consent.Record{}, err
	}
	_ = audit.LogEvent(ctx, "consent.granted", map[string]any{
		"consent_id": out.ID,
		"client_id":  out.ClientID,
		"scope_type": string(out.ScopeType),
		"scope_id":   out.ScopeID,
	})
	return out, nil
}

// RevokeConsent withdraws a consent record. Revocation is terminal.
func (s *Service) RevokeConsent(ctx context.Context, userID, consentID string) (consent.Record, error) {
	if s.deps.Consents == nil {
		return consent.Record{}, errors.New("access: consent registry is not configured")
	}
	// Unknown ids and foreign consents answer alike so ids cannot be probed.
	denied := authz.Errorf(authz.KindInsufficientPermissions, "consent %s cannot be revoked by caller", consentID)
	rec, err := s.deps.Consents.Get(ctx, consentID)
	if errors.Is(err, consent.ErrNotFound) {
		return consent.Record{}, denied
	}
	if err != nil {
		return consent.Record{}, err
	}
	if _, err := s.Require(ctx, Request{
		UserID: userID,
		Object: authz.Object{Type: authz.ResourceClient, ID: rec.ClientID},
		Action: authz.ActionRevoke,
	}); err != nil {
		if authz.IsKind(err, authz.KindInsufficientPermissions) {
			var ae *authz.Error
			if errors.As(err, &ae) {
				denied.CorrelationID = ae.CorrelationID
			}
			return consent.Record{}, denied
		}
		return consent.Record{}, err
	}
	out, err := s.deps.Consents.Revoke(ctx, consentID, userID)
	if err != nil {
		return consent.Record{}, err
	}
	_ = audit.LogEvent(ctx, "consent.revoked", map[string]any{
		"consent_id": out.ID,
		"client_id":  out.ClientID,
	})
	return out, nil
}

// EvaluateConsent answers a consent question for a client the caller manages.
func (s *Service) EvaluateConsent(ctx context.Context, userID string, req consent.Request) (consent.Result, error) {
	if s.deps.Evaluator == nil {
		return consent.Result{}, errors.New("access: consent evaluator is not configured")
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return consent.Result{}, fmt.Errorf("%w: client_id is required", consent.ErrInvalidInput)
	}
	if _, err := s.Require(ctx, Request{
		UserID: userID,
		Object: authz.Object{Type: authz.ResourceClient, ID: req.ClientID},
		Action: authz.ActionGrantAccess,
	}); err != nil {
		return consent.Result{}, err
	}
	res := s.deps.Evaluator.Evaluate(ctx, req)
	obs.ObserveConsent(consentLabel(res))
	return res, nil
}

// VerifyAudit walks the decision chain.
func (s *Service) VerifyAudit(ctx context.Context) (audit.VerifyReport, error) {
	return s.deps.Recorder.Verify(ctx)
}
