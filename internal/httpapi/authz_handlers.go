package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carelink.org/internal/access"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
	"carelink.org/internal/contextbuilder"
)

type decisionRequest struct {
	ResourceType  string                     `json:"resource_type"`
	ResourceID    string                     `json:"resource_id"`
	Action        string                     `json:"action"`
	Context       map[string]json.RawMessage `json:"context,omitempty"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	// Enforce turns a deny into a typed error response.
	Enforce bool `json:"enforce,omitempty"`
}

type decisionResponse struct {
	access.Outcome
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	overrides, err := parseOverrides(req.Context)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ar := access.Request{
		UserID:        callerID(r),
		Object:        authz.Object{Type: authz.ResourceType(strings.TrimSpace(req.ResourceType)), ID: strings.TrimSpace(req.ResourceID)},
		Action:        authz.Action(strings.ToLower(strings.TrimSpace(req.Action))),
		Overrides:     overrides,
		CorrelationID: req.CorrelationID,
	}

	var out access.Outcome
	if req.Enforce {
		out, err = a.svc.Require(r.Context(), ar)
	} else {
		out, err = a.svc.Authorize(r.Context(), ar)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := decisionResponse{Outcome: out}
	if !out.Allowed() {
		resp.Reason = out.Reasoning
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseOverrides keeps the caller-controlled fields and lists the rest as
// rejected so the builder can log the attempt.
func parseOverrides(raw map[string]json.RawMessage) (contextbuilder.Overrides, error) {
	var o contextbuilder.Overrides
	for key, val := range raw {
		switch key {
		case "purpose":
			var p string
			if err := json.Unmarshal(val, &p); err != nil {
				return o, errors.New("context.purpose must be a string")
			}
			o.Purpose = authz.Purpose(strings.ToLower(strings.TrimSpace(p)))
		case "break_glass", authz.FactBreakGlass:
			var bg bool
			if err := json.Unmarshal(val, &bg); err != nil {
				return o, fmt.Errorf("context.%s must be a boolean", key)
			}
			o.BreakGlass = o.BreakGlass || bg
		default:
			o.Rejected = append(o.Rejected, key)
		}
	}
	sort.Strings(o.Rejected)
	return o, nil
}

func (a *API) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req access.SimulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Subject.Role) == "" || req.Object.Type == "" || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "subject.role, object.type and action are required")
		return
	}
	if a.svc.Policy() == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no policy loaded")
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Simulate(r.Context(), req))
}

type ruleView struct {
	ID               string   `json:"id"`
	Description      string   `json:"description,omitempty"`
	Roles            []string `json:"roles"`
	Resource         string   `json:"resource"`
	ResourceID       string   `json:"resource_id,omitempty"`
	Actions          []string `json:"actions"`
	BreakGlass       bool     `json:"break_glass"`
	BreakGlassWrites bool     `json:"break_glass_writes"`
	When             []string `json:"when"`
}

func (a *API) handlePolicy(w http.ResponseWriter, r *http.Request) {
	snap := a.svc.Policy()
	if snap == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no policy loaded")
		return
	}
	rules := snap.Rules()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		when := make([]string, 0, len(rule.When))
		for _, c := range rule.When {
			when = append(when, c.String())
		}
		views = append(views, ruleView{
			ID:               rule.ID,
			Description:      rule.Description,
			Roles:            rule.Roles,
			Resource:         rule.Resource,
			ResourceID:       rule.ResourceID,
			Actions:          rule.Actions,
			BreakGlass:       rule.BreakGlass,
			BreakGlassWrites: rule.BreakGlassWrites,
			When:             when,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_version": snap.Version,
		"label":          snap.Label,
		"digest":         snap.Digest,
		"source":         snap.Source,
		"loaded_at":      snap.LoadedAt.UTC().Format(time.RFC3339),
		"rules":          views,
	})
}

func (a *API) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	version, err := a.svc.ReloadPolicy(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"policy_version": version,
	})
}

type breakGlassRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleBreakGlassActivate(w http.ResponseWriter, r *http.Request) {
	var req breakGlassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.svc.ActivateBreakGlass(r.Context(), callerID(r), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": session,
		"state":   breakglass.StateActive,
	})
}

func (a *API) handleBreakGlassStatus(w http.ResponseWriter, r *http.Request) {
	session, state, err := a.svc.BreakGlassStatus(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"state": state}
	if state != breakglass.StateInactive {
		resp["session"] = session
	}
	writeJSON(w, http.StatusOK, resp)
}

type grantConsentRequest struct {
	ScopeType       string     `json:"scope_type"`
	ScopeID         string     `json:"scope_id"`
	AllowedPurposes []string   `json:"allowed_purposes"`
	Method          string     `json:"method"`
	ExpiresAt       *time.Time `json:"expires_at"`
	GracePeriod     string     `json:"grace_period"`
}

func (a *API) handleConsentGrant(w http.ResponseWriter, r *http.Request) {
	var req grantConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec := consent.Record{
		ClientID:  chi.URLParam(r, "clientID"),
		ScopeType: consent.ScopeType(strings.ToLower(strings.TrimSpace(req.ScopeType))),
		ScopeID:   strings.TrimSpace(req.ScopeID),
		Method:    strings.TrimSpace(req.Method),
		ExpiresAt: req.ExpiresAt,
	}
	for _, p := range req.AllowedPurposes {
		purpose, err := authz.ParsePurpose(p)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec.AllowedPurposes = append(rec.AllowedPurposes, purpose)
	}
	if req.GracePeriod != "" {
		d, err := time.ParseDuration(req.GracePeriod)
		if err != nil || d < 0 {
			writeError(w, r, http.StatusBadRequest, "grace_period must be a non-negative duration")
			return
		}
		rec.GracePeriod = d
	}
	out, err := a.svc.GrantConsent(r.Context(), callerID(r), rec)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/consents/"+out.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.RevokeConsent(r.Context(), callerID(r), chi.URLParam(r, "consentID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type evaluateConsentRequest struct {
	ClientID  string `json:"client_id"`
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	Purpose   string `json:"purpose"`
}

func (a *API) handleConsentEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	purpose, err := authz.ParsePurpose(req.Purpose)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope := consent.ScopeType(strings.ToLower(strings.TrimSpace(req.ScopeType)))
	if scope == "" {
		scope = consent.ScopePlatform
	}
	if !scope.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown scope_type")
		return
	}
	res, err := a.svc.EvaluateConsent(r.Context(), callerID(r), consent.Request{
		ClientID:  strings.TrimSpace(req.ClientID),
		ScopeType: scope,
		ScopeID:   strings.TrimSpace(req.ScopeID),
		Purpose:   purpose,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.VerifyAudit(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
