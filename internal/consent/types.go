package consent

import (
	"context"
	"errors"
	"time"

	"carelink.org/internal/authz"
)

var (
	ErrNotFound       = errors.New("consent: not found")
	ErrConflict       = errors.New("consent: active record already exists for scope")
	ErrAlreadyRevoked = errors.New("consent: already revoked")
	ErrInvalidInput   = errors.New("consent: invalid input")
)

// ScopeType is the level a consent record applies to.
type ScopeType string

const (
	ScopePlatform     ScopeType = "platform"
	ScopeOrganization ScopeType = "organization"
	ScopeLocation     ScopeType = "location"
	ScopeHelper       ScopeType = "helper"
	ScopeCompany      ScopeType = "company"
)

// Valid reports whether s is a known scope.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopePlatform, ScopeOrganization, ScopeLocation, ScopeHelper, ScopeCompany:
		return true
	}
	return false
}

// Record is a client's grant of data access at one scope. Records are
// created on grant and superseded, never edited, on revoke.
type Record struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	ScopeType       ScopeType       `json:"scope_type"`
	ScopeID         string          `json:"scope_id,omitempty"`
	AllowedPurposes []authz.Purpose `json:"allowed_purposes"`
	Method          string          `json:"method,omitempty"`
	GrantedBy       string          `json:"granted_by"`
	GrantedAt       time.Time       `json:"granted_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	RevokedAt       *time.Time      `json:"revoked_at,omitempty"`
	RevokedBy       string          `json:"revoked_by,omitempty"`
	GracePeriod     time.Duration   `json:"grace_period,omitempty"`
}

// Revoked reports whether the record has been withdrawn.
func (r Record) Revoked() bool { return r.RevokedAt != nil }

// Allows reports whether p is among the record's purposes.
func (r Record) Allows(p authz.Purpose) bool {
	for _, allowed := range r.AllowedPurposes {
		if allowed == p {
			return true
		}
	}
	return false
}

// Validity evaluates expiry at now. grace is set when the record is past
// expires_at but still inside its grace period; effective is the instant
// after which the record stops being valid.
func (r Record) Validity(now time.Time) (valid, grace bool, effective *time.Time) {
	if r.Revoked() {
		return false, false, nil
	}
	if r.ExpiresAt == nil {
		return true, false, nil
	}
	exp := *r.ExpiresAt
	if !now.After(exp) {
		return true, false, &exp
	}
	if r.GracePeriod > 0 {
		boundary := exp.Add(r.GracePeriod)
		if !now.After(boundary) {
			return true, true, &boundary
		}
	}
	return false, false, &exp
}

// Request asks whether a client's data may be used for a purpose at a scope.
type Request struct {
	ClientID  string
	ScopeType ScopeType
	ScopeID   string
	Purpose   authz.Purpose
}

// Result is the evaluator's answer. It is always populated; failures are
// expressed as ConsentOK=false with a reason.
type Result struct {
	ConsentOK         bool            `json:"consent_ok"`
	ConsentID         string          `json:"consent_id,omitempty"`
	Reason            string          `json:"reason"`
	ScopeType         ScopeType       `json:"scope_type"`
	GracePeriodActive bool            `json:"grace_period_active"`
	AllowedPurposes   []authz.Purpose `json:"allowed_purposes,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	TimedOut          bool            `json:"timed_out,omitempty"`
}

// Store reads consent records. Implementations return every record for the
// exact (client, scope type, scope id) key, revoked ones included.
type Store interface {
	ListConsents(ctx context.Context, clientID string, scope ScopeType, scopeID string) ([]Record, error)
}

// WriteStore persists consent lifecycle changes.
type WriteStore interface {
	Store
	InsertConsent(ctx context.Context, rec Record) error
	GetConsent(ctx context.Context, id string) (Record, error)
	RevokeConsent(ctx context.Context, id, revokedBy string, at time.Time) error
}
