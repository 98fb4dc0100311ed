package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carelink.org/internal/authz"
)

// Registry manages the consent lifecycle: grant creates a record, revoke
// supersedes it. Revocation is terminal.
type Registry struct {
	store WriteStore
	now   func() time.Time
}

// NewRegistry constructs a Registry. A nil clock defaults to time.Now.
func NewRegistry(store WriteStore, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, now: now}
}

// Grant validates and stores a new consent record.
func (r *Registry) Grant(ctx context.Context, rec Record) (Record, error) {
	rec.ClientID = strings.TrimSpace(rec.ClientID)
	rec.ScopeID = strings.TrimSpace(rec.ScopeID)
	rec.GrantedBy = strings.TrimSpace(rec.GrantedBy)
	rec.Method = strings.TrimSpace(rec.Method)

	if rec.ClientID == "" {
		return Record{}, fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	if rec.GrantedBy == "" {
		return Record{}, fmt.Errorf("%w: granted_by is required", ErrInvalidInput)
	}
	if !rec.ScopeType.Valid() {
		return Record{}, fmt.Errorf("%w: unknown scope_type %q", ErrInvalidInput, rec.ScopeType)
	}
	if rec.ScopeType == ScopePlatform && rec.ScopeID != "" {
		return Record{}, fmt.Errorf("%w: platform consent takes no scope_id", ErrInvalidInput)
	}
	if rec.ScopeType != ScopePlatform && rec.ScopeID == "" {
		return Record{}, fmt.Errorf("%w: scope_id is required for %s consent", ErrInvalidInput, rec.ScopeType)
	}
	if len(rec.AllowedPurposes) == 0 {
		return Record{}, fmt.Errorf("%w: at least one purpose is required", ErrInvalidInput)
	}
	purposes := make([]authz.Purpose, 0, len(rec.AllowedPurposes))
	seen := make(map[authz.Purpose]struct{}, len(rec.AllowedPurposes))
	for _, p := range rec.AllowedPurposes {
		parsed, err := authz.ParsePurpose(string(p))
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if _, dup := seen[parsed]; dup {
			continue
		}
		seen[parsed] = struct{}{}
		purposes = append(purposes, parsed)
	}
	rec.AllowedPurposes = purposes
	if rec.GracePeriod < 0 {
		return Record{}, fmt.Errorf("%w: grace_period must not be negative", ErrInvalidInput)
	}

	now := r.now().UTC()
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		return Record{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if err := r.retireLapsed(ctx, rec, now); err != nil {
		return Record{}, err
	}
	rec.ID = uuid.NewString()
	rec.GrantedAt = now
	rec.RevokedAt = nil
	rec.RevokedBy = ""

	if err := r.store.InsertConsent(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// LapsedRevoker marks records retired by Grant after expiry and grace ran out.
const LapsedRevoker = "system:lapsed"

// retireLapsed revokes unrevoked records on rec's key that can no longer be
// valid, so a fresh grant can take the active slot. A still-valid record is
// left alone and the insert reports ErrConflict.
func (r *Registry) retireLapsed(ctx context.Context, rec Record, now time.Time) error {
	existing, err := r.store.ListConsents(ctx, rec.ClientID, rec.ScopeType, rec.ScopeID)
	if err != nil {
		return fmt.Errorf("consent: list existing: %w", err)
	}
	for _, old := range existing {
		if old.Revoked() {
			continue
		}
		if valid, _, _ := old.Validity(now); valid {
			continue
		}
		if err := r.store.RevokeConsent(ctx, old.ID, LapsedRevoker, now); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
			return fmt.Errorf("consent: retire %s: %w", old.ID, err)
		}
	}
	return nil
}

// Revoke withdraws a consent record.
func (r *Registry) Revoke(ctx context.Context, id, by string) (Record, error) {
	id = strings.TrimSpace(id)
	by = strings.TrimSpace(by)
	if id == "" || by == "" {
		return Record{}, fmt.Errorf("%w: id and revoked_by are required", ErrInvalidInput)
	}
	rec, err := r.store.GetConsent(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Revoked() {
		return Record{}, ErrAlreadyRevoked
	}
	at := r.now().UTC()
	if err := r.store.RevokeConsent(ctx, id, by, at); err != nil {
		return Record{}, err
	}
	rec.RevokedAt = &at
	rec.RevokedBy = by
	return rec, nil
}

// Get returns a record by id.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	return r.store.GetConsent(ctx, strings.TrimSpace(id))
}
