package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"carelink.org/internal/authz"
	"carelink.org/internal/consent"
)

var _ consent.WriteStore = (*Store)(nil)

const consentColumns = `id, client_id, scope_type, scope_id, allowed_purposes, method, granted_by,
	granted_at, expires_at, revoked_at, revoked_by, grace_period_ns`

func (s *Store) ListConsents(ctx context.Context, clientID string, scope consent.ScopeType, scopeID string) ([]consent.Record, error) {
	rows, err := s.query(ctx, `
		select `+consentColumns+`
		from consents
		where client_id = ? and scope_type = ? and scope_id = ?
		order by granted_at desc
	`, clientID, string(scope), scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []consent.Record
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertConsent(ctx context.Context, rec consent.Record) error {
	_, err := s.exec(ctx, `
		insert into consents(`+consentColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ClientID, string(rec.ScopeType), rec.ScopeID, joinPurposes(rec.AllowedPurposes), rec.Method,
		rec.GrantedBy, nanos(rec.GrantedAt), nullNanos(rec.ExpiresAt), nullNanos(rec.RevokedAt), rec.RevokedBy,
		int64(rec.GracePeriod))
	if isUniqueViolation(err) {
		return consent.ErrConflict
	}
	return err
}

func (s *Store) GetConsent(ctx context.Context, id string) (consent.Record, error) {
	row := s.queryRow(ctx, `select `+consentColumns+` from consents where id = ?`, id)
	rec, err := scanConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	return rec, err
}

func (s *Store) RevokeConsent(ctx context.Context, id, revokedBy string, at time.Time) error {
	res, err := s.exec(ctx, `
		update consents set revoked_at = ?, revoked_by = ?
		where id = ? and revoked_at is null
	`, nanos(at), revokedBy, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	if _, err := s.GetConsent(ctx, id); err != nil {
		return err
	}
	return consent.ErrAlreadyRevoked
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsent(row rowScanner) (consent.Record, error) {
	var (
		rec                  consent.Record
		scope, purposes      string
		grantedAt, grace     int64
		expiresAt, revokedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.ClientID, &scope, &rec.ScopeID, &purposes, &rec.Method, &rec.GrantedBy,
		&grantedAt, &expiresAt, &revokedAt, &rec.RevokedBy, &grace); err != nil {
		return consent.Record{}, err
	}
	rec.ScopeType = consent.ScopeType(scope)
	rec.AllowedPurposes = splitPurposes(purposes)
	rec.GrantedAt = fromNanos(grantedAt)
	rec.ExpiresAt = timePtr(expiresAt)
	rec.RevokedAt = timePtr(revokedAt)
	rec.GracePeriod = time.Duration(grace)
	return rec, nil
}

func joinPurposes(ps []authz.Purpose) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitPurposes(raw string) []authz.Purpose {
	var out []authz.Purpose
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, authz.Purpose(p))
		}
	}
	return out
}
