package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"carelink.org/internal/audit"
)

// AuditSink stores the decision chain in audit_log. The primary key on seq
// turns concurrent appends for the same position into ErrChainConflict.
type AuditSink struct {
	s *Store
}

var _ audit.Sink = (*AuditSink)(nil)

// AuditSink returns the chain sink backed by this store.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{s: s} }

func (a *AuditSink) Tail(ctx context.Context) (audit.Tail, error) {
	var t audit.Tail
	err := a.s.queryRow(ctx, `select seq, hash from audit_log order by seq desc limit 1`).Scan(&t.Seq, &t.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Tail{}, nil
	}
	return t, err
}

func (a *AuditSink) Append(ctx context.Context, e audit.Entry) error {
	ctxJSON := []byte("{}")
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		ctxJSON = b
	}
	_, err := a.s.exec(ctx, `
		insert into audit_log(seq, id, ts, actor_id, actor_role, action, resource_type, resource_id,
			tenant_root_id, decision, reason, matched_rule, correlation_id, policy_version, bg,
			bg_expires_at, context, prev_hash, hash, hash_alg)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, e.ID, nanos(e.Timestamp), e.ActorID, e.ActorRole, e.Action, e.ResourceType, e.ResourceID,
		e.TenantRootID, e.Decision, e.Reason, e.MatchedRule, e.CorrelationID, e.PolicyVersion, boolInt(e.BreakGlass),
		nullNanos(e.BreakGlassExpires), string(ctxJSON), e.PrevHash, e.Hash, e.HashAlg)
	if isUniqueViolation(err) {
		return audit.ErrChainConflict
	}
	return err
}

func (a *AuditSink) Range(ctx context.Context, afterSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := a.s.query(ctx, `
		select seq, id, ts, actor_id, actor_role, action, resource_type, resource_id, tenant_root_id,
			decision, reason, matched_rule, correlation_id, policy_version, bg, bg_expires_at, context,
			prev_hash, hash, hash_alg
		from audit_log
		where seq > ?
		order by seq asc
		limit ?
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			ts     int64
			bg     int64
			bgExp  sql.NullInt64
			rawCtx string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &e.ActorID, &e.ActorRole, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.TenantRootID, &e.Decision, &e.Reason, &e.MatchedRule, &e.CorrelationID, &e.PolicyVersion, &bg, &bgExp,
			&rawCtx, &e.PrevHash, &e.Hash, &e.HashAlg); err != nil {
			return nil, err
		}
		e.Timestamp = fromNanos(ts)
		e.BreakGlass = bg != 0
		e.BreakGlassExpires = timePtr(bgExp)
		if rawCtx != "" && rawCtx != "{}" {
			if err := json.Unmarshal([]byte(rawCtx), &e.Context); err != nil {
				return nil, fmt.Errorf("decode context of seq %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
