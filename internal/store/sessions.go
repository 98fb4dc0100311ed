package store

import (
	"context"
	"database/sql"
	"errors"

	"carelink.org/internal/breakglass"
)

var _ breakglass.Store = (*Store)(nil)

func (s *Store) InsertSession(ctx context.Context, bg breakglass.Session) error {
	_, err := s.exec(ctx, `
		insert into break_glass_sessions(id, user_id, reason, activated_at, expires_at)
		values (?, ?, ?, ?, ?)
	`, bg.ID, bg.UserID, bg.Reason, nanos(bg.ActivatedAt), nanos(bg.ExpiresAt))
	return err
}

func (s *Store) LatestSession(ctx context.Context, userID string) (breakglass.Session, error) {
	var (
		bg                   breakglass.Session
		activated, expiresAt int64
	)
	err := s.queryRow(ctx, `
		select id, user_id, reason, activated_at, expires_at
		from break_glass_sessions
		where user_id = ?
		order by activated_at desc
		limit 1
	`, userID).Scan(&bg.ID, &bg.UserID, &bg.Reason, &activated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return breakglass.Session{}, breakglass.ErrNotFound
	}
	if err != nil {
		return breakglass.Session{}, err
	}
	bg.ActivatedAt = fromNanos(activated)
	bg.ExpiresAt = fromNanos(expiresAt)
	return bg, nil
}
