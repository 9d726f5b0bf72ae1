package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) Username(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id=?`, userID).Scan(&name)
	return name, err
}

// TouchUser persists a coarse last-seen marker. The fine-grained per-frame
// liveness lives in the presence tracker; this column only survives restarts.
func (s *Store) TouchUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen=? WHERE id=?`, time.Now().UTC(), userID)
	return err
}

// LastSeen reads the persisted marker. The zero time means the user has
// never connected.
func (s *Store) LastSeen(ctx context.Context, userID int64) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM users WHERE id=?`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, sql.ErrNoRows
	}
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}
