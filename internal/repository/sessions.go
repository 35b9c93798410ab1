package repository

import (
	"context"
	"time"

	"unitrack/auth-gate/internal/model"
)

// The sessions table is an allow-list: a session is valid exactly while its
// row exists. An unknown session id is invalid by default, so a wiped table
// fails safe.

func (s *Store) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, username, issued_at)
		VALUES ($1, $2, $3)
	`, rec.SessionID, rec.Username, rec.IssuedAt)
	return err
}

func (s *Store) SessionValid(ctx context.Context, sessionID string) (bool, error) {
	var valid bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)
	`, sessionID).Scan(&valid)
	return valid, err
}

// RevokeSession is idempotent; revoking an unknown session is not an error.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (s *Store) RevokeSessionsByUser(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE username = $1`, username)
	return err
}

func (s *Store) ListSessionsByUser(ctx context.Context, username string) ([]model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, username, issued_at
		FROM sessions
		WHERE username = $1
		ORDER BY issued_at DESC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, username, issued_at
		FROM sessions
		ORDER BY issued_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// DeleteSessionsBefore drops ledger rows issued before the cutoff. Used by
// the sweep job to clear sessions whose tokens expired long ago.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE issued_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type sessionRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectSessions(rows sessionRows) ([]model.SessionRecord, error) {
	records := make([]model.SessionRecord, 0)
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.Username, &rec.IssuedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
