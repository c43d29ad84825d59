package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/convobot/core/session"
)

// SessionStore keeps sessions in the sessions table. Writes are compare-and-set
// on the version column.
type SessionStore struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore returns a store with the given inactivity TTL.
func NewSessionStore(db *sqlx.DB, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &SessionStore{db: db, ttl: ttl, now: time.Now}
}

type sessionRow struct {
	Payload      []byte    `db:"payload"`
	Version      int64     `db:"version"`
	LastActivity time.Time `db:"last_activity"`
}

const (
	selectSessionSQL = `SELECT payload, version, last_activity
		FROM sessions WHERE bot_id = $1 AND user_id = $2 AND chat_id = $3`
	insertSessionSQL = `INSERT INTO sessions (bot_id, user_id, chat_id, payload, version, last_activity)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (bot_id, user_id, chat_id) DO NOTHING`
	updateSessionSQL = `UPDATE sessions SET payload = $4, version = version + 1, last_activity = $5
		WHERE bot_id = $1 AND user_id = $2 AND chat_id = $3 AND version = $6`
	deleteSessionSQL = `DELETE FROM sessions WHERE bot_id = $1 AND user_id = $2 AND chat_id = $3`
	sweepSessionsSQL = `DELETE FROM sessions WHERE last_activity < $1`
)

// Get loads the session for key. Missing rows yield a fresh idle session and
// expired rows a fresh one that keeps the stored version.
func (s *SessionStore) Get(ctx context.Context, key session.Key) (*session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, selectSessionSQL, key.BotID, key.UserID, key.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.New(key), nil
	}
	if err != nil {
		return nil, session.Unavailable("select session", err)
	}
	sess, err := session.Unmarshal(key, row.Payload)
	if err != nil {
		return nil, err
	}
	sess.Version = row.Version
	sess.LastActivity = row.LastActivity
	if sess.Expired(s.now(), s.ttl) {
		return session.Fresh(key, row.Version), nil
	}
	return sess, nil
}

// Put writes sess if the stored version still equals expectedVersion.
func (s *SessionStore) Put(ctx context.Context, key session.Key, sess *session.Session, expectedVersion int64) error {
	now := s.now().UTC()
	sess.Key = key
	sess.LastActivity = now
	payload, err := session.Marshal(sess)
	if err != nil {
		return err
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, insertSessionSQL, key.BotID, key.UserID, key.ChatID, payload, now)
	} else {
		res, err = s.db.ExecContext(ctx, updateSessionSQL, key.BotID, key.UserID, key.ChatID, payload, now, expectedVersion)
	}
	if err != nil {
		return session.Unavailable("write session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.Unavailable("write session", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s at version %d: %w", key, expectedVersion, session.ErrConflict)
	}
	sess.Version = expectedVersion + 1
	return nil
}

// Delete removes the row for key.
func (s *SessionStore) Delete(ctx context.Context, key session.Key) error {
	if _, err := s.db.ExecContext(ctx, deleteSessionSQL, key.BotID, key.UserID, key.ChatID); err != nil {
		return session.Unavailable("delete session", err)
	}
	return nil
}

// Sweep deletes rows idle for longer than the TTL and returns how many went.
func (s *SessionStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, sweepSessionsSQL, s.now().Add(-s.ttl).UTC())
	if err != nil {
		return 0, session.Unavailable("sweep sessions", err)
	}
	return res.RowsAffected()
}
