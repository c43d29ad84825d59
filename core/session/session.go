package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m3rciful/convobot/core/update"
)

// State names a position in a conversation.
type State string

// StateIdle is the initial and resting state of every session.
const StateIdle State = "idle"

// DefaultTTL is the inactivity window after which a session is treated as fresh.
const DefaultTTL = time.Hour

var (
	// ErrConflict reports that the session changed since it was read.
	ErrConflict = errors.New("session: version conflict")
	// ErrStorageUnavailable reports that the backing store could not be reached.
	// Callers must retry and never treat it as an empty session.
	ErrStorageUnavailable = errors.New("session: storage unavailable")
)

// Unavailable wraps err so that errors.Is(err, ErrStorageUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Key identifies a session. ChatID is zero for private conversations.
type Key struct {
	BotID  int64
	UserID int64
	ChatID int64
}

func (k Key) String() string {
	if k.ChatID == 0 {
		return fmt.Sprintf("%d:%d", k.BotID, k.UserID)
	}
	return fmt.Sprintf("%d:%d:%d", k.BotID, k.UserID, k.ChatID)
}

// KeyFor derives the session key of an update. Group updates are scoped by chat.
// It reports false when the update has no sender.
func KeyFor(u *update.Update) (Key, bool) {
	if !u.HasSender() {
		return Key{}, false
	}
	k := Key{BotID: u.BotID, UserID: u.From.ID}
	if u.IsGroup() {
		k.ChatID = u.Chat.ID
	}
	return k, true
}

// Session is the conversation record of one key.
type Session struct {
	Key   Key
	State State
	Data  Fields
	// History holds the states visited inside the running wizard, oldest first.
	History      []State
	LastActivity time.Time
	Version      int64
}

// New returns an idle session for key with version 0.
func New(key Key) *Session {
	return &Session{Key: key, State: StateIdle}
}

// IsIdle reports whether no conversation is running.
func (s *Session) IsIdle() bool {
	return s.State == "" || s.State == StateIdle
}

// Reset clears state, data and history. Version is kept for the next Put.
func (s *Session) Reset() {
	s.State = StateIdle
	s.Data = Fields{}
	s.History = nil
}

// Expired reports whether the session has been inactive longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || s.LastActivity.IsZero() {
		return false
	}
	return now.Sub(s.LastActivity) > ttl
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = s.Data.Clone()
	c.History = append([]State(nil), s.History...)
	return &c
}

// Store persists sessions.
type Store interface {
	// Get returns the session for key, or a fresh idle one when it is absent or expired.
	Get(ctx context.Context, key Key) (*Session, error)
	// Put writes sess if the stored version still equals expectedVersion.
	// On success sess.Version becomes expectedVersion+1.
	Put(ctx context.Context, key Key, sess *Session, expectedVersion int64) error
	// Delete removes the session; deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error
}

// Fresh returns the idle replacement for an expired record. It keeps the stored
// version so that the next Put still goes through the version check.
func Fresh(key Key, storedVersion int64) *Session {
	s := New(key)
	s.Version = storedVersion
	return s
}
