package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/registry"
)

type adminLister interface {
	AdminsOf(chat *tele.Chat) ([]tele.ChatMember, error)
}

type adminEntry struct {
	ids     map[int64]struct{}
	fetched time.Time
}

// Admins answers admin checks from a static list of bot owners and, for
// group chats, from the chat's administrator list cached for ttl.
type Admins struct {
	static map[int64]struct{}
	api    adminLister
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]adminEntry
}

var _ registry.AdminChecker = (*Admins)(nil)

// NewAdmins builds a checker. api may be nil, in which case only owners are admins.
func NewAdmins(api adminLister, owners []int64, ttl time.Duration) *Admins {
	static := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		static[id] = struct{}{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Admins{static: static, api: api, ttl: ttl, now: time.Now, cache: make(map[int64]adminEntry)}
}

// IsAdmin reports whether userID administers chatID or is a bot owner.
func (a *Admins) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if _, ok := a.static[userID]; ok {
		return true, nil
	}
	if a.api == nil || chatID == 0 || chatID == userID {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	a.mu.Lock()
	entry, ok := a.cache[chatID]
	a.mu.Unlock()
	if !ok || a.now().Sub(entry.fetched) > a.ttl {
		members, err := a.api.AdminsOf(&tele.Chat{ID: chatID})
		if err != nil {
			return false, fmt.Errorf("admins of %d: %w", chatID, err)
		}
		entry = adminEntry{ids: make(map[int64]struct{}, len(members)), fetched: a.now()}
		for _, m := range members {
			if m.User != nil {
				entry.ids[m.User.ID] = struct{}{}
			}
		}
		a.mu.Lock()
		a.cache[chatID] = entry
		a.mu.Unlock()
	}
	_, admin := entry.ids[userID]
	return admin, nil
}

// Forget drops the cached administrator list of chatID.
func (a *Admins) Forget(chatID int64) {
	a.mu.Lock()
	delete(a.cache, chatID)
	a.mu.Unlock()
}
