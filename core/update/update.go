// Package update defines the transport-neutral shape of an inbound bot event.
package update

import (
	"strings"
	"time"
)

// Kind discriminates the payload carried by an Update.
type Kind string

const (
	KindMessage       Kind = "message"
	KindEditedMessage Kind = "edited_message"
	KindCallbackQuery Kind = "callback_query"
	KindInlineQuery   Kind = "inline_query"
	KindChatMember    Kind = "chat_member"
	KindUnknown       Kind = "unknown"
)

// ChatType mirrors the chat categories used for command scoping.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// User identifies the sender of an update.
type User struct {
	ID           int64
	Username     string
	LanguageCode string
	IsBot        bool
}

// Chat identifies where an update happened.
type Chat struct {
	ID   int64
	Type ChatType
}

// Update is one inbound event. ID is unique per BotID but not necessarily sequential.
type Update struct {
	ID    int64
	BotID int64
	// BotUsername is the receiving bot's username; commands mentioning
	// another bot are not for it. Empty when unknown.
	BotUsername string
	Kind        Kind

	// From is nil for service updates that have no sender.
	From *User
	Chat *Chat

	Text      string
	MessageID int
	Date      time.Time

	CallbackID   string
	CallbackData string
}

// HasSender reports whether the update carries a user identity.
func (u *Update) HasSender() bool {
	return u != nil && u.From != nil && u.From.ID != 0
}

// UserID returns the sender id or 0.
func (u *Update) UserID() int64 {
	if !u.HasSender() {
		return 0
	}
	return u.From.ID
}

// ChatID returns the chat id, falling back to the sender for chat-less updates.
func (u *Update) ChatID() int64 {
	if u == nil {
		return 0
	}
	if u.Chat != nil && u.Chat.ID != 0 {
		return u.Chat.ID
	}
	return u.UserID()
}

// IsGroup reports whether the update comes from a group or supergroup chat.
func (u *Update) IsGroup() bool {
	if u == nil || u.Chat == nil {
		return false
	}
	return u.Chat.Type == ChatGroup || u.Chat.Type == ChatSupergroup
}

// IsPrivate reports whether the update comes from a one-to-one chat.
func (u *Update) IsPrivate() bool {
	if u == nil || u.Chat == nil {
		return true
	}
	return u.Chat.Type == ChatPrivate
}

// TrimmedText returns the message text without surrounding whitespace.
func (u *Update) TrimmedText() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.Text)
}
