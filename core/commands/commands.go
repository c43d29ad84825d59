// Package commands defines command definitions, their scopes and the handler
// context through which handlers produce outbound actions.
package commands

import (
	"fmt"
	"strings"
	"unicode"
)

// ScopeKind names the applicability domain of a command.
type ScopeKind string

const (
	ScopeDefault         ScopeKind = "default"
	ScopeAllPrivateChats ScopeKind = "all_private_chats"
	ScopeAllGroupChats   ScopeKind = "all_group_chats"
	ScopeAllChatAdmins   ScopeKind = "all_chat_administrators"
	ScopeChat            ScopeKind = "chat"
	ScopeChatAdmins      ScopeKind = "chat_administrators"
	ScopeChatMember      ScopeKind = "chat_member"
)

// Scope binds a command to a set of chats or users. The zero value is the default scope.
type Scope struct {
	Kind   ScopeKind
	ChatID int64
	UserID int64
}

// Global returns the default scope.
func Global() Scope { return Scope{Kind: ScopeDefault} }

// PrivateChats scopes a command to one-to-one chats.
func PrivateChats() Scope { return Scope{Kind: ScopeAllPrivateChats} }

// GroupChats scopes a command to group chats.
func GroupChats() Scope { return Scope{Kind: ScopeAllGroupChats} }

// AdminOnly scopes a command to administrators of any chat.
func AdminOnly() Scope { return Scope{Kind: ScopeAllChatAdmins} }

// InChat scopes a command to one chat.
func InChat(chatID int64) Scope { return Scope{Kind: ScopeChat, ChatID: chatID} }

// ChatAdmins scopes a command to administrators of one chat.
func ChatAdmins(chatID int64) Scope { return Scope{Kind: ScopeChatAdmins, ChatID: chatID} }

// ChatMember scopes a command to one user inside one chat.
func ChatMember(chatID, userID int64) Scope {
	return Scope{Kind: ScopeChatMember, ChatID: chatID, UserID: userID}
}

// Normalized fills the default kind.
func (s Scope) Normalized() Scope {
	if s.Kind == "" {
		s.Kind = ScopeDefault
	}
	return s
}

// RequiresAdmin reports whether the invoker must be a chat administrator.
func (s Scope) RequiresAdmin() bool {
	switch s.Normalized().Kind {
	case ScopeAllChatAdmins, ScopeChatAdmins:
		return true
	}
	return false
}

// Validate checks that ids required by the kind are present.
func (s Scope) Validate() error {
	s = s.Normalized()
	switch s.Kind {
	case ScopeDefault, ScopeAllPrivateChats, ScopeAllGroupChats, ScopeAllChatAdmins:
		return nil
	case ScopeChat, ScopeChatAdmins:
		if s.ChatID == 0 {
			return fmt.Errorf("scope %s requires chat id", s.Kind)
		}
		return nil
	case ScopeChatMember:
		if s.ChatID == 0 || s.UserID == 0 {
			return fmt.Errorf("scope %s requires chat and user id", s.Kind)
		}
		return nil
	}
	return fmt.Errorf("unknown scope %q", s.Kind)
}

func (s Scope) String() string {
	s = s.Normalized()
	switch s.Kind {
	case ScopeChat, ScopeChatAdmins:
		return fmt.Sprintf("%s:%d", s.Kind, s.ChatID)
	case ScopeChatMember:
		return fmt.Sprintf("%s:%d:%d", s.Kind, s.ChatID, s.UserID)
	}
	return string(s.Kind)
}

// Command represents a bot command with its handler, description, and metadata.
// A command either runs Handler directly or starts the wizard named by Wizard.
type Command struct {
	Name        string
	Scope       Scope
	Description string
	Handler     HandlerFunc
	Wizard      string
	Hidden      bool
	Aliases     []string
}

// Validate checks the definition before registration.
func (c Command) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, " \t\n/@") {
		return fmt.Errorf("invalid command name %q", c.Name)
	}
	if c.Handler == nil && c.Wizard == "" {
		return fmt.Errorf("command %s has neither handler nor wizard", c.Name)
	}
	if c.Handler != nil && c.Wizard != "" {
		return fmt.Errorf("command %s sets both handler and wizard", c.Name)
	}
	return c.Scope.Validate()
}

// NormalizeName lowercases a command and strips the slash and bot mention.
func NormalizeName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

// Call is a parsed command invocation.
type Call struct {
	Name string
	// Mention is the bot username after '@', empty when the command names no bot.
	Mention string
	Args    string
}

// AddressedTo reports whether the call is meant for the bot with the given
// username. Calls without a mention reach every bot; an unknown own username
// accepts any mention.
func (c Call) AddressedTo(username string) bool {
	return c.Mention == "" || username == "" || strings.EqualFold(c.Mention, username)
}

// Parse splits "/cmd@bot args" into its parts. It reports false when text is
// not a command. Any whitespace ends the command word.
func Parse(text string) (Call, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) == 1 {
		return Call{}, false
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	var call Call
	if _, mention, ok := strings.Cut(head, "@"); ok {
		call.Mention = mention
	}
	call.Name = NormalizeName(head)
	if call.Name == "" {
		return Call{}, false
	}
	call.Args = strings.TrimSpace(rest)
	return call, true
}
