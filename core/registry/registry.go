// Package registry resolves command names and callback tokens to handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/update"
)

var (
	// ErrDuplicateCommand is returned when name and scope are already registered.
	ErrDuplicateCommand = errors.New("registry: duplicate command")
	// ErrNotFound is returned when no scope matches.
	ErrNotFound = errors.New("registry: command not found")
	// ErrForbidden is returned when the most specific match is admin-only and
	// the invoker is not an administrator. Resolution never falls through to a
	// less specific scope in that case.
	ErrForbidden = errors.New("registry: forbidden")
	// ErrDuplicateCallback is returned when a callback key is already taken.
	ErrDuplicateCallback = errors.New("registry: duplicate callback")
)

// AdminChecker answers whether a user administers a chat.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// AdminCheckerFunc adapts a function to AdminChecker.
type AdminCheckerFunc func(ctx context.Context, chatID, userID int64) (bool, error)

func (f AdminCheckerFunc) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return f(ctx, chatID, userID)
}

// Target describes who invokes a command and where.
type Target struct {
	ChatID  int64
	UserID  int64
	Private bool
	Group   bool
}

// TargetOf derives the resolution target of an update.
func TargetOf(u *update.Update) Target {
	return Target{
		ChatID:  u.ChatID(),
		UserID:  u.UserID(),
		Private: u.IsPrivate(),
		Group:   u.IsGroup(),
	}
}

// candidates lists scopes from most to least specific.
func (t Target) candidates() []commands.Scope {
	out := make([]commands.Scope, 0, 6)
	if t.ChatID != 0 {
		if t.UserID != 0 {
			out = append(out, commands.ChatMember(t.ChatID, t.UserID))
		}
		out = append(out, commands.ChatAdmins(t.ChatID), commands.InChat(t.ChatID))
	}
	out = append(out, commands.AdminOnly())
	switch {
	case t.Group:
		out = append(out, commands.GroupChats())
	case t.Private:
		out = append(out, commands.PrivateChats())
	}
	return append(out, commands.Global())
}

type entryKey struct {
	name  string
	scope commands.Scope
}

// Registry holds bot commands and callbacks.
type Registry struct {
	mu       sync.RWMutex
	commands map[entryKey]commands.Command
	aliases  map[string]string

	callbacks        map[string]commands.HandlerFunc
	callbackNotFound commands.HandlerFunc
	textFallback     commands.HandlerFunc

	admins AdminChecker
}

// New creates an empty Registry. A nil admins denies every admin-only command.
func New(admins AdminChecker) *Registry {
	return &Registry{
		commands:  make(map[entryKey]commands.Command),
		aliases:   make(map[string]string),
		callbacks: make(map[string]commands.HandlerFunc),
		callbackNotFound: func(c *commands.Context) error {
			c.Answer("Unsupported action")
			return nil
		},
		admins: admins,
	}
}

// SetAdminChecker replaces the admin collaborator.
func (r *Registry) SetAdminChecker(admins AdminChecker) {
	r.mu.Lock()
	r.admins = admins
	r.mu.Unlock()
}

// Register adds a command. Names are unique within one scope.
func (r *Registry) Register(cmd commands.Command) error {
	if err := cmd.Validate(); err != nil {
		logger.Warn(context.Background(), "registry", "register.command.skip",
			slog.String("command", cmd.Name),
			slog.String("err", err.Error()),
		)
		return err
	}
	cmd.Name = commands.NormalizeName(cmd.Name)
	cmd.Scope = cmd.Scope.Normalized()
	key := entryKey{name: cmd.Name, scope: cmd.Scope}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[key]; exists {
		return fmt.Errorf("%w: %s in scope %s", ErrDuplicateCommand, cmd.Name, cmd.Scope)
	}
	for _, alias := range cmd.Aliases {
		alias = commands.NormalizeName(alias)
		if owner, ok := r.aliases[alias]; ok && owner != cmd.Name {
			return fmt.Errorf("%w: alias %s already points to %s", ErrDuplicateCommand, alias, owner)
		}
	}
	for _, alias := range cmd.Aliases {
		r.aliases[commands.NormalizeName(alias)] = cmd.Name
	}
	r.commands[key] = cmd
	return nil
}

// MustRegister registers cmd and panics on error. Intended for static bot setup.
func (r *Registry) MustRegister(cmds ...commands.Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Resolve finds the definition of name for target, most specific scope first.
func (r *Registry) Resolve(ctx context.Context, name string, target Target) (commands.Command, error) {
	name = commands.NormalizeName(name)

	r.mu.RLock()
	if canonical, ok := r.aliases[name]; ok {
		if _, direct := r.anyScopeLocked(name); !direct {
			name = canonical
		}
	}
	var (
		found commands.Command
		ok    bool
	)
	for _, scope := range target.candidates() {
		if found, ok = r.commands[entryKey{name: name, scope: scope}]; ok {
			break
		}
	}
	admins := r.admins
	r.mu.RUnlock()

	if !ok {
		return commands.Command{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !found.Scope.RequiresAdmin() {
		return found, nil
	}
	if admins == nil {
		return commands.Command{}, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	isAdmin, err := admins.IsAdmin(ctx, target.ChatID, target.UserID)
	if err != nil {
		logger.Warn(ctx, "registry", "admin.check.failed",
			slog.String("command", name),
			slog.String("err", err.Error()),
		)
		return commands.Command{}, fmt.Errorf("%w: %s: %w", ErrForbidden, name, err)
	}
	if !isAdmin {
		return commands.Command{}, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	return found, nil
}

func (r *Registry) anyScopeLocked(name string) (commands.Command, bool) {
	for k, cmd := range r.commands {
		if k.name == name {
			return cmd, true
		}
	}
	return commands.Command{}, false
}

// ListCommands returns registered commands sorted by name. With visibleOnly,
// hidden and admin-only commands are left out.
func (r *Registry) ListCommands(visibleOnly bool) []commands.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]commands.Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		if visibleOnly && (cmd.Hidden || cmd.Scope.RequiresAdmin()) {
			continue
		}
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Scope.String() < list[j].Scope.String()
	})
	return list
}

// HelpText renders visible commands as one "/name - description" per line.
func (r *Registry) HelpText() string {
	var b strings.Builder
	seen := make(map[string]struct{})
	for _, cmd := range r.ListCommands(true) {
		if _, dup := seen[cmd.Name]; dup {
			continue
		}
		seen[cmd.Name] = struct{}{}
		b.WriteString("/")
		b.WriteString(cmd.Name)
		if cmd.Description != "" {
			b.WriteString(" - ")
			b.WriteString(cmd.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// RegisterCallback maps a callback key to its handler.
func (r *Registry) RegisterCallback(key string, handler commands.HandlerFunc) error {
	key = strings.TrimSpace(key)
	if key == "" || handler == nil || strings.Contains(key, "|") {
		return fmt.Errorf("registry: invalid callback registration %q", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCallback, key)
	}
	r.callbacks[key] = handler
	return nil
}

// ResolveCallback parses a callback token and returns its handler and payload.
// Unknown keys resolve to the not-found handler with ok false.
func (r *Registry) ResolveCallback(data string) (h commands.HandlerFunc, key, payload string, ok bool) {
	key, payload = commands.ParseCallbackData(data)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok = r.callbacks[key]; ok {
		return h, key, payload, true
	}
	return r.callbackNotFound, key, payload, false
}

// ListCallbacks returns sorted keys (for diagnostics).
func (r *Registry) ListCallbacks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.callbacks))
	for k := range r.callbacks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetTextFallback sets the handler for idle plain text that is not a command.
func (r *Registry) SetTextFallback(h commands.HandlerFunc) {
	r.mu.Lock()
	r.textFallback = h
	r.mu.Unlock()
}

// TextFallback returns the current text fallback handler, possibly nil.
func (r *Registry) TextFallback() commands.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.textFallback
}
