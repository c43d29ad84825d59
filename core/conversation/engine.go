package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/middleware"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/update"
)

// Escape inputs are checked before anything else in every state and are never
// consumed as step input.
const (
	EscapeCancel = "cancel"
	EscapeBack   = "back"
	EscapeHelp   = "help"
)

// IsEscape reports whether name is one of the reserved escape commands.
func IsEscape(name string) bool {
	switch name {
	case EscapeCancel, EscapeBack, EscapeHelp:
		return true
	}
	return false
}

// Texts are the user-visible replies of the engine itself.
type Texts struct {
	UnknownCommand  string
	Forbidden       string
	NotACommand     string
	Cancelled       string
	NothingToCancel string
	NothingToUndo   string
	FirstStep       string
	StaleState      string
	HelpHeader      string
	HelpFooter      string
}

// DefaultTexts returns the built-in English replies.
func DefaultTexts() Texts {
	return Texts{
		UnknownCommand:  "Unknown command. Send /help to see what I can do.",
		Forbidden:       "You are not authorized to use this command.",
		NotACommand:     "Send /help to see available commands.",
		Cancelled:       "Cancelled.",
		NothingToCancel: "Nothing to cancel.",
		NothingToUndo:   "Nothing to go back to.",
		FirstStep:       "This is the first step.",
		StaleState:      "That conversation is no longer available. Please start again.",
		HelpHeader:      "Available commands:",
		HelpFooter:      "During a conversation you can send /back or /cancel.",
	}
}

// Options configures an Engine.
type Options struct {
	Texts Texts
	// Middlewares wrap every command handler and wizard step, outermost first.
	Middlewares []commands.MiddlewareFunc
}

// Engine runs the per-update state machine of conversations.
type Engine struct {
	store    session.Store
	registry *registry.Registry
	texts    Texts
	mws      []commands.MiddlewareFunc

	mu      sync.RWMutex
	wizards map[string]*Wizard
	steps   map[session.State]stepRef
}

// NewEngine wires an engine to its store and registry.
func NewEngine(store session.Store, reg *registry.Registry, opts Options) *Engine {
	texts := opts.Texts
	if texts == (Texts{}) {
		texts = DefaultTexts()
	}
	mws := []commands.MiddlewareFunc{middleware.Logger("conversation")}
	mws = append(mws, opts.Middlewares...)
	mws = append(mws, middleware.Recover)
	return &Engine{
		store:    store,
		registry: reg,
		texts:    texts,
		mws:      mws,
		wizards:  make(map[string]*Wizard),
		steps:    make(map[session.State]stepRef),
	}
}

// Registry returns the command registry used for resolution.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// RegisterWizard makes w startable by commands whose Wizard field names it.
// Step names must be unique across all wizards since they are session states.
func (e *Engine) RegisterWizard(w Wizard) error {
	if err := w.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.wizards[w.Name]; dup {
		return fmt.Errorf("wizard %s already registered", w.Name)
	}
	for _, st := range w.Steps {
		if owner, dup := e.steps[st.Name]; dup {
			return fmt.Errorf("state %s of wizard %s already used by %s", st.Name, w.Name, owner.wizard.Name)
		}
	}
	wz := &w
	e.wizards[w.Name] = wz
	for i, st := range w.Steps {
		e.steps[st.Name] = stepRef{wizard: wz, index: i}
	}
	return nil
}

func (e *Engine) wizard(name string) (*Wizard, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.wizards[name]
	return w, ok
}

func (e *Engine) stepFor(state session.State) (stepRef, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ref, ok := e.steps[state]
	return ref, ok
}

// Handle processes one conversational update.
//
// The session is written back with the version read at the start. When that
// write loses a race the returned error wraps session.ErrConflict, no actions
// are returned and work deferred with AfterCommit is dropped, so the caller
// can retry from a fresh read.
func (e *Engine) Handle(ctx context.Context, upd *update.Update) ([]outbound.Action, error) {
	key, ok := session.KeyFor(upd)
	if !ok {
		return nil, nil
	}
	if call, isCmd := commands.Parse(upd.TrimmedText()); isCmd && !call.AddressedTo(upd.BotUsername) {
		logger.Debug(ctx, "conversation", "command.foreign",
			slog.String("status", "skip"),
			slog.String("command", call.Name),
			slog.String("mention", call.Mention),
		)
		return nil, nil
	}
	sess, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, storageErr("load session", err)
	}
	expected := sess.Version
	before := sess.Clone()

	c := commands.NewContext(ctx, upd)
	if err := e.step(c, sess); err != nil {
		return nil, err
	}

	if sessionChanged(before, sess) || !sess.IsIdle() {
		if err := e.store.Put(ctx, key, sess, expected); err != nil {
			if errors.Is(err, session.ErrConflict) {
				logger.Debug(ctx, "conversation", "persist.conflict",
					slog.String("status", "conflict"),
					slog.Int64("version", expected),
				)
				return nil, fmt.Errorf("persist session %s: %w", key, err)
			}
			return nil, storageErr("persist session", err)
		}
		logger.Debug(ctx, "conversation", "persist.ok",
			slog.String("state", string(sess.State)),
			slog.Int64("version", sess.Version),
		)
	}
	if err := c.Commit(); err != nil {
		logger.Error(ctx, "conversation", "commit.failed",
			slog.String("status", "fail"),
			logger.Err(err),
		)
	}
	return c.Actions(), nil
}

// step applies the transition for one input to sess in place.
func (e *Engine) step(c *commands.Context, sess *session.Session) error {
	text := c.Update().TrimmedText()
	call, isCmd := commands.Parse(text)

	if isCmd && IsEscape(call.Name) {
		e.escape(c.WithCommand(call.Name, call.Args), sess, call.Name)
		return nil
	}
	if sess.IsIdle() {
		return e.idle(c, sess, call.Name, call.Args, isCmd)
	}
	return e.advance(c, sess, text)
}

func (e *Engine) escape(c *commands.Context, sess *session.Session, name string) {
	logger.Debug(c.Context(), "conversation", "escape",
		slog.String("command", name),
		slog.String("state", string(sess.State)),
	)
	switch name {
	case EscapeCancel:
		if sess.IsIdle() {
			c.Reply(e.texts.NothingToCancel)
			return
		}
		sess.Reset()
		c.Reply(e.texts.Cancelled)

	case EscapeBack:
		if sess.IsIdle() {
			c.Reply(e.texts.NothingToUndo)
			return
		}
		ref, ok := e.stepFor(sess.State)
		if !ok {
			e.stale(c, sess)
			return
		}
		if len(sess.History) == 0 {
			c.Reply(e.texts.FirstStep)
			c.Reply(ref.step().Prompt(sess.Data))
			return
		}
		prev := sess.History[len(sess.History)-1]
		sess.History = sess.History[:len(sess.History)-1]
		sess.State = prev
		prevRef, ok := e.stepFor(prev)
		if !ok {
			e.stale(c, sess)
			return
		}
		sess.Data.Delete(prevRef.step().Field)
		c.Reply(prevRef.step().Prompt(sess.Data))

	case EscapeHelp:
		c.Reply(e.helpText())
		if sess.IsIdle() {
			return
		}
		if ref, ok := e.stepFor(sess.State); ok {
			c.Reply(ref.step().Prompt(sess.Data))
		}
	}
}

func (e *Engine) helpText() string {
	var b strings.Builder
	b.WriteString(e.texts.HelpHeader)
	if list := e.registry.HelpText(); list != "" {
		b.WriteString("\n")
		b.WriteString(list)
	}
	if e.texts.HelpFooter != "" {
		b.WriteString("\n\n")
		b.WriteString(e.texts.HelpFooter)
	}
	return b.String()
}

func (e *Engine) idle(c *commands.Context, sess *session.Session, name, args string, isCmd bool) error {
	ctx := c.Context()
	if !isCmd {
		if fallback := e.registry.TextFallback(); fallback != nil {
			return e.run(c.WithCommand("text", ""), fallback)
		}
		c.Reply(e.texts.NotACommand)
		return nil
	}

	cmd, err := e.registry.Resolve(ctx, name, registry.TargetOf(c.Update()))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		logger.Debug(ctx, "conversation", "command.unknown", slog.String("command", name))
		c.Reply(e.texts.UnknownCommand)
		return nil
	case errors.Is(err, registry.ErrForbidden):
		logger.Info(ctx, "conversation", "command.forbidden",
			slog.String("status", "skip"),
			slog.String("command", name),
		)
		c.Reply(e.texts.Forbidden)
		return nil
	case err != nil:
		return err
	}

	c.WithCommand(cmd.Name, args)
	if cmd.Wizard == "" {
		return e.run(c, cmd.Handler)
	}

	w, ok := e.wizard(cmd.Wizard)
	if !ok {
		return fmt.Errorf("command %s starts unknown wizard %s", cmd.Name, cmd.Wizard)
	}
	return e.run(c, func(c *commands.Context) error {
		first := w.Steps[0]
		sess.Reset()
		sess.State = first.Name
		c.Reply(first.Prompt(sess.Data))
		logger.Debug(c.Context(), "conversation", "wizard.start",
			slog.String("wizard", w.Name),
			slog.String("next_state", string(first.Name)),
		)
		return nil
	})
}

func (e *Engine) advance(c *commands.Context, sess *session.Session, input string) error {
	ref, ok := e.stepFor(sess.State)
	if !ok {
		e.stale(c, sess)
		return nil
	}
	st := ref.step()
	c.WithCommand(ref.wizard.Name, "")

	return e.run(c, func(c *commands.Context) error {
		res := st.Validate(input, sess.Data.Clone())
		if !res.OK {
			c.Reply(res.Message)
			return nil
		}

		data := sess.Data.Clone()
		data.Set(st.Field, res.Value)
		if !ref.last() {
			next := ref.wizard.Steps[ref.index+1]
			sess.Data = data
			sess.History = append(sess.History, st.Name)
			sess.State = next.Name
			c.Reply(next.Prompt(sess.Data))
			return nil
		}

		if ref.wizard.OnComplete != nil {
			if err := ref.wizard.OnComplete(c, data.Clone()); err != nil {
				return err
			}
		}
		logger.Info(c.Context(), "conversation", "wizard.complete",
			slog.String("status", "ok"),
			slog.String("wizard", ref.wizard.Name),
		)
		sess.Reset()
		return nil
	})
}

// stale resets a session whose state no longer maps to a registered step.
func (e *Engine) stale(c *commands.Context, sess *session.Session) {
	logger.Warn(c.Context(), "conversation", "state.unknown",
		slog.String("state", string(sess.State)),
	)
	sess.Reset()
	c.Reply(e.texts.StaleState)
}

func (e *Engine) run(c *commands.Context, h commands.HandlerFunc) error {
	return commands.Chain(h, e.mws...)(c)
}

func sessionChanged(before, after *session.Session) bool {
	if before.State != after.State || len(before.History) != len(after.History) {
		return true
	}
	for i := range before.History {
		if before.History[i] != after.History[i] {
			return true
		}
	}
	return !before.Data.Equal(after.Data)
}

func storageErr(op string, err error) error {
	if errors.Is(err, session.ErrStorageUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return session.Unavailable(op, err)
}
