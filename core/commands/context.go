package commands

import (
	"context"
	"errors"

	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/update"
)

// HandlerFunc handles one update. Effects are expressed only through the
// actions collected on the Context.
type HandlerFunc func(c *Context) error

// MiddlewareFunc wraps a handler.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Chain applies middlewares so that the first one is the outermost.
func Chain(h HandlerFunc, mws ...MiddlewareFunc) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// Context carries the update being handled and collects outbound actions.
type Context struct {
	ctx     context.Context
	upd     *update.Update
	name    string
	args    string
	payload string
	actions []outbound.Action
	commits []func(context.Context) error
}

// NewContext builds a handler context for upd.
func NewContext(ctx context.Context, upd *update.Update) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{ctx: ctx, upd: upd}
}

// WithCommand records the resolved command name and its argument string.
func (c *Context) WithCommand(name, args string) *Context {
	c.name, c.args = name, args
	return c
}

// WithPayload records the payload part of a callback token.
func (c *Context) WithPayload(payload string) *Context {
	c.payload = payload
	return c
}

func (c *Context) Context() context.Context { return c.ctx }

// SetContext replaces the request context, e.g. to attach log fields.
func (c *Context) SetContext(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
}

func (c *Context) Update() *update.Update { return c.upd }
func (c *Context) Command() string        { return c.name }
func (c *Context) Args() string           { return c.args }
func (c *Context) Payload() string        { return c.payload }

// Recipient is the chat replies go to.
func (c *Context) Recipient() int64 { return c.upd.ChatID() }

// Reply queues a text message to the current chat.
func (c *Context) Reply(text string) {
	c.Send(outbound.NewText(c.Recipient(), text))
}

// ReplyWith queues a text message with the given priority.
func (c *Context) ReplyWith(text string, p outbound.Priority) {
	c.Send(outbound.NewText(c.Recipient(), text).WithPriority(p))
}

// Answer acknowledges the callback query being handled. It is a no-op for other updates.
func (c *Context) Answer(text string) {
	if c.upd.Kind != update.KindCallbackQuery || c.upd.CallbackID == "" {
		return
	}
	c.Send(outbound.NewCallbackAnswer(c.Recipient(), c.upd.CallbackID, text))
}

// Send queues an arbitrary action.
func (c *Context) Send(a outbound.Action) {
	c.actions = append(c.actions, a)
}

// Answered reports whether a callback answer was queued.
func (c *Context) Answered() bool {
	for _, a := range c.actions {
		if a.Payload.Kind == outbound.KindCallbackAnswer {
			return true
		}
	}
	return false
}

// Actions returns the collected actions.
func (c *Context) Actions() []outbound.Action {
	return c.actions
}

// AfterCommit defers fn until the session write of this update succeeded.
// A handler can run more than once for one update when a version race is
// lost; fn runs only for the attempt whose write committed.
func (c *Context) AfterCommit(fn func(ctx context.Context) error) {
	if fn != nil {
		c.commits = append(c.commits, fn)
	}
}

// Commit runs the deferred work in registration order, once.
func (c *Context) Commit() error {
	hooks := c.commits
	c.commits = nil
	var errs []error
	for _, fn := range hooks {
		if err := fn(c.ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops collected actions and deferred work, used when a handler fails midway.
func (c *Context) Discard() {
	c.actions = nil
	c.commits = nil
}
