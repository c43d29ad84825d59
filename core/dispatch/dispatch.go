// Package dispatch is the entry point of the core: it deduplicates updates,
// routes them to the conversation engine or the callback resolver, and turns
// handler failures into a single user-visible reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/conversation"
	"github.com/m3rciful/convobot/core/dedup"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/middleware"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/update"
)

var (
	// ErrDuplicateUpdate marks an update that was already processed. Handle
	// turns it into an empty result; it never reaches the caller.
	ErrDuplicateUpdate = errors.New("dispatch: duplicate update")
	// ErrConflictExhausted is returned when every retry lost the session
	// version race. It matches session.ErrStorageUnavailable so transports
	// treat it as retryable.
	ErrConflictExhausted = fmt.Errorf("dispatch: session conflict retries exhausted: %w", session.ErrStorageUnavailable)
)

// HandlerPanicError is a recovered panic of a command, wizard or callback handler.
type HandlerPanicError = middleware.PanicError

// DefaultGenericErrorText is sent when a handler fails.
const DefaultGenericErrorText = "Something went wrong, please try again. Send /cancel to start over or /help for options."

// Options configures a Dispatcher.
type Options struct {
	// MaxConflictRetries bounds how often an update is re-run after a version conflict.
	MaxConflictRetries int
	GenericErrorText   string
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Handled         uint64 `json:"handled"`
	Duplicates      uint64 `json:"duplicates"`
	Ignored         uint64 `json:"ignored"`
	Failed          uint64 `json:"failed"`
	Panics          uint64 `json:"panics"`
	ConflictRetries uint64 `json:"conflict_retries"`
}

// Dispatcher handles inbound updates.
type Dispatcher struct {
	dedup    dedup.Deduplicator
	engine   *conversation.Engine
	registry *registry.Registry
	opts     Options
	callback []commands.MiddlewareFunc

	handled, duplicates, ignored, failed, panics, retries atomic.Uint64
}

// New builds a dispatcher.
func New(d dedup.Deduplicator, engine *conversation.Engine, opts Options) *Dispatcher {
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = 3
	}
	if opts.GenericErrorText == "" {
		opts.GenericErrorText = DefaultGenericErrorText
	}
	return &Dispatcher{
		dedup:    d,
		engine:   engine,
		registry: engine.Registry(),
		opts:     opts,
		callback: []commands.MiddlewareFunc{middleware.Logger("dispatch"), middleware.Recover},
	}
}

// Handle processes one update and returns the actions to deliver.
//
// Duplicates yield no actions and no error. The update is recorded as
// processed only after it was handled without error. Only errors matching
// session.ErrStorageUnavailable (including ErrConflictExhausted) or a
// cancelled ctx are returned; the transport should redeliver in that case.
func (d *Dispatcher) Handle(ctx context.Context, upd *update.Update) ([]outbound.Action, error) {
	if upd == nil {
		return nil, nil
	}
	start := time.Now()
	ctx = logger.WithUpdateMeta(ctx, upd.BotID, upd.ID, upd.UserID(), upd.ChatID())
	ctx = logger.WithRID(ctx, logger.BuildRID(upd.ID, upd.ChatID(), upd.UserID()))

	if err := d.admit(ctx, upd); err != nil {
		if errors.Is(err, ErrDuplicateUpdate) {
			d.duplicates.Add(1)
			logger.Debug(ctx, "dispatch", "update.duplicate", slog.String("status", "duplicate"))
			return nil, nil
		}
		return nil, err
	}

	actions, err := d.route(ctx, upd)
	if err != nil {
		if retryable(err) {
			logger.Warn(ctx, "dispatch", "update.retryable",
				slog.String("status", "retry"),
				slog.String("err", err.Error()),
			)
			return nil, err
		}
		return d.fail(ctx, upd, err), nil
	}

	if err := d.dedup.Record(ctx, upd.BotID, upd.ID); err != nil {
		logger.Warn(ctx, "dispatch", "record.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
	d.handled.Add(1)
	logger.Debug(ctx, "dispatch", "update.handled",
		slog.String("status", "ok"),
		slog.String("kind", string(upd.Kind)),
		slog.Int("actions", len(actions)),
		slog.Duration("duration", logger.Took(start)),
	)
	return actions, nil
}

func (d *Dispatcher) admit(ctx context.Context, upd *update.Update) error {
	seen, err := d.dedup.Seen(ctx, upd.BotID, upd.ID)
	if err != nil {
		return session.Unavailable("dedup seen", err)
	}
	if seen {
		return ErrDuplicateUpdate
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, upd *update.Update) ([]outbound.Action, error) {
	if !upd.HasSender() {
		d.ignored.Add(1)
		logger.Warn(ctx, "dispatch", "update.no_sender",
			slog.String("status", "skip"),
			slog.String("kind", string(upd.Kind)),
		)
		return nil, nil
	}
	switch upd.Kind {
	case update.KindMessage:
		return d.converse(ctx, upd)
	case update.KindCallbackQuery:
		return d.callbackQuery(ctx, upd)
	}
	d.ignored.Add(1)
	logger.Debug(ctx, "dispatch", "update.ignored",
		slog.String("status", "skip"),
		slog.String("kind", string(upd.Kind)),
	)
	return nil, nil
}

// converse runs the engine, re-reading the session after each lost version race.
func (d *Dispatcher) converse(ctx context.Context, upd *update.Update) ([]outbound.Action, error) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxConflictRetries; attempt++ {
		actions, err := d.engine.Handle(ctx, upd)
		if !errors.Is(err, session.ErrConflict) {
			return actions, err
		}
		lastErr = err
		d.retries.Add(1)
		logger.Debug(ctx, "dispatch", "conflict.retry",
			slog.String("status", "retry"),
			slog.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("update %d: %w (last: %v)", upd.ID, ErrConflictExhausted, lastErr)
}

// callbackQuery resolves a button press without touching the session.
func (d *Dispatcher) callbackQuery(ctx context.Context, upd *update.Update) ([]outbound.Action, error) {
	h, key, payload, ok := d.registry.ResolveCallback(upd.CallbackData)
	if !ok {
		logger.Debug(ctx, "dispatch", "callback.unknown", slog.String("command", key))
	}
	c := commands.NewContext(ctx, upd).WithCommand("callback."+key, "").WithPayload(payload)
	if err := commands.Chain(h, d.callback...)(c); err != nil {
		return nil, err
	}
	if !c.Answered() {
		c.Answer("")
	}
	if err := c.Commit(); err != nil {
		logger.Error(ctx, "dispatch", "commit.failed",
			slog.String("status", "fail"),
			logger.Err(err),
		)
	}
	return c.Actions(), nil
}

// fail logs a handler failure and converts it into the generic reply.
// The update is not recorded, so a redelivery is handled again.
func (d *Dispatcher) fail(ctx context.Context, upd *update.Update, err error) []outbound.Action {
	d.failed.Add(1)
	attrs := []slog.Attr{
		slog.String("status", "fail"),
		slog.String("kind", string(upd.Kind)),
		slog.String("err", err.Error()),
		slog.String("err_code", middleware.ErrorCode(err)),
	}
	var pe *HandlerPanicError
	if errors.As(err, &pe) {
		d.panics.Add(1)
		attrs = append(attrs, slog.String("stack", string(pe.Stack)))
	}
	logger.Error(ctx, "dispatch", "handler.failed", attrs...)

	c := commands.NewContext(ctx, upd)
	c.ReplyWith(d.opts.GenericErrorText, outbound.PriorityHigh)
	c.Answer("")
	return c.Actions()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Handled:         d.handled.Load(),
		Duplicates:      d.duplicates.Load(),
		Ignored:         d.ignored.Load(),
		Failed:          d.failed.Load(),
		Panics:          d.panics.Load(),
		ConflictRetries: d.retries.Load(),
	}
}

func retryable(err error) bool {
	return errors.Is(err, session.ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
