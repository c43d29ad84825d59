package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/update"
)

// Handler is the dispatcher as seen by the transport.
type Handler interface {
	Handle(ctx context.Context, upd *update.Update) ([]outbound.Action, error)
}

// Enqueuer accepts the actions produced for an update.
type Enqueuer interface {
	Enqueue(ctx context.Context, actions ...outbound.Action) error
}

// IntakeOptions configures an Intake.
type IntakeOptions struct {
	// MaxConcurrent bounds updates handled at once.
	MaxConcurrent int
	// Retries is how often an update is re-handled after the storage was
	// unavailable. Telegram does not redeliver an update once it was polled.
	Retries int
	Backoff time.Duration
	// Observe sees every converted update before it is handled.
	Observe func(*update.Update)
}

// Intake feeds polled updates into the dispatcher and the outbound queue.
// Its Filter is installed as a telebot middleware poller and consumes every
// update, so telebot's own handler routing is never used.
//
// Updates of one session key run one at a time in arrival order; different
// keys run concurrently.
type Intake struct {
	handler     Handler
	out         Enqueuer
	opts        IntakeOptions
	botID       int64
	botUsername string
	base        context.Context

	sem chan struct{}
	wg  sync.WaitGroup

	mu    sync.Mutex
	lanes map[session.Key][]*update.Update
}

// NewIntake builds an intake. Updates are handled under ctx.
func NewIntake(ctx context.Context, h Handler, out Enqueuer, opts IntakeOptions) *Intake {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Intake{
		handler: h,
		out:     out,
		opts:    opts,
		base:    ctx,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		lanes:   make(map[session.Key][]*update.Update),
	}
}

// SetBot sets the identity stamped on converted updates. Call it before polling starts.
func (in *Intake) SetBot(id int64, username string) {
	in.botID, in.botUsername = id, username
}

// Filter converts u and schedules it. It blocks while MaxConcurrent updates
// are waiting or in flight, which applies backpressure to the poller.
func (in *Intake) Filter(u *tele.Update) bool {
	upd := FromTelebot(in.botID, in.botUsername, u)
	if in.opts.Observe != nil {
		in.opts.Observe(upd)
	}
	select {
	case in.sem <- struct{}{}:
	case <-in.base.Done():
		return false
	}

	key, ok := session.KeyFor(upd)
	if !ok {
		in.wg.Add(1)
		go func() {
			defer func() {
				<-in.sem
				in.wg.Done()
			}()
			in.Process(in.base, upd)
		}()
		return false
	}

	in.mu.Lock()
	queued, busy := in.lanes[key]
	in.lanes[key] = append(queued, upd)
	in.mu.Unlock()
	if !busy {
		in.wg.Add(1)
		go in.drain(key)
	}
	return false
}

// drain handles the queued updates of key in order and retires the lane
// once it is empty.
func (in *Intake) drain(key session.Key) {
	defer in.wg.Done()
	for {
		in.mu.Lock()
		queued := in.lanes[key]
		if len(queued) == 0 {
			delete(in.lanes, key)
			in.mu.Unlock()
			return
		}
		upd := queued[0]
		in.lanes[key] = queued[1:]
		in.mu.Unlock()

		in.Process(in.base, upd)
		<-in.sem
	}
}

// Process handles one update synchronously, retrying while storage is unavailable.
func (in *Intake) Process(ctx context.Context, upd *update.Update) {
	ctx = logger.WithUpdateMeta(ctx, upd.BotID, upd.ID, upd.UserID(), upd.ChatID())
	var (
		actions []outbound.Action
		err     error
	)
	for attempt := 0; ; attempt++ {
		actions, err = in.handler.Handle(ctx, upd)
		if err == nil || !errors.Is(err, session.ErrStorageUnavailable) || attempt >= in.opts.Retries {
			break
		}
		logger.Warn(ctx, "tg", "update.retry",
			slog.String("status", "retry"),
			slog.Int("attempt", attempt+1),
			logger.Err(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(in.opts.Backoff * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		logger.Error(ctx, "tg", "update.lost",
			slog.String("status", "fail"),
			slog.String("kind", string(upd.Kind)),
			logger.Err(err),
		)
		return
	}
	if len(actions) == 0 {
		return
	}
	if err := in.out.Enqueue(ctx, actions...); err != nil {
		logger.Warn(ctx, "tg", "enqueue.failed",
			slog.String("status", "fail"),
			slog.Int("actions", len(actions)),
			logger.Err(err),
		)
	}
}

// Wait blocks until every scheduled update finished.
func (in *Intake) Wait() { in.wg.Wait() }
