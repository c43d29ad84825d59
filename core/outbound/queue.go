package outbound

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/m3rciful/convobot/core/logger"
)

// Options controls the behaviour of the outbound queue.
type Options struct {
	// GlobalPerSecond and GlobalBurst bound sends across all recipients.
	GlobalPerSecond float64
	GlobalBurst     int
	// RecipientPerSecond and RecipientBurst bound sends to one recipient.
	RecipientPerSecond float64
	RecipientBurst     int

	QueueSize int
	Workers   int
	// MaxAttempts bounds deliveries of one action on transient failures.
	// Throttling does not count as an attempt.
	MaxAttempts  int
	RetryBackoff time.Duration
	// SendTimeout bounds a single Deliver call.
	SendTimeout time.Duration

	// OnDrop is called exactly once for every action that is given up on.
	OnDrop func(a Action, err error)
	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.GlobalPerSecond <= 0 {
		o.GlobalPerSecond = 30
	}
	if o.GlobalBurst <= 0 {
		o.GlobalBurst = int(math.Max(1, math.Ceil(o.GlobalPerSecond)))
	}
	if o.RecipientPerSecond <= 0 {
		o.RecipientPerSecond = 1
	}
	if o.RecipientBurst <= 0 {
		o.RecipientBurst = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	Recipients int    `json:"recipients"`
	Paused     int    `json:"paused"`
	Sent       uint64 `json:"sent"`
	Throttled  uint64 `json:"throttled"`
	Retried    uint64 `json:"retried"`
	Dropped    uint64 `json:"dropped"`
}

type item struct {
	action Action
	seq    uint64
	ctx    context.Context
}

type recipient struct {
	pending     []*item
	inFlight    bool
	pausedUntil time.Time
	limiter     *rate.Limiter
}

// Queue delivers actions with a global and a per-recipient token bucket.
// At most one action per recipient is in flight, so per-recipient order holds.
type Queue struct {
	opts    Options
	deliver Deliverer

	mu         sync.Mutex
	global     *rate.Limiter
	recipients map[int64]*recipient
	size       int
	inFlight   int
	seq        uint64
	closed     bool
	stats      Stats

	wake chan struct{}
}

// NewQueue builds a queue. Call Run to start delivering.
func NewQueue(d Deliverer, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		opts:       opts,
		deliver:    d,
		global:     rate.NewLimiter(rate.Limit(opts.GlobalPerSecond), opts.GlobalBurst),
		recipients: make(map[int64]*recipient),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue accepts actions atomically: either all are queued or none.
// ctx carries log fields for the deliveries; its cancellation is ignored.
func (q *Queue) Enqueue(ctx context.Context, actions ...Action) error {
	if len(actions) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	for _, a := range actions {
		if a.Recipient == 0 {
			return errors.New("outbound: action without recipient")
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.size+len(actions) > q.opts.QueueSize {
		q.mu.Unlock()
		logger.Warn(ctx, "outbound", "enqueue.full",
			slog.String("status", "skip"),
			slog.Int("actions", len(actions)),
		)
		return ErrQueueFull
	}
	now := q.opts.Now()
	for _, a := range actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.EnqueuedAt.IsZero() {
			a.EnqueuedAt = now
		}
		q.seq++
		q.recipientLocked(a.Recipient).insert(&item{action: a, seq: q.seq, ctx: ctx})
		q.size++
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Close rejects further enqueues. Run keeps draining until its ctx is done.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = q.size
	s.InFlight = q.inFlight
	s.Recipients = len(q.recipients)
	now := q.opts.Now()
	for _, r := range q.recipients {
		if r.pausedUntil.After(now) {
			s.Paused++
		}
	}
	return s
}

// Run schedules deliveries until ctx is done. Actions still pending at that
// point are reported in the log and discarded.
func (q *Queue) Run(ctx context.Context) error {
	work := make(chan *item)
	var wg sync.WaitGroup
	wg.Add(q.opts.Workers)
	for i := 0; i < q.opts.Workers; i++ {
		go func() {
			defer wg.Done()
			for it := range work {
				q.complete(it, q.send(ctx, it), q.opts.Now())
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
		if st := q.Stats(); st.Pending > 0 {
			logger.Warn(ctx, "outbound", "queue.stop",
				slog.String("status", "dropped"),
				slog.Int("count", st.Pending),
			)
		}
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		it, wait := q.dequeue(q.opts.Now())
		if it != nil {
			select {
			case work <- it:
				continue
			case <-ctx.Done():
				q.requeue(it)
				return nil
			}
		}
		if wait <= 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) send(ctx context.Context, it *item) error {
	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.deliver.Deliver(sendCtx, it.action)
}

func (q *Queue) recipientLocked(id int64) *recipient {
	r, ok := q.recipients[id]
	if !ok {
		r = &recipient{limiter: rate.NewLimiter(rate.Limit(q.opts.RecipientPerSecond), q.opts.RecipientBurst)}
		q.recipients[id] = r
	}
	return r
}

// insert keeps pending sorted by priority, FIFO among equal priorities.
func (r *recipient) insert(it *item) {
	i := sort.Search(len(r.pending), func(i int) bool {
		return r.pending[i].action.Priority < it.action.Priority
	})
	r.pending = append(r.pending, nil)
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = it
}

func (r *recipient) pushFront(it *item) {
	r.pending = append([]*item{it}, r.pending...)
}

// dequeue picks the recipient whose head action becomes sendable first. When
// that is now, it consumes one token from both buckets and returns the item.
// Otherwise it returns how long to wait; zero means there is nothing to send.
func (q *Queue) dequeue(now time.Time) (*item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		best      *recipient
		bestReady time.Time
	)
	for id, r := range q.recipients {
		if r.inFlight {
			continue
		}
		if len(r.pending) == 0 {
			if !r.pausedUntil.After(now) && r.limiter.TokensAt(now) >= float64(r.limiter.Burst()) {
				delete(q.recipients, id)
			}
			continue
		}
		head := r.pending[0]
		start := latest(now, r.pausedUntil, head.action.NotBefore)
		ready := start.Add(max(tokenWait(r.limiter, start), tokenWait(q.global, start)))
		if best == nil || ready.Before(bestReady) ||
			(ready.Equal(bestReady) && head.seq < best.pending[0].seq) {
			best, bestReady = r, ready
		}
	}
	if best == nil {
		return nil, 0
	}
	if bestReady.After(now) {
		return nil, bestReady.Sub(now)
	}
	if !best.limiter.AllowN(now, 1) {
		return nil, time.Millisecond
	}
	if !q.global.AllowN(now, 1) {
		return nil, time.Millisecond
	}

	it := best.pending[0]
	best.pending = best.pending[1:]
	best.inFlight = true
	q.size--
	q.inFlight++
	return it, 0
}

// complete applies the delivery result of it.
func (q *Queue) complete(it *item, err error, now time.Time) {
	res := q.classify(it, err)

	q.mu.Lock()
	r := q.recipientLocked(it.action.Recipient)
	r.inFlight = false
	q.inFlight--
	switch res {
	case outcomeSent:
		q.stats.Sent++
	case outcomeThrottled:
		var te *ThrottledError
		errors.As(err, &te)
		r.pausedUntil = now.Add(te.RetryAfter)
		r.pushFront(it)
		q.size++
		q.stats.Throttled++
	case outcomeRetry:
		it.action.Attempts++
		it.action.NotBefore = now.Add(q.opts.RetryBackoff * time.Duration(it.action.Attempts))
		r.pushFront(it)
		q.size++
		q.stats.Retried++
	case outcomeCancelled:
		r.pushFront(it)
		q.size++
	case outcomePermanent, outcomeExhausted:
		q.stats.Dropped++
	}
	q.mu.Unlock()
	q.signal()

	q.report(it, res, err)
}

func (q *Queue) classify(it *item, err error) outcome {
	var te *ThrottledError
	switch {
	case err == nil:
		return outcomeSent
	case errors.As(err, &te):
		return outcomeThrottled
	case errors.Is(err, ErrPermanent):
		return outcomePermanent
	case errors.Is(err, context.Canceled):
		return outcomeCancelled
	case it.action.Attempts+1 >= q.opts.MaxAttempts:
		return outcomeExhausted
	}
	return outcomeRetry
}

func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	r := q.recipientLocked(it.action.Recipient)
	r.inFlight = false
	r.pushFront(it)
	q.inFlight--
	q.size++
	q.mu.Unlock()
}

func (q *Queue) report(it *item, res outcome, err error) {
	a := it.action
	attrs := []slog.Attr{
		slog.String("status", res.String()),
		slog.String("action_id", a.ID),
		slog.Int64("recipient", a.Recipient),
		slog.String("kind", string(a.Payload.Kind)),
	}
	switch res {
	case outcomeSent:
		logger.Debug(it.ctx, "outbound", "send.success", attrs...)
	case outcomeThrottled:
		var te *ThrottledError
		errors.As(err, &te)
		logger.Warn(it.ctx, "outbound", "send.throttled",
			append(attrs, slog.Duration("retry_after", te.RetryAfter))...)
	case outcomeRetry:
		logger.Info(it.ctx, "outbound", "send.retry",
			append(attrs, slog.Int("attempts", a.Attempts), errAttr(err))...)
	case outcomePermanent, outcomeExhausted:
		logger.Error(it.ctx, "outbound", "send.fail",
			append(attrs, slog.Int("attempts", a.Attempts+1), errAttr(err))...)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(a, err)
		}
	}
}

func errAttr(err error) slog.Attr {
	return slog.String("err", RedactToken(errString(err)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func tokenWait(l *rate.Limiter, at time.Time) time.Duration {
	tokens := l.TokensAt(at)
	if tokens >= 1 {
		return 0
	}
	limit := float64(l.Limit())
	if limit <= 0 {
		return time.Hour
	}
	return time.Duration(math.Ceil((1 - tokens) / limit * float64(time.Second)))
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
