package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Unix(1_700_000_000, 0)

func newTestQueue(opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	return NewQueue(DelivererFunc(func(context.Context, Action) error { return nil }), opts)
}

func mustEnqueue(t *testing.T, q *Queue, actions ...Action) {
	t.Helper()
	if err := q.Enqueue(context.Background(), actions...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func mustDequeue(t *testing.T, q *Queue, now time.Time) *item {
	t.Helper()
	it, wait := q.dequeue(now)
	if it == nil {
		t.Fatalf("dequeue at %v: nothing ready, wait %v", now.Sub(t0), wait)
	}
	return it
}

func TestQueueWaitsForLargerOfBothBuckets(t *testing.T) {
	q := newTestQueue(Options{GlobalPerSecond: 2, GlobalBurst: 2, RecipientPerSecond: 1, RecipientBurst: 1})
	mustEnqueue(t, q, NewText(1, "a1"), NewText(1, "a2"), NewText(2, "b1"), NewText(3, "c1"))

	first := mustDequeue(t, q, t0)
	q.complete(first, nil, t0)
	second := mustDequeue(t, q, t0)
	q.complete(second, nil, t0)
	if first.action.Payload.Text != "a1" || second.action.Payload.Text != "b1" {
		t.Fatalf("order = %s, %s; want a1, b1", first.action.Payload.Text, second.action.Payload.Text)
	}

	// Global bucket is empty: c1 has a full recipient bucket and waits 0.5s for
	// the global one; a2 waits 1s for its recipient bucket.
	it, wait := q.dequeue(t0)
	if it != nil || wait != 500*time.Millisecond {
		t.Fatalf("dequeue = %v, %v; want nil, 500ms", it != nil, wait)
	}
	next := mustDequeue(t, q, t0.Add(500*time.Millisecond))
	if next.action.Payload.Text != "c1" {
		t.Fatalf("next = %s, want c1", next.action.Payload.Text)
	}
	q.complete(next, nil, t0.Add(500*time.Millisecond))

	it, wait = q.dequeue(t0.Add(500 * time.Millisecond))
	if it != nil || wait != 500*time.Millisecond {
		t.Fatalf("a2 dequeue = %v, %v; want nil, 500ms", it != nil, wait)
	}
	if got := mustDequeue(t, q, t0.Add(time.Second)); got.action.Payload.Text != "a2" {
		t.Fatalf("got %s, want a2", got.action.Payload.Text)
	}
}

func TestQueueThrottleIsolatesRecipients(t *testing.T) {
	q := newTestQueue(Options{GlobalPerSecond: 100, GlobalBurst: 100, RecipientPerSecond: 100, RecipientBurst: 10})
	mustEnqueue(t, q, NewText(1, "a1"), NewText(1, "a2"))

	a1 := mustDequeue(t, q, t0)
	q.complete(a1, Throttled(10*time.Second, nil), t0)

	mustEnqueue(t, q, NewText(2, "b1"), NewText(2, "b2"))
	for _, want := range []string{"b1", "b2"} {
		it := mustDequeue(t, q, t0)
		if it.action.Payload.Text != want {
			t.Fatalf("got %s, want %s", it.action.Payload.Text, want)
		}
		q.complete(it, nil, t0)
	}

	it, wait := q.dequeue(t0.Add(time.Second))
	if it != nil || wait != 9*time.Second {
		t.Fatalf("paused recipient dequeue = %v, %v; want nil, 9s", it != nil, wait)
	}
	retried := mustDequeue(t, q, t0.Add(10*time.Second))
	if retried.action.Payload.Text != "a1" || retried.action.Attempts != 0 {
		t.Fatalf("after pause got %+v, want a1 with no attempts counted", retried.action)
	}
	if st := q.Stats(); st.Throttled != 1 || st.Sent != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestQueuePermanentFailureDroppedOnce(t *testing.T) {
	var drops []Action
	q := newTestQueue(Options{OnDrop: func(a Action, _ error) { drops = append(drops, a) }})
	mustEnqueue(t, q, NewText(1, "hello"), NewText(1, "second"))

	it := mustDequeue(t, q, t0)
	q.complete(it, Permanent(errors.New("Forbidden: bot was blocked by the user")), t0)

	if len(drops) != 1 || drops[0].Payload.Text != "hello" {
		t.Fatalf("drops = %+v, want hello once", drops)
	}
	next := mustDequeue(t, q, t0.Add(time.Second))
	if next.action.Payload.Text != "second" {
		t.Fatalf("next = %s, want second", next.action.Payload.Text)
	}
	if st := q.Stats(); st.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestQueueTransientRetriesThenDrops(t *testing.T) {
	var drops int
	q := newTestQueue(Options{
		MaxAttempts:        3,
		RetryBackoff:       time.Second,
		RecipientPerSecond: 100,
		RecipientBurst:     10,
		OnDrop:             func(Action, error) { drops++ },
	})
	mustEnqueue(t, q, NewText(1, "x"))
	boom := errors.New("connection reset")

	now := t0
	for attempt := 1; attempt <= 3; attempt++ {
		it, wait := q.dequeue(now)
		if it == nil {
			now = now.Add(wait)
			it = mustDequeue(t, q, now)
		}
		q.complete(it, boom, now)
	}
	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
	if st := q.Stats(); st.Retried != 2 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want 2 retries and empty queue", st)
	}
}

func TestQueuePriorityWithinRecipient(t *testing.T) {
	q := newTestQueue(Options{RecipientPerSecond: 100, RecipientBurst: 10})
	mustEnqueue(t, q,
		NewText(1, "n1"),
		NewText(1, "low").WithPriority(PriorityLow),
		NewText(1, "n2"),
		NewText(1, "high").WithPriority(PriorityHigh),
	)
	var got []string
	for i := 0; i < 4; i++ {
		it := mustDequeue(t, q, t0)
		got = append(got, it.action.Payload.Text)
		q.complete(it, nil, t0)
	}
	want := []string{"high", "n1", "n2", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestQueueOneInFlightPerRecipient(t *testing.T) {
	q := newTestQueue(Options{RecipientPerSecond: 100, RecipientBurst: 10})
	mustEnqueue(t, q, NewText(1, "a1"), NewText(1, "a2"))
	_ = mustDequeue(t, q, t0)
	if it, wait := q.dequeue(t0); it != nil || wait != 0 {
		t.Fatalf("second send to same recipient while first in flight: %v, %v", it != nil, wait)
	}
}

func TestQueueEnqueueLimits(t *testing.T) {
	q := newTestQueue(Options{QueueSize: 2})
	if err := q.Enqueue(context.Background(), NewText(1, "a"), NewText(1, "b"), NewText(1, "c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() = %v, want ErrQueueFull", err)
	}
	if st := q.Stats(); st.Pending != 0 {
		t.Fatalf("Pending = %d, want 0 after rejected batch", st.Pending)
	}
	if err := q.Enqueue(context.Background(), Action{Payload: Payload{Kind: KindText}}); err == nil {
		t.Fatal("expected error for missing recipient")
	}
	q.Close()
	if err := q.Enqueue(context.Background(), NewText(1, "a")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue() = %v, want ErrQueueClosed", err)
	}
}

func TestQueueRunDeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got = make(map[int64][]string)
		wg  sync.WaitGroup
	)
	wg.Add(6)
	d := DelivererFunc(func(_ context.Context, a Action) error {
		mu.Lock()
		got[a.Recipient] = append(got[a.Recipient], a.Payload.Text)
		mu.Unlock()
		wg.Done()
		return nil
	})
	q := NewQueue(d, Options{GlobalPerSecond: 1000, GlobalBurst: 100, RecipientPerSecond: 1000, RecipientBurst: 100})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	mustEnqueue(t, q, NewText(1, "1"), NewText(2, "1"), NewText(1, "2"))
	mustEnqueue(t, q, NewText(2, "2"), NewText(1, "3"), NewText(2, "3"))

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, r := range []int64{1, 2} {
		if seq := got[r]; len(seq) != 3 || seq[0] != "1" || seq[1] != "2" || seq[2] != "3" {
			t.Fatalf("recipient %d order = %v", r, seq)
		}
	}
}

func TestRedactToken(t *testing.T) {
	msg := `Post "https://api.telegram.org/bot123456:AAE-x_y/sendMessage": EOF`
	if got := RedactToken(msg); got != `Post "https://api.telegram.org/bot<redacted>/sendMessage": EOF` {
		t.Fatalf("RedactToken = %q", got)
	}
}
