package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/conversation"
	"github.com/m3rciful/convobot/core/dedup"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/update"
)

type harness struct {
	d      *Dispatcher
	dd     *dedup.Memory
	store  *session.MemoryStore
	reg    *registry.Registry
	engine *conversation.Engine
	orders atomic.Int32
}

func newHarness(t *testing.T, store session.Store) *harness {
	t.Helper()
	h := &harness{
		dd:    dedup.NewMemory(dedup.ModeWindow, 16),
		store: session.NewMemoryStore(time.Hour),
		reg:   registry.New(nil),
	}
	if store == nil {
		store = h.store
	}
	h.engine = conversation.NewEngine(store, h.reg, conversation.Options{})
	err := h.engine.RegisterWizard(conversation.Wizard{
		Name: "order",
		Steps: []conversation.Step{
			{Name: "awaiting_product", Field: "product", Prompt: conversation.Text("What product?"),
				Validate: func(in string, _ session.Fields) conversation.Result { return conversation.Accept(in) }},
			{Name: "awaiting_quantity", Field: "quantity", Prompt: conversation.Text("How many?"),
				Validate: func(in string, _ session.Fields) conversation.Result {
					n, err := strconv.Atoi(in)
					if err != nil || n <= 0 {
						return conversation.Reject("Quantity must be a positive whole number.")
					}
					return conversation.Accept(n)
				}},
		},
		OnComplete: func(c *commands.Context, data session.Fields) error {
			h.orders.Add(1)
			n, _ := data.Int("quantity")
			c.Reply(fmt.Sprintf("Order placed: %d x %s", n, data.String("product")))
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register wizard: %v", err)
	}
	h.reg.MustRegister(
		commands.Command{Name: "order", Wizard: "order", Description: "Place an order"},
		commands.Command{Name: "crash", Handler: func(*commands.Context) error { panic("kaboom") }},
		commands.Command{Name: "fail", Handler: func(c *commands.Context) error {
			c.Reply("partial")
			return errors.New("downstream failed")
		}},
	)
	if err := h.reg.RegisterCallback("pick", func(c *commands.Context) error {
		c.Reply("picked " + c.Payload())
		return nil
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	h.d = New(h.dd, h.engine, Options{})
	return h
}

func message(id int64, text string) *update.Update {
	return &update.Update{
		ID:    id,
		BotID: 1,
		Kind:  update.KindMessage,
		From:  &update.User{ID: 7},
		Chat:  &update.Chat{ID: 7, Type: update.ChatPrivate},
		Text:  text,
	}
}

func texts(acts []outbound.Action) []string {
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		if a.Payload.Kind == outbound.KindText {
			out = append(out, a.Payload.Text)
		}
	}
	return out
}

func (h *harness) handle(t *testing.T, upd *update.Update) []outbound.Action {
	t.Helper()
	acts, err := h.d.Handle(context.Background(), upd)
	if err != nil {
		t.Fatalf("Handle(%d): %v", upd.ID, err)
	}
	return acts
}

func TestOrderFlowThroughDispatcher(t *testing.T) {
	h := newHarness(t, nil)
	steps := []struct {
		text string
		want string
	}{
		{"/order", "What product?"},
		{"Widget", "How many?"},
		{"abc", "Quantity must be a positive whole number."},
		{"3", "Order placed: 3 x Widget"},
	}
	for i, s := range steps {
		got := texts(h.handle(t, message(int64(100+i), s.text)))
		if len(got) != 1 || got[0] != s.want {
			t.Fatalf("%q: replies = %v, want [%q]", s.text, got, s.want)
		}
	}
	if h.orders.Load() != 1 {
		t.Fatalf("orders = %d, want 1", h.orders.Load())
	}
	if st := h.d.Stats(); st.Handled != 4 {
		t.Fatalf("Stats().Handled = %d, want 4", st.Handled)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, message(1, "/order"))
	h.handle(t, message(2, "Widget"))

	before, _ := h.store.Get(context.Background(), session.Key{BotID: 1, UserID: 7})
	if acts := h.handle(t, message(2, "Widget")); len(acts) != 0 {
		t.Fatalf("duplicate produced %d actions", len(acts))
	}
	after, _ := h.store.Get(context.Background(), session.Key{BotID: 1, UserID: 7})
	if after.Version != before.Version || after.State != before.State {
		t.Fatalf("duplicate changed session: %+v -> %+v", before, after)
	}
	if st := h.d.Stats(); st.Duplicates != 1 {
		t.Fatalf("Stats().Duplicates = %d, want 1", st.Duplicates)
	}
}

func TestPanicYieldsGenericReplyAndIsNotRecorded(t *testing.T) {
	h := newHarness(t, nil)
	acts, err := h.d.Handle(context.Background(), message(5, "/crash"))
	if err != nil {
		t.Fatalf("Handle() error = %v, want nil", err)
	}
	if got := texts(acts); len(got) != 1 || got[0] != DefaultGenericErrorText {
		t.Fatalf("replies = %v, want generic error", got)
	}
	if acts[0].Priority != outbound.PriorityHigh {
		t.Fatalf("generic reply priority = %v, want high", acts[0].Priority)
	}
	if seen, _ := h.dd.Seen(context.Background(), 1, 5); seen {
		t.Fatal("panicking update must not be recorded")
	}
	if st := h.d.Stats(); st.Panics != 1 || st.Failed != 1 {
		t.Fatalf("Stats() = %+v, want one panic", st)
	}
	// Redelivery is handled again rather than skipped.
	if got := texts(h.handle(t, message(5, "/crash"))); len(got) != 1 {
		t.Fatalf("redelivery replies = %v", got)
	}
}

func TestHandlerErrorDiscardsPartialActions(t *testing.T) {
	h := newHarness(t, nil)
	got := texts(h.handle(t, message(9, "/fail")))
	if len(got) != 1 || got[0] != DefaultGenericErrorText {
		t.Fatalf("replies = %v, want only the generic error", got)
	}
}

type alwaysConflict struct{ *session.MemoryStore }

func (alwaysConflict) Put(context.Context, session.Key, *session.Session, int64) error {
	return session.ErrConflict
}

func TestConflictRetriesAreBounded(t *testing.T) {
	h := newHarness(t, alwaysConflict{session.NewMemoryStore(time.Hour)})
	acts, err := h.d.Handle(context.Background(), message(1, "/order"))
	if !errors.Is(err, ErrConflictExhausted) || !errors.Is(err, session.ErrStorageUnavailable) {
		t.Fatalf("Handle() error = %v, want ErrConflictExhausted", err)
	}
	if acts != nil {
		t.Fatalf("actions = %v, want none", acts)
	}
	if st := h.d.Stats(); st.ConflictRetries != 3 {
		t.Fatalf("ConflictRetries = %d, want 3", st.ConflictRetries)
	}
	if seen, _ := h.dd.Seen(context.Background(), 1, 1); seen {
		t.Fatal("exhausted update must not be recorded")
	}
}

type flakyStore struct {
	*session.MemoryStore
	left atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, key session.Key, sess *session.Session, expected int64) error {
	if s.left.Add(-1) >= 0 {
		return session.ErrConflict
	}
	return s.MemoryStore.Put(ctx, key, sess, expected)
}

func TestConflictRetrySucceeds(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore(time.Hour)}
	store.left.Store(2)
	h := newHarness(t, store)
	if got := texts(h.handle(t, message(1, "/order"))); len(got) != 1 || got[0] != "What product?" {
		t.Fatalf("replies = %v", got)
	}
}

type brokenDedup struct{}

func (brokenDedup) Seen(context.Context, int64, int64) (bool, error) {
	return false, errors.New("connection reset")
}
func (brokenDedup) Record(context.Context, int64, int64) error { return nil }

func TestDedupFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	d := New(brokenDedup{}, h.engine, Options{})
	if _, err := d.Handle(context.Background(), message(1, "/order")); !errors.Is(err, session.ErrStorageUnavailable) {
		t.Fatalf("Handle() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestIgnoredKindsAreRecorded(t *testing.T) {
	h := newHarness(t, nil)
	upd := message(3, "edited")
	upd.Kind = update.KindEditedMessage
	if acts := h.handle(t, upd); len(acts) != 0 {
		t.Fatalf("edited message produced %v", acts)
	}
	if seen, _ := h.dd.Seen(context.Background(), 1, 3); !seen {
		t.Fatal("ignored update should be recorded")
	}

	anon := &update.Update{ID: 4, BotID: 1, Kind: update.KindMessage, Text: "/order"}
	if acts := h.handle(t, anon); len(acts) != 0 {
		t.Fatalf("update without sender produced %v", acts)
	}
	if st := h.d.Stats(); st.Ignored != 2 {
		t.Fatalf("Ignored = %d, want 2", st.Ignored)
	}
}

func TestCallbackQuery(t *testing.T) {
	h := newHarness(t, nil)
	upd := &update.Update{
		ID:           11,
		BotID:        1,
		Kind:         update.KindCallbackQuery,
		From:         &update.User{ID: 7},
		Chat:         &update.Chat{ID: 7, Type: update.ChatPrivate},
		CallbackID:   "cb-1",
		CallbackData: "pick|blue",
	}
	acts := h.handle(t, upd)
	if len(acts) != 2 {
		t.Fatalf("actions = %+v, want reply and answer", acts)
	}
	if acts[0].Payload.Text != "picked blue" {
		t.Fatalf("reply = %q", acts[0].Payload.Text)
	}
	if acts[1].Payload.Kind != outbound.KindCallbackAnswer || acts[1].Payload.CallbackID != "cb-1" {
		t.Fatalf("answer = %+v", acts[1].Payload)
	}

	upd.ID, upd.CallbackData = 12, "unknown|x"
	acts = h.handle(t, upd)
	if len(acts) != 1 || acts[0].Payload.Kind != outbound.KindCallbackAnswer {
		t.Fatalf("unknown callback actions = %+v", acts)
	}
}
