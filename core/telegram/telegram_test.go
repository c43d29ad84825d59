package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/registry"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/update"
)

func TestFromTelebotMessage(t *testing.T) {
	u := &tele.Update{ID: 5, Message: &tele.Message{
		ID:       9,
		Sender:   &tele.User{ID: 7, Username: "ann"},
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Text:     "/order",
		Unixtime: 1_700_000_000,
	}}
	got := FromTelebot(42, "ShopBot", u)
	if got.ID != 5 || got.BotID != 42 || got.BotUsername != "ShopBot" || got.Kind != update.KindMessage {
		t.Fatalf("FromTelebot = %+v", got)
	}
	if got.UserID() != 7 || got.ChatID() != -100 || !got.IsGroup() || got.Text != "/order" {
		t.Fatalf("FromTelebot identity = %+v", got)
	}
	if got.Date.Unix() != 1_700_000_000 {
		t.Fatalf("Date = %v", got.Date)
	}
}

func TestFromTelebotCallbackAndUnknown(t *testing.T) {
	u := &tele.Update{ID: 6, Callback: &tele.Callback{
		ID:      "cb",
		Sender:  &tele.User{ID: 7},
		Data:    "pick|blue",
		Message: &tele.Message{ID: 3, Chat: &tele.Chat{ID: 7, Type: tele.ChatPrivate}},
	}}
	got := FromTelebot(1, "", u)
	if got.Kind != update.KindCallbackQuery || got.CallbackID != "cb" || got.CallbackData != "pick|blue" || got.ChatID() != 7 {
		t.Fatalf("callback = %+v", got)
	}

	got = FromTelebot(1, "", &tele.Update{ID: 8})
	if got.Kind != update.KindUnknown || got.HasSender() {
		t.Fatalf("empty update = %+v", got)
	}
}

func TestClassify(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}

	var te *outbound.ThrottledError
	if err := classify(tele.FloodError{RetryAfter: 7}); !errors.As(err, &te) || te.RetryAfter != 7*time.Second {
		t.Fatal("flood error should become a 7s throttle")
	}
	if err := classify(fmt.Errorf("telegram: Too Many Requests (429)")); !errors.As(err, &te) || te.RetryAfter != time.Second {
		t.Fatal("bare 429 should become a 1s throttle")
	}

	permanent := []error{
		&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"},
		fmt.Errorf("telegram: Bad Request: chat not found (400)"),
	}
	for _, in := range permanent {
		if err := classify(in); !errors.Is(err, outbound.ErrPermanent) {
			t.Errorf("classify(%v) = %v, want permanent", in, err)
		}
	}

	dial := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := classify(dial)
	if errors.Is(err, outbound.ErrPermanent) || errors.As(err, &te) {
		t.Fatalf("classify(dial) = %v, want transient", err)
	}
	if !shouldRetry(dial) {
		t.Fatal("dial errors should be retried by the transport")
	}
}

type fakeAPI struct {
	mu       sync.Mutex
	sent     []string
	markup   *tele.ReplyMarkup
	answered []string
	err      error
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, to.Recipient()+":"+what.(string))
	if len(opts) > 0 {
		if so, ok := opts[0].(*tele.SendOptions); ok {
			f.markup = so.ReplyMarkup
		}
	}
	return &tele.Message{}, nil
}

func (f *fakeAPI) Respond(c *tele.Callback, resp ...*tele.CallbackResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	text := ""
	if len(resp) > 0 {
		text = resp[0].Text
	}
	f.answered = append(f.answered, c.ID+":"+text)
	return f.err
}

func TestDelivererSendsPayloads(t *testing.T) {
	api := &fakeAPI{}
	d := &Deliverer{api: api}
	ctx := context.Background()

	msg := outbound.NewText(42, "Pick one").WithKeyboard([]outbound.Button{{Text: "Blue", Data: "pick|blue"}})
	if err := d.Deliver(ctx, msg); err != nil {
		t.Fatalf("deliver text: %v", err)
	}
	if err := d.Deliver(ctx, outbound.NewCallbackAnswer(42, "cb-1", "ok")); err != nil {
		t.Fatalf("deliver answer: %v", err)
	}
	if len(api.sent) != 1 || api.sent[0] != "42:Pick one" {
		t.Fatalf("sent = %v", api.sent)
	}
	if api.markup == nil || api.markup.InlineKeyboard[0][0].Data != "pick|blue" {
		t.Fatalf("markup = %+v", api.markup)
	}
	if len(api.answered) != 1 || api.answered[0] != "cb-1:ok" {
		t.Fatalf("answered = %v", api.answered)
	}

	api.err = &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	if err := d.Deliver(ctx, outbound.NewText(42, "x")); !errors.Is(err, outbound.ErrPermanent) {
		t.Fatalf("blocked deliver = %v, want permanent", err)
	}
}

type fakeAdmins struct {
	calls int
	ids   []int64
}

func (f *fakeAdmins) AdminsOf(chat *tele.Chat) ([]tele.ChatMember, error) {
	f.calls++
	out := make([]tele.ChatMember, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, tele.ChatMember{User: &tele.User{ID: id}})
	}
	return out, nil
}

func TestAdminsCachesChatAdministrators(t *testing.T) {
	api := &fakeAdmins{ids: []int64{5}}
	a := NewAdmins(api, []int64{99}, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := a.IsAdmin(ctx, -100, 99); !ok {
		t.Fatal("owner should be admin everywhere")
	}
	if ok, _ := a.IsAdmin(ctx, 7, 7); ok {
		t.Fatal("private chat user is not an admin")
	}
	if ok, err := a.IsAdmin(ctx, -100, 5); !ok || err != nil {
		t.Fatalf("IsAdmin(5) = %v, %v", ok, err)
	}
	if ok, _ := a.IsAdmin(ctx, -100, 6); ok {
		t.Fatal("non-admin reported as admin")
	}
	if api.calls != 1 {
		t.Fatalf("AdminsOf calls = %d, want 1 (cached)", api.calls)
	}
	now = now.Add(2 * time.Minute)
	a.IsAdmin(ctx, -100, 5)
	if api.calls != 2 {
		t.Fatalf("AdminsOf calls = %d, want refresh after ttl", api.calls)
	}
}

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) Handle(_ context.Context, upd *update.Update) ([]outbound.Action, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return nil, err
	}
	return []outbound.Action{outbound.NewText(upd.ChatID(), "ok")}, nil
}

type sink struct {
	mu      sync.Mutex
	actions []outbound.Action
}

func (s *sink) Enqueue(_ context.Context, actions ...outbound.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, actions...)
	return nil
}

func TestIntakeRetriesUnavailableStorage(t *testing.T) {
	h := &scriptedHandler{errs: []error{session.Unavailable("get", errors.New("down"))}}
	out := &sink{}
	in := NewIntake(context.Background(), h, out, IntakeOptions{Retries: 2, Backoff: time.Millisecond})
	in.SetBot(1, "ShopBot")

	in.Filter(&tele.Update{ID: 1, Message: &tele.Message{Sender: &tele.User{ID: 7}, Chat: &tele.Chat{ID: 7, Type: tele.ChatPrivate}, Text: "hi"}})
	in.Wait()

	if h.calls != 2 {
		t.Fatalf("handler calls = %d, want 2", h.calls)
	}
	if len(out.actions) != 1 || out.actions[0].Recipient != 7 {
		t.Fatalf("enqueued = %+v", out.actions)
	}
}

func TestIntakeGivesUpOnOtherErrors(t *testing.T) {
	h := &scriptedHandler{errs: []error{errors.New("boom")}}
	out := &sink{}
	in := NewIntake(context.Background(), h, out, IntakeOptions{Retries: 3, Backoff: time.Millisecond})
	in.Process(context.Background(), &update.Update{ID: 1, Kind: update.KindMessage, From: &update.User{ID: 7}})
	if h.calls != 1 || len(out.actions) != 0 {
		t.Fatalf("calls = %d, enqueued = %d", h.calls, len(out.actions))
	}
}

type gatedHandler struct {
	mu      sync.Mutex
	order   []string
	started chan string
	gate    chan struct{}
}

func (h *gatedHandler) Handle(_ context.Context, upd *update.Update) ([]outbound.Action, error) {
	h.started <- upd.Text
	if upd.Text == "first" {
		<-h.gate
	}
	h.mu.Lock()
	h.order = append(h.order, upd.Text)
	h.mu.Unlock()
	return nil, nil
}

func TestIntakeKeepsOrderPerSession(t *testing.T) {
	h := &gatedHandler{started: make(chan string, 8), gate: make(chan struct{})}
	in := NewIntake(context.Background(), h, &sink{}, IntakeOptions{MaxConcurrent: 8})
	in.SetBot(1, "ShopBot")
	msg := func(id int, user int64, text string) *tele.Update {
		return &tele.Update{ID: id, Message: &tele.Message{
			Sender: &tele.User{ID: user},
			Chat:   &tele.Chat{ID: user, Type: tele.ChatPrivate},
			Text:   text,
		}}
	}

	in.Filter(msg(1, 7, "first"))
	if got := <-h.started; got != "first" {
		t.Fatalf("started %q, want first", got)
	}
	in.Filter(msg(2, 7, "second"))
	in.Filter(msg(3, 8, "other"))

	if got := <-h.started; got != "other" {
		t.Fatalf("started %q while the same user's earlier update was running, want other", got)
	}
	close(h.gate)
	in.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	pos := make(map[string]int, len(h.order))
	for i, text := range h.order {
		pos[text] = i
	}
	if len(h.order) != 3 || pos["first"] > pos["second"] {
		t.Fatalf("order = %v, want first before second", h.order)
	}
	if len(in.lanes) != 0 {
		t.Fatalf("lanes left = %d", len(in.lanes))
	}
}

func TestMenuScopes(t *testing.T) {
	reg := registry.New(nil)
	noop := func(*commands.Context) error { return nil }
	reg.MustRegister(
		commands.Command{Name: "start", Description: "Start", Handler: noop},
		commands.Command{Name: "secret", Hidden: true, Handler: noop},
		commands.Command{Name: "status", Scope: commands.AdminOnly(), Description: "Status", Handler: noop},
	)
	menus := MenuScopes(reg)
	if got := menus[commands.Global()]; len(got) != 1 || got[0].Text != "start" {
		t.Fatalf("default menu = %+v", got)
	}
	admin := menus[commands.AdminOnly()]
	if len(admin) != 2 || admin[0].Text != "status" || admin[1].Text != "start" {
		t.Fatalf("admin menu = %+v", admin)
	}
	if len(menus) != 2 {
		t.Fatalf("scopes = %d, want 2", len(menus))
	}
}
