package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/m3rciful/convobot/core/commands"
)

func handlerNamed(name string, calls *[]string) commands.HandlerFunc {
	return func(*commands.Context) error {
		*calls = append(*calls, name)
		return nil
	}
}

func staticAdmins(ids ...int64) AdminChecker {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return AdminCheckerFunc(func(_ context.Context, _, userID int64) (bool, error) {
		return set[userID], nil
	})
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(nil)
	var calls []string
	cmd := commands.Command{Name: "start", Handler: handlerNamed("a", &calls)}
	if err := r.Register(cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(cmd); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("Register() = %v, want ErrDuplicateCommand", err)
	}
	cmd.Scope = commands.PrivateChats()
	if err := r.Register(cmd); err != nil {
		t.Fatalf("same name in another scope: %v", err)
	}
}

func TestResolveMostSpecificFirst(t *testing.T) {
	r := New(nil)
	var calls []string
	r.MustRegister(
		commands.Command{Name: "report", Handler: handlerNamed("default", &calls)},
		commands.Command{Name: "report", Scope: commands.GroupChats(), Handler: handlerNamed("groups", &calls)},
		commands.Command{Name: "report", Scope: commands.InChat(-100), Handler: handlerNamed("chat", &calls)},
	)
	ctx := context.Background()

	cases := []struct {
		target Target
		want   string
	}{
		{Target{ChatID: -100, UserID: 1, Group: true}, "chat"},
		{Target{ChatID: -200, UserID: 1, Group: true}, "groups"},
		{Target{ChatID: 1, UserID: 1, Private: true}, "default"},
	}
	for _, tc := range cases {
		cmd, err := r.Resolve(ctx, "/report", tc.target)
		if err != nil {
			t.Fatalf("Resolve(%+v): %v", tc.target, err)
		}
		calls = nil
		_ = cmd.Handler(nil)
		if len(calls) != 1 || calls[0] != tc.want {
			t.Errorf("Resolve(%+v) ran %v, want %s", tc.target, calls, tc.want)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New(nil)
	if _, err := r.Resolve(context.Background(), "nope", Target{ChatID: 1, UserID: 1, Private: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() = %v, want ErrNotFound", err)
	}
}

func TestResolveForbiddenDoesNotFallThrough(t *testing.T) {
	r := New(staticAdmins(42))
	var calls []string
	r.MustRegister(
		commands.Command{Name: "ban", Handler: handlerNamed("default", &calls)},
		commands.Command{Name: "ban", Scope: commands.ChatAdmins(-100), Handler: handlerNamed("admins", &calls)},
	)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "ban", Target{ChatID: -100, UserID: 7, Group: true})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin Resolve() = %v, want ErrForbidden", err)
	}

	cmd, err := r.Resolve(ctx, "ban", Target{ChatID: -100, UserID: 42, Group: true})
	if err != nil {
		t.Fatalf("admin Resolve(): %v", err)
	}
	_ = cmd.Handler(nil)
	if len(calls) != 1 || calls[0] != "admins" {
		t.Fatalf("admin ran %v, want admins", calls)
	}

	if _, err := r.Resolve(ctx, "ban", Target{ChatID: -300, UserID: 7, Group: true}); err != nil {
		t.Fatalf("other chat should use default: %v", err)
	}
}

func TestResolveAdminCheckErrorIsForbidden(t *testing.T) {
	boom := errors.New("membership service down")
	r := New(AdminCheckerFunc(func(context.Context, int64, int64) (bool, error) { return false, boom }))
	var calls []string
	r.MustRegister(commands.Command{Name: "status", Scope: commands.AdminOnly(), Handler: handlerNamed("s", &calls)})
	_, err := r.Resolve(context.Background(), "status", Target{ChatID: 1, UserID: 1, Private: true})
	if !errors.Is(err, ErrForbidden) || !errors.Is(err, boom) {
		t.Fatalf("Resolve() = %v, want ErrForbidden wrapping cause", err)
	}
}

func TestResolveAlias(t *testing.T) {
	r := New(nil)
	var calls []string
	r.MustRegister(commands.Command{Name: "order", Aliases: []string{"buy"}, Handler: handlerNamed("order", &calls)})
	cmd, err := r.Resolve(context.Background(), "/buy@shop_bot", Target{ChatID: 1, UserID: 1, Private: true})
	if err != nil || cmd.Name != "order" {
		t.Fatalf("Resolve(alias) = %v, %v", cmd.Name, err)
	}
	err = r.Register(commands.Command{Name: "purchase", Aliases: []string{"buy"}, Handler: handlerNamed("p", &calls)})
	if !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("alias collision = %v, want ErrDuplicateCommand", err)
	}
}

func TestHelpTextSkipsHiddenAndAdmin(t *testing.T) {
	r := New(nil)
	var calls []string
	r.MustRegister(
		commands.Command{Name: "start", Description: "Start", Handler: handlerNamed("s", &calls)},
		commands.Command{Name: "order", Description: "Place an order", Handler: handlerNamed("o", &calls)},
		commands.Command{Name: "debug", Hidden: true, Handler: handlerNamed("d", &calls)},
		commands.Command{Name: "status", Scope: commands.AdminOnly(), Handler: handlerNamed("st", &calls)},
	)
	want := "/order - Place an order\n/start - Start"
	if got := r.HelpText(); got != want {
		t.Fatalf("HelpText() = %q, want %q", got, want)
	}
}

func TestResolveCallback(t *testing.T) {
	r := New(nil)
	var calls []string
	if err := r.RegisterCallback("confirm", handlerNamed("confirm", &calls)); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	if err := r.RegisterCallback("confirm", handlerNamed("x", &calls)); !errors.Is(err, ErrDuplicateCallback) {
		t.Fatalf("duplicate callback = %v", err)
	}
	h, key, payload, ok := r.ResolveCallback("\fconfirm|42|7")
	if !ok || key != "confirm" || payload != "42|7" || h == nil {
		t.Fatalf("ResolveCallback = %v %q %q %v", h != nil, key, payload, ok)
	}
	h, _, _, ok = r.ResolveCallback("missing")
	if ok || h == nil {
		t.Fatal("unknown callback should return the not-found handler")
	}
	if err := r.RegisterCallback("about", handlerNamed("about", &calls)); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	if got := r.ListCallbacks(); len(got) != 2 || got[0] != "about" || got[1] != "confirm" {
		t.Fatalf("ListCallbacks() = %v", got)
	}
}
