package telegram

import (
	"context"
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/registry"
)

type commandSetter interface {
	SetCommands(opts ...interface{}) error
}

// MenuScopes groups non-hidden commands by scope. Every non-default scope
// also lists the default commands it does not override, since Telegram shows
// only the most specific scope's menu.
func MenuScopes(reg *registry.Registry) map[commands.Scope][]tele.Command {
	byScope := make(map[commands.Scope][]commands.Command)
	for _, cmd := range reg.ListCommands(false) {
		if cmd.Hidden {
			continue
		}
		s := cmd.Scope.Normalized()
		byScope[s] = append(byScope[s], cmd)
	}
	global := byScope[commands.Global()]

	out := make(map[commands.Scope][]tele.Command, len(byScope))
	for scope, cmds := range byScope {
		names := make(map[string]struct{}, len(cmds))
		list := make([]tele.Command, 0, len(cmds)+len(global))
		for _, c := range cmds {
			names[c.Name] = struct{}{}
			list = append(list, tele.Command{Text: c.Name, Description: describe(c)})
		}
		if scope != commands.Global() {
			for _, c := range global {
				if _, dup := names[c.Name]; !dup {
					list = append(list, tele.Command{Text: c.Name, Description: describe(c)})
				}
			}
		}
		out[scope] = list
	}
	return out
}

func describe(c commands.Command) string {
	if c.Description != "" {
		return c.Description
	}
	return c.Name
}

// PublishCommands pushes the command menus to Telegram. Failures are logged.
func PublishCommands(ctx context.Context, bot commandSetter, reg *registry.Registry) {
	for scope, list := range MenuScopes(reg) {
		ts := tele.CommandScope{Type: string(scope.Kind), ChatID: scope.ChatID, UserID: scope.UserID}
		err := bot.SetCommands(list, ts)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Event(ctx, "tg", level, "commands.publish",
			slog.String("status", logger.Status(err)),
			slog.String("scope", scope.String()),
			slog.Int("commands", len(list)),
			logger.Err(err),
		)
	}
}
