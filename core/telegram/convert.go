package telegram

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/update"
)

// FromTelebot converts a raw telebot update into the transport-neutral form.
// botUsername is stamped on the result so commands for other bots can be told apart.
// Kinds the core does not route are returned with update.KindUnknown so they
// are still deduplicated and recorded.
func FromTelebot(botID int64, botUsername string, u *tele.Update) *update.Update {
	out := &update.Update{ID: int64(u.ID), BotID: botID, BotUsername: botUsername, Kind: update.KindUnknown}
	switch {
	case u.Message != nil:
		out.Kind = update.KindMessage
		fillMessage(out, u.Message)
	case u.EditedMessage != nil:
		out.Kind = update.KindEditedMessage
		fillMessage(out, u.EditedMessage)
	case u.Callback != nil:
		cb := u.Callback
		out.Kind = update.KindCallbackQuery
		out.From = convertUser(cb.Sender)
		out.CallbackID = cb.ID
		out.CallbackData = cb.Data
		if cb.Message != nil {
			out.Chat = convertChat(cb.Message.Chat)
			out.MessageID = cb.Message.ID
		}
	case u.Query != nil:
		out.Kind = update.KindInlineQuery
		out.From = convertUser(u.Query.Sender)
		out.Text = u.Query.Text
	case u.ChatMember != nil:
		out.Kind = update.KindChatMember
		out.From = convertUser(u.ChatMember.Sender)
		out.Chat = convertChat(u.ChatMember.Chat)
	}
	return out
}

func fillMessage(out *update.Update, m *tele.Message) {
	out.From = convertUser(m.Sender)
	out.Chat = convertChat(m.Chat)
	out.Text = m.Text
	out.MessageID = m.ID
	out.Date = m.Time()
}

func convertUser(u *tele.User) *update.User {
	if u == nil {
		return nil
	}
	return &update.User{
		ID:           u.ID,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

func convertChat(c *tele.Chat) *update.Chat {
	if c == nil {
		return nil
	}
	var t update.ChatType
	switch c.Type {
	case tele.ChatPrivate:
		t = update.ChatPrivate
	case tele.ChatGroup:
		t = update.ChatGroup
	case tele.ChatSuperGroup:
		t = update.ChatSupergroup
	default:
		t = update.ChatChannel
	}
	return &update.Chat{ID: c.ID, Type: t}
}
