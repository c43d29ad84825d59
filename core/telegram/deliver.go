package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/convobot/core/outbound"
)

// sender is the part of *tele.Bot the deliverer needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Respond(c *tele.Callback, resp ...*tele.CallbackResponse) error
}

// Deliverer performs outbound actions through the Bot API and maps its
// failures onto the queue's taxonomy.
type Deliverer struct {
	api sender
}

var _ outbound.Deliverer = (*Deliverer)(nil)

// NewDeliverer wraps a bot.
func NewDeliverer(bot *tele.Bot) *Deliverer {
	return &Deliverer{api: bot}
}

// Deliver sends a.
func (d *Deliverer) Deliver(ctx context.Context, a outbound.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	switch a.Payload.Kind {
	case outbound.KindText:
		opts := &tele.SendOptions{ParseMode: tele.ParseMode(a.Payload.ParseMode)}
		if len(a.Payload.Keyboard) > 0 {
			opts.ReplyMarkup = Markup(a.Payload.Keyboard)
		}
		_, err = d.api.Send(tele.ChatID(a.Recipient), a.Payload.Text, opts)
	case outbound.KindCallbackAnswer:
		err = d.api.Respond(&tele.Callback{ID: a.Payload.CallbackID}, &tele.CallbackResponse{
			Text:      a.Payload.Text,
			ShowAlert: a.Payload.ShowAlert,
		})
	default:
		return outbound.Permanent(fmt.Errorf("unsupported payload kind %q", a.Payload.Kind))
	}
	return classify(err)
}

// Markup renders keyboard rows as an inline keyboard.
func Markup(rows [][]outbound.Button) *tele.ReplyMarkup {
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		inline = append(inline, r)
	}
	return &tele.ReplyMarkup{InlineKeyboard: inline}
}

// classify maps a Bot API error: flood control becomes a throttle for the
// recipient, 400/403 are permanent, everything else is left transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return outbound.Throttled(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var migrated tele.GroupError
	if errors.As(err, &migrated) {
		return outbound.Permanent(err)
	}
	switch status := statusOf(err); {
	case status == http.StatusTooManyRequests:
		return outbound.Throttled(time.Second, err)
	case status == http.StatusForbidden, status == http.StatusBadRequest, status == http.StatusNotFound:
		return outbound.Permanent(err)
	}
	return err
}

// statusOf extracts the Bot API error code. Errors telebot does not know by
// description are formatted as "telegram: <description> (<code>)".
func statusOf(err error) int {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	msg := err.Error()
	open, end := strings.LastIndex(msg, "("), strings.LastIndex(msg, ")")
	if open < 0 || end <= open+1 {
		return 0
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(msg[open+1 : end]))
	if convErr != nil {
		return 0
	}
	return code
}
