// Package orderflow is the example domain: a two-step order wizard, a
// feedback button, and an admin-only status command.
package orderflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/conversation"
	"github.com/m3rciful/convobot/core/keyboard"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/session"
	"github.com/m3rciful/convobot/core/telegram/format"
)

// Wizard states.
const (
	StateProduct  session.State = "awaiting_product"
	StateQuantity session.State = "awaiting_quantity"
)

const (
	maxProductLen = 64
	maxQuantity   = 1000
)

// Order is a completed order. ID is the id of the update that completed it.
type Order struct {
	ID       int64
	UserID   int64
	Product  string
	Quantity int
	Rating   string
}

// Book records completed orders in memory.
type Book struct {
	mu     sync.Mutex
	orders []Order
	byID   map[int64]int
}

// Add appends o unless an order with the same ID is already booked.
func (b *Book) Add(o Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byID == nil {
		b.byID = make(map[int64]int)
	}
	if _, dup := b.byID[o.ID]; dup {
		return false
	}
	b.byID[o.ID] = len(b.orders)
	b.orders = append(b.orders, o)
	return true
}

// Rate stores the feedback for order id. It reports false for unknown orders.
func (b *Book) Rate(id int64, rating string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.byID[id]
	if ok {
		b.orders[i].Rating = rating
	}
	return ok
}

// Orders returns a copy of all recorded orders.
func (b *Book) Orders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Order(nil), b.orders...)
}

// Module registers the order flow.
type Module struct {
	Book *Book
}

// New returns a module with an empty book.
func New() *Module { return &Module{Book: &Book{}} }

// Register implements bootstrap.Module.
func (m *Module) Register(e *conversation.Engine) error {
	if err := e.RegisterWizard(m.wizard()); err != nil {
		return err
	}
	reg := e.Registry()
	for _, cmd := range []commands.Command{
		{Name: "start", Description: "Introduction", Handler: start},
		{Name: "order", Description: "Place an order", Wizard: "order", Aliases: []string{"buy"}},
		{Name: "status", Description: "Order statistics", Scope: commands.AdminOnly(), Handler: m.status},
	} {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return reg.RegisterCallback("rate", m.rate)
}

func (m *Module) wizard() conversation.Wizard {
	return conversation.Wizard{
		Name: "order",
		Steps: []conversation.Step{
			{
				Name:     StateProduct,
				Field:    "product",
				Prompt:   conversation.Text("What product would you like?"),
				Validate: validateProduct,
			},
			{
				Name:  StateQuantity,
				Field: "quantity",
				Prompt: func(d session.Fields) string {
					return fmt.Sprintf("How many %s?", d.String("product"))
				},
				Validate: validateQuantity,
			},
		},
		OnComplete: m.complete,
	}
}

func validateProduct(in string, _ session.Fields) conversation.Result {
	in = strings.TrimSpace(in)
	switch {
	case in == "":
		return conversation.Reject("Product name cannot be empty.")
	case utf8.RuneCountInString(in) > maxProductLen:
		return conversation.Reject(fmt.Sprintf("Product name must be at most %d characters.", maxProductLen))
	}
	return conversation.Accept(in)
}

func validateQuantity(in string, _ session.Fields) conversation.Result {
	n, err := strconv.Atoi(strings.TrimSpace(in))
	if err != nil || n <= 0 {
		return conversation.Reject("Quantity must be a positive whole number.")
	}
	if n > maxQuantity {
		return conversation.Reject(fmt.Sprintf("Quantity must be at most %d.", maxQuantity))
	}
	return conversation.Accept(n)
}

func (m *Module) complete(c *commands.Context, data session.Fields) error {
	qty, ok := data.Int("quantity")
	if !ok {
		return fmt.Errorf("order for %q has no quantity", data.String("product"))
	}
	upd := c.Update()
	o := Order{ID: upd.ID, UserID: upd.UserID(), Product: data.String("product"), Quantity: int(qty)}
	c.AfterCommit(func(context.Context) error {
		m.Book.Add(o)
		return nil
	})

	id := strconv.FormatInt(o.ID, 10)
	c.Reply(fmt.Sprintf("Order placed: %d x %s", o.Quantity, o.Product))
	c.Send(outbound.NewText(c.Recipient(), "How was ordering?").
		WithPriority(outbound.PriorityLow).
		WithKeyboard(keyboard.Chunk([]outbound.Button{
			keyboard.Data("👍", "rate", "up", id),
			keyboard.Data("👎", "rate", "down", id),
		}, 2)...))
	return nil
}

func start(c *commands.Context) error {
	c.Reply("Hello! Send /order to place an order or /help to see what I can do.")
	return nil
}

// rate handles "rate|<up|down>|<order id>".
func (m *Module) rate(c *commands.Context) error {
	parts, err := c.PayloadParts("|")
	if err != nil || len(parts) != 2 {
		c.Answer("Unsupported action")
		return nil
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		c.Answer("Unsupported action")
		return nil
	}
	verdict := parts[0]
	switch verdict {
	case "up":
		c.Answer("Thanks!")
	case "down":
		c.Answer("Sorry to hear that.")
	default:
		c.Answer("Unsupported action")
		return nil
	}
	c.AfterCommit(func(context.Context) error {
		if !m.Book.Rate(id, verdict) {
			return fmt.Errorf("rate unknown order %d", id)
		}
		return nil
	})
	return nil
}

func (m *Module) status(c *commands.Context) error {
	orders := m.Book.Orders()
	total := 0
	for _, o := range orders {
		total += o.Quantity
	}
	text := fmt.Sprintf("*Orders:* %d\n*Items:* %d", len(orders), total)
	if n := len(orders); n > 0 {
		last := orders[n-1]
		text += "\n*Last:* " + format.Escape(fmt.Sprintf("%d x %s", last.Quantity, last.Product), format.ModeMarkdownV2)
	}
	c.Send(outbound.NewText(c.Recipient(), text).WithParseMode(format.ModeMarkdownV2))
	return nil
}
