package outbound

import (
	"time"

	"github.com/google/uuid"
)

// PayloadKind tells the deliverer which transport call to make.
type PayloadKind string

const (
	// KindText sends a chat message.
	KindText PayloadKind = "text"
	// KindCallbackAnswer acknowledges a button press.
	KindCallbackAnswer PayloadKind = "callback_answer"
)

// Button is an inline keyboard button. Data is the callback token sent back on press.
type Button struct {
	Text string
	Data string
}

// Payload is the transport-neutral content of an Action.
type Payload struct {
	Kind      PayloadKind
	Text      string
	ParseMode string
	// Keyboard rows attached to a text message.
	Keyboard   [][]Button
	CallbackID string
	ShowAlert  bool
}

// Priority orders eligible actions of one recipient; higher goes first.
type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// Action is a pending effect for one recipient. The queue works on its own
// copy, so a value handed to Enqueue is never changed afterwards.
type Action struct {
	ID        string
	Recipient int64
	Payload   Payload
	Priority  Priority
	// Attempts counts failed deliveries that were retried.
	Attempts int
	// NotBefore is the earliest time the action may be sent.
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// NewText builds a text message action.
func NewText(recipient int64, text string) Action {
	return Action{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Payload:   Payload{Kind: KindText, Text: text},
	}
}

// NewCallbackAnswer builds the acknowledgement of a button press.
func NewCallbackAnswer(recipient int64, callbackID, text string) Action {
	return Action{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Payload:   Payload{Kind: KindCallbackAnswer, CallbackID: callbackID, Text: text},
		Priority:  PriorityHigh,
	}
}

// WithKeyboard returns a copy of a carrying the given button rows.
func (a Action) WithKeyboard(rows ...[]Button) Action {
	a.Payload.Keyboard = rows
	return a
}

// WithParseMode returns a copy of a with the given text parse mode.
func (a Action) WithParseMode(mode string) Action {
	a.Payload.ParseMode = mode
	return a
}

// WithPriority returns a copy of a with priority p.
func (a Action) WithPriority(p Priority) Action {
	a.Priority = p
	return a
}
