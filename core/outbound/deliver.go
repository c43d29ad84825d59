// Package outbound sequences outbound actions per recipient and globally,
// enforcing two token-bucket budgets and the transport's retry-after signals.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueClosed is returned when enqueue is attempted after Close.
	ErrQueueClosed = errors.New("outbound: queue closed")
	// ErrQueueFull indicates the queue is saturated and nothing was accepted.
	ErrQueueFull = errors.New("outbound: queue full")
	// ErrPermanent marks failures that will not succeed on retry, such as a
	// recipient that blocked the bot.
	ErrPermanent = errors.New("outbound: permanent delivery failure")
)

// Deliverer speaks the wire protocol for one action.
type Deliverer interface {
	Deliver(ctx context.Context, a Action) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, a Action) error

func (f DelivererFunc) Deliver(ctx context.Context, a Action) error { return f(ctx, a) }

// ThrottledError is the transport asking to wait before the next send to the recipient.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("throttled, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// Throttled builds a *ThrottledError.
func Throttled(after time.Duration, cause error) error {
	return &ThrottledError{RetryAfter: after, Err: cause}
}

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeThrottled
	outcomePermanent
	outcomeRetry
	outcomeExhausted
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "ok"
	case outcomeThrottled:
		return "throttled"
	case outcomePermanent, outcomeExhausted:
		return "dropped"
	case outcomeRetry:
		return "retry"
	case outcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}
