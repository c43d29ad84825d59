package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/m3rciful/convobot/core/commands"
)

// PanicError carries a recovered handler panic. Stack is for logs only and
// must never reach an end user.
type PanicError struct {
	Handler string
	Value   any
	Stack   []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}

// Recover turns panics in downstream handlers into a *PanicError. Actions
// collected before the panic are discarded.
func Recover(next commands.HandlerFunc) commands.HandlerFunc {
	return func(c *commands.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				c.Discard()
				err = &PanicError{Handler: c.Command(), Value: r, Stack: debug.Stack()}
			}
		}()
		return next(c)
	}
}
