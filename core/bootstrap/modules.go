package bootstrap

import "github.com/m3rciful/convobot/core/conversation"

// Module contributes commands, wizards, and callbacks to the engine.
type Module interface {
	Register(engine *conversation.Engine) error
}

// ModuleFunc adapts a bare function to the Module interface.
type ModuleFunc func(engine *conversation.Engine) error

// Register executes the underlying function.
func (f ModuleFunc) Register(engine *conversation.Engine) error {
	return f(engine)
}
