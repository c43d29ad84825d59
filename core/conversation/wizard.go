// Package conversation drives multi-step flows ("wizards") on top of the
// session store and the command registry.
package conversation

import (
	"fmt"

	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/session"
)

// Result is the outcome of validating one input. A rejected input is a normal
// value, not an error: the engine re-prompts and leaves the session untouched.
type Result struct {
	Value   any
	Message string
	OK      bool
}

// Accept returns a successful Result carrying the transformed value.
func Accept(v any) Result { return Result{Value: v, OK: true} }

// Reject returns a failed Result whose message is shown to the user.
func Reject(msg string) Result { return Result{Message: msg} }

// Validator checks raw input against the data captured so far. It must be pure.
type Validator func(input string, data session.Fields) Result

// PromptFunc renders the question of a step.
type PromptFunc func(data session.Fields) string

// Text returns a PromptFunc that always yields s.
func Text(s string) PromptFunc {
	return func(session.Fields) string { return s }
}

// Step is one position of a wizard. Name doubles as the session state.
type Step struct {
	Name     session.State
	Field    string
	Prompt   PromptFunc
	Validate Validator
}

// CompleteFunc runs after the last step with a copy of the collected data.
// It may run again for the same input after a lost version race, so it only
// queues actions; lasting effects go through Context.AfterCommit.
type CompleteFunc func(c *commands.Context, data session.Fields) error

// Wizard is a named sequence of steps.
type Wizard struct {
	Name       string
	Steps      []Step
	OnComplete CompleteFunc
}

func (w *Wizard) validate() error {
	if w.Name == "" {
		return fmt.Errorf("wizard without name")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("wizard %s has no steps", w.Name)
	}
	fields := make(map[string]struct{}, len(w.Steps))
	for i, st := range w.Steps {
		if st.Name == "" || st.Name == session.StateIdle {
			return fmt.Errorf("wizard %s step %d: invalid name %q", w.Name, i, st.Name)
		}
		if st.Field == "" || st.Prompt == nil || st.Validate == nil {
			return fmt.Errorf("wizard %s step %s: incomplete step definition", w.Name, st.Name)
		}
		if _, dup := fields[st.Field]; dup {
			return fmt.Errorf("wizard %s: field %s captured twice", w.Name, st.Field)
		}
		fields[st.Field] = struct{}{}
	}
	return nil
}

type stepRef struct {
	wizard *Wizard
	index  int
}

func (r stepRef) step() Step { return r.wizard.Steps[r.index] }

func (r stepRef) last() bool { return r.index == len(r.wizard.Steps)-1 }
