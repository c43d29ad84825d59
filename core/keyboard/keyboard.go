// Package keyboard builds inline button layouts for outbound messages.
package keyboard

import (
	"github.com/m3rciful/convobot/core/commands"
	"github.com/m3rciful/convobot/core/outbound"
)

// Data returns a button whose press comes back as the callback key with parts as payload.
func Data(text, key string, parts ...string) outbound.Button {
	return outbound.Button{Text: text, Data: commands.CallbackData(key, parts...)}
}

// Column places each button on its own row.
func Column(buttons ...outbound.Button) [][]outbound.Button {
	rows := make([][]outbound.Button, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []outbound.Button{b})
	}
	return rows
}

// Chunk splits buttons into rows of at most n. n <= 1 behaves like Column.
func Chunk(buttons []outbound.Button, n int) [][]outbound.Button {
	if n <= 1 {
		return Column(buttons...)
	}
	rows := make([][]outbound.Button, 0, (len(buttons)+n-1)/n)
	for i := 0; i < len(buttons); i += n {
		end := min(i+n, len(buttons))
		rows = append(rows, buttons[i:end:end])
	}
	return rows
}
