// Package dedup filters updates that were already processed.
//
// Seen has no side effects. Record is called only after an update was handled
// successfully, so a crash between the two leads to reprocessing rather than loss.
package dedup

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
)

// Deduplicator tracks processed update ids per bot.
type Deduplicator interface {
	Seen(ctx context.Context, botID, updateID int64) (bool, error)
	Record(ctx context.Context, botID, updateID int64) error
}

// Mode selects how processed ids are remembered.
type Mode string

const (
	// ModeWindow keeps a bounded set of recent ids and tolerates reordering.
	ModeWindow Mode = "window"
	// ModeWatermark keeps only the highest processed id. Any id at or below it is seen.
	ModeWatermark Mode = "watermark"
)

// DefaultWindow is the number of ids kept per bot in window mode.
const DefaultWindow = 1024

// ParseMode maps a config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeWindow:
		return ModeWindow, nil
	case ModeWatermark:
		return ModeWatermark, nil
	}
	return "", fmt.Errorf("dedup: unknown mode %q", s)
}

// Memory is an in-process Deduplicator.
type Memory struct {
	mu     sync.Mutex
	mode   Mode
	window int
	bots   map[int64]*botWindow
}

type botWindow struct {
	// floor is the largest id evicted from the set; ids at or below it count as seen.
	floor int64
	ids   map[int64]struct{}
	order idHeap
}

// NewMemory returns an in-process deduplicator. window is ignored in watermark mode.
func NewMemory(mode Mode, window int) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	if mode == "" {
		mode = ModeWindow
	}
	return &Memory{mode: mode, window: window, bots: make(map[int64]*botWindow)}
}

func (m *Memory) bot(botID int64) *botWindow {
	b, ok := m.bots[botID]
	if !ok {
		b = &botWindow{floor: -1, ids: make(map[int64]struct{})}
		m.bots[botID] = b
	}
	return b
}

// Seen reports whether updateID was already recorded for botID.
func (m *Memory) Seen(_ context.Context, botID, updateID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return false, nil
	}
	if updateID <= b.floor {
		return true, nil
	}
	_, seen := b.ids[updateID]
	return seen, nil
}

// Record marks updateID as processed.
func (m *Memory) Record(_ context.Context, botID, updateID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bot(botID)

	if m.mode == ModeWatermark {
		b.floor = max(b.floor, updateID)
		return nil
	}
	if updateID <= b.floor {
		return nil
	}
	if _, ok := b.ids[updateID]; ok {
		return nil
	}
	b.ids[updateID] = struct{}{}
	heap.Push(&b.order, updateID)
	for len(b.ids) > m.window {
		oldest := heap.Pop(&b.order).(int64)
		delete(b.ids, oldest)
		b.floor = max(b.floor, oldest)
	}
	return nil
}

// Tracked returns the number of ids held in memory across all bots.
func (m *Memory) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bots {
		n += len(b.ids)
	}
	return n
}

// idHeap is a min-heap so eviction always drops the smallest id.
type idHeap []int64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
