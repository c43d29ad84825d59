package dedup

import (
	"context"
	"testing"
)

func TestMemoryWindowSeenAfterRecord(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(ModeWindow, 4)
	if seen, _ := d.Seen(ctx, 1, 100); seen {
		t.Fatal("fresh id reported as seen")
	}
	if err := d.Record(ctx, 1, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if seen, _ := d.Seen(ctx, 1, 100); !seen {
		t.Fatal("recorded id not seen")
	}
	if seen, _ := d.Seen(ctx, 2, 100); seen {
		t.Fatal("ids must be tracked per bot")
	}
}

func TestMemoryWindowToleratesReordering(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(ModeWindow, 8)
	_ = d.Record(ctx, 1, 10)
	_ = d.Record(ctx, 1, 12)
	if seen, _ := d.Seen(ctx, 1, 11); seen {
		t.Fatal("late id 11 must still be processable")
	}
}

func TestMemoryWindowEvictsSmallest(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(ModeWindow, 3)
	for _, id := range []int64{5, 3, 9, 7} {
		_ = d.Record(ctx, 1, id)
	}
	if got := d.Tracked(); got != 3 {
		t.Fatalf("Tracked() = %d, want 3", got)
	}
	for _, id := range []int64{1, 3, 5, 7, 9} {
		if seen, _ := d.Seen(ctx, 1, id); !seen {
			t.Errorf("Seen(%d) = false, want true", id)
		}
	}
	if seen, _ := d.Seen(ctx, 1, 6); seen {
		t.Error("Seen(6) = true, want false")
	}
}

func TestMemoryWatermark(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(ModeWatermark, 0)
	_ = d.Record(ctx, 1, 10)
	for id, want := range map[int64]bool{9: true, 10: true, 11: false} {
		if seen, _ := d.Seen(ctx, 1, id); seen != want {
			t.Errorf("Seen(%d) = %v, want %v", id, seen, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeWindow {
		t.Fatalf("ParseMode(\"\") = %v, %v", m, err)
	}
	if _, err := ParseMode("fifo"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
