package window

import (
	"testing"
	"time"
)

func TestPushEvictsOverCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := New[int](3, 0)

	for i := 1; i <= 5; i++ {
		w.Push(now, i)
	}

	got := w.Values(now)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0] != 3 || got[2] != 5 {
		t.Fatalf("expected oldest 3 and newest 5, got %v", got)
	}
}

func TestAgeEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := New[string](10, time.Minute)

	w.Push(now, "old")
	w.Push(now.Add(30*time.Second), "mid")
	w.Push(now.Add(90*time.Second), "new")

	got := w.Values(now.Add(90 * time.Second))
	if len(got) != 2 {
		t.Fatalf("expected 2 live entries, got %v", got)
	}
	if got[0] != "mid" {
		t.Fatalf("expected oldest live entry mid, got %s", got[0])
	}
}

func TestRecentReturnsNewest(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := New[int](10, 0)
	for i := 1; i <= 6; i++ {
		w.Push(now, i)
	}

	got := w.Recent(now, 2)
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Fatalf("expected [5 6], got %v", got)
	}
}

func TestCountSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := New[int](10, 5*time.Minute)

	w.Push(now, 1)
	w.Push(now.Add(2*time.Minute), 2)
	w.Push(now.Add(4*time.Minute), 3)

	if got := w.CountSince(now.Add(4*time.Minute), time.Minute); got != 1 {
		t.Fatalf("expected 1 entry in the last minute, got %d", got)
	}
	if got := w.CountSince(now.Add(4*time.Minute), 5*time.Minute); got != 3 {
		t.Fatalf("expected 3 entries in the last 5 minutes, got %d", got)
	}
}

func TestClear(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := New[int](5, 0)
	w.Push(now, 1)
	w.Clear()
	if got := w.Len(now); got != 0 {
		t.Fatalf("expected empty window, got %d entries", got)
	}
}
