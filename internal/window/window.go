// Package window provides a sliding window bounded by both entry count
// and entry age. It backs the limiter's speed-sample and error-event
// histories: every insert runs an eviction check, so the window can
// never grow past its caps.
package window

import "time"

// Window holds timestamped values, keeping at most Cap entries and
// discarding entries older than MaxAge on every mutation and read.
// The zero value is not usable; call New.
type Window[T any] struct {
	cap    int
	maxAge time.Duration
	items  []entry[T]
}

type entry[T any] struct {
	at  time.Time
	val T
}

// New returns a window holding at most cap entries no older than maxAge.
// cap must be positive; a non-positive maxAge disables age eviction.
func New[T any](cap int, maxAge time.Duration) *Window[T] {
	if cap < 1 {
		cap = 1
	}
	return &Window[T]{cap: cap, maxAge: maxAge, items: make([]entry[T], 0, cap)}
}

// Push appends a value observed at the given time, evicting the oldest
// entries if the window is over capacity or they have aged out.
func (w *Window[T]) Push(at time.Time, val T) {
	w.items = append(w.items, entry[T]{at: at, val: val})
	if len(w.items) > w.cap {
		w.items = w.items[len(w.items)-w.cap:]
	}
	w.expire(at)
}

// Len reports the number of live entries as of now.
func (w *Window[T]) Len(now time.Time) int {
	w.expire(now)
	return len(w.items)
}

// Values returns the live values as of now, oldest first.
func (w *Window[T]) Values(now time.Time) []T {
	w.expire(now)
	out := make([]T, len(w.items))
	for i, e := range w.items {
		out[i] = e.val
	}
	return out
}

// Recent returns up to the n newest live values, oldest first.
func (w *Window[T]) Recent(now time.Time, n int) []T {
	vals := w.Values(now)
	if n < len(vals) {
		vals = vals[len(vals)-n:]
	}
	return vals
}

// CountSince reports how many live entries are no older than lookback.
func (w *Window[T]) CountSince(now time.Time, lookback time.Duration) int {
	w.expire(now)
	cutoff := now.Add(-lookback)
	n := 0
	for _, e := range w.items {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// Clear drops all entries.
func (w *Window[T]) Clear() {
	w.items = w.items[:0]
}

func (w *Window[T]) expire(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.items) && w.items[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.items = w.items[i:]
	}
}
