package livefeed

import (
	"sort"
	"time"
)

// Entry is one transaction tracked by the window.
type Entry struct {
	ID      string
	Fee     int64
	Mass    int64
	FeeRate float64

	// LastSeen is the last cycle in which the node reported the entry.
	LastSeen time.Time
	// InMempool is false once a cycle's fetch no longer contains the entry.
	InMempool bool
}

// Window is a sliding set of recently seen mempool entries keyed by
// transaction id. It is not safe for concurrent use; the engine's running
// task is its only writer.
type Window struct {
	span    time.Duration
	entries map[string]*Entry
}

// NewWindow creates a window that keeps entries for span after they were
// last seen.
func NewWindow(span time.Duration) *Window {
	return &Window{
		span:    span,
		entries: make(map[string]*Entry),
	}
}

// MarkStale flags every entry as no longer in the mempool. Entries present
// in the next fetch are flipped back by Upsert.
func (w *Window) MarkStale() {
	for _, e := range w.entries {
		e.InMempool = false
	}
}

// Upsert records e as seen at now. An existing entry with the same id is
// replaced.
func (w *Window) Upsert(e Entry, now time.Time) {
	if e.ID == "" {
		return
	}
	e.LastSeen = now
	e.InMempool = true
	w.entries[e.ID] = &e
}

// Evict drops entries last seen before now minus the window span and
// returns how many were removed.
func (w *Window) Evict(now time.Time) int {
	cutoff := now.Add(-w.span)
	removed := 0
	for id, e := range w.entries {
		if e.LastSeen.Before(cutoff) {
			delete(w.entries, id)
			removed++
		}
	}
	return removed
}

// Entries returns a copy of the window contents ordered by id.
func (w *Window) Entries() []Entry {
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries in the window.
func (w *Window) Len() int {
	return len(w.entries)
}
