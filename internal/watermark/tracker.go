// Package watermark tracks the greatest record key already handled.
package watermark

import (
	"sync"

	"drawbot/internal/draw"
)

// Tracker holds a monotone watermark. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	current draw.Key
}

// New starts the watermark at floor (the persisted value or a seed).
func New(floor draw.Key) *Tracker {
	return &Tracker{current: floor}
}

// FilterNew returns the candidates strictly above the watermark, keeping input order.
func (t *Tracker) FilterNew(candidates []draw.Record) []draw.Record {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()

	var out []draw.Record
	for _, r := range candidates {
		if r.Key > cur {
			out = append(out, r)
		}
	}
	return out
}

// Commit advances the watermark to rec.Key when it is greater and reports
// whether it moved. Committing an older or equal key is a no-op.
func (t *Tracker) Commit(rec draw.Record) bool {
	return t.Advance(rec.Key)
}

// Advance is Commit for a bare key.
func (t *Tracker) Advance(k draw.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k <= t.current {
		return false
	}
	t.current = k
	return true
}

func (t *Tracker) Current() draw.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
