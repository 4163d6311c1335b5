// Package msgcache keeps the most recently formatted broadcast text.
package msgcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"drawbot/internal/draw"
)

// ErrInconsistent is returned when the cached entry claims to be created in
// the future. The slot is dropped.
var ErrInconsistent = errors.New("message cache inconsistent")

// Formatter renders the text for a record.
type Formatter func(rec draw.Record) (string, error)

// Entry is a snapshot of the cache slot.
type Entry struct {
	Key       draw.Key
	Text      string
	CreatedAt time.Time
}

// Cache is a single-slot memo keyed by record identity with a time bound.
// All access is serialized, so concurrent callers for the same record format it once.
type Cache struct {
	mu   sync.Mutex
	slot *Entry
	now  func() time.Time

	hits   uint64
	misses uint64
}

type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetOrCompute returns the cached text when it was produced for rec and is
// younger than ttl; otherwise it formats rec, stores the result and returns it.
// A formatter error leaves the slot untouched.
func (c *Cache) GetOrCompute(rec draw.Record, format Formatter, ttl time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if s := c.slot; s != nil {
		if s.CreatedAt.After(now) {
			c.slot = nil
			return "", fmt.Errorf("%w: entry for %d created %s in the future", ErrInconsistent, s.Key, s.CreatedAt.Sub(now))
		}
		if s.Key == rec.ID() && now.Sub(s.CreatedAt) < ttl {
			c.hits++
			return s.Text, nil
		}
	}

	c.misses++
	text, err := format(rec)
	if err != nil {
		return "", err
	}
	c.slot = &Entry{Key: rec.ID(), Text: text, CreatedAt: now}
	return text, nil
}

// Peek returns the current slot without touching it.
func (c *Cache) Peek() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return Entry{}, false
	}
	return *c.slot, true
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.slot = nil
	c.mu.Unlock()
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
