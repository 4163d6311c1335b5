// Package registry holds the set of chats subscribed to broadcasts.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"drawbot/internal/transport"
)

// Store persists the active set.
type Store interface {
	AddActiveRecipient(ctx context.Context, id transport.Recipient) error
	RemoveActiveRecipient(ctx context.Context, id transport.Recipient) error
	ListActiveRecipients(ctx context.Context) ([]transport.Recipient, error)
}

// Registry is the in-memory active set backed by a Store. Writes go to the
// store first, so a failed persist leaves memory unchanged.
type Registry struct {
	store Store

	mu  sync.RWMutex
	set map[transport.Recipient]struct{}
}

func New(store Store) *Registry {
	return &Registry{store: store, set: map[transport.Recipient]struct{}{}}
}

// Load replaces the in-memory set with the persisted one.
func (r *Registry) Load(ctx context.Context) (int, error) {
	ids, err := r.store.ListActiveRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("load recipients: %w", err)
	}
	set := make(map[transport.Recipient]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	return len(set), nil
}

// Join adds id. It reports whether id was new; joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, id transport.Recipient) (bool, error) {
	if r.Contains(id) {
		return false, nil
	}
	if err := r.store.AddActiveRecipient(ctx, id); err != nil {
		return false, fmt.Errorf("persist recipient %d: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false, nil
	}
	r.set[id] = struct{}{}
	return true, nil
}

// Leave removes id and reports whether it was present.
func (r *Registry) Leave(ctx context.Context, id transport.Recipient) (bool, error) {
	if !r.Contains(id) {
		return false, nil
	}
	if err := r.store.RemoveActiveRecipient(ctx, id); err != nil {
		return false, fmt.Errorf("remove recipient %d: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; !ok {
		return false, nil
	}
	delete(r.set, id)
	return true, nil
}

// Snapshot returns a sorted copy of the active set.
func (r *Registry) Snapshot() []transport.Recipient {
	r.mu.RLock()
	out := make([]transport.Recipient, 0, len(r.set))
	for id := range r.set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Contains(id transport.Recipient) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}

// Broadcasting is true while at least one chat is active. It is derived, never stored.
func (r *Registry) Broadcasting() bool { return r.Len() > 0 }
