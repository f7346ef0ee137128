package storage

import (
	"strings"
	"sync"
)

// Change describes one write to the store. Origin is empty for local writes
// and carries the remote agent id for changes applied from a bridge.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Bus fans out store changes to subscribers filtered by key prefix.
// Handlers run synchronously on the writer's goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]busSub
	next uint64
}

type busSub struct {
	prefix string
	fn     func(Change)
}

// NewBus creates an empty change bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]busSub)}
}

// Subscribe registers fn for changes whose key starts with prefix and
// returns the function that removes it.
func (b *Bus) Subscribe(prefix string, fn func(Change)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = busSub{prefix: prefix, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers c to every matching subscriber
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	targets := make([]func(Change), 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(c.Key, s.prefix) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(c)
	}
}
