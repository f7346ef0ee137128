package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Notification is a user-facing rank change
type Notification struct {
	Rank       int       `json:"rank"`
	Previous   int       `json:"previous,omitempty"`
	ResourceID string    `json:"resource_id"`
	Regressed  bool      `json:"regressed,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Entry is one waitlist row as the reconciler needs it
type Entry struct {
	ActionID   string
	ResourceID string
	Rank       int
}

type rankValue struct {
	rank       int
	resourceID string
	at         time.Time
}

// Reconciler merges persisted, initial API and live feed ranks. The merged
// value is computed on every read so the precedence is never stale.
type Reconciler struct {
	store *RankStore
	clock clockwork.Clock

	mu           sync.Mutex
	persisted    *rankValue
	initial      *rankValue
	live         *rankValue
	resourceID   string
	feedResource string
	listeners    []func(RankState)
}

func NewReconciler(store *RankStore, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{store: store, clock: clock}
}

// OnChange registers fn to receive the merged state after every update
func (r *Reconciler) OnChange(fn func(RankState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// SeedPersisted installs the value read from durable storage at startup
func (r *Reconciler) SeedPersisted(p Persisted) {
	r.mu.Lock()
	if p.Rank > 0 {
		r.persisted = &rankValue{rank: p.Rank, resourceID: p.ResourceID, at: r.clock.Now()}
	}
	if r.resourceID == "" {
		r.resourceID = p.ResourceID
	}
	r.mu.Unlock()
	r.changed()
}

// SetInitial records the rank returned by a booking or waitlist call and
// persists it. rank <= 0 means the call returned none.
func (r *Reconciler) SetInitial(ctx context.Context, rank int, resourceID string) {
	r.mu.Lock()
	if rank > 0 {
		r.initial = &rankValue{rank: rank, resourceID: resourceID, at: r.clock.Now()}
	}
	if resourceID != "" && resourceID != r.resourceID {
		// a live value for another post no longer applies
		r.resourceID = resourceID
		r.live = nil
	}
	// persisted under the lock so a concurrent live update cannot reorder writes
	r.store.SaveRank(ctx, rank, resourceID)
	r.mu.Unlock()

	r.changed()
}

// ApplyLive overwrites the rank with a live feed value. The notification is
// returned only when the value differs from what was shown before. Values
// for a resource without an active feed are dropped; they come from a
// subscription that was closed while a message was in flight.
func (r *Reconciler) ApplyLive(ctx context.Context, resourceID string, rank int) (Notification, bool) {
	r.mu.Lock()
	if resourceID == "" || resourceID != r.feedResource {
		r.mu.Unlock()
		log.Debug().
			Str("resource_id", resourceID).
			Int("rank", rank).
			Msg("dropping live rank for inactive feed")
		return Notification{}, false
	}
	before := r.currentLocked()
	var prevLive int
	if r.live != nil {
		prevLive = r.live.rank
	}
	now := r.clock.Now()
	r.live = &rankValue{rank: rank, resourceID: resourceID, at: now}
	r.resourceID = resourceID
	r.store.SaveRank(ctx, rank, resourceID)
	r.mu.Unlock()

	r.changed()

	previous := prevLive
	if previous == 0 {
		previous = before.Rank
	}
	if previous == rank {
		return Notification{}, false
	}

	n := Notification{
		Rank:       rank,
		Previous:   previous,
		ResourceID: resourceID,
		Regressed:  prevLive > 0 && rank > prevLive,
		Message:    fmt.Sprintf("Your position in the queue is now %d", rank),
		At:         now,
	}
	if n.Regressed {
		log.Warn().
			Str("resource_id", resourceID).
			Int("previous", prevLive).
			Int("rank", rank).
			Msg("live rank moved backwards")
	}
	return n, true
}

// SetFeedActive marks whether a live subscription is open for resourceID
func (r *Reconciler) SetFeedActive(resourceID string, active bool) {
	r.mu.Lock()
	switch {
	case active:
		r.feedResource = resourceID
	case r.feedResource == resourceID:
		r.feedResource = ""
	}
	r.mu.Unlock()
	r.changed()
}

// ApplyWaitlist reconciles a waitlist fetch. Only a loaded, empty result
// clears state; a pending result leaves everything untouched. It reports
// whether the persisted rank was cleared.
func (r *Reconciler) ApplyWaitlist(ctx context.Context, loaded bool, entries []Entry, actionID string) bool {
	if !loaded {
		return false
	}
	if len(entries) == 0 {
		r.Clear(ctx)
		return true
	}

	entry, ok := MatchEntry(entries, actionID)
	if !ok {
		// rows for other entries say nothing about ours
		return false
	}

	r.mu.Lock()
	hasLive := r.live != nil
	r.mu.Unlock()
	if !hasLive && entry.Rank > 0 {
		r.SetInitial(ctx, entry.Rank, entry.ResourceID)
	}
	return false
}

// MatchEntry picks the row for actionID. Without an action id the first row
// is adopted.
func MatchEntry(entries []Entry, actionID string) (Entry, bool) {
	if actionID == "" {
		if len(entries) == 0 {
			return Entry{}, false
		}
		return entries[0], true
	}
	for _, e := range entries {
		if e.ActionID == actionID {
			return e, true
		}
	}
	return Entry{}, false
}

// Clear forgets every rank source and deletes the persisted values
func (r *Reconciler) Clear(ctx context.Context) {
	r.mu.Lock()
	r.persisted, r.initial, r.live = nil, nil, nil
	r.resourceID = ""
	r.store.Clear(ctx)
	r.mu.Unlock()

	r.changed()
}

// Current returns the rank to display under the precedence
// live feed > initial API > persisted > unknown
func (r *Reconciler) Current() RankState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// ResourceID returns the resource the current entry belongs to
func (r *Reconciler) ResourceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resourceID
}

func (r *Reconciler) currentLocked() RankState {
	if r.live != nil && r.feedResource != "" && r.feedResource == r.live.resourceID {
		return r.live.state(SourceLiveFeed)
	}
	if r.initial != nil {
		return r.initial.state(SourceInitialAPI)
	}
	if r.persisted != nil {
		return r.persisted.state(SourcePersisted)
	}
	return RankState{Source: SourceUnknown, ResourceID: r.resourceID}
}

func (v *rankValue) state(src Source) RankState {
	return RankState{Rank: v.rank, Source: src, ResourceID: v.resourceID, UpdatedAt: v.at}
}

func (r *Reconciler) changed() {
	r.mu.Lock()
	state := r.currentLocked()
	listeners := append([]func(RankState){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
