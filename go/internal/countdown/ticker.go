package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Status is the countdown lifecycle: idle -> running -> completed | cancelled
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s only changes on a fresh activation
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Snapshot is one emitted remaining-time value
type Snapshot struct {
	ID               string     `json:"id,omitempty"`
	Status           Status     `json:"status"`
	RemainingSeconds int        `json:"remaining_seconds"`
	RemainingMinutes int        `json:"remaining_minutes"`
	DisplayTime      string     `json:"display_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
}

// Params identifies and gates one countdown
type Params struct {
	ID              string
	Minutes         int
	Enabled         bool
	ExplicitEndTime string
}

// DefaultTickInterval is how often a running countdown is re-evaluated
const DefaultTickInterval = time.Second

// Ticker drives a locally-ticking countdown against an end time held in the
// Store. The persisted end time is the source of truth, so a new Ticker for
// the same id resumes the same trajectory.
type Ticker struct {
	store    *Store
	clock    clockwork.Clock
	interval time.Duration
	onTick   func(Snapshot)

	// serializes Activate/Deactivate
	ctlMu sync.Mutex

	mu     sync.Mutex
	params Params
	end    time.Time
	snap   Snapshot
	stop   chan struct{}
	done   chan struct{}
}

// NewTicker creates an idle ticker. onTick receives every emitted snapshot
// and may be nil.
func NewTicker(store *Store, clock clockwork.Clock, interval time.Duration, onTick func(Snapshot)) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		store:    store,
		clock:    clock,
		interval: interval,
		onTick:   onTick,
		snap:     Snapshot{Status: StatusIdle},
	}
}

// Activate starts (or restarts) the countdown described by p. ctx bounds the
// tick loop. Disabled or zero-minute params stop any running loop and leave
// the ticker idle without emitting.
func (t *Ticker) Activate(ctx context.Context, p Params) {
	t.ctlMu.Lock()
	defer t.ctlMu.Unlock()

	if !p.Enabled || p.Minutes <= 0 || p.ID == "" {
		t.halt()
		return
	}

	t.mu.Lock()
	same := t.params.ID == p.ID && t.params.Minutes == p.Minutes &&
		(p.ExplicitEndTime == "" || p.ExplicitEndTime == t.params.ExplicitEndTime)
	running := t.stop != nil
	status := t.snap.Status
	t.mu.Unlock()

	if same && (running || status.Terminal()) {
		return
	}

	t.halt()

	// other countdowns must not survive, or a reload could pick up the wrong end time
	t.store.CleanupExcept(ctx, []string{KeyPrefix}, Key(p.ID), FrozenKey(p.ID))

	if frozen, ok := t.store.LoadFrozen(ctx, p.ID); ok {
		t.publish(p, time.Time{}, Snapshot{ID: p.ID, Status: StatusCancelled, DisplayTime: frozen})
		return
	}

	end := t.resolveEnd(ctx, p)

	t.mu.Lock()
	t.params = p
	t.end = end
	t.mu.Unlock()

	snap, running := t.evaluate(ctx)
	t.publish(p, end, snap)
	if !running {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	t.mu.Lock()
	t.stop = stop
	t.done = done
	t.mu.Unlock()

	go t.run(ctx, stop, done)

	log.Debug().
		Str("id", p.ID).
		Time("end_time", end).
		Int("remaining_sec", snap.RemainingSeconds).
		Msg("countdown started")
}

// resolveEnd applies the precedence explicit > stored > now+minutes
func (t *Ticker) resolveEnd(ctx context.Context, p Params) time.Time {
	key := Key(p.ID)

	if end, ok := ParseEndTime(p.ExplicitEndTime); ok {
		t.store.Save(ctx, key, end)
		return end
	}
	if p.ExplicitEndTime != "" {
		log.Warn().Str("id", p.ID).Str("end_time", p.ExplicitEndTime).Msg("ignoring unparseable end time")
	}

	if end, ok := t.store.Load(ctx, key); ok {
		return end
	}

	end := t.clock.Now().Add(time.Duration(p.Minutes) * time.Minute)
	t.store.Save(ctx, key, end)
	return end
}

// Deactivate stops the tick loop. The persisted record is kept so a later
// activation resumes it.
func (t *Ticker) Deactivate() {
	t.ctlMu.Lock()
	defer t.ctlMu.Unlock()
	t.halt()
}

// Snapshot returns the last emitted snapshot
func (t *Ticker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// halt stops the loop and waits for it to exit; callers hold ctlMu
func (t *Ticker) halt() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Ticker) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			if !t.tick(ctx, stop) {
				return
			}
		}
	}
}

// tick evaluates once and reports whether the loop should continue
func (t *Ticker) tick(ctx context.Context, stop chan struct{}) bool {
	snap, running := t.evaluate(ctx)

	t.mu.Lock()
	if t.stop != stop {
		// halted while evaluating
		t.mu.Unlock()
		return false
	}
	t.snap = snap
	if !running {
		t.stop, t.done = nil, nil
	}
	t.mu.Unlock()

	t.emit(snap)

	if !running {
		log.Debug().
			Str("id", snap.ID).
			Str("status", string(snap.Status)).
			Msg("countdown stopped")
	}
	return running
}

// evaluate computes the current snapshot from the store and the clock
func (t *Ticker) evaluate(ctx context.Context) (Snapshot, bool) {
	t.mu.Lock()
	id, end := t.params.ID, t.end
	t.mu.Unlock()

	key := Key(id)
	if !t.store.Exists(ctx, key) {
		// removed by someone else, typically a cancellation
		if frozen, ok := t.store.LoadFrozen(ctx, id); ok {
			return Snapshot{ID: id, Status: StatusCancelled, DisplayTime: frozen}, false
		}
		return Snapshot{ID: id, Status: StatusIdle}, false
	}

	remaining := end.Sub(t.clock.Now())
	if remaining <= 0 {
		t.store.Remove(ctx, key)
		return Snapshot{ID: id, Status: StatusCompleted, DisplayTime: FormatHMS(0), EndTime: &end}, false
	}

	secs := Seconds(remaining)
	return Snapshot{
		ID:               id,
		Status:           StatusRunning,
		RemainingSeconds: secs,
		RemainingMinutes: secs / 60,
		DisplayTime:      FormatHMS(remaining),
		EndTime:          &end,
	}, true
}

func (t *Ticker) publish(p Params, end time.Time, snap Snapshot) {
	t.mu.Lock()
	t.params = p
	t.end = end
	t.snap = snap
	t.mu.Unlock()
	t.emit(snap)
}

func (t *Ticker) emit(snap Snapshot) {
	if t.onTick != nil {
		t.onTick(snap)
	}
}
