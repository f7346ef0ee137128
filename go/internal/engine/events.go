package engine

import (
	"time"

	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/queue"
	"github.com/evcharge/queuesync/go/internal/telemetry"
)

type EventType string

const (
	EventState        EventType = "state"
	EventNotification EventType = "notification"
)

// Event is pushed to subscribers on every state change and rank notification
type Event struct {
	Type         EventType           `json:"type"`
	Snapshot     *Snapshot           `json:"snapshot,omitempty"`
	Notification *queue.Notification `json:"notification,omitempty"`
}

// Snapshot is everything the UI renders
type Snapshot struct {
	UserID       string             `json:"user_id"`
	DriverStatus string             `json:"driver_status,omitempty"`
	Entry        *Entry             `json:"entry,omitempty"`
	Rank         queue.RankState    `json:"rank"`
	RankDisplay  string             `json:"rank_display"`
	FeedState    channel.State      `json:"feed_state"`
	Countdown    countdown.Snapshot `json:"countdown"`
	Session      *SessionView       `json:"session,omitempty"`
	At           time.Time          `json:"at"`
}

// SessionView is the charging session as the UI sees it. Forbidden is set
// when the session belongs to another user.
type SessionView struct {
	ID        string              `json:"id"`
	OwnerID   string              `json:"owner_id,omitempty"`
	Status    string              `json:"status,omitempty"`
	Completed bool                `json:"completed"`
	Forbidden bool                `json:"forbidden"`
	EnergyKWh float64             `json:"energy_kwh"`
	Progress  *telemetry.Progress `json:"progress,omitempty"`
	FeedState channel.State       `json:"feed_state"`
	Stalled   bool                `json:"stalled"`
	Recovered bool                `json:"recovered"`
}

// Snapshot returns the current state. The rank is merged on every call.
func (e *Engine) Snapshot() Snapshot {
	rank := e.reconciler.Current()
	driver := e.driverStatus(e.ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		UserID:       e.cfg.UserID,
		DriverStatus: driver,
		Rank:         rank,
		RankDisplay:  rank.Display(),
		FeedState:    e.feedState,
		Countdown:    e.lastTick,
		At:           e.clock.Now(),
	}
	if e.entry != nil {
		entry := *e.entry
		snap.Entry = &entry
	}
	if s := e.session; s != nil {
		view := &SessionView{
			ID:        s.id,
			OwnerID:   s.info.OwnerID,
			Status:    s.info.Status,
			Completed: s.info.Completed(),
			Forbidden: s.forbidden,
			EnergyKWh: s.info.EnergyKWh,
			FeedState: s.feedState,
			Recovered: s.recovery.Handled(),
		}
		if s.detector != nil {
			view.Stalled = s.detector.State() == telemetry.Fired
		}
		if s.progress != nil {
			p := *s.progress
			view.Progress = &p
		}
		snap.Session = view
	}
	return snap
}

func (e *Engine) emitState() {
	snap := e.Snapshot()
	e.emit(Event{Type: EventState, Snapshot: &snap})
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	listeners := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
