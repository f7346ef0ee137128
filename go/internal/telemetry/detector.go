package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=../mocks/mock_session_finisher.go -package=mocks github.com/evcharge/queuesync/go/internal/telemetry SessionFinisher

// DefaultRepeatThreshold is the number of identical consecutive payloads
// after which the feed is considered stalled
const DefaultRepeatThreshold = 4

// SessionFinisher is the session-finalization collaborator used by recovery
type SessionFinisher interface {
	// SessionCompleted reports whether the session is already known complete
	SessionCompleted(ctx context.Context, sessionID string) bool
	FinishSession(ctx context.Context, sessionID string, energyKWh float64) error
	// RefetchSession reloads the authoritative session state
	RefetchSession(ctx context.Context, sessionID string) error
}

// DetectorState is the one-shot trigger state of a Detector
type DetectorState int

const (
	// Armed detectors fire once the repeat threshold is reached
	Armed DetectorState = iota
	// Fired detectors never fire again until Reset or a payload change
	Fired
)

func (s DetectorState) String() string {
	if s == Fired {
		return "fired"
	}
	return "armed"
}

// Detector watches raw telemetry payloads for a feed that stopped advancing
type Detector struct {
	threshold int
	session   *RecoverySession
	finisher  SessionFinisher
	stopFeed  func()

	mu    sync.Mutex
	last  string
	count int
	state DetectorState
}

// NewDetector creates an armed detector for session. stopFeed closes the
// observed feed and suppresses its reconnection; it may be nil.
func NewDetector(threshold int, session *RecoverySession, finisher SessionFinisher, stopFeed func()) *Detector {
	if threshold <= 0 {
		threshold = DefaultRepeatThreshold
	}
	return &Detector{
		threshold: threshold,
		session:   session,
		finisher:  finisher,
		stopFeed:  stopFeed,
	}
}

// SetStopFeed replaces the feed shutdown hook
func (d *Detector) SetStopFeed(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopFeed = fn
}

// Observe records one payload and runs recovery when the repeat threshold
// is first reached. It reports whether this payload fired the detector.
func (d *Detector) Observe(ctx context.Context, payload string) bool {
	d.mu.Lock()
	if payload == d.last && d.count > 0 {
		d.count++
	} else {
		d.last = payload
		d.count = 1
		d.state = Armed
	}
	if d.count < d.threshold || d.state == Fired {
		d.mu.Unlock()
		return false
	}
	d.state = Fired
	count := d.count
	stop := d.stopFeed
	d.mu.Unlock()

	log.Warn().
		Str("session_id", d.session.SessionID).
		Int("repeats", count).
		Msg("telemetry feed stalled")

	if stop != nil {
		stop()
	}
	d.recover(ctx, payload)
	return true
}

// Reset re-arms the detector; called when the feed reconnects
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
	d.count = 0
	d.state = Armed
}

// State returns the current trigger state
func (d *Detector) State() DetectorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Repeats returns how many times the last payload was seen in a row
func (d *Detector) Repeats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *Detector) recover(ctx context.Context, payload string) {
	sessionID := d.session.SessionID
	if !d.session.Claim() {
		log.Info().
			Str("session_id", sessionID).
			Str("token", d.session.Token).
			Msg("recovery already handled for session")
		return
	}
	if d.finisher == nil {
		return
	}

	if energy, ok := Energy(payload); !ok {
		log.Warn().Str("session_id", sessionID).Str("payload", payload).Msg("no energy value in stalled payload, skipping finish")
	} else if d.finisher.SessionCompleted(ctx, sessionID) {
		log.Info().Str("session_id", sessionID).Msg("session already complete")
	} else if err := d.finisher.FinishSession(ctx, sessionID, energy); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Float64("energy_kwh", energy).Msg("failed to finish stalled session")
	} else {
		log.Info().Str("session_id", sessionID).Float64("energy_kwh", energy).Msg("finished stalled session")
	}

	if err := d.finisher.RefetchSession(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to refetch session")
	}
}
