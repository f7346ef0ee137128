package engine

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/telemetry"
)

// StartSession begins monitoring a charging session, typically after a QR
// scan. Each call creates a fresh recovery token, so stale-feed recovery is
// available again for the new session. A session owned by another user is
// exposed as forbidden and no telemetry feed is opened.
func (e *Engine) StartSession(ctx context.Context, sessionID string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	info, err := e.api.GetSession(ctx, sessionID)
	forbidden := errors.Is(err, chargeapi.ErrForbidden)
	if err != nil && !forbidden {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	if info.OwnerID != "" && info.OwnerID != e.cfg.UserID {
		forbidden = true
	}

	e.stopSession()

	state := &sessionState{
		id:        sessionID,
		recovery:  telemetry.NewRecoverySession(sessionID),
		info:      info,
		forbidden: forbidden,
		feedState: channel.StateDisconnected,
	}

	if forbidden {
		log.Warn().
			Str("session_id", sessionID).
			Str("owner_id", info.OwnerID).
			Msg("session belongs to another user")
		e.mu.Lock()
		e.session = state
		e.mu.Unlock()
		e.emitState()
		return nil
	}

	// the booking is consumed once charging starts
	e.consumeEntry(ctx)
	e.writeDriverStatus(ctx, DriverSession)

	state.detector = telemetry.NewDetector(e.cfg.RepeatThreshold, state.recovery, &sessionRecovery{e: e}, nil)
	if e.dialers.Telemetry != nil && !info.Completed() {
		state.feed = telemetry.NewFeed(e.cfg.TelemetryChannel, e.dialers.Telemetry(sessionID), e.clock, state.recovery, state.detector,
			func(p telemetry.Progress) { e.onProgress(sessionID, p) },
			func(s channel.State) { e.onTelemetryState(sessionID, s) },
		)
	}

	e.mu.Lock()
	e.session = state
	e.mu.Unlock()

	if state.feed != nil {
		state.feed.Start(e.ctx)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("token", state.recovery.Token).
		Str("status", info.Status).
		Msg("session started")
	e.emitState()
	return nil
}

// StopSession closes the telemetry feed and forgets the session
func (e *Engine) StopSession(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.stopSession() {
		if e.driverStatus(ctx) == DriverSession {
			e.writeDriverStatus(ctx, "")
		}
		e.emitState()
	}
}

func (e *Engine) stopSession() bool {
	e.mu.Lock()
	prev := e.session
	e.session = nil
	e.mu.Unlock()

	if prev == nil {
		return false
	}
	if prev.feed != nil {
		prev.feed.Close()
	}
	return true
}

// consumeEntry drops the booking/waitlist entry without cancelling it
// server-side
func (e *Engine) consumeEntry(ctx context.Context) {
	e.mu.Lock()
	entry := e.entry
	e.mu.Unlock()
	if entry == nil {
		return
	}

	e.ticker.Deactivate()
	e.countdowns.Remove(ctx, countdown.Key(entry.ActionID))
	e.closeFeed()
	e.reconciler.Clear(ctx)
	e.setEntry(nil)

	e.mu.Lock()
	e.lastTick = countdown.Snapshot{Status: countdown.StatusIdle}
	e.mu.Unlock()
}

func (e *Engine) currentSession(id string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.id != id {
		return nil
	}
	return e.session
}

func (e *Engine) onProgress(sessionID string, p telemetry.Progress) {
	e.mu.Lock()
	if e.session == nil || e.session.id != sessionID {
		e.mu.Unlock()
		return
	}
	e.session.progress = &p
	e.mu.Unlock()
	e.emitState()
}

func (e *Engine) onTelemetryState(sessionID string, s channel.State) {
	e.mu.Lock()
	if e.session == nil || e.session.id != sessionID {
		e.mu.Unlock()
		return
	}
	e.session.feedState = s
	e.mu.Unlock()
	e.emitState()
}

// sessionRecovery lets the stale-feed detector finalize and refetch a session
type sessionRecovery struct {
	e *Engine
}

func (r *sessionRecovery) SessionCompleted(ctx context.Context, sessionID string) bool {
	s := r.e.currentSession(sessionID)
	if s == nil {
		// session replaced; nothing to finish
		return true
	}
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return s.info.Completed()
}

func (r *sessionRecovery) FinishSession(ctx context.Context, sessionID string, energyKWh float64) error {
	return r.e.api.FinishSession(ctx, sessionID, energyKWh)
}

func (r *sessionRecovery) RefetchSession(ctx context.Context, sessionID string) error {
	info, err := r.e.api.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	r.e.mu.Lock()
	s := r.e.session
	if s != nil && s.id == sessionID {
		s.info = info
	}
	r.e.mu.Unlock()

	if info.Completed() && r.e.driverStatus(ctx) == DriverSession {
		r.e.writeDriverStatus(ctx, "")
	}
	r.e.emitState()
	return nil
}
