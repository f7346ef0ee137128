package telemetry

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// RecoverySession scopes stale-feed recovery to one charging session.
// Every feed opened for the session shares it, so recovery runs at most
// once even when the user re-enters the flow. Starting a new session means
// creating a new RecoverySession.
type RecoverySession struct {
	Token     string
	SessionID string

	handled atomic.Bool
}

func NewRecoverySession(sessionID string) *RecoverySession {
	return &RecoverySession{Token: uuid.New().String(), SessionID: sessionID}
}

// Claim marks the session handled and reports whether this call did it
func (r *RecoverySession) Claim() bool {
	return r.handled.CompareAndSwap(false, true)
}

// Handled reports whether recovery already ran
func (r *RecoverySession) Handled() bool {
	return r.handled.Load()
}
