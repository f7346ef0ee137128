package telemetry

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/internal/channel"
)

// Feed consumes the session telemetry stream. Every payload goes to the
// detector untouched; parsed progress goes to onProgress for display.
type Feed struct {
	sessionID  string
	detector   *Detector
	ch         *channel.Channel
	onProgress func(Progress)

	mu      sync.Mutex
	ctx     context.Context
	lastGen uint64
	last    *Progress
}

// NewFeed wires a telemetry feed for session to detector. The detector's
// stop hook is pointed at the new feed.
func NewFeed(cfg channel.Config, dialer channel.Dialer, clock clockwork.Clock, session *RecoverySession, detector *Detector, onProgress func(Progress), onState func(channel.State)) *Feed {
	if cfg.Name == "" {
		cfg.Name = "telemetry"
	}
	f := &Feed{
		sessionID:  session.SessionID,
		detector:   detector,
		onProgress: onProgress,
	}
	f.ch = channel.New(cfg, dialer, clock, f.handle, onState)
	detector.SetStopFeed(func() { f.ch.Close() })
	return f
}

func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	log.Info().Str("session_id", f.sessionID).Msg("opening telemetry feed")
	f.ch.Start(ctx)
}

// Close stops the feed; safe to call more than once
func (f *Feed) Close() {
	f.ch.Close()
}

func (f *Feed) State() channel.State {
	return f.ch.State()
}

func (f *Feed) Done() <-chan struct{} {
	return f.ch.Done()
}

// Last returns the most recent parsed progress, if any
func (f *Feed) Last() (Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Progress{}, false
	}
	return *f.last, true
}

func (f *Feed) handle(msg channel.Message) {
	f.mu.Lock()
	ctx := f.ctx
	reconnected := msg.Generation != f.lastGen
	f.lastGen = msg.Generation
	f.mu.Unlock()

	if reconnected {
		f.detector.Reset()
	}

	raw := string(msg.Data)
	if p, err := ParseProgress(raw); err != nil {
		log.Warn().Err(err).Str("session_id", f.sessionID).Msg("ignoring malformed telemetry payload")
	} else {
		f.mu.Lock()
		f.last = &p
		f.mu.Unlock()
		if f.onProgress != nil {
			f.onProgress(p)
		}
	}

	f.detector.Observe(ctx, raw)
}
