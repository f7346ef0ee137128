package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/queue"
	"github.com/evcharge/queuesync/go/internal/storage"
	"github.com/evcharge/queuesync/go/internal/telemetry"
)

// KeyDriverStatus holds "session", "waiting" or "booking"; absent when idle
const KeyDriverStatus = "driverStatus"

const (
	DriverSession = "session"
	DriverWaiting = "waiting"
	DriverBooking = "booking"
)

// ErrNoActiveEntry is returned when cancelling without a booking or waitlist entry
var ErrNoActiveEntry = errors.New("no active booking or waitlist entry")

// API is the REST surface the engine drives
type API interface {
	CreateBooking(ctx context.Context, userID, postID, carID string) (chargeapi.BookingResult, error)
	CancelBooking(ctx context.Context, id string) error
	CancelWaitlist(ctx context.Context, id string) error
	WaitingListByUser(ctx context.Context, userID string) (chargeapi.WaitlistResult, error)
	GetSession(ctx context.Context, id string) (chargeapi.Session, error)
	FinishSession(ctx context.Context, id string, totalEnergyKWh float64) error
}

// Dialers builds push-channel dialers for both feeds
type Dialers struct {
	Queue     queue.DialerFactory
	Telemetry func(sessionID string) channel.Dialer
}

// Config tunes the engine
type Config struct {
	UserID string
	// BookingHoldMinutes is the countdown for a confirmed booking when the
	// API does not declare an end time
	BookingHoldMinutes int
	TickInterval       time.Duration
	RepeatThreshold    int
	QueueChannel       channel.Config
	TelemetryChannel   channel.Config
}

// Engine ties the countdown, rank and telemetry components to the REST API.
// Operations are serialized; component callbacks only take the state lock
// briefly, so they never wait on an operation in progress.
type Engine struct {
	cfg     Config
	api     API
	kv      *storage.Notifying
	clock   clockwork.Clock
	dialers Dialers

	countdowns *countdown.Store
	ticker     *countdown.Ticker
	ranks      *queue.RankStore
	reconciler *queue.Reconciler
	feed       *queue.Feed

	// serializes Join/Cancel/StartSession/Restore/Refresh
	opMu sync.Mutex
	// runs for the engine lifetime; feeds and ticker are bound to it
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entry     *Entry
	params    countdown.Params
	sub       *queue.Subscription
	feedState channel.State
	lastTick  countdown.Snapshot
	session   *sessionState
	listeners map[uint64]func(Event)
	nextID    uint64
	unwatch   func()
}

// Entry is the current booking or waitlist entry
type Entry struct {
	ActionID string                `json:"action_id"`
	PostID   string                `json:"post_id"`
	Status   chargeapi.EntryStatus `json:"status"`
}

type sessionState struct {
	id        string
	recovery  *telemetry.RecoverySession
	detector  *telemetry.Detector
	feed      *telemetry.Feed
	info      chargeapi.Session
	forbidden bool
	progress  *telemetry.Progress
	feedState channel.State
}

// New builds an engine over kv. Call Restore to resume persisted state.
func New(cfg Config, api API, kv *storage.Notifying, dialers Dialers, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = telemetry.DefaultRepeatThreshold
	}
	if cfg.TelemetryChannel.Name == "" {
		cfg.TelemetryChannel.Name = "telemetry"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		api:        api,
		kv:         kv,
		clock:      clock,
		dialers:    dialers,
		countdowns: countdown.NewStore(kv, clock),
		ranks:      queue.NewRankStore(kv),
		ctx:        ctx,
		cancel:     cancel,
		feedState:  channel.StateDisconnected,
		lastTick:   countdown.Snapshot{Status: countdown.StatusIdle},
		listeners:  make(map[uint64]func(Event)),
	}

	e.ticker = countdown.NewTicker(e.countdowns, clock, cfg.TickInterval, e.onTick)
	e.reconciler = queue.NewReconciler(e.ranks, clock)
	e.reconciler.OnChange(func(queue.RankState) { e.emitState() })
	e.feed = queue.NewFeed(dialers.Queue, e.reconciler, queue.FeedOptions{
		Channel: cfg.QueueChannel,
		Clock:   clock,
		OnState: e.onFeedState,
	})

	// remote agents may change the driver status through the NATS bridge
	e.unwatch = kv.Bus().Subscribe(KeyDriverStatus, func(c storage.Change) {
		if c.Origin != "" {
			log.Info().Str("origin", c.Origin).Str("value", c.Value).Bool("deleted", c.Deleted).Msg("driver status changed remotely")
		}
		e.emitState()
	})
	return e
}

// Subscribe registers fn for state and notification events and returns the
// function that removes it. fn must not call back into engine operations
// synchronously.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Close stops every feed and the ticker. Persisted state is kept.
func (e *Engine) Close() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.feed.CloseAll()
	e.ticker.Deactivate()

	e.mu.Lock()
	sess := e.session
	unwatch := e.unwatch
	e.mu.Unlock()
	if sess != nil && sess.feed != nil {
		sess.feed.Close()
	}
	if unwatch != nil {
		unwatch()
	}
	e.cancel()
	log.Info().Msg("engine closed")
}

func (e *Engine) onTick(snap countdown.Snapshot) {
	e.mu.Lock()
	e.lastTick = snap
	e.mu.Unlock()

	if snap.Status == countdown.StatusCompleted {
		log.Info().Str("id", snap.ID).Msg("countdown completed")
	}
	e.emitState()
}

func (e *Engine) onFeedState(sub *queue.Subscription, s channel.State) {
	e.mu.Lock()
	if e.sub != sub {
		e.mu.Unlock()
		return
	}
	e.feedState = s
	e.mu.Unlock()
	e.emitState()
}

func (e *Engine) onNotification(n queue.Notification) {
	e.emit(Event{Type: EventNotification, Notification: &n})
}

func (e *Engine) writeDriverStatus(ctx context.Context, status string) {
	var err error
	if status == "" {
		err = e.kv.Delete(ctx, KeyDriverStatus)
	} else {
		err = e.kv.Set(ctx, KeyDriverStatus, status)
	}
	if err != nil {
		log.Warn().Err(err).Str("status", status).Msg("failed to write driver status")
	}
}

func (e *Engine) driverStatus(ctx context.Context) string {
	v, ok, err := e.kv.Get(ctx, KeyDriverStatus)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read driver status")
		return ""
	}
	if !ok {
		return ""
	}
	return v
}
