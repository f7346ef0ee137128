package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/internal/channel"
)

// ErrIncompleteScope is returned when subscribing without both ids
var ErrIncompleteScope = errors.New("subject and resource ids are required")

// DialerFactory builds the push-channel dialer for one (subject, resource)
type DialerFactory func(subjectID, resourceID string) channel.Dialer

// FeedOptions configures a Feed
type FeedOptions struct {
	Channel channel.Config
	Clock   clockwork.Clock
	// OnState observes connection state changes of every subscription
	OnState func(sub *Subscription, state channel.State)
}

// Feed opens live queue-position subscriptions and routes their updates
// through the Reconciler.
type Feed struct {
	dial       DialerFactory
	reconciler *Reconciler
	opts       FeedOptions

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewFeed(dial DialerFactory, reconciler *Reconciler, opts FeedOptions) *Feed {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Channel.Name == "" {
		opts.Channel.Name = "queue-position"
	}
	return &Feed{
		dial:       dial,
		reconciler: reconciler,
		opts:       opts,
		subs:       make(map[string]*Subscription),
	}
}

// Subscription is a handle to one open position feed
type Subscription struct {
	ID         string
	SubjectID  string
	ResourceID string

	feed   *Feed
	ch     *channel.Channel
	once   sync.Once
	closed atomic.Bool
}

// State returns the connection state of the underlying channel
func (s *Subscription) State() channel.State {
	return s.ch.State()
}

// Close is equivalent to Feed.Unsubscribe(s)
func (s *Subscription) Close() {
	s.feed.Unsubscribe(s)
}

type positionMessage struct {
	Position *int `json:"position"`
}

// Subscribe opens a feed for (subjectID, resourceID). onPosition receives
// every applied rank; onMessage receives a notification only when the rank
// changed. Either may be nil.
func (f *Feed) Subscribe(ctx context.Context, subjectID, resourceID string, onPosition func(int), onMessage func(Notification)) (*Subscription, error) {
	if subjectID == "" || resourceID == "" {
		return nil, ErrIncompleteScope
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		SubjectID:  subjectID,
		ResourceID: resourceID,
		feed:       f,
	}

	cfg := f.opts.Channel
	cfg.Name = cfg.Name + ":" + resourceID

	handle := func(msg channel.Message) {
		if sub.closed.Load() || sub.ch.Closed() {
			log.Debug().Str("subscription_id", sub.ID).Str("resource_id", resourceID).Msg("ignoring message after unsubscribe")
			return
		}
		var payload positionMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Str("resource_id", resourceID).Str("payload", string(msg.Data)).Msg("ignoring malformed position message")
			return
		}
		if payload.Position == nil || *payload.Position <= 0 {
			log.Warn().Str("resource_id", resourceID).Str("payload", string(msg.Data)).Msg("position message without a valid position")
			return
		}

		rank := *payload.Position
		n, changed := f.reconciler.ApplyLive(ctx, resourceID, rank)
		log.Debug().
			Str("resource_id", resourceID).
			Int("rank", rank).
			Uint64("generation", msg.Generation).
			Bool("changed", changed).
			Msg("position update")

		if onPosition != nil {
			onPosition(rank)
		}
		if changed && onMessage != nil {
			onMessage(n)
		}
	}

	var onState func(channel.State)
	if f.opts.OnState != nil {
		onState = func(s channel.State) { f.opts.OnState(sub, s) }
	}

	sub.ch = channel.New(cfg, f.dial(subjectID, resourceID), f.opts.Clock, handle, onState)

	f.mu.Lock()
	f.subs[sub.ID] = sub
	f.mu.Unlock()

	f.reconciler.SetFeedActive(resourceID, true)
	sub.ch.Start(ctx)

	log.Info().
		Str("subscription_id", sub.ID).
		Str("subject_id", subjectID).
		Str("resource_id", resourceID).
		Msg("subscribed to position feed")
	return sub, nil
}

// Unsubscribe closes sub. Closing an already closed or nil subscription
// is a no-op.
func (f *Feed) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.closed.Store(true)
		f.mu.Lock()
		delete(f.subs, sub.ID)
		f.mu.Unlock()

		sub.ch.Close()
		f.reconciler.SetFeedActive(sub.ResourceID, false)

		log.Info().
			Str("subscription_id", sub.ID).
			Str("resource_id", sub.ResourceID).
			Msg("unsubscribed from position feed")
	})
}

// Active returns the number of open subscriptions
func (f *Feed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// CloseAll unsubscribes everything; used on shutdown
func (f *Feed) CloseAll() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		f.Unsubscribe(s)
	}
}
