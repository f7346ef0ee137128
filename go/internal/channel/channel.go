package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// State is the observable connection state of a Channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrClosed is returned by Conn implementations read after Close
	ErrClosed = errors.New("channel closed")
	// ErrRetriesExhausted is logged when the channel gives up reconnecting
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// Conn is one established push connection
type Conn interface {
	// ReadMessage blocks until the next message arrives or the connection fails
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push connections. ctx stays alive for the lifetime of the
// returned Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Message is one inbound payload. Generation increments on every successful
// (re)connect so consumers can reset per-connection state.
type Message struct {
	Data       []byte
	Generation uint64
	ReceivedAt time.Time
}

// Config bounds the reconnect policy
type Config struct {
	Name             string
	MaxAttempts      int
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
}

// DefaultConfig returns the default reconnect policy
func DefaultConfig() Config {
	return Config{
		Name:             "feed",
		MaxAttempts:      5,
		ReconnectWait:    time.Second,
		MaxReconnectWait: 30 * time.Second,
	}
}

// Channel keeps a push connection open, reconnecting with bounded
// exponential backoff. Messages are delivered in arrival order on the
// channel's goroutine.
type Channel struct {
	cfg       Config
	dialer    Dialer
	clock     clockwork.Clock
	onMessage func(Message)
	onState   func(State)

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	started    bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a stopped channel. onState may be nil.
func New(cfg Config, dialer Dialer, clock clockwork.Clock, onMessage func(Message), onState func(State)) *Channel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultConfig().ReconnectWait
	}
	if cfg.MaxReconnectWait < cfg.ReconnectWait {
		cfg.MaxReconnectWait = cfg.ReconnectWait
	}
	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		clock:     clock,
		onMessage: onMessage,
		onState:   onState,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// Start begins connecting in the background. Calling Start twice, or after
// Close, does nothing.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

// Close stops the channel and suppresses reconnection. It is safe to call
// more than once and from inside the message handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if !started {
		close(c.done)
	}

	log.Debug().Str("channel", c.cfg.Name).Msg("channel closed")
	return nil
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the number of successful connects so far
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Closed reports whether Close has been called
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the background loop has exited
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.State() != StateError {
			c.setState(StateDisconnected)
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().
				Err(err).
				Str("channel", c.cfg.Name).
				Int("attempt", failures).
				Int("max_attempts", c.cfg.MaxAttempts).
				Msg("feed dial failed")
			if !c.retry(ctx, failures) {
				return
			}
			continue
		}

		gen, ok := c.attach(conn)
		if !ok {
			conn.Close()
			return
		}
		c.setState(StateConnected)
		log.Info().
			Str("channel", c.cfg.Name).
			Uint64("generation", gen).
			Msg("feed connected")

		delivered, err := c.readLoop(ctx, conn, gen)
		c.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			failures = 0
		}
		failures++
		log.Warn().
			Err(err).
			Str("channel", c.cfg.Name).
			Uint64("generation", gen).
			Int("delivered", delivered).
			Msg("feed connection lost")
		if !c.retry(ctx, failures) {
			return
		}
	}
}

// retry waits out the backoff for the given failure count and reports
// whether another attempt should be made
func (c *Channel) retry(ctx context.Context, failures int) bool {
	if failures >= c.cfg.MaxAttempts {
		c.setState(StateError)
		log.Error().
			Err(ErrRetriesExhausted).
			Str("channel", c.cfg.Name).
			Int("attempts", failures).
			Msg("giving up on feed")
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(c.backoff(failures)):
		return true
	}
}

func (c *Channel) backoff(failures int) time.Duration {
	d := c.cfg.ReconnectWait
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.cfg.MaxReconnectWait {
			return c.cfg.MaxReconnectWait
		}
	}
	return d
}

func (c *Channel) readLoop(ctx context.Context, conn Conn, gen uint64) (int, error) {
	// unblock ReadMessage when the parent context goes away
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	delivered := 0
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			return delivered, err
		}
		if c.Closed() {
			return delivered, ErrClosed
		}
		delivered++
		if c.onMessage != nil {
			c.onMessage(Message{Data: data, Generation: gen, ReceivedAt: c.clock.Now()})
		}
	}
}

func (c *Channel) attach(conn Conn) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.conn = conn
	c.generation++
	return c.generation, true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	log.Debug().Str("channel", c.cfg.Name).Str("state", string(s)).Msg("feed state changed")
	if c.onState != nil {
		c.onState(s)
	}
}
