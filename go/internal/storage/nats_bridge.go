package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSBridgeConfig holds connection settings for the change bridge
type NATSBridgeConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSBridgeConfig returns default bridge configuration
func DefaultNATSBridgeConfig() NATSBridgeConfig {
	return NATSBridgeConfig{
		URL:           nats.DefaultURL,
		Subject:       "queuesync.kv.changes",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBridge mirrors store changes between agents over a NATS subject.
// Local writes are published with this agent's origin id; remote writes are
// applied to the local store and re-published on the local bus.
type NATSBridge struct {
	nc          *nats.Conn
	sub         *nats.Subscription
	target      *Notifying
	subject     string
	origin      string
	unsubscribe func()
}

// NewNATSBridge connects to NATS and starts mirroring changes of target
func NewNATSBridge(cfg NATSBridgeConfig, target *Notifying) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	b := &NATSBridge{
		nc:      nc,
		target:  target,
		subject: cfg.Subject,
		origin:  uuid.NewString(),
	}

	sub, err := nc.Subscribe(cfg.Subject, b.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}
	b.sub = sub
	// the subscription must be live before local writes are forwarded
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("flush %s: %w", cfg.Subject, err)
	}
	b.unsubscribe = target.Bus().Subscribe("", b.forward)

	log.Info().
		Str("subject", cfg.Subject).
		Str("origin", b.origin).
		Msg("storage change bridge started")

	return b, nil
}

// forward publishes local changes; changes applied from other agents carry
// a foreign origin and are skipped.
func (b *NATSBridge) forward(c Change) {
	if c.Origin != "" {
		return
	}
	c.Origin = b.origin

	data, err := json.Marshal(c)
	if err != nil {
		log.Error().Err(err).Str("key", c.Key).Msg("failed to marshal change")
		return
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		log.Error().Err(err).Str("key", c.Key).Msg("failed to publish change")
	}
}

func (b *NATSBridge) receive(msg *nats.Msg) {
	var c Change
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		log.Warn().Err(err).Msg("dropping malformed change message")
		return
	}
	if c.Origin == "" || c.Origin == b.origin {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.target.Apply(ctx, c); err != nil {
		log.Error().Err(err).Str("key", c.Key).Msg("failed to apply remote change")
		return
	}

	log.Debug().
		Str("key", c.Key).
		Str("origin", c.Origin).
		Bool("deleted", c.Deleted).
		Msg("applied remote change")
}

// Connected reports whether the NATS connection is currently up
func (b *NATSBridge) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close stops mirroring and closes the connection
func (b *NATSBridge) Close() error {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe change bridge")
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
