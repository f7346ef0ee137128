package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/config"
	"github.com/evcharge/queuesync/go/internal/engine"
	"github.com/evcharge/queuesync/go/internal/gateway"
	"github.com/evcharge/queuesync/go/internal/storage"
)

type Services struct {
	Store   *storage.Notifying
	Bridge  *storage.NATSBridge
	Engine  *engine.Engine
	Gateway *gateway.Service
}

func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Storage → REST client → Engine → Gateway

	kv, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisPrefix: cfg.Storage.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	store := storage.NewNotifying(kv, storage.NewBus())
	services := &Services{Store: store}

	if cfg.NATS.URL != "" {
		bridgeCfg := storage.DefaultNATSBridgeConfig()
		bridgeCfg.URL = cfg.NATS.URL
		if cfg.NATS.Subject != "" {
			bridgeCfg.Subject = cfg.NATS.Subject
		}
		bridge, err := storage.NewNATSBridge(bridgeCfg, store)
		if err != nil {
			// other agents will miss our writes, local behavior is unaffected
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS bridge disabled")
		} else {
			services.Bridge = bridge
		}
	}

	api := chargeapi.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)

	services.Engine = engine.New(engine.Config{
		UserID:             cfg.UserID,
		BookingHoldMinutes: cfg.Countdown.BookingHoldMinutes,
		TickInterval:       cfg.Countdown.TickInterval,
		RepeatThreshold:    cfg.Stale.RepeatThreshold,
		QueueChannel:       channelConfig("queue", cfg.Feeds),
		TelemetryChannel:   channelConfig("telemetry", cfg.Feeds),
	}, api, store, setupDialers(cfg), nil)

	gwCfg := gateway.DefaultConfig()
	gwCfg.CommandTimeout = cfg.API.Timeout * 2
	services.Gateway = gateway.NewService(gwCfg, services.Engine)

	return services, nil
}

func setupDialers(cfg config.Config) engine.Dialers {
	header := http.Header{}
	if cfg.API.Token != "" {
		header.Set(chargeapi.AuthorizationHeader, "Bearer "+cfg.API.Token)
	}

	return engine.Dialers{
		Queue: func(subjectID, resourceID string) channel.Dialer {
			return &channel.WebSocketDialer{
				URL:         cfg.Feeds.QueueFeedURL(subjectID, resourceID),
				Header:      header,
				ReadTimeout: cfg.Feeds.ReadTimeout,
			}
		},
		Telemetry: func(sessionID string) channel.Dialer {
			return &channel.SSEDialer{
				URL:    cfg.Feeds.TelemetryFeedURL(sessionID),
				Header: header,
			}
		},
	}
}

func channelConfig(name string, feeds config.FeedsConfig) channel.Config {
	return channel.Config{
		Name:             name,
		MaxAttempts:      feeds.MaxAttempts,
		ReconnectWait:    feeds.ReconnectWait,
		MaxReconnectWait: feeds.MaxReconnectWait,
	}
}

// Close releases the engine, the bridge and the store in that order
func (s *Services) Close() {
	if s.Engine != nil {
		s.Engine.Close()
	}
	if s.Bridge != nil {
		if err := s.Bridge.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close NATS bridge")
		}
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close storage")
	}
}
