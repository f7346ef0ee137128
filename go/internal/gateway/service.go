package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/engine"
)

// Engine is the part of the synchronization engine the gateway exposes
type Engine interface {
	Snapshot() engine.Snapshot
	Subscribe(fn func(engine.Event)) func()
	JoinQueue(ctx context.Context, postID, carID string) (chargeapi.BookingResult, error)
	Cancel(ctx context.Context) error
	StartSession(ctx context.Context, sessionID string) error
	Refresh(ctx context.Context) error
}

// Service pushes engine snapshots to UI clients and relays their commands
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	engine            Engine
	config            Config
}

// Config holds configuration for the gateway
type Config struct {
	ConnectionConfig ConnectionConfig
	// CommandTimeout bounds each relayed command
	CommandTimeout time.Duration
	Version        string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		CommandTimeout:   30 * time.Second,
		Version:          "dev",
	}
}

func NewService(config Config, eng Engine) *Service {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	cm := NewConnectionManager(config.ConnectionConfig)
	s := &Service{
		connectionManager: cm,
		stateHandler:      NewStateHandler(eng),
		engine:            eng,
		config:            config,
	}
	s.wsHandler = NewWebSocketHandler(cm, s)
	return s
}

// Start forwards engine events to connected clients until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	unsubscribe := s.engine.Subscribe(s.forward)
	defer unsubscribe()

	s.connectionManager.Start(ctx)

	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Warn().Err(err).Msg("failed to write health check response")
		}
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.GetStats())
	})
	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the gateway
func (s *Service) GetStats() map[string]interface{} {
	snap := s.engine.Snapshot()
	return map[string]interface{}{
		"service":           "queuesync",
		"version":           s.config.Version,
		"total_connections": s.connectionManager.Count(),
		"user_id":           snap.UserID,
		"feed_state":        snap.FeedState,
	}
}

func (s *Service) forward(ev engine.Event) {
	switch ev.Type {
	case engine.EventState:
		s.connectionManager.Broadcast(newEvent(EventTypeState, "", ev.Snapshot))
	case engine.EventNotification:
		s.connectionManager.Broadcast(newEvent(EventTypeNotification, "", ev.Notification))
	}
}

// handleCommand runs one client command off the read pump so a slow REST
// call does not stall the connection
func (s *Service) handleCommand(conn *Connection, cmd Command) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CommandTimeout)
		defer cancel()

		result, err := s.runCommand(ctx, cmd)
		if err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", conn.ID).
				Str("command", string(cmd.Type)).
				Msg("client command failed")
			s.connectionManager.SendTo(conn, newEvent(EventTypeError, cmd.RequestID, ErrorPayload{
				Message:   err.Error(),
				Forbidden: errors.Is(err, chargeapi.ErrForbidden),
			}))
			return
		}
		s.connectionManager.SendTo(conn, newEvent(EventTypeResult, cmd.RequestID, result))
	}()
}

func (s *Service) runCommand(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Type {
	case CommandJoin:
		if cmd.PostID == "" {
			return nil, errors.New("post_id is required")
		}
		return s.engine.JoinQueue(ctx, cmd.PostID, cmd.CarID)
	case CommandCancel:
		return map[string]bool{"cancelled": true}, s.engine.Cancel(ctx)
	case CommandStartSession:
		if cmd.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		return map[string]string{"session_id": cmd.SessionID}, s.engine.StartSession(ctx, cmd.SessionID)
	case CommandRefresh:
		return map[string]bool{"refreshed": true}, s.engine.Refresh(ctx)
	}
	return nil, errors.Newf("unknown command %q", cmd.Type)
}

func newEvent(t EventType, requestID string, payload interface{}) *Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal event payload")
		data = []byte("null")
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
