package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/capability"
	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/protocol"
)

// ErrInvalidPublish is returned for publish calls without a channel or name.
var ErrInvalidPublish = errors.New("channel and name are required")

// Service owns the relay's hubs and publishes events onto channels.
type Service struct {
	hubManager *HubManager
	handler    *Handler
	logger     *zap.Logger
}

// Config configures the relay service.
type Config struct {
	// APIKey is the transport key capability tokens are signed with.
	APIKey         string
	AllowedOrigins []string
	Clock          clock.Clock
}

// NewService creates a new relay Service. A missing or malformed API key is
// logged and leaves the relay refusing connections rather than failing startup.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	var key *capability.Key
	if cfg.APIKey != "" {
		parsed, err := capability.ParseKey(cfg.APIKey)
		if err != nil {
			logger.Error("relay api key is malformed; connections will be refused", zap.Error(err))
		} else {
			key = parsed
		}
	} else {
		logger.Warn("relay api key not configured; connections will be refused")
	}

	hubManager := NewHubManager()
	return &Service{
		hubManager: hubManager,
		handler:    NewHandler(hubManager, key, cfg.Clock, cfg.AllowedOrigins, logger),
		logger:     logger,
	}
}

// ServeHTTP serves relay websocket connections.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.HandleConnection(w, r); err != nil {
		s.logger.Warn("relay upgrade failed", zap.Error(err))
	}
}

// Publish sends an event to every connection subscribed to channel and
// returns the number of recipients.
func (s *Service) Publish(channel, name string, data json.RawMessage) (int, error) {
	if channel == "" || name == "" {
		return 0, ErrInvalidPublish
	}

	hub := s.hubManager.Get(channel)
	if hub == nil {
		return 0, nil
	}

	env := &protocol.Envelope{
		Type:    protocol.MessageTypeEvent,
		Channel: channel,
		Name:    name,
		ID:      uuid.NewString(),
		Data:    data,
	}
	if err := hub.BroadcastEnvelope(env); err != nil {
		return 0, err
	}
	return hub.ClientCount(), nil
}

// SubscriberCount returns the number of connections subscribed to channel.
func (s *Service) SubscriberCount(channel string) int {
	hub := s.hubManager.Get(channel)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// Close closes all relay connections.
func (s *Service) Close() {
	s.hubManager.Close()
}
