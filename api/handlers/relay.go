package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/protocol"
	"github.com/retail-bank-web/realtime/internal/relay"
)

// RelayHandler exposes the self-hosted transport: websocket connections for
// clients and an authenticated publish endpoint for the backend.
type RelayHandler struct {
	service *relay.Service
	apiKey  string
	logger  *zap.Logger
}

// NewRelayHandler creates a new RelayHandler.
func NewRelayHandler(service *relay.Service, apiKey string, logger *zap.Logger) *RelayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayHandler{
		service: service,
		apiKey:  strings.TrimSpace(apiKey),
		logger:  logger,
	}
}

// Connect handles GET /realtime/connect - upgrades to a relay websocket.
func (h *RelayHandler) Connect(c *gin.Context) {
	h.service.ServeHTTP(c.Writer, c.Request)
}

// PublishResponse reports how many connections received an event.
type PublishResponse struct {
	Recipients int `json:"recipients"`
}

// Publish handles POST /realtime/publish - publishes an event to a channel.
func (h *RelayHandler) Publish(c *gin.Context) {
	if h.apiKey == "" {
		sendError(c, http.StatusInternalServerError, "Server configuration error: realtime transport key not configured")
		return
	}
	if !h.authorized(c.GetHeader("Authorization")) {
		sendError(c, http.StatusUnauthorized, "Unauthorized: Invalid API key")
		return
	}

	var req protocol.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		sendError(c, http.StatusBadRequest, "Invalid request body: data is not valid JSON")
		return
	}

	n, err := h.service.Publish(req.Channel, req.Name, req.Data)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidPublish) {
			sendError(c, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("publish failed", zap.String("channel", req.Channel), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "Failed to publish event")
		return
	}

	h.logger.Debug("event published",
		zap.String("channel", req.Channel),
		zap.String("event", req.Name),
		zap.Int("recipients", n),
	)
	c.JSON(http.StatusAccepted, PublishResponse{Recipients: n})
}

func (h *RelayHandler) authorized(header string) bool {
	const prefix = "Key "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	given := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(given), []byte(h.apiKey)) == 1
}

// RegisterRoutes registers the relay routes on a Gin router group.
func (h *RelayHandler) RegisterRoutes(rg *gin.RouterGroup) {
	realtime := rg.Group("/realtime")
	{
		realtime.GET("/connect", h.Connect)
		realtime.POST("/publish", h.Publish)
	}
}
