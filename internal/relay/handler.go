package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/capability"
	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Handler authenticates and serves relay websocket connections.
type Handler struct {
	hubManager *HubManager
	key        *capability.Key
	clock      clock.Clock
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates a new Handler. key may be nil, in which case every
// connection attempt is refused as a server misconfiguration.
func NewHandler(hubManager *HubManager, key *capability.Key, c clock.Clock, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		hubManager: hubManager,
		key:        key,
		clock:      c,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests from the configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.TrimSpace(origin), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.TrimRight(origin, "/")]
	}
}

func accessToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// HandleConnection verifies the capability token, upgrades the connection
// and subscribes it to every channel the token grants.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	if h.key == nil {
		http.Error(w, "realtime transport key not configured", http.StatusInternalServerError)
		return nil
	}

	claims, err := capability.Verify(h.key, accessToken(r), h.clock.Now())
	if err != nil {
		h.logger.Info("relay connection refused", zap.Error(err))
		http.Error(w, "invalid capability token", http.StatusUnauthorized)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, uuid.NewString(), claims.ClientID, claims.ExpiresAt)

	var channels []string
	for channel := range claims.Capability {
		if claims.Allows(channel, capability.OpSubscribe) {
			h.hubManager.Join(channel, client)
			channels = append(channels, channel)
		}
	}

	h.logger.Debug("relay client connected",
		zap.String("connection_id", client.ConnectionID()),
		zap.String("client_id", client.ClientID()),
		zap.Strings("channels", channels),
	)

	h.sendEnvelope(client, &protocol.Envelope{
		Type:         protocol.MessageTypeConnected,
		ConnectionID: client.ConnectionID(),
		ClientID:     client.ClientID(),
	})

	go h.writePump(client)
	go h.readPump(client, channels)

	return nil
}

func (h *Handler) sendEnvelope(client *Client, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal relay frame", zap.Error(err))
		return
	}
	client.Send(data)
}

// readPump drains client frames until the connection closes, answering pings.
func (h *Handler) readPump(client *Client, channels []string) {
	defer func() {
		for _, channel := range channels {
			h.hubManager.Leave(channel, client)
		}
		client.Close()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("relay read error", zap.String("connection_id", client.ConnectionID()), zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Type == protocol.MessageTypePing {
			h.sendEnvelope(client, &protocol.Envelope{Type: protocol.MessageTypePong})
		}
	}
}

// writePump writes queued frames, pings the peer and closes the connection
// once the capability token expires.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if h.clock.Now().UnixMilli() >= client.expiresAt {
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(protocol.CloseTokenExpired, "token expired"))
				return
			}
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
