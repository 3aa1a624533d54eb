package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/retail-bank-web/realtime/internal/model"
	"github.com/retail-bank-web/realtime/internal/protocol"
)

// ErrTokenRejected is returned by Dial when the transport refuses the token.
var ErrTokenRejected = errors.New("transport rejected capability token")

// Socket is one established transport session.
type Socket interface {
	// Receive blocks until the next frame arrives or the socket fails.
	Receive() (*protocol.Envelope, error)
	Close() error
}

// Transport opens sockets authenticated with a capability token.
type Transport interface {
	Dial(ctx context.Context, token *model.TokenDetails) (Socket, error)
}

const (
	// Time allowed between frames or pings from the relay.
	readTimeout = 90 * time.Second

	// Time allowed to write a control frame.
	controlWait = 10 * time.Second
)

// WebSocketTransport dials the relay over gorilla/websocket.
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport for the relay at rawURL.
func NewWebSocketTransport(rawURL string) *WebSocketTransport {
	return &WebSocketTransport{
		URL: rawURL,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial connects to the relay presenting token.
func (t *WebSocketTransport) Dial(ctx context.Context, token *model.TokenDetails) (Socket, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := t.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrTokenRejected
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
	})
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Receive() (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return &env, nil
}

func (s *wsSocket) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(controlWait))
	return s.conn.Close()
}
