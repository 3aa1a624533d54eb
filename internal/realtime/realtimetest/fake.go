// Package realtimetest provides in-memory transports for exercising the
// connection manager without a network.
package realtimetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/retail-bank-web/realtime/internal/model"
	"github.com/retail-bank-web/realtime/internal/protocol"
	"github.com/retail-bank-web/realtime/internal/realtime"
)

// ErrSocketClosed is returned by Receive once the socket is closed.
var ErrSocketClosed = errors.New("realtimetest: socket closed")

// Socket is an in-memory socket fed by the test.
type Socket struct {
	Token *model.TokenDetails

	frames    chan *protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newSocket(token *model.TokenDetails) *Socket {
	return &Socket{
		Token:  token,
		frames: make(chan *protocol.Envelope, 64),
		closed: make(chan struct{}),
	}
}

// Receive blocks until a frame is pushed or the socket is closed.
func (s *Socket) Receive() (*protocol.Envelope, error) {
	select {
	case env := <-s.frames:
		return env, nil
	case <-s.closed:
		return nil, ErrSocketClosed
	}
}

// Close is idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push queues a frame for Receive.
func (s *Socket) Push(env *protocol.Envelope) {
	s.frames <- env
}

// Ack pushes the transport's connected acknowledgment.
func (s *Socket) Ack(connectionID string) {
	s.Push(&protocol.Envelope{Type: protocol.MessageTypeConnected, ConnectionID: connectionID})
}

// Drop simulates a transport disconnect.
func (s *Socket) Drop() {
	s.Close()
}

// Transport records every dial and hands out Sockets.
type Transport struct {
	mu      sync.Mutex
	sockets []*Socket
	dialErr error
	dialed  chan *Socket
}

// NewTransport returns a Transport whose dials succeed.
func NewTransport() *Transport {
	return &Transport{dialed: make(chan *Socket, 64)}
}

// FailDials makes subsequent dials fail with err; nil restores success.
func (t *Transport) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Dial implements realtime.Transport.
func (t *Transport) Dial(ctx context.Context, token *model.TokenDetails) (realtime.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := newSocket(token)
	t.mu.Lock()
	t.sockets = append(t.sockets, s)
	t.mu.Unlock()
	t.dialed <- s
	return s, nil
}

// Dialed returns the channel receiving every socket as it is dialed.
func (t *Transport) Dialed() <-chan *Socket {
	return t.dialed
}

// Dials returns the number of successful dials.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Tokens counts token requests and hands out tokens or scripted errors.
type Tokens struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	gate   chan struct{}
	issued []string
}

// NewTokens returns a token source that always succeeds.
func NewTokens() *Tokens {
	return &Tokens{}
}

// FailNext queues errors returned by the next calls, in order.
func (t *Tokens) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, errs...)
}

// Hold makes the next calls block until Release.
func (t *Tokens) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = make(chan struct{})
}

// Release unblocks held calls.
func (t *Tokens) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// Token implements realtime.TokenSource. A held call ignores ctx so that
// late results can be observed.
func (t *Tokens) Token(ctx context.Context) (*model.TokenDetails, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	gate := t.gate
	var err error
	if len(t.errs) > 0 {
		err = t.errs[0]
		t.errs = t.errs[1:]
	}
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	token := fmt.Sprintf("token-%d", n)
	t.mu.Lock()
	t.issued = append(t.issued, token)
	t.mu.Unlock()
	return &model.TokenDetails{Token: token, ClientID: "user-1"}, nil
}

// Calls returns the number of token requests made.
func (t *Tokens) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
