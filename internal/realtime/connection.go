package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/model"
	"github.com/retail-bank-web/realtime/internal/protocol"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectedEvent is the name under which the transport's connection
// acknowledgment is delivered to subscribers.
const ConnectedEvent = "connected"

// Message is an inbound event as seen by subscribers.
type Message struct {
	Name    string
	Channel string
	ID      string
	Data    json.RawMessage
}

type subscription struct {
	fn     func(Message)
	active atomic.Bool
}

// Connection is a single logical transport session. It is created by a
// Manager and owned by it.
type Connection struct {
	id        string
	tokens    TokenSource
	transport Transport
	policy    Policy
	clock     clock.Clock
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	retryCount int
	closed     bool
	socket     Socket
	lastErr    error
	subs       map[string][]*subscription
	listeners  map[uint64]func(State)
	nextID     uint64
}

func newConnection(parent context.Context, id string, tokens TokenSource, transport Transport, policy Policy, c clock.Clock, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:        id,
		tokens:    tokens,
		transport: transport,
		policy:    policy,
		clock:     c,
		logger:    logger.With(zap.String("connection_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateConnecting,
		subs:      make(map[string][]*subscription),
		listeners: make(map[uint64]func(State)),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of consecutive failed attempts.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Err returns the error that ended the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed once the connection's run loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers fn for events named name and returns the function
// that removes it. Subscribing on a closed connection is a no-op.
func (c *Connection) Subscribe(name string, fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}
	sub := &subscription{fn: fn}
	sub.active.Store(true)
	c.subs[name] = append(c.subs[name], sub)

	return func() {
		sub.active.Store(false)
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[name]
		for i, s := range subs {
			if s == sub {
				c.subs[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subs[name]) == 0 {
			delete(c.subs, name)
		}
	}
}

// SubscriberCount returns the number of subscriptions for name.
func (c *Connection) SubscriberCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[name])
}

// OnStateChange registers a listener for state transitions and returns the
// function that removes it.
func (c *Connection) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Close tears the connection down, releases the socket and drops every
// subscription. It is safe to call more than once.
func (c *Connection) Close() {
	c.cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	socket := c.socket
	c.socket = nil
	for _, subs := range c.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	c.subs = make(map[string][]*subscription)
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	if socket != nil {
		socket.Close()
	}
	if changed {
		notify(listeners, StateDisconnected)
	}
	c.logger.Debug("connection closed")
}

func (c *Connection) snapshotListeners() []func(State) {
	out := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// setState transitions to s unless the connection has been closed.
func (c *Connection) setState(s State, resetRetries bool) {
	c.mu.Lock()
	if c.closed || c.state == s && !resetRetries {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	if resetRetries {
		c.retryCount = 0
	}
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	if changed {
		notify(listeners, s)
	}
}

func (c *Connection) start() {
	go c.run()
}

func (c *Connection) run() {
	defer close(c.done)

	for {
		err := c.attempt()
		if c.ctx.Err() != nil {
			// Torn down, or the session context ended.
			c.Close()
			return
		}

		kind := model.KindOf(err)
		if kind == model.KindUnauthenticated || kind == model.KindConfiguration {
			c.logger.Warn("connection failed permanently", zap.String("kind", kind.String()), zap.Error(err))
			c.fail(err)
			return
		}

		c.mu.Lock()
		c.retryCount++
		retry := c.retryCount
		c.lastErr = err
		c.mu.Unlock()

		if retry > c.policy.MaxAttempts {
			c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", retry-1), zap.Error(err))
			c.fail(err)
			return
		}

		c.setState(StateConnecting, false)
		delay := c.policy.Backoff(retry)
		c.logger.Info("transport disconnected, retrying",
			zap.Int("attempt", retry),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-c.ctx.Done():
			c.Close()
			return
		case <-c.clock.After(delay):
		}
	}
}

// fail ends the connection in the disconnected state without an explicit
// Close; subscriptions stay until the owner closes or replaces it.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.lastErr = err
	c.mu.Unlock()

	if socket != nil {
		socket.Close()
	}
	c.setState(StateDisconnected, false)
}

// attempt performs one token fetch and dial, then pumps frames until the
// socket fails.
func (c *Connection) attempt() error {
	token, err := c.tokens.Token(c.ctx)
	if c.ctx.Err() != nil {
		// A token that arrives after teardown is discarded.
		return c.ctx.Err()
	}
	if err != nil {
		return err
	}

	socket, err := c.transport.Dial(c.ctx, token)
	if err != nil {
		return model.NewError(model.KindTransportDisconnect, "transport dial failed", err)
	}
	if !c.adopt(socket) {
		socket.Close()
		return c.ctx.Err()
	}
	defer c.release(socket)

	for {
		env, err := socket.Receive()
		if err != nil {
			return model.NewError(model.KindTransportDisconnect, "transport connection lost", err)
		}

		switch env.Type {
		case protocol.MessageTypeConnected:
			c.setState(StateConnected, true)
			data, err := json.Marshal(connectedPayload{ConnectionID: env.ConnectionID, ClientID: env.ClientID})
			if err != nil {
				c.logger.Warn("failed to encode connected event", zap.Error(err))
				continue
			}
			c.dispatch(Message{Name: ConnectedEvent, Data: data})
		case protocol.MessageTypeEvent:
			c.dispatch(Message{Name: env.Name, Channel: env.Channel, ID: env.ID, Data: env.Data})
		case protocol.MessageTypeError:
			c.logger.Warn("transport reported error", zap.String("error", env.Error))
		}
	}
}

// connectedPayload is the body of the ConnectedEvent message.
type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
	ClientID     string `json:"clientId"`
}

func (c *Connection) adopt(socket Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.socket = socket
	return true
}

func (c *Connection) release(socket Socket) {
	c.mu.Lock()
	if c.socket == socket {
		c.socket = nil
	}
	c.mu.Unlock()
	socket.Close()
}

// dispatch delivers msg to the current subscribers of its name, in
// registration order. Subscriptions removed mid-dispatch are skipped.
func (c *Connection) dispatch(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := append([]*subscription(nil), c.subs[msg.Name]...)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.fn(msg)
		}
	}
}
