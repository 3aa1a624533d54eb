package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/clock"
)

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the reconnect policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock sets the clock used for reconnect delays.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns at most one live Connection for a session.
type Manager struct {
	tokens    TokenSource
	transport Transport
	policy    Policy
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	current *Connection
	hooks   []func(*Connection)
}

// NewManager creates a Manager that fetches a fresh token from tokens for
// every connection attempt.
func NewManager(tokens TokenSource, transport Transport, opts ...Option) *Manager {
	m := &Manager{
		tokens:    tokens,
		transport: transport,
		policy:    DefaultPolicy(),
		clock:     clock.Real(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnection registers a hook invoked with every new Connection before
// it dials.
func (m *Manager) OnConnection(hook func(*Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// EnsureConnection reconciles the live connection with the session state.
// With sessionActive false it tears down and returns nil. Otherwise it
// returns the connecting or connected Connection, or starts a new one.
func (m *Manager) EnsureConnection(ctx context.Context, sessionActive bool) (*Connection, error) {
	if !sessionActive {
		m.Teardown()
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil {
		if s := m.current.State(); s == StateConnecting || s == StateConnected {
			conn := m.current
			m.mu.Unlock()
			return conn, nil
		}
	}
	stale := m.current
	conn := newConnection(ctx, uuid.New().String(), m.tokens, m.transport, m.policy, m.clock, m.logger)
	m.current = conn
	hooks := append([]func(*Connection){}, m.hooks...)
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	for _, hook := range hooks {
		hook(conn)
	}

	m.logger.Info("starting realtime connection", zap.String("connection_id", conn.ID()))
	conn.start()
	return conn, nil
}

// Current returns the live Connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Teardown closes the live Connection if any. It is safe to call
// repeatedly.
func (m *Manager) Teardown() {
	m.mu.Lock()
	conn := m.current
	m.current = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Info("realtime connection torn down", zap.String("connection_id", conn.ID()))
	}
}
