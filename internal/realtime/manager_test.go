package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/model"
	"github.com/retail-bank-web/realtime/internal/protocol"
	"github.com/retail-bank-web/realtime/internal/realtime"
	"github.com/retail-bank-web/realtime/internal/realtime/realtimetest"
)

const waitFor = 2 * time.Second

type fixture struct {
	tokens    *realtimetest.Tokens
	transport *realtimetest.Transport
	clock     *clock.FakeClock
	manager   *realtime.Manager
}

func setupTestManager(t *testing.T, policy realtime.Policy) (*fixture, func()) {
	t.Helper()

	f := &fixture{
		tokens:    realtimetest.NewTokens(),
		transport: realtimetest.NewTransport(),
		clock:     clock.Fake(time.Unix(1_700_000_000, 0)),
	}
	f.manager = realtime.NewManager(f.tokens, f.transport,
		realtime.WithPolicy(policy),
		realtime.WithClock(f.clock),
	)

	cleanup := func() {
		conn := f.manager.Current()
		f.manager.Teardown()
		if conn != nil {
			<-conn.Done()
		}
	}
	return f, cleanup
}

func nextSocket(t *testing.T, tr *realtimetest.Transport) *realtimetest.Socket {
	t.Helper()
	select {
	case s := <-tr.Dialed():
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitState(t *testing.T, conn *realtime.Connection, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.State() == want }, waitFor, 5*time.Millisecond,
		"connection never reached %s", want)
}

func waitDone(t *testing.T, conn *realtime.Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("connection run loop did not exit")
	}
}

func TestEnsureConnection_Idempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()
	ctx := context.Background()

	first, err := f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, first)

	socket := nextSocket(t, f.transport)
	assert.Equal(t, "user-1", socket.Token.ClientID)

	// Still connecting: same instance, no new handshake.
	again, err := f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)
	assert.Same(t, first, again)

	socket.Ack("conn-1")
	waitState(t, first, realtime.StateConnected)

	again, err = f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)
	assert.Same(t, first, again)

	assert.Equal(t, 1, f.tokens.Calls())
	assert.Equal(t, 1, f.transport.Dials())
}

func TestEnsureConnection_InactiveSessionTearsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()
	ctx := context.Background()

	conn, err := f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)
	socket := nextSocket(t, f.transport)

	got, err := f.manager.EnsureConnection(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, f.manager.Current())

	waitDone(t, conn)
	assert.Equal(t, realtime.StateDisconnected, conn.State())
	assert.True(t, socket.Closed())
}

func TestTeardown_Idempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()

	// Nothing to tear down yet.
	f.manager.Teardown()

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)
	socket := nextSocket(t, f.transport)
	socket.Ack("conn-1")
	waitState(t, conn, realtime.StateConnected)

	var transitions []realtime.State
	conn.OnStateChange(func(s realtime.State) { transitions = append(transitions, s) })

	f.manager.Teardown()
	f.manager.Teardown()
	conn.Close()
	waitDone(t, conn)

	assert.Equal(t, []realtime.State{realtime.StateDisconnected}, transitions)
	assert.True(t, socket.Closed())
}

func TestConnection_ReconnectsWithFreshToken(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.Policy{Delay: time.Second, MaxAttempts: 3, Multiplier: 1})
	defer cleanup()

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)
	first := nextSocket(t, f.transport)
	first.Ack("conn-1")
	waitState(t, conn, realtime.StateConnected)

	first.Drop()
	f.clock.WaitForWaiters(1)
	assert.Equal(t, realtime.StateConnecting, conn.State())
	assert.Equal(t, 1, conn.RetryCount())

	f.clock.Advance(time.Second)
	second := nextSocket(t, f.transport)
	assert.NotEqual(t, first.Token.Token, second.Token.Token)

	second.Ack("conn-2")
	waitState(t, conn, realtime.StateConnected)
	assert.Equal(t, 0, conn.RetryCount())
	assert.Equal(t, 2, f.tokens.Calls())

	// Reconnection happens inside the same Connection.
	assert.Same(t, conn, f.manager.Current())
}

func TestConnection_ExhaustionThenFreshConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	policy := realtime.Policy{Delay: time.Second, MaxAttempts: 2, Multiplier: 1}
	f, cleanup := setupTestManager(t, policy)
	defer cleanup()
	ctx := context.Background()

	f.transport.FailDials(errors.New("connection refused"))

	conn, err := f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)

	for i := 0; i < policy.MaxAttempts; i++ {
		f.clock.WaitForWaiters(1)
		f.clock.Advance(policy.Delay)
	}
	waitDone(t, conn)

	assert.Equal(t, realtime.StateDisconnected, conn.State())
	assert.Equal(t, model.KindTransportDisconnect, model.KindOf(conn.Err()))
	assert.Equal(t, policy.MaxAttempts+1, f.tokens.Calls())
	assert.Zero(t, f.clock.Waiters(), "no retry scheduled after exhaustion")

	f.transport.FailDials(nil)

	fresh, err := f.manager.EnsureConnection(ctx, true)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.NotEqual(t, conn.ID(), fresh.ID())

	socket := nextSocket(t, f.transport)
	socket.Ack("conn-2")
	waitState(t, fresh, realtime.StateConnected)
	assert.Equal(t, policy.MaxAttempts+2, f.tokens.Calls())
}

func TestConnection_TerminalTokenErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthenticated", model.NewError(model.KindUnauthenticated, "Unauthorized: Invalid session", nil)},
		{"configuration", model.NewError(model.KindConfiguration, "Server configuration error", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
			defer cleanup()
			f.tokens.FailNext(tt.err)

			conn, err := f.manager.EnsureConnection(context.Background(), true)
			require.NoError(t, err)
			waitDone(t, conn)

			assert.Equal(t, realtime.StateDisconnected, conn.State())
			assert.Equal(t, 1, f.tokens.Calls())
			assert.Zero(t, f.transport.Dials())
			assert.Zero(t, f.clock.Waiters())
			assert.Equal(t, model.KindOf(tt.err), model.KindOf(conn.Err()))
		})
	}
}

func TestConnection_UpstreamTokenErrorRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.Policy{Delay: time.Second, MaxAttempts: 5, Multiplier: 1})
	defer cleanup()
	f.tokens.FailNext(model.NewError(model.KindUpstreamIssuance, "Failed to create token request", nil))

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)

	f.clock.WaitForWaiters(1)
	assert.Equal(t, 1, conn.RetryCount())
	f.clock.Advance(time.Second)

	socket := nextSocket(t, f.transport)
	socket.Ack("conn-1")
	waitState(t, conn, realtime.StateConnected)
}

func TestConnection_LateTokenDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()
	f.tokens.Hold()

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.tokens.Calls() == 1 }, waitFor, 5*time.Millisecond)

	f.manager.Teardown()
	f.tokens.Release()
	waitDone(t, conn)

	assert.Zero(t, f.transport.Dials())
	assert.Equal(t, realtime.StateDisconnected, conn.State())
}

func TestConnection_DispatchInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)

	received := make(chan string, 8)
	conn.Subscribe("balance_updated", func(m realtime.Message) {
		var p struct {
			Balance string `json:"balance"`
		}
		_ = json.Unmarshal(m.Data, &p)
		received <- "a:" + p.Balance
	})
	stop := conn.Subscribe("balance_updated", func(m realtime.Message) {
		received <- "b"
	})
	connected := make(chan realtime.Message, 1)
	conn.Subscribe(realtime.ConnectedEvent, func(m realtime.Message) { connected <- m })

	socket := nextSocket(t, f.transport)
	socket.Ack("conn-1")
	select {
	case m := <-connected:
		assert.JSONEq(t, `{"connectionId":"conn-1","clientId":""}`, string(m.Data))
	case <-time.After(waitFor):
		t.Fatal("connected event not delivered")
	}

	push := func(balance string) {
		socket.Push(&protocol.Envelope{
			Type:    protocol.MessageTypeEvent,
			Channel: "user:user-1",
			Name:    "balance_updated",
			Data:    json.RawMessage(`{"balance":"` + balance + `"}`),
		})
	}
	push("10.00")
	assert.Equal(t, "a:10.00", <-received)
	assert.Equal(t, "b", <-received)

	stop()
	assert.Equal(t, 1, conn.SubscriberCount("balance_updated"))

	push("20.00")
	assert.Equal(t, "a:20.00", <-received)

	conn.Close()
	assert.Zero(t, conn.SubscriberCount("balance_updated"))
	assert.Zero(t, conn.SubscriberCount(realtime.ConnectedEvent))
}

func TestManager_HooksRunBeforeDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, cleanup := setupTestManager(t, realtime.DefaultPolicy())
	defer cleanup()

	var hooked []*realtime.Connection
	f.manager.OnConnection(func(c *realtime.Connection) {
		assert.Zero(t, f.transport.Dials())
		hooked = append(hooked, c)
	})

	conn, err := f.manager.EnsureConnection(context.Background(), true)
	require.NoError(t, err)
	nextSocket(t, f.transport)

	require.Len(t, hooked, 1)
	assert.Same(t, conn, hooked[0])
}

func TestPolicy_Backoff(t *testing.T) {
	fixed := realtime.DefaultPolicy()
	for attempt := 1; attempt <= fixed.MaxAttempts; attempt++ {
		assert.Equal(t, 15*time.Second, fixed.Backoff(attempt))
	}

	grow := realtime.Policy{Delay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, grow.Backoff(1))
	assert.Equal(t, 2*time.Second, grow.Backoff(2))
	assert.Equal(t, 4*time.Second, grow.Backoff(3))
	assert.Equal(t, 5*time.Second, grow.Backoff(4))
}
