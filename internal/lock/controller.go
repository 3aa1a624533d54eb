// Package lock implements the global account-lock interrupt. While the
// account is locked the UI is blocked behind a modal; the state only
// changes on authoritative backend responses, never on a timer.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/model"
)

var (
	// ErrNotLocked is returned when an unlock request is made for an
	// account that is not locked.
	ErrNotLocked = errors.New("account is not locked")

	// ErrUnlockPending is returned while an earlier unlock request awaits review.
	ErrUnlockPending = errors.New("unlock request already pending")

	// ErrEmptyJustification is returned for a blank unlock justification.
	ErrEmptyJustification = errors.New("justification is required")
)

// State is a snapshot of the lock interrupt.
type State struct {
	Active               bool
	Reason               string
	LockedUntil          *time.Time
	UnlockRequestPending bool
	UpdatedAt            time.Time
}

// ProfileSource is the authoritative backend for the session user.
// *backend.Session implements it.
type ProfileSource interface {
	FetchProfile(ctx context.Context) (*model.Profile, error)
	SubmitUnlockRequest(ctx context.Context, justification string) error
}

// Controller owns the lock State.
type Controller struct {
	source  ProfileSource
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger

	// emitMu serialises mutations with their notifications so listeners
	// observe states in order. Listeners must not mutate the controller.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	listeners map[uint64]func(State)
	nextID    uint64
	// submitGen counts accepted unlock submissions. A profile fetched
	// before the latest submission cannot clear its pending flag.
	submitGen uint64

	revalMu  sync.Mutex
	inflight chan struct{}
	rerun    bool
}

// NewController creates an unlocked Controller.
func NewController(source ProfileSource, c clock.Clock, logger *zap.Logger) *Controller {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		source:    source,
		clock:     c,
		timeout:   15 * time.Second,
		logger:    logger,
		listeners: make(map[uint64]func(State)),
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change and returns the function
// that removes it.
func (c *Controller) Subscribe(fn func(State)) func() {
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

// apply is the single setter. mutate runs under the lock; a non-nil error
// aborts the change.
func (c *Controller) apply(mutate func(s *State) error) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	next := c.state
	if err := mutate(&next); err != nil {
		c.mu.Unlock()
		return err
	}
	if equal(next, c.state) {
		c.mu.Unlock()
		return nil
	}
	next.UpdatedAt = c.clock.Now()
	c.state = next
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

func equal(a, b State) bool {
	if a.Active != b.Active || a.Reason != b.Reason || a.UnlockRequestPending != b.UnlockRequestPending {
		return false
	}
	switch {
	case a.LockedUntil == nil && b.LockedUntil == nil:
		return true
	case a.LockedUntil == nil || b.LockedUntil == nil:
		return false
	default:
		return a.LockedUntil.Equal(*b.LockedUntil)
	}
}

// ObserveError inspects a backend error and locks when it flags the account
// as locked. It reports whether the error was a lock signal.
func (c *Controller) ObserveError(err error) bool {
	apiErr, ok := backend.IsAccountLocked(err)
	if !ok {
		return false
	}
	c.logger.Warn("account locked by backend response",
		zap.Int("status", apiErr.Status),
		zap.String("reason", apiErr.LockReason),
	)
	c.apply(func(s *State) error {
		s.Active = true
		s.Reason = apiErr.LockReason
		s.LockedUntil = apiErr.LockedUntil
		return nil
	})
	return true
}

// Revalidate fetches the authoritative profile and applies its lock state.
// On failure the state is left unchanged, unless the failure itself is a
// lock signal.
func (c *Controller) Revalidate(ctx context.Context) error {
	c.mu.Lock()
	gen := c.submitGen
	c.mu.Unlock()

	profile, err := c.source.FetchProfile(ctx)
	if err != nil {
		if !c.ObserveError(err) {
			c.logger.Warn("lock revalidation failed", zap.Error(err))
		}
		return err
	}

	return c.apply(func(s *State) error {
		s.Active = profile.IsLocked
		if profile.IsLocked {
			s.Reason = profile.LockReason
			s.LockedUntil = profile.LockedUntil
			if c.submitGen == gen {
				s.UnlockRequestPending = profile.UnlockRequestPending
			}
		} else {
			s.Reason = ""
			s.LockedUntil = nil
			s.UnlockRequestPending = false
		}
		return nil
	})
}

// RequestRevalidation starts a background revalidation. Requests made while
// one is in flight are coalesced into a single follow-up run.
func (c *Controller) RequestRevalidation() {
	c.revalMu.Lock()
	defer c.revalMu.Unlock()

	if c.inflight != nil {
		c.rerun = true
		return
	}
	done := make(chan struct{})
	c.inflight = done
	go c.revalidateLoop(done)
}

func (c *Controller) revalidateLoop(done chan struct{}) {
	defer close(done)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		c.Revalidate(ctx)
		cancel()

		c.revalMu.Lock()
		if !c.rerun {
			c.inflight = nil
			c.revalMu.Unlock()
			return
		}
		c.rerun = false
		c.revalMu.Unlock()
	}
}

// Wait blocks until no revalidation is in flight.
func (c *Controller) Wait() {
	for {
		c.revalMu.Lock()
		done := c.inflight
		c.revalMu.Unlock()
		if done == nil {
			return
		}
		<-done
	}
}

// SubmitUnlockRequest sends the user's justification to the backend. The
// request is marked pending until a later revalidation reports otherwise;
// a failed submission clears it.
func (c *Controller) SubmitUnlockRequest(ctx context.Context, justification string) error {
	justification = strings.TrimSpace(justification)
	err := c.apply(func(s *State) error {
		switch {
		case !s.Active:
			return ErrNotLocked
		case s.UnlockRequestPending:
			return ErrUnlockPending
		case justification == "":
			return ErrEmptyJustification
		}
		s.UnlockRequestPending = true
		c.submitGen++
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.source.SubmitUnlockRequest(ctx, justification); err != nil {
		c.logger.Warn("unlock request failed", zap.Error(err))
		c.apply(func(s *State) error {
			s.UnlockRequestPending = false
			return nil
		})
		return err
	}
	c.logger.Info("unlock request submitted")
	return nil
}
