package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/notify"
	"github.com/retail-bank-web/realtime/internal/realtime"
)

// Reserved notification titles that signal a change in account lock state.
const (
	TitleAccountLocked   = "Account Locked"
	TitleAccountUnlocked = "Account Unlocked"
)

// Subscriber is the subset of *realtime.Connection the router needs.
type Subscriber interface {
	ID() string
	Subscribe(name string, fn func(realtime.Message)) func()
}

// Revalidator is asked to re-fetch authoritative account state.
type Revalidator interface {
	RequestRevalidation()
}

// RevalidatorFunc adapts a function to Revalidator.
type RevalidatorFunc func()

// RequestRevalidation calls f.
func (f RevalidatorFunc) RequestRevalidation() {
	f()
}

type handler func(r *Router, data json.RawMessage) error

// dispatch is the table of handlers, one per Kind.
var dispatch = map[Kind]handler{
	KindConnected:       (*Router).handleConnected,
	KindBalanceUpdated:  (*Router).handleBalance,
	KindTransferUpdated: (*Router).handleTransfer,
	KindCardUpdated:     (*Router).handleCard,
	KindLoanUpdated:     (*Router).handleLoan,
	KindBitcoinUpdated:  (*Router).handleBitcoin,
	KindNotification:    (*Router).handleNotification,
}

// Router fans inbound events out to local consumers.
type Router struct {
	bus         *Bus
	notifier    notify.Notifier
	revalidator Revalidator
	clock       clock.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	attached Subscriber
	unsubs   []func()
}

// NewRouter creates a Router. revalidator may be nil when no lock
// controller is wired.
func NewRouter(bus *Bus, notifier notify.Notifier, revalidator Revalidator, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		bus:         bus,
		notifier:    notifier,
		revalidator: revalidator,
		clock:       clock.Real(),
		logger:      logger,
	}
}

// Attach registers one dispatcher per kind on sub, detaching from any
// previously attached connection first.
func (r *Router) Attach(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachLocked()
	r.attached = sub
	for _, kind := range AllKinds() {
		r.unsubs = append(r.unsubs, sub.Subscribe(string(kind), func(m realtime.Message) {
			r.route(kind, m)
		}))
	}
	r.logger.Debug("router attached", zap.String("connection_id", sub.ID()))
}

// Detach removes every dispatcher registered by the last Attach.
func (r *Router) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
}

func (r *Router) detachLocked() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.attached = nil
}

// AttachedID returns the id of the attached connection, or "".
func (r *Router) AttachedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached == nil {
		return ""
	}
	return r.attached.ID()
}

func (r *Router) route(kind Kind, m realtime.Message) {
	h, ok := dispatch[kind]
	if !ok {
		r.logger.Warn("no handler for event", zap.String("event", string(kind)))
		return
	}
	if err := h(r, m.Data); err != nil {
		r.logger.Warn("dropping malformed event",
			zap.String("event", string(kind)),
			zap.String("event_id", m.ID),
			zap.Error(err),
		)
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// StatusSeverity maps a transfer, loan or bitcoin status to a toast severity.
func StatusSeverity(status string) notify.Severity {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "approved":
		return notify.SeveritySuccess
	case "failed", "rejected":
		return notify.SeverityError
	default:
		return notify.SeverityInfo
	}
}

func (r *Router) toast(sev notify.Severity, title, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(notify.Toast{Severity: sev, Title: title, Message: message, At: r.clock.Now()})
}

func (r *Router) handleConnected(data json.RawMessage) error {
	p, err := decode[Connected](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalConnected, p)
	return nil
}

func (r *Router) handleBalance(data json.RawMessage) error {
	p, err := decode[BalanceUpdated](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalBalance, p)
	return nil
}

func (r *Router) handleTransfer(data json.RawMessage) error {
	p, err := decode[TransferUpdated](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalTransfer, p)
	r.toast(StatusSeverity(p.Status), "Transfer update", fmt.Sprintf("Transfer %s", describeStatus(p.Status)))
	return nil
}

func (r *Router) handleCard(data json.RawMessage) error {
	p, err := decode[CardUpdated](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalCard, p)
	action := p.Action
	if action == "" {
		action = describeStatus(p.Status)
	}
	r.toast(notify.SeverityInfo, "Card update", fmt.Sprintf("Card %s", action))
	return nil
}

func (r *Router) handleLoan(data json.RawMessage) error {
	p, err := decode[LoanUpdated](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalLoan, p)
	r.toast(StatusSeverity(p.Status), "Loan update", fmt.Sprintf("Loan application %s", describeStatus(p.Status)))
	return nil
}

func (r *Router) handleBitcoin(data json.RawMessage) error {
	p, err := decode[BitcoinTransactionUpdated](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalBitcoin, p)
	label := "Bitcoin transaction"
	if p.Type != "" {
		label = "Bitcoin " + strings.ToLower(p.Type)
	}
	r.toast(StatusSeverity(p.Status), "Bitcoin update", fmt.Sprintf("%s %s", label, describeStatus(p.Status)))
	return nil
}

func (r *Router) handleNotification(data json.RawMessage) error {
	p, err := decode[Notification](data)
	if err != nil {
		return err
	}
	r.bus.Publish(SignalNotification, p)
	r.toast(notify.ParseSeverity(p.Type), p.Title, p.Message)

	if IsLockTitle(p.Title) && r.revalidator != nil {
		r.logger.Info("lock notification received, revalidating", zap.String("title", p.Title))
		r.revalidator.RequestRevalidation()
	}
	return nil
}

// IsLockTitle reports whether title is one of the reserved lock titles.
func IsLockTitle(title string) bool {
	t := strings.TrimSpace(title)
	return strings.EqualFold(t, TitleAccountLocked) || strings.EqualFold(t, TitleAccountUnlocked)
}

func describeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return "updated"
	}
	return strings.ReplaceAll(s, "_", " ")
}
