package events

import (
	"errors"
	"sync"
)

// ErrDuplicateConsumer is returned when a consumer id is already registered
// for a signal.
var ErrDuplicateConsumer = errors.New("consumer already registered for signal")

// Signal is a local, wire-independent notification name.
type Signal string

const (
	SignalConnected    Signal = "realtime:connected"
	SignalBalance      Signal = "balance:updated"
	SignalTransfer     Signal = "transfer:updated"
	SignalCard         Signal = "card:updated"
	SignalLoan         Signal = "loan:updated"
	SignalBitcoin      Signal = "bitcoin:updated"
	SignalNotification Signal = "notification:received"
)

// Consumer receives the typed payload published on a signal.
type Consumer func(payload any)

type consumer struct {
	id string
	fn Consumer
}

// Bus is the in-process signal fan-out. Consumers run synchronously, in
// registration order.
type Bus struct {
	mu        sync.RWMutex
	consumers map[Signal][]consumer
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{consumers: make(map[Signal][]consumer)}
}

// Subscribe registers fn under id for signal.
func (b *Bus) Subscribe(signal Signal, id string, fn Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.consumers[signal] {
		if c.id == id {
			return ErrDuplicateConsumer
		}
	}
	b.consumers[signal] = append(b.consumers[signal], consumer{id: id, fn: fn})
	return nil
}

// Unsubscribe removes the consumer id from signal. It reports whether the
// consumer was registered.
func (b *Bus) Unsubscribe(signal Signal, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.consumers[signal]
	for i, c := range list {
		if c.id == id {
			b.consumers[signal] = append(list[:i:i], list[i+1:]...)
			if len(b.consumers[signal]) == 0 {
				delete(b.consumers, signal)
			}
			return true
		}
	}
	return false
}

// Publish delivers payload to every consumer of signal.
func (b *Bus) Publish(signal Signal, payload any) {
	b.mu.RLock()
	list := append([]consumer(nil), b.consumers[signal]...)
	b.mu.RUnlock()

	for _, c := range list {
		c.fn(payload)
	}
}

// Count returns the number of consumers of signal.
func (b *Bus) Count(signal Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers[signal])
}
