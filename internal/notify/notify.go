// Package notify holds the toast surface that consumes notifications
// raised by the event router.
package notify

import (
	"strings"
	"sync"
	"time"
)

// Severity of a toast.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ParseSeverity maps a wire notification type to a Severity. Unknown or
// empty values are informational.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityError:
		return SeverityError
	case SeverityWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Toast is a transient user-visible notification.
type Toast struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Notifier shows toasts.
type Notifier interface {
	Notify(Toast)
}

// Func adapts a function to Notifier.
type Func func(Toast)

// Notify calls f.
func (f Func) Notify(t Toast) {
	f(t)
}

// Multi fans a toast out to several notifiers in order.
func Multi(notifiers ...Notifier) Notifier {
	return Func(func(t Toast) {
		for _, n := range notifiers {
			n.Notify(t)
		}
	})
}

// Tray is a thread-safe bounded history of the most recent toasts. When
// full, the oldest toast is discarded.
type Tray struct {
	toasts   []Toast
	start    int
	capacity int
	mu       sync.RWMutex
}

// NewTray creates a Tray. The capacity must be greater than 0; if not, it
// defaults to 1.
func NewTray(capacity int) *Tray {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tray{
		toasts:   make([]Toast, 0, capacity),
		capacity: capacity,
	}
}

// Notify records t, evicting the oldest toast when the tray is full.
func (tr *Tray) Notify(t Toast) {
	if t.At.IsZero() {
		t.At = time.Now()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if len(tr.toasts) < tr.capacity {
		tr.toasts = append(tr.toasts, t)
		return
	}
	tr.toasts[tr.start] = t
	tr.start = (tr.start + 1) % tr.capacity
}

// Recent returns a copy of the toasts, oldest first.
func (tr *Tray) Recent() []Toast {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if len(tr.toasts) == 0 {
		return nil
	}
	result := make([]Toast, 0, len(tr.toasts))
	result = append(result, tr.toasts[tr.start:]...)
	result = append(result, tr.toasts[:tr.start]...)
	return result
}

// Latest returns the most recent toast.
func (tr *Tray) Latest() (Toast, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if len(tr.toasts) == 0 {
		return Toast{}, false
	}
	i := (tr.start + len(tr.toasts) - 1) % len(tr.toasts)
	return tr.toasts[i], true
}

// Clear removes all toasts.
func (tr *Tray) Clear() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.toasts = tr.toasts[:0]
	tr.start = 0
}

// Len returns the number of toasts held.
func (tr *Tray) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	return len(tr.toasts)
}

// Cap returns the capacity of the tray.
func (tr *Tray) Cap() int {
	return tr.capacity
}
