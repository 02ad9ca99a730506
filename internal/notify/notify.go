// Package notify carries user-visible sync events out of the core: failure
// toasts for critical dead letters and queue-state updates for UI consumers.
// It replaces fine-grained reactive state with a plain pub/sub hub: read the
// current value, or subscribe to changes.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Level is the severity of a user-visible notification.
type Level string

const (
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a user-visible toast.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(n Notification)
}

// QueueState is the observable outbox state published on every change.
type QueueState struct {
	Pending    int  `json:"pending"`
	Paused     int  `json:"paused"`
	DeadLetter int  `json:"deadLetter"`
	Online     bool `json:"online"`
	Draining   bool `json:"draining"`
	EscapeMode bool `json:"escapeMode"`
}

// Hub fans notifications and queue-state updates out to subscribers.
// Sends never block: a slow subscriber misses intermediate states but
// always receives a later one.
type Hub struct {
	mu            sync.Mutex
	logger        zerolog.Logger
	notifications []chan Notification
	states        []chan QueueState
	lastState     QueueState
}

// NewHub creates a hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Notify publishes a user-visible notification.
func (h *Hub) Notify(n Notification) {
	h.mu.Lock()
	subs := append([]chan Notification(nil), h.notifications...)
	h.mu.Unlock()

	h.logger.Info().Str("level", string(n.Level)).Str("message", n.Message).Msg("user notification")
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// PublishState broadcasts the current queue state.
func (h *Hub) PublishState(s QueueState) {
	h.mu.Lock()
	h.lastState = s
	subs := append([]chan QueueState(nil), h.states...)
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Drain the stale value so the latest one always fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// State returns the most recently published queue state.
func (h *Hub) State() QueueState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastState
}

// SubscribeNotifications returns a channel of future notifications.
func (h *Hub) SubscribeNotifications() <-chan Notification {
	ch := make(chan Notification, 8)
	h.mu.Lock()
	h.notifications = append(h.notifications, ch)
	h.mu.Unlock()
	return ch
}

// SubscribeState returns a channel of future queue-state updates.
func (h *Hub) SubscribeState() <-chan QueueState {
	ch := make(chan QueueState, 1)
	h.mu.Lock()
	h.states = append(h.states, ch)
	h.mu.Unlock()
	return ch
}
