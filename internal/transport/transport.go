// Package transport abstracts a single duplex, message-oriented channel.
// Listener registrations live on the channel wrapper rather than on the
// underlying connection, so they survive reconnects without caller action.
package transport

import (
	"context"
	"sync"
)

// State is the lifecycle state of a channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventKind identifies a channel lifecycle event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventError
	EventMessage
	EventReconnect
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered with On.
type Event struct {
	Kind EventKind
	Data []byte // EventMessage payload
	Err  error  // EventClose / EventError cause
}

// Handler receives channel events.
type Handler func(Event)

// Channel is a duplex message channel with lifecycle events.
type Channel interface {
	// Connect opens the channel to address. It fails if the first attempt fails.
	Connect(ctx context.Context, address string) error

	// Send queues data for delivery. It never panics; when the channel is
	// terminally closed it returns ptt.ErrChannelClosed.
	Send(ctx context.Context, data []byte) error

	// On registers a handler. The returned subscription removes it.
	On(kind EventKind, h Handler) *Subscription

	// State returns the current lifecycle state.
	State() State

	// Replays reports whether each fresh subscription starts with a replay
	// of the current document rather than a live message.
	Replays() bool

	// Close shuts the channel down for good.
	Close() error
}

// Subscription is a cancellation handle for a registered handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel in a handle for Channel implementations
// outside this package.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel removes the handler. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type registration struct {
	id      uint64
	handler Handler
}

// listeners is the handler registry shared by channel implementations.
type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[EventKind][]registration
}

func newListeners() *listeners {
	return &listeners{byKind: make(map[EventKind][]registration)}
}

func (l *listeners) add(kind EventKind, h Handler) *Subscription {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.byKind[kind] = append(l.byKind[kind], registration{id: id, handler: h})
	l.mu.Unlock()

	return NewSubscription(func() { l.remove(kind, id) })
}

func (l *listeners) remove(kind EventKind, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	regs := l.byKind[kind]
	for i, r := range regs {
		if r.id == id {
			l.byKind[kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// dispatch calls handlers in registration order. Handlers may subscribe or
// cancel from inside a callback.
func (l *listeners) dispatch(ev Event) {
	l.mu.RLock()
	regs := append([]registration(nil), l.byKind[ev.Kind]...)
	l.mu.RUnlock()

	for _, r := range regs {
		r.handler(ev)
	}
}

func (l *listeners) count(kind EventKind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKind[kind])
}
