package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

// ErrNotConnected is returned by Send before Connect.
var ErrNotConnected = errors.New("channel not connected")

// DocumentStore is a replicated store where each key holds one document.
// Subscribe must deliver the key's current document first.
type DocumentStore interface {
	Put(key string, doc []byte) error
	Subscribe(key string, fn func(doc []byte)) (cancel func())
}

// StoreChannel is a Channel that writes every message as the document under
// one key and surfaces every document change as a message. The document is
// replayed to each fresh subscription, so Replays is always true.
type StoreChannel struct {
	store     DocumentStore
	listeners *listeners
	state     atomic.Int32

	mu     sync.Mutex
	key    string
	cancel func()
}

// NewStoreChannel creates an unconnected channel over store.
func NewStoreChannel(store DocumentStore) *StoreChannel {
	c := &StoreChannel{
		store:     store,
		listeners: newListeners(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Connect subscribes to the document under key.
func (c *StoreChannel) Connect(_ context.Context, key string) error {
	if key == "" {
		return errors.New("store key is required")
	}

	c.mu.Lock()
	if c.cancel != nil || c.State() == StateClosed {
		c.mu.Unlock()
		return errors.New("store channel already connected")
	}
	c.key = key
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	c.listeners.dispatch(Event{Kind: EventOpen})

	cancel := c.store.Subscribe(key, func(doc []byte) {
		if c.State() != StateOpen {
			return
		}
		c.listeners.dispatch(Event{Kind: EventMessage, Data: doc})
	})

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	log.Debug("store channel subscribed", "key", key)
	return nil
}

// Send writes data as the new document.
func (c *StoreChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch c.State() {
	case StateClosed:
		return ptt.ErrChannelClosed
	case StateConnecting:
		return ErrNotConnected
	}

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	if err := c.store.Put(key, data); err != nil {
		c.listeners.dispatch(Event{Kind: EventError, Err: err})
		return err
	}
	return nil
}

// On registers a handler for a lifecycle event.
func (c *StoreChannel) On(kind EventKind, h Handler) *Subscription {
	return c.listeners.add(kind, h)
}

// State returns the current lifecycle state.
func (c *StoreChannel) State() State {
	return State(c.state.Load())
}

// Replays always reports true.
func (c *StoreChannel) Replays() bool {
	return true
}

// Close cancels the subscription.
func (c *StoreChannel) Close() error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.listeners.dispatch(Event{Kind: EventClose})
	return nil
}
