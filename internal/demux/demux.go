// Package demux turns raw channel messages back into typed push-to-talk
// events. It drops the keep-alive ping, the initial replay of a fresh
// subscription, our own echoes and duplicate deliveries before dispatching.
package demux

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/protocol"
	"github.com/dgnsrekt/walkie/internal/ptt"
	"github.com/dgnsrekt/walkie/internal/transport"
)

// Handler receives dispatched events.
type Handler func(ptt.Event)

// CancelFunc removes a handler registered with On.
type CancelFunc func()

// Stats counts what happened to inbound messages.
type Stats struct {
	Dispatched uint64
	Pings      uint64
	Replays    uint64
	Echoes     uint64
	Duplicates uint64
	Malformed  uint64
}

type registration struct {
	id      uint64
	handler Handler
}

// Demultiplexer reads messages from a channel and dispatches typed events.
type Demultiplexer struct {
	session ptt.SessionContext
	ch      transport.Channel

	mu             sync.Mutex
	cursors        map[string]int64
	awaitingReplay bool
	stats          Stats

	hmu      sync.RWMutex
	nextID   uint64
	handlers map[ptt.EventKind][]registration

	subs []*transport.Subscription
}

// New attaches a demultiplexer to ch. It must be created before ch connects
// so the first replayed document is recognized.
func New(session ptt.SessionContext, ch transport.Channel) *Demultiplexer {
	d := &Demultiplexer{
		session:        session,
		ch:             ch,
		cursors:        make(map[string]int64),
		awaitingReplay: ch.Replays(),
		handlers:       make(map[ptt.EventKind][]registration),
	}

	d.subs = append(d.subs,
		ch.On(transport.EventMessage, func(ev transport.Event) { d.Handle(ev.Data) }),
		ch.On(transport.EventReconnect, func(transport.Event) { d.resubscribed() }),
	)
	return d
}

// On registers h for events of kind.
func (d *Demultiplexer) On(kind ptt.EventKind, h Handler) CancelFunc {
	d.hmu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, handler: h})
	d.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.hmu.Lock()
			defer d.hmu.Unlock()
			regs := d.handlers[kind]
			for i, r := range regs {
				if r.id == id {
					d.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
					return
				}
			}
		})
	}
}

// resubscribed arms initial-replay suppression for the new subscription.
func (d *Demultiplexer) resubscribed() {
	if !d.ch.Replays() {
		return
	}
	d.mu.Lock()
	d.awaitingReplay = true
	d.mu.Unlock()
}

// Handle processes one raw inbound message.
func (d *Demultiplexer) Handle(raw []byte) {
	if string(raw) == protocol.PingToken {
		d.count(func(s *Stats) { s.Pings++ })
		if err := d.ch.Send(context.Background(), []byte(protocol.AckToken)); err != nil {
			log.Debug("failed to acknowledge ping", "error", err)
		}
		return
	}

	d.mu.Lock()
	if d.awaitingReplay {
		d.awaitingReplay = false
		d.stats.Replays++
		d.mu.Unlock()
		log.Debug("dropped initial replay", "bytes", len(raw))
		return
	}
	d.mu.Unlock()

	env, err := protocol.Unmarshal(raw)
	if err != nil {
		d.malformed(err)
		return
	}
	if env.IsEmpty() {
		d.malformed(errors.New("empty envelope"))
		return
	}

	if d.session.IsLocal(env.SenderID) {
		d.count(func(s *Stats) { s.Echoes++ })
		return
	}

	d.mu.Lock()
	last, seen := d.cursors[env.SenderID]
	if seen && last == env.Timestamp {
		d.stats.Duplicates++
		d.mu.Unlock()
		log.Debug("dropped duplicate", "sender", env.SenderID, "timestamp", env.Timestamp)
		return
	}
	d.cursors[env.SenderID] = env.Timestamp
	d.mu.Unlock()

	msg, err := protocol.Classify(env.Data)
	if err != nil {
		d.malformed(err)
		return
	}

	d.dispatch(ptt.Event{
		Kind:      msg.Kind,
		Sender:    env.SenderID,
		Timestamp: env.Timestamp,
		Metadata:  msg.Metadata,
		Audio:     msg.Audio,
	})
}

func (d *Demultiplexer) dispatch(ev ptt.Event) {
	d.hmu.RLock()
	regs := append([]registration(nil), d.handlers[ev.Kind]...)
	d.hmu.RUnlock()

	d.count(func(s *Stats) { s.Dispatched++ })
	for _, r := range regs {
		r.handler(ev)
	}
}

func (d *Demultiplexer) malformed(err error) {
	d.count(func(s *Stats) { s.Malformed++ })
	log.Debug("dropped malformed message", "error", err)
}

func (d *Demultiplexer) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Demultiplexer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Senders returns how many distinct remote senders have been seen.
func (d *Demultiplexer) Senders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cursors)
}

// Close detaches from the channel. The channel itself stays open.
func (d *Demultiplexer) Close() {
	for _, s := range d.subs {
		s.Cancel()
	}
	d.subs = nil
}
