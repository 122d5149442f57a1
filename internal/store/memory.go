// Package store provides a replicated-document store where each key holds a
// single document and subscribers observe every write.
package store

import (
	"errors"
	"sync"
	"sync/atomic"
)

// EmptyDocument is replayed to subscribers of a key that was never written.
var EmptyDocument = []byte("{}")

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("store closed")

// Metrics tracks store operations.
type Metrics struct {
	Puts        atomic.Int64
	Deliveries  atomic.Int64
	Subscribers atomic.Int64
}

// Memory is an in-process document store. A new subscriber first receives
// the key's current document, or EmptyDocument, then every later write in
// order. Each subscriber is served by its own goroutine.
type Memory struct {
	mu      sync.Mutex
	docs    map[string][]byte
	subs    map[string]map[uint64]*subscriber
	nextID  uint64
	closed  bool
	metrics *Metrics
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string][]byte),
		subs:    make(map[string]map[uint64]*subscriber),
		metrics: &Metrics{},
	}
}

// Put replaces the document under key and notifies subscribers.
func (m *Memory) Put(key string, doc []byte) error {
	doc = append([]byte(nil), doc...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.docs[key] = doc
	m.metrics.Puts.Add(1)

	for _, s := range m.subs[key] {
		s.push(doc)
	}
	return nil
}

// Get returns the current document under key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), doc...), true
}

// Subscribe registers fn for key. fn is never called concurrently with
// itself. The returned function cancels the subscription.
func (m *Memory) Subscribe(key string, fn func(doc []byte)) (cancel func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}

	m.nextID++
	id := m.nextID
	s := newSubscriber(fn, m.metrics)
	if m.subs[key] == nil {
		m.subs[key] = make(map[uint64]*subscriber)
	}
	m.subs[key][id] = s

	if doc, ok := m.docs[key]; ok {
		s.push(doc)
	} else {
		s.push(EmptyDocument)
	}
	m.metrics.Subscribers.Add(1)
	m.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if subs, ok := m.subs[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.subs, key)
				}
			}
			m.mu.Unlock()
			m.metrics.Subscribers.Add(-1)
			s.stop()
		})
	}
}

// Metrics returns the store's counters.
func (m *Memory) Metrics() *Metrics {
	return m.metrics
}

// Close stops every subscriber. Later Puts fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for key, subs := range m.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(m.subs, key)
	}
	return nil
}

// subscriber holds an unbounded FIFO so Put never blocks on a slow reader.
type subscriber struct {
	fn      func([]byte)
	metrics *Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	stopped bool
}

func newSubscriber(fn func([]byte), metrics *Metrics) *subscriber {
	s := &subscriber{fn: fn, metrics: metrics}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.pending = append(s.pending, doc)
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.pending = nil
	s.cond.Broadcast()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		doc := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.fn(append([]byte(nil), doc...))
		s.metrics.Deliveries.Add(1)
	}
}
