// Package playback reconstructs received audio and renders it in the order
// it arrived, independent of how long each chunk takes to decode.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/demux"
	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
	"github.com/dgnsrekt/walkie/internal/queue"
)

// RenderContext plays decoded frames in one stream format.
type RenderContext interface {
	// Render hands frames to the output. Calls arrive in enqueue order.
	Render(frames ptt.Frames) error

	// Release frees the context once everything rendered has played.
	Release() error
}

// Renderer allocates render contexts.
type Renderer interface {
	Allocate(meta ptt.Metadata) (RenderContext, error)
}

// DecodeFunc turns one Binary payload into frames.
type DecodeFunc func(meta ptt.Metadata, audio []byte) (ptt.Frames, error)

// DefaultDecode containerizes the PCM with the stream's metadata and decodes it.
func DefaultDecode(meta ptt.Metadata, audio []byte) (ptt.Frames, error) {
	frames, _, err := pcm.Decode(pcm.Containerize(pcm.OptionsFor(meta), audio))
	return frames, err
}

// State is the playback session state.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StatePlaying
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StatePlaying:
		return "playing"
	default:
		return "idle"
	}
}

const (
	defaultQueueSize   = 64
	defaultMemoryLimit = 32 << 20
	closeTimeout       = 5 * time.Second
)

// Stats counts playback activity.
type Stats struct {
	Enqueued       int64
	Rendered       int64
	Released       int64
	DecodeFailures int64
	Rejected       int64
	Queue          queue.Stats
}

type stream struct {
	sender string
	meta   ptt.Metadata
	rc     RenderContext
}

// slot is one position in the playback queue. done closes when the slot is
// ready to be processed by the render loop.
type slot struct {
	stream  *stream
	audio   []byte
	frames  ptt.Frames
	err     error
	done    chan struct{}
	release bool
	barrier chan struct{}
}

func slotSize(s *slot) int64 {
	// PCM bytes plus the float frames they expand into.
	return int64(len(s.audio)) * 3
}

// Option configures a Session.
type Option func(*Session)

// WithDecoder replaces DefaultDecode.
func WithDecoder(fn DecodeFunc) Option {
	return func(s *Session) {
		s.decode = fn
	}
}

// WithErrorObserver receives dropped envelopes and render failures.
func WithErrorObserver(fn func(error)) Option {
	return func(s *Session) {
		s.onError = fn
	}
}

// WithQueueLimits bounds the playback queue.
func WithQueueLimits(maxSize int, memoryLimit int64) Option {
	return func(s *Session) {
		s.queueSize = maxSize
		s.memoryLimit = memoryLimit
	}
}

// Session consumes demultiplexed events and renders the audio they carry.
type Session struct {
	renderer    Renderer
	decode      DecodeFunc
	onError     func(error)
	queueSize   int
	memoryLimit int64

	// handleMu keeps enqueue order equal to Handle call order.
	handleMu sync.Mutex

	// handoffs tracks release slots waiting for queue space off the
	// dispatch goroutine.
	handoffs sync.WaitGroup

	mu      sync.Mutex
	state   State
	streams map[string]*stream
	stats   Stats

	queue    *queue.Queue[*slot]
	loopDone chan struct{}
}

// New creates a session and starts its render loop.
func New(renderer Renderer, opts ...Option) *Session {
	s := &Session{
		renderer:    renderer,
		decode:      DefaultDecode,
		queueSize:   defaultQueueSize,
		memoryLimit: defaultMemoryLimit,
		streams:     make(map[string]*stream),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = queue.New(s.queueSize, s.memoryLimit, slotSize)

	go s.renderLoop()
	return s
}

// Attach subscribes the session to every event kind of d.
func (s *Session) Attach(d *demux.Demultiplexer) (detach func()) {
	var cancels []demux.CancelFunc
	for _, kind := range []ptt.EventKind{ptt.EventStarted, ptt.EventMetadata, ptt.EventBinary, ptt.EventStopped} {
		cancels = append(cancels, d.On(kind, s.Handle))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	stats.Queue = s.queue.GetStats()
	return stats
}

// Handle processes one event. It never returns an error to the caller;
// failures go to the error observer.
func (s *Session) Handle(ev ptt.Event) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	switch ev.Kind {
	case ptt.EventStarted:
		s.mu.Lock()
		if s.state == StateIdle {
			s.state = StateArmed
		}
		s.mu.Unlock()
		log.Debug("remote transmission started", "sender", ev.Sender)

	case ptt.EventMetadata:
		s.handleMetadata(ev)

	case ptt.EventBinary:
		s.handleBinary(ev)

	case ptt.EventStopped:
		s.mu.Lock()
		st := s.streams[ev.Sender]
		delete(s.streams, ev.Sender)
		s.mu.Unlock()

		s.enqueueRelease(st)
		log.Debug("remote transmission stopped", "sender", ev.Sender)
	}
}

func (s *Session) handleMetadata(ev ptt.Event) {
	s.mu.Lock()
	current := s.streams[ev.Sender]
	s.mu.Unlock()

	if current != nil && sameFormat(current.meta, ev.Metadata) {
		return
	}
	if current != nil {
		// Format changed mid-stream: release the old context in order.
		s.enqueueRelease(current)
	}

	rc, err := s.renderer.Allocate(ev.Metadata)
	if err != nil {
		s.mu.Lock()
		delete(s.streams, ev.Sender)
		s.mu.Unlock()
		s.fail(fmt.Errorf("failed to allocate render context for %s: %w", ev.Sender, err))
		return
	}

	s.mu.Lock()
	s.streams[ev.Sender] = &stream{sender: ev.Sender, meta: ev.Metadata, rc: rc}
	if s.state == StateIdle {
		s.state = StateArmed
	}
	s.mu.Unlock()

	log.Debug("render context allocated", "sender", ev.Sender,
		"rate", ev.Metadata.SampleRate, "channels", ev.Metadata.Channels, "bits", ev.Metadata.BitsPerSample)
}

func (s *Session) handleBinary(ev ptt.Event) {
	s.mu.Lock()
	st := s.streams[ev.Sender]
	s.mu.Unlock()

	if st == nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		s.fail(ptt.NewError(ptt.CodeMissingMetadata, "binary received before metadata", nil).
			WithContext("sender", ev.Sender).
			WithContext("timestamp", ev.Timestamp))
		return
	}

	sl := &slot{stream: st, audio: ev.Audio, done: make(chan struct{})}
	if !s.enqueue(sl) {
		return
	}

	go func() {
		defer close(sl.done)
		sl.frames, sl.err = s.decode(st.meta, sl.audio)
	}()
}

// enqueue adds an audio slot without blocking the caller. A full queue
// rejects the chunk and reports it to the error observer.
func (s *Session) enqueue(sl *slot) bool {
	if err := s.queue.TryEnqueue(sl); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return false
		}
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		s.fail(fmt.Errorf("playback queue rejected chunk from %s: %w", sl.stream.sender, err))
		return false
	}
	s.mu.Lock()
	s.stats.Enqueued++
	s.mu.Unlock()
	return true
}

// enqueueRelease schedules st's release behind its queued audio. Releases
// are never dropped: when the queue is full the slot waits for space on its
// own goroutine.
func (s *Session) enqueueRelease(st *stream) {
	done := make(chan struct{})
	close(done)
	sl := &slot{stream: st, release: true, done: done}

	err := s.queue.TryEnqueue(sl)
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrQueueAtCapacity) {
		s.handoffs.Add(1)
		go func() {
			defer s.handoffs.Done()
			if err := s.queue.EnqueueContext(context.Background(), sl); err != nil {
				s.release(st)
			}
		}()
		return
	}
	s.release(st)
}

// renderLoop is the ordered gate: it waits on each slot in enqueue order no
// matter which decode finished first.
func (s *Session) renderLoop() {
	defer close(s.loopDone)

	for {
		sl, err := s.queue.Dequeue()
		if err != nil {
			return
		}
		<-sl.done

		switch {
		case sl.barrier != nil:
			close(sl.barrier)

		case sl.release:
			s.release(sl.stream)

		case sl.err != nil:
			s.mu.Lock()
			s.stats.DecodeFailures++
			s.mu.Unlock()
			s.fail(fmt.Errorf("failed to decode chunk from %s: %w", sl.stream.sender, sl.err))

		default:
			s.mu.Lock()
			s.state = StatePlaying
			s.mu.Unlock()

			if err := sl.stream.rc.Render(sl.frames); err != nil {
				s.fail(fmt.Errorf("failed to render chunk from %s: %w", sl.stream.sender, err))
				continue
			}
			s.mu.Lock()
			s.stats.Rendered++
			s.mu.Unlock()
		}
	}
}

func (s *Session) release(st *stream) {
	if st != nil {
		if err := st.rc.Release(); err != nil {
			s.fail(fmt.Errorf("failed to release render context: %w", err))
		}
	}

	s.mu.Lock()
	if st != nil {
		s.stats.Released++
	}
	if len(s.streams) == 0 {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// Drain blocks until everything enqueued so far has been processed or ctx
// is done.
func (s *Session) Drain(ctx context.Context) error {
	handedOff := make(chan struct{})
	go func() {
		s.handoffs.Wait()
		close(handedOff)
	}()
	select {
	case <-handedOff:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	close(done)
	barrier := make(chan struct{})

	if err := s.queue.EnqueueContext(ctx, &slot{done: done, barrier: barrier}); err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, stops the render loop and releases any contexts
// still held.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Drain(ctx); err != nil && !errors.Is(err, queue.ErrQueueClosed) {
		log.Warn("playback did not drain before close", "error", err)
	}

	s.queue.Close()
	<-s.loopDone
	s.handoffs.Wait()

	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.state = StateIdle
	s.mu.Unlock()

	for _, st := range streams {
		st.rc.Release()
	}
	return nil
}

func (s *Session) fail(err error) {
	log.Warn("playback error", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

func sameFormat(a, b ptt.Metadata) bool {
	return a.SampleRate == b.SampleRate && a.Channels == b.Channels && a.BitsPerSample == b.BitsPerSample
}
