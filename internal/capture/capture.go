// Package capture drives a capture device through a chunked flush cycle and
// turns what it records into Started, Metadata, Binary and Stopped events.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Constraints are the preferred capture format. Zero fields mean "any".
type Constraints struct {
	SampleRate int
	Channels   int
}

// Format is the format a device actually negotiated.
type Format struct {
	SampleRate int
	Channels   int
}

// Device is a source of audio that must be negotiated before use.
type Device interface {
	Negotiate(ctx context.Context, c Constraints) (Handle, error)
}

// Handle is a negotiated capture primitive. Frames are delivered to the
// OnFrames callback while started. Stop delivers anything still buffered
// before it returns.
type Handle interface {
	Format() Format
	OnFrames(fn func(ptt.Frames))
	Start() error
	Stop() error
	Close() error
}

// Transmitter sends one local event. *protocol.Multiplexer implements it.
type Transmitter interface {
	Transmit(ctx context.Context, kind ptt.EventKind, payload any) error
}

// State is the capture session state.
type State int32

const (
	StateIdle State = iota
	StateRecording
)

// String returns the string representation of the state
func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// Config controls the flush cycle.
type Config struct {
	// ChunkDuration is the flush interval.
	ChunkDuration time.Duration

	// StopDelay separates the final flush from Stopped. Defaults to ChunkDuration.
	StopDelay time.Duration

	// BitDepth is the target encoding declared in metadata.
	BitDepth int

	Constraints Constraints
}

// DefaultConfig returns a 0.5s chunk, 16-bit configuration.
func DefaultConfig() Config {
	return Config{
		ChunkDuration: ptt.DefaultChunkDuration,
		BitDepth:      ptt.DefaultBitDepth,
		Constraints: Constraints{
			SampleRate: ptt.DefaultSampleRate,
			Channels:   ptt.DefaultChannels,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = ptt.DefaultChunkDuration
	}
	if c.StopDelay <= 0 {
		c.StopDelay = c.ChunkDuration
	}
	if c.BitDepth == 0 {
		c.BitDepth = ptt.DefaultBitDepth
	}
	return c
}

// Session records from one negotiated handle.
type Session struct {
	cfg    Config
	handle Handle
	tx     Transmitter
	meta   ptt.Metadata

	// opMu serializes Start and Stop, including Stop's trailing delay.
	opMu     sync.Mutex
	state    atomic.Int32
	stopTick chan struct{}
	tickDone chan struct{}

	flushMu      sync.Mutex
	awaitingMeta bool

	bufMu sync.Mutex
	buf   ptt.Frames

	errMu   sync.RWMutex
	onError func(error)
}

// Open negotiates a handle from dev and prepares a session on it.
func Open(ctx context.Context, dev Device, tx Transmitter, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported target bit depth %d", cfg.BitDepth)
	}

	handle, err := dev.Negotiate(ctx, cfg.Constraints)
	if err != nil {
		return nil, ptt.NewError(ptt.CodeNegotiationFailed, "capture device negotiation failed", err)
	}

	format := handle.Format()
	if format.SampleRate <= 0 || format.Channels <= 0 {
		handle.Close()
		return nil, ptt.NewError(ptt.CodeNegotiationFailed,
			fmt.Sprintf("device reported unusable format %d Hz x %d", format.SampleRate, format.Channels), nil)
	}

	s := &Session{
		cfg:    cfg,
		handle: handle,
		tx:     tx,
		meta:   ptt.NewMetadata(format.SampleRate, pcm.EncodedChannels(format.Channels), cfg.BitDepth, cfg.ChunkDuration),
	}
	handle.OnFrames(s.onFrames)

	log.Debug("capture device negotiated", "rate", format.SampleRate, "channels", format.Channels)
	return s, nil
}

// OnError sets the observer for failures that happen on the flush timer.
func (s *Session) OnError(fn func(error)) {
	s.errMu.Lock()
	s.onError = fn
	s.errMu.Unlock()
}

// Metadata returns the metadata announced by the first flush.
func (s *Session) Metadata() ptt.Metadata {
	return s.meta
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start sends Started, begins capture and arms the flush timer.
// Starting a recording session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateRecording {
		return nil
	}

	if err := s.tx.Transmit(ctx, ptt.EventStarted, nil); err != nil {
		return fmt.Errorf("failed to announce start: %w", err)
	}

	s.flushMu.Lock()
	s.awaitingMeta = true
	s.flushMu.Unlock()

	s.bufMu.Lock()
	s.buf = nil
	s.bufMu.Unlock()

	if err := s.handle.Start(); err != nil {
		_ = s.tx.Transmit(ctx, ptt.EventStopped, nil)
		return fmt.Errorf("failed to start capture: %w", err)
	}

	s.state.Store(int32(StateRecording))
	s.stopTick = make(chan struct{})
	s.tickDone = make(chan struct{})
	go s.tick(s.stopTick, s.tickDone)

	log.Info("transmitting", "chunk", s.cfg.ChunkDuration)
	return nil
}

// Stop cancels the flush timer, flushes what is left and sends Stopped one
// StopDelay later. Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateRecording {
		return nil
	}

	close(s.stopTick)
	<-s.tickDone

	ferr := s.flush(ctx, false)

	// Give the final chunk a head start over Stopped.
	timer := time.NewTimer(s.cfg.StopDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	s.state.Store(int32(StateIdle))
	if err := s.tx.Transmit(context.WithoutCancel(ctx), ptt.EventStopped, nil); err != nil {
		return fmt.Errorf("failed to announce stop: %w", err)
	}

	log.Info("transmission ended")
	return ferr
}

// Close stops the session and releases the device.
func (s *Session) Close() error {
	stopErr := s.Stop(context.Background())
	if err := s.handle.Close(); err != nil {
		return fmt.Errorf("failed to close capture device: %w", err)
	}
	return stopErr
}

func (s *Session) tick(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.flush(context.Background(), true); err != nil {
				s.fail(err)
			}
		}
	}
}

// flush stops the capture primitive to collect its output, restarts it when
// asked and emits the captured frames. The first flush after Start announces
// metadata and carries its frames over to the next flush, unless it is the
// final flush, in which case they follow the metadata straight away.
func (s *Session) flush(ctx context.Context, restart bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.handle.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture for flush: %w", err)
	}

	s.bufMu.Lock()
	frames := s.buf
	s.buf = nil
	s.bufMu.Unlock()

	if restart {
		if err := s.handle.Start(); err != nil {
			return fmt.Errorf("failed to restart capture after flush: %w", err)
		}
	}

	if s.awaitingMeta {
		s.awaitingMeta = false
		if err := s.tx.Transmit(ctx, ptt.EventMetadata, s.meta); err != nil {
			return err
		}
		if restart {
			s.bufMu.Lock()
			s.buf = appendFrames(frames, s.buf)
			s.bufMu.Unlock()
			return nil
		}
	}

	if frames.Len() == 0 {
		return nil
	}

	data := pcm.Encode(frames, s.meta.Channels)
	log.Debug("flushed chunk", "samples", frames.Len(), "bytes", len(data))
	return s.tx.Transmit(ctx, ptt.EventBinary, data)
}

func (s *Session) onFrames(frames ptt.Frames) {
	if len(frames) == 0 {
		return
	}
	s.bufMu.Lock()
	s.buf = appendFrames(s.buf, frames)
	s.bufMu.Unlock()
}

func (s *Session) fail(err error) {
	log.Error("capture flush failed", "error", err)

	s.errMu.RLock()
	fn := s.onError
	s.errMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// appendFrames appends src to dst channel by channel, copying src.
func appendFrames(dst, src ptt.Frames) ptt.Frames {
	if len(src) == 0 {
		return dst
	}
	if len(dst) == 0 {
		dst = make(ptt.Frames, len(src))
	}
	for c := range dst {
		if c < len(src) {
			dst[c] = append(dst[c], src[c]...)
		}
	}
	return dst
}
