package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"

	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/playback"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Speaker renders received audio through the system output using oto.
// oto allows one context per process, so the first stream fixes the output
// format; later streams in another format are rejected with ErrFormatMismatch.
type Speaker struct {
	// OTO context - initialized on first Allocate and reused
	context *oto.Context

	sampleRate int
	channels   int
	bufferSize time.Duration

	volume atomic.Uint64 // float64 bits
	active atomic.Int32

	mu     sync.Mutex
	closed bool
}

// SpeakerConfig contains configuration for the speaker.
type SpeakerConfig struct {
	Volume     float64       // 0.0 to 1.0
	BufferSize time.Duration // device buffer; larger is smoother but adds latency
}

// DefaultSpeakerConfig returns the default speaker configuration.
func DefaultSpeakerConfig() SpeakerConfig {
	return SpeakerConfig{
		Volume:     1.0,
		BufferSize: 100 * time.Millisecond,
	}
}

// NewSpeaker creates a speaker. The device is opened lazily.
func NewSpeaker(config SpeakerConfig) (*Speaker, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Speaker{bufferSize: config.BufferSize}
	s.volume.Store(math.Float64bits(config.Volume))
	return s, nil
}

// validateConfig validates the speaker configuration.
func validateConfig(config SpeakerConfig) error {
	if config.Volume < 0.0 || config.Volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", config.Volume)
	}
	if config.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	return nil
}

// validateFormat checks that oto can render the stream.
func validateFormat(meta ptt.Metadata) error {
	if meta.Channels != 1 && meta.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", meta.Channels)
	}
	if meta.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", meta.SampleRate)
	}
	return nil
}

// Allocate opens a player for one stream.
func (s *Speaker) Allocate(meta ptt.Metadata) (playback.RenderContext, error) {
	if err := validateFormat(meta); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("speaker is closed")
	}

	if s.context == nil {
		op := &oto.NewContextOptions{
			SampleRate:   meta.SampleRate,
			ChannelCount: meta.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   s.bufferSize,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			return nil, ptt.NewError(ptt.CodeNegotiationFailed, "failed to open audio output", err)
		}
		<-ready

		s.context = ctx
		s.sampleRate = meta.SampleRate
		s.channels = meta.Channels
		log.Debug("audio output opened", "rate", meta.SampleRate, "channels", meta.Channels)
	} else if meta.SampleRate != s.sampleRate || meta.Channels != s.channels {
		return nil, ptt.NewError(ptt.CodeFormatMismatch, "stream format differs from the open output", nil).
			WithContext("output", fmt.Sprintf("%d Hz x %d", s.sampleRate, s.channels)).
			WithContext("stream", fmt.Sprintf("%d Hz x %d", meta.SampleRate, meta.Channels))
	}

	stream := newFloatStream(meta.Channels)
	player := s.context.NewPlayer(stream)
	player.SetVolume(s.getVolume())
	player.Play()

	s.active.Add(1)
	return &speakerStream{
		speaker: s,
		stream:  stream,
		player:  player,
		drain:   s.bufferSize,
	}, nil
}

// SetVolume sets the playback volume (0.0 to 1.0) for new streams.
func (s *Speaker) SetVolume(volume float64) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	s.volume.Store(math.Float64bits(volume))
	return nil
}

// getVolume gets the current volume.
func (s *Speaker) getVolume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// GetVolume returns the current volume.
func (s *Speaker) GetVolume() float64 {
	return s.getVolume()
}

// Active returns the number of open streams.
func (s *Speaker) Active() int {
	return int(s.active.Load())
}

// Close refuses new streams. Note: oto.Context has no Close method in v3.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.context = nil
	return nil
}

// speakerStream is one allocated render context.
type speakerStream struct {
	speaker *Speaker
	stream  *floatStream
	player  *oto.Player
	drain   time.Duration
	once    sync.Once
}

func (p *speakerStream) Render(frames ptt.Frames) error {
	return p.stream.Write(frames)
}

// Release waits for queued samples to reach the device, lets the device
// buffer play out and closes the player.
func (p *speakerStream) Release() error {
	var err error
	p.once.Do(func() {
		p.stream.WaitDrained(releaseTimeout)
		time.Sleep(p.drain)
		p.stream.Close()
		err = p.player.Close()
		p.speaker.active.Add(-1)
	})
	return err
}

const releaseTimeout = 10 * time.Second

// floatStream is the io.Reader oto pulls from. It holds interleaved
// float32 LE samples. On underrun it yields silence instead of blocking the
// oto mixer.
type floatStream struct {
	channels int

	// CRITICAL: Keep audio data alive during playback
	buf    []byte
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newFloatStream(channels int) *floatStream {
	s := &floatStream{channels: channels}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write appends frames, interleaving the first two channels.
func (s *floatStream) Write(frames ptt.Frames) error {
	samples := pcm.Interleave(frames)
	if s.channels == 2 && frames.Channels() == 1 {
		samples = pcm.Interleave(ptt.Frames{frames[0], frames[0]})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream is closed")
	}
	for _, v := range samples {
		s.buf = binary.LittleEndian.AppendUint32(s.buf, math.Float32bits(v))
	}
	return nil
}

// Read implements io.Reader for oto.Player.
func (s *floatStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		// Return silence to keep the mixer running
		clear(p)
		s.cond.Broadcast()
		return len(p), nil
	}

	// Keep whole samples together
	n := copy(p, s.buf)
	n -= n % 4
	if n == 0 {
		clear(p)
		return len(p), nil
	}
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.cond.Broadcast()
	}
	return n, nil
}

// Buffered returns the number of bytes not yet pulled by the device.
func (s *floatStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// WaitDrained blocks until the device has pulled every queued byte or the
// timeout passes.
func (s *floatStream) WaitDrained(timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) > 0 && !s.closed {
		if time.Now().After(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// Close drops anything still queued and allows GC of data.
func (s *floatStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.buf = nil
	s.cond.Broadcast()
}
