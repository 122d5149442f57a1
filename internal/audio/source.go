package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dgnsrekt/walkie/internal/capture"
	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// period is how much audio a paced source delivers per callback.
const period = 20 * time.Millisecond

// generator produces the next n samples per channel.
type generator func(n int) ptt.Frames

// pacedHandle delivers generated audio in real time while started.
type pacedHandle struct {
	format capture.Format
	next   generator

	mu      sync.Mutex
	fn      func(ptt.Frames)
	stop    chan struct{}
	done    chan struct{}
	pending time.Duration
}

func newPacedHandle(format capture.Format, next generator) *pacedHandle {
	return &pacedHandle{format: format, next: next}
}

func (h *pacedHandle) Format() capture.Format {
	return h.format
}

func (h *pacedHandle) OnFrames(fn func(ptt.Frames)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *pacedHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return nil
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(h.stop, h.done)
	return nil
}

// Stop halts delivery. Audio generated up to this instant is delivered before
// it returns.
func (h *pacedHandle) Stop() error {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (h *pacedHandle) Close() error {
	return h.Stop()
}

func (h *pacedHandle) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	last := time.Now()

	emit := func(now time.Time) {
		elapsed := now.Sub(last)
		last = now
		n := int(elapsed.Seconds() * float64(h.format.SampleRate))
		if n <= 0 {
			return
		}

		h.mu.Lock()
		fn := h.fn
		h.mu.Unlock()
		if fn != nil {
			fn(h.next(n))
		}
	}

	for {
		select {
		case <-stop:
			emit(time.Now())
			return
		case now := <-ticker.C:
			emit(now)
		}
	}
}

// ToneDevice is a capture device that produces a sine wave.
type ToneDevice struct {
	Frequency float64
	Amplitude float64
}

// NewToneDevice creates a tone source at hz with a moderate amplitude.
func NewToneDevice(hz float64) *ToneDevice {
	return &ToneDevice{Frequency: hz, Amplitude: 0.3}
}

// Negotiate accepts any constraints, falling back to the defaults.
func (d *ToneDevice) Negotiate(_ context.Context, c capture.Constraints) (capture.Handle, error) {
	if d.Frequency <= 0 {
		return nil, fmt.Errorf("tone frequency must be positive, got %v", d.Frequency)
	}

	format := capture.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = ptt.DefaultSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = ptt.DefaultChannels
	}

	var phase float64
	step := 2 * math.Pi * d.Frequency / float64(format.SampleRate)
	amp := d.Amplitude

	next := func(n int) ptt.Frames {
		frames := make(ptt.Frames, format.Channels)
		for c := range frames {
			frames[c] = make([]float32, n)
		}
		for i := 0; i < n; i++ {
			v := float32(amp * math.Sin(phase))
			for c := range frames {
				frames[c][i] = v
			}
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		return frames
	}

	return newPacedHandle(format, next), nil
}

// FileDevice is a capture device that loops a WAV file.
type FileDevice struct {
	Path string
}

// NewFileDevice creates a WAV file source.
func NewFileDevice(path string) *FileDevice {
	return &FileDevice{Path: path}
}

// Negotiate loads the file. The file's own format wins over the constraints.
func (d *FileDevice) Negotiate(_ context.Context, _ capture.Constraints) (capture.Handle, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.Path, err)
	}

	source, header, err := pcm.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", d.Path, err)
	}
	if source.Len() == 0 {
		return nil, fmt.Errorf("%s contains no audio", d.Path)
	}

	format := capture.Format{SampleRate: header.SampleRate, Channels: header.Channels}
	pos := 0

	next := func(n int) ptt.Frames {
		frames := make(ptt.Frames, len(source))
		for c := range frames {
			frames[c] = make([]float32, n)
		}
		for i := 0; i < n; i++ {
			for c := range frames {
				frames[c][i] = source[c][pos]
			}
			pos = (pos + 1) % source.Len()
		}
		return frames
	}

	return newPacedHandle(format, next), nil
}
