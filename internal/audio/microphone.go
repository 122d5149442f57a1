package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/dgnsrekt/walkie/internal/capture"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Microphone is a capture device backed by the system's default input.
type Microphone struct {
	ctx *malgo.AllocatedContext
}

// NewMicrophone initializes the audio backend.
func NewMicrophone() (*Microphone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &Microphone{ctx: ctx}, nil
}

// Negotiate opens the default input as float32 at the preferred format.
// The backend may settle on a different rate or channel count.
func (m *Microphone) Negotiate(_ context.Context, c capture.Constraints) (capture.Handle, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(max(c.Channels, 0))
	cfg.SampleRate = uint32(max(c.SampleRate, 0))
	cfg.PeriodSizeInMilliseconds = 20

	h := &micHandle{}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			h.deliver(pInputSamples)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	h.device = device
	h.format = capture.Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.CaptureChannels()),
	}
	return h, nil
}

// Close releases the audio backend.
func (m *Microphone) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type micHandle struct {
	device *malgo.Device
	format capture.Format

	mu sync.Mutex
	fn func(ptt.Frames)
}

func (h *micHandle) Format() capture.Format {
	return h.format
}

func (h *micHandle) OnFrames(fn func(ptt.Frames)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *micHandle) Start() error {
	if h.device.IsStarted() {
		return nil
	}
	return h.device.Start()
}

// Stop returns after the backend's last data callback has finished.
func (h *micHandle) Stop() error {
	if !h.device.IsStarted() {
		return nil
	}
	return h.device.Stop()
}

func (h *micHandle) Close() error {
	h.device.Uninit()
	return nil
}

func (h *micHandle) deliver(samples []byte) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn == nil {
		return
	}
	fn(deinterleaveF32(samples, h.format.Channels))
}

// deinterleaveF32 splits interleaved float32 LE samples into channel-major frames.
func deinterleaveF32(b []byte, channels int) ptt.Frames {
	if channels <= 0 {
		return nil
	}
	n := len(b) / (4 * channels)
	frames := make(ptt.Frames, channels)
	for c := range frames {
		frames[c] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 4
			frames[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		}
	}
	return frames
}
