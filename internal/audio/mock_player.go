package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/walkie/internal/playback"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// MockRenderer implements playback.Renderer without producing sound.
// It backs the "null" playback device and the tests.
type MockRenderer struct {
	callbacks MockCallbacks

	mu       sync.RWMutex
	rendered []ptt.Frames
	keep     bool

	// Test configuration
	simulateErrors bool
	errorRate      float64
	delayFactor    float64 // 0 renders instantly, 1.0 sleeps for real time

	// Metrics for testing
	allocateCount atomic.Int64
	renderCount   atomic.Int64
	releaseCount  atomic.Int64
	renderedNanos atomic.Int64
}

// MockCallbacks provides hooks for testing.
type MockCallbacks struct {
	OnAllocate func(meta ptt.Metadata)
	OnRender   func(frames ptt.Frames)
	OnRelease  func()
}

// DefaultMockRenderer creates a mock renderer that records what it renders.
func DefaultMockRenderer() *MockRenderer {
	return &MockRenderer{keep: true}
}

// NewMockRenderer creates a mock renderer with custom callbacks.
func NewMockRenderer(callbacks MockCallbacks) *MockRenderer {
	mr := DefaultMockRenderer()
	mr.callbacks = callbacks
	return mr
}

// NewNullRenderer discards audio, paced in real time.
func NewNullRenderer() *MockRenderer {
	return &MockRenderer{delayFactor: 1.0}
}

// Allocate returns a render context for one stream.
func (mr *MockRenderer) Allocate(meta ptt.Metadata) (playback.RenderContext, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	count := mr.allocateCount.Add(1)
	mr.mu.RLock()
	fail := mr.simulateErrors && mr.shouldError(count)
	mr.mu.RUnlock()
	if fail {
		return nil, errors.New("simulated allocation error")
	}

	if mr.callbacks.OnAllocate != nil {
		mr.callbacks.OnAllocate(meta)
	}
	return &mockContext{mr: mr, meta: meta}, nil
}

type mockContext struct {
	mr       *MockRenderer
	meta     ptt.Metadata
	released atomic.Bool
}

func (c *mockContext) Render(frames ptt.Frames) error {
	if c.released.Load() {
		return errors.New("render context released")
	}

	mr := c.mr
	mr.mu.Lock()
	if mr.keep {
		mr.rendered = append(mr.rendered, frames)
	}
	factor := mr.delayFactor
	mr.mu.Unlock()

	d := frames.Duration(c.meta.SampleRate)
	if factor > 0 {
		time.Sleep(time.Duration(float64(d) * factor))
	}

	mr.renderCount.Add(1)
	mr.renderedNanos.Add(int64(d))
	if mr.callbacks.OnRender != nil {
		mr.callbacks.OnRender(frames)
	}
	return nil
}

func (c *mockContext) Release() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	c.mr.releaseCount.Add(1)
	if c.mr.callbacks.OnRelease != nil {
		c.mr.callbacks.OnRelease()
	}
	return nil
}

// Test helper methods

// Rendered returns a copy of every rendered chunk in order.
func (mr *MockRenderer) Rendered() []ptt.Frames {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return append([]ptt.Frames(nil), mr.rendered...)
}

// SetDelayFactor sets the playback speed factor for testing.
// 0 renders instantly, 1.0 is real time, 0.5 is double speed.
func (mr *MockRenderer) SetDelayFactor(factor float64) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.delayFactor = factor
}

// SetSimulateErrors enables error simulation for testing.
func (mr *MockRenderer) SetSimulateErrors(enabled bool, rate float64) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.simulateErrors = enabled
	mr.errorRate = rate
}

// shouldError determines if an error should be simulated.
func (mr *MockRenderer) shouldError(count int64) bool {
	if mr.errorRate <= 0 {
		return false
	}
	// Simple deterministic error simulation based on allocate count
	return count%int64(1/mr.errorRate) == 0
}

// GetMetrics returns render metrics for testing.
func (mr *MockRenderer) GetMetrics() MockRendererMetrics {
	return MockRendererMetrics{
		AllocateCount: mr.allocateCount.Load(),
		RenderCount:   mr.renderCount.Load(),
		ReleaseCount:  mr.releaseCount.Load(),
		Rendered:      time.Duration(mr.renderedNanos.Load()),
	}
}

// MockRendererMetrics contains render metrics for testing.
type MockRendererMetrics struct {
	AllocateCount int64
	RenderCount   int64
	ReleaseCount  int64
	Rendered      time.Duration
}

// Ensure MockRenderer implements the Renderer interface
var _ playback.Renderer = (*MockRenderer)(nil)
