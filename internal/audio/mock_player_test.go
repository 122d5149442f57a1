package audio

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/walkie/internal/capture"
	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

var testMeta = ptt.NewMetadata(8000, 1, 16, ptt.DefaultChunkDuration)

func TestMockRenderer_RecordsInOrder(t *testing.T) {
	var allocated, released int
	mr := NewMockRenderer(MockCallbacks{
		OnAllocate: func(ptt.Metadata) { allocated++ },
		OnRelease:  func() { released++ },
	})

	rc, err := mr.Allocate(testMeta)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := rc.Render(ptt.Frames{{float32(i)}}); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
	}
	rc.Release()
	rc.Release()

	rendered := mr.Rendered()
	if len(rendered) != 3 {
		t.Fatalf("rendered %d chunks, want 3", len(rendered))
	}
	for i, f := range rendered {
		if f[0][0] != float32(i) {
			t.Errorf("chunk %d = %v", i, f[0][0])
		}
	}

	if allocated != 1 || released != 1 {
		t.Errorf("callbacks: allocated=%d released=%d", allocated, released)
	}
	m := mr.GetMetrics()
	if m.AllocateCount != 1 || m.RenderCount != 3 || m.ReleaseCount != 1 {
		t.Errorf("metrics = %+v", m)
	}

	if err := rc.Render(ptt.Frames{{0}}); err == nil {
		t.Error("expected error rendering after release")
	}
}

func TestMockRenderer_RejectsInvalidMetadata(t *testing.T) {
	mr := DefaultMockRenderer()
	if _, err := mr.Allocate(ptt.Metadata{BitsPerSample: 24, SampleRate: 8000, Channels: 1}); err == nil {
		t.Error("expected error for 24-bit metadata")
	}
}

func TestMockRenderer_SimulatedErrors(t *testing.T) {
	mr := DefaultMockRenderer()
	mr.SetSimulateErrors(true, 0.5)

	failures := 0
	for i := 0; i < 4; i++ {
		if _, err := mr.Allocate(testMeta); err != nil {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("failures = %d, want 2", failures)
	}
}

func TestNullRenderer_PacesInRealTime(t *testing.T) {
	mr := NewNullRenderer()
	mr.SetDelayFactor(0.5)
	rc, _ := mr.Allocate(testMeta)

	// 400 samples at 8 kHz is 50ms, halved by the delay factor.
	start := time.Now()
	rc.Render(ptt.Frames{make([]float32, 400)})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("render took %s, want at least 20ms", elapsed)
	}
	if len(mr.Rendered()) != 0 {
		t.Error("null renderer must not keep audio")
	}
	if got := mr.GetMetrics().Rendered; got != 50*time.Millisecond {
		t.Errorf("Rendered = %s, want 50ms", got)
	}
}

type frameSink struct {
	mu     sync.Mutex
	frames ptt.Frames
}

func (s *frameSink) add(f ptt.Frames) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(ptt.Frames, len(f))
	}
	for c := range f {
		s.frames[c] = append(s.frames[c], f[c]...)
	}
}

func (s *frameSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames.Len()
}

func TestToneDevice(t *testing.T) {
	h, err := NewToneDevice(440).Negotiate(context.Background(), capture.Constraints{SampleRate: 8000, Channels: 2})
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	defer h.Close()

	if f := h.Format(); f.SampleRate != 8000 || f.Channels != 2 {
		t.Errorf("Format = %+v", f)
	}

	sink := &frameSink{}
	h.OnFrames(sink.add)
	h.Start()
	time.Sleep(60 * time.Millisecond)
	h.Stop()

	got := sink.len()
	if got < 200 {
		t.Errorf("captured %d samples in 60ms at 8kHz", got)
	}

	sink.mu.Lock()
	for i, v := range sink.frames[0] {
		if v > 0.31 || v < -0.31 {
			t.Fatalf("sample %d = %v exceeds amplitude", i, v)
		}
		if sink.frames[1][i] != v {
			t.Fatalf("channels differ at %d", i)
		}
	}
	sink.mu.Unlock()

	// Nothing arrives while stopped.
	time.Sleep(30 * time.Millisecond)
	if sink.len() != got {
		t.Error("frames delivered after Stop")
	}
}

func TestToneDevice_InvalidFrequency(t *testing.T) {
	if _, err := NewToneDevice(0).Negotiate(context.Background(), capture.Constraints{}); err == nil {
		t.Error("expected error for zero frequency")
	}
}

func TestFileDevice(t *testing.T) {
	body := pcm.Encode(ptt.Frames{{0.25, -0.25, 0.5, -0.5}}, 1)
	wav := pcm.Containerize(pcm.Options{Channels: 1, SampleRate: 8000, BytesPerSample: 2}, body)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := NewFileDevice(path).Negotiate(context.Background(), capture.Constraints{SampleRate: 44100})
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	defer h.Close()

	if f := h.Format(); f.SampleRate != 8000 || f.Channels != 1 {
		t.Errorf("file format must win over constraints, got %+v", f)
	}

	sink := &frameSink{}
	h.OnFrames(sink.add)
	h.Start()
	time.Sleep(30 * time.Millisecond)
	h.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.frames.Len() < 8 {
		t.Fatalf("captured %d samples", sink.frames.Len())
	}
	// The clip loops.
	for i := 0; i < 8; i++ {
		want := []float32{0.25, -0.25, 0.5, -0.5}[i%4]
		if d := sink.frames[0][i] - want; d > 1e-3 || d < -1e-3 {
			t.Errorf("sample %d = %v, want %v", i, sink.frames[0][i], want)
		}
	}
}

func TestFileDevice_Errors(t *testing.T) {
	if _, err := NewFileDevice(filepath.Join(t.TempDir(), "missing.wav")).Negotiate(context.Background(), capture.Constraints{}); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.wav")
	os.WriteFile(path, []byte("not a wav"), 0o644)
	if _, err := NewFileDevice(path).Negotiate(context.Background(), capture.Constraints{}); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestDeinterleaveF32(t *testing.T) {
	s := newFloatStream(2)
	s.Write(ptt.Frames{{0.1, 0.2}, {0.3, 0.4}})
	raw := make([]byte, 16)
	s.Read(raw)

	frames := deinterleaveF32(raw, 2)
	if frames.Channels() != 2 || frames.Len() != 2 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[0][1] != 0.2 || frames[1][0] != 0.3 {
		t.Errorf("frames = %v", frames)
	}
}
