package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

type fakeHandle struct {
	mu      sync.Mutex
	format  Format
	fn      func(ptt.Frames)
	running bool
	starts  int
	stops   int
	closed  bool
}

func (h *fakeHandle) Format() Format { return h.format }

func (h *fakeHandle) OnFrames(fn func(ptt.Frames)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	h.starts++
	return nil
}

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	h.stops++
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

// push delivers frames as the device would while running.
func (h *fakeHandle) push(frames ptt.Frames) {
	h.mu.Lock()
	fn, running := h.fn, h.running
	h.mu.Unlock()
	if running && fn != nil {
		fn(frames)
	}
}

type fakeDevice struct {
	handle *fakeHandle
	err    error
}

func (d *fakeDevice) Negotiate(context.Context, Constraints) (Handle, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.handle, nil
}

type sent struct {
	kind    ptt.EventKind
	payload any
	at      time.Time
}

type recordingTx struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingTx) Transmit(_ context.Context, kind ptt.EventKind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{kind: kind, payload: payload, at: time.Now()})
	return nil
}

func (r *recordingTx) kinds() []ptt.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ptt.EventKind, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.kind
	}
	return out
}

// manualConfig never lets the ticker fire so tests drive flushes directly.
func manualConfig() Config {
	return Config{ChunkDuration: time.Hour, StopDelay: 5 * time.Millisecond}
}

func openSession(t *testing.T, channels int, cfg Config) (*Session, *fakeHandle, *recordingTx) {
	t.Helper()
	h := &fakeHandle{format: Format{SampleRate: 8000, Channels: channels}}
	tx := &recordingTx{}
	s, err := Open(context.Background(), &fakeDevice{handle: h}, tx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, h, tx
}

func equalKinds(a, b []ptt.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpen_NegotiationFailure(t *testing.T) {
	_, err := Open(context.Background(), &fakeDevice{err: errors.New("permission denied")}, &recordingTx{}, Config{})
	if !errors.Is(err, ptt.ErrNegotiationFailed) {
		t.Errorf("expected ErrNegotiationFailed, got %v", err)
	}
	if !ptt.IsFatal(err) {
		t.Error("negotiation failure must be fatal")
	}
}

func TestOpen_RejectsUnsupportedBitDepth(t *testing.T) {
	h := &fakeHandle{format: Format{SampleRate: 8000, Channels: 1}}
	if _, err := Open(context.Background(), &fakeDevice{handle: h}, &recordingTx{}, Config{BitDepth: 24}); err == nil {
		t.Error("expected error for 24-bit target")
	}
}

func TestSession_FlushCycle(t *testing.T) {
	s, h, tx := openSession(t, 1, manualConfig())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRecording {
		t.Errorf("State = %s, want recording", s.State())
	}

	h.push(ptt.Frames{{0.5, -0.5}})
	if err := s.flush(ctx, true); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}

	h.push(ptt.Frames{{0.25}})
	if err := s.flush(ctx, true); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}

	h.push(ptt.Frames{{1}})
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []ptt.EventKind{ptt.EventStarted, ptt.EventMetadata, ptt.EventBinary, ptt.EventBinary, ptt.EventStopped}
	if got := tx.kinds(); !equalKinds(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}

	meta := tx.sent[1].payload.(ptt.Metadata)
	if meta.SampleRate != 8000 || meta.Channels != 1 || meta.BitsPerSample != 16 {
		t.Errorf("metadata = %+v", meta)
	}

	// Frames from the metadata flush carry over into the first binary chunk.
	first := tx.sent[2].payload.([]byte)
	wantFirst := pcm.Encode(ptt.Frames{{0.5, -0.5, 0.25}}, 1)
	if string(first) != string(wantFirst) {
		t.Errorf("first chunk = %v, want %v", first, wantFirst)
	}

	if s.State() != StateIdle {
		t.Errorf("State = %s, want idle", s.State())
	}
	if h.running {
		t.Error("device still running after Stop")
	}
}

func TestSession_StoppedFollowsFinalFlushAfterDelay(t *testing.T) {
	cfg := manualConfig()
	cfg.StopDelay = 30 * time.Millisecond
	s, h, tx := openSession(t, 1, cfg)
	ctx := context.Background()

	s.Start(ctx)
	s.flush(ctx, true)
	h.push(ptt.Frames{{0.1}})
	s.Stop(ctx)

	n := len(tx.sent)
	final, stopped := tx.sent[n-2], tx.sent[n-1]
	if final.kind != ptt.EventBinary || stopped.kind != ptt.EventStopped {
		t.Fatalf("tail = %s, %s", final.kind, stopped.kind)
	}
	if gap := stopped.at.Sub(final.at); gap < cfg.StopDelay {
		t.Errorf("Stopped sent %s after final chunk, want >= %s", gap, cfg.StopDelay)
	}
}

func TestSession_PressShorterThanChunk(t *testing.T) {
	s, h, tx := openSession(t, 1, manualConfig())
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(ptt.Frames{{0.5, -0.25}})
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []ptt.EventKind{ptt.EventStarted, ptt.EventMetadata, ptt.EventBinary, ptt.EventStopped}
	if got := tx.kinds(); !equalKinds(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	chunk := tx.sent[2].payload.([]byte)
	if wantChunk := pcm.Encode(ptt.Frames{{0.5, -0.25}}, 1); string(chunk) != string(wantChunk) {
		t.Errorf("chunk = %v, want %v", chunk, wantChunk)
	}

	// Nothing from the first press leaks into the next one.
	s.Start(ctx)
	h.push(ptt.Frames{{0.125}})
	s.Stop(ctx)
	last := tx.sent[len(tx.sent)-2].payload.([]byte)
	if wantLast := pcm.Encode(ptt.Frames{{0.125}}, 1); string(last) != string(wantLast) {
		t.Errorf("second press chunk = %v, want %v", last, wantLast)
	}
}

func TestSession_StartAndStopAreIdempotent(t *testing.T) {
	s, h, tx := openSession(t, 1, manualConfig())
	ctx := context.Background()

	s.Stop(ctx)
	if len(tx.sent) != 0 {
		t.Fatalf("Stop while idle sent %v", tx.kinds())
	}

	s.Start(ctx)
	s.Start(ctx)
	if got := tx.kinds(); !equalKinds(got, []ptt.EventKind{ptt.EventStarted}) {
		t.Errorf("double Start sent %v", got)
	}
	if h.starts != 1 {
		t.Errorf("device started %d times, want 1", h.starts)
	}

	s.Stop(ctx)
	s.Stop(ctx)
	stopped := 0
	for _, k := range tx.kinds() {
		if k == ptt.EventStopped {
			stopped++
		}
	}
	if stopped != 1 {
		t.Errorf("sent %d Stopped, want 1", stopped)
	}
}

func TestSession_EmptyFlushSendsNothing(t *testing.T) {
	s, _, tx := openSession(t, 1, manualConfig())
	ctx := context.Background()

	s.Start(ctx)
	s.flush(ctx, true)
	s.flush(ctx, true)
	s.Stop(ctx)

	want := []ptt.EventKind{ptt.EventStarted, ptt.EventMetadata, ptt.EventStopped}
	if got := tx.kinds(); !equalKinds(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}
}

func TestSession_MultichannelDeclaresTwo(t *testing.T) {
	s, _, _ := openSession(t, 4, manualConfig())
	if got := s.Metadata().Channels; got != 2 {
		t.Errorf("metadata channels = %d, want 2", got)
	}
}

func TestSession_TimerDrivesFlushes(t *testing.T) {
	s, h, tx := openSession(t, 1, Config{ChunkDuration: 10 * time.Millisecond, StopDelay: time.Millisecond})
	ctx := context.Background()

	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.push(ptt.Frames{{0.1, 0.2}})
		kinds := tx.kinds()
		if len(kinds) >= 3 && kinds[2] == ptt.EventBinary {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Close()

	kinds := tx.kinds()
	if len(kinds) < 4 || kinds[1] != ptt.EventMetadata || kinds[2] != ptt.EventBinary {
		t.Fatalf("sent %v", kinds)
	}
	if kinds[len(kinds)-1] != ptt.EventStopped {
		t.Errorf("last event = %s, want stopped", kinds[len(kinds)-1])
	}
	if !h.closed {
		t.Error("Close did not release the device")
	}
}
