package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *recordingSender) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestBuild_Control(t *testing.T) {
	session := ptt.SessionContext{LocalID: "alice", Room: "lobby"}
	m := NewMultiplexer(session, &recordingSender{}, WithClock(fixedClock(1000)))

	for _, kind := range []ptt.EventKind{ptt.EventStarted, ptt.EventStopped} {
		env, err := m.Build(kind, nil)
		if err != nil {
			t.Fatalf("Build(%s) failed: %v", kind, err)
		}
		if env.SenderID != "alice" {
			t.Errorf("SenderID = %q", env.SenderID)
		}
		if env.Event != kind.String() || env.Data != kind.String() {
			t.Errorf("control envelope = %+v", env)
		}
	}
}

func TestBuild_TimestampsStrictlyIncrease(t *testing.T) {
	m := NewMultiplexer(ptt.SessionContext{LocalID: "alice"}, &recordingSender{}, WithClock(fixedClock(5000)))

	first, _ := m.Build(ptt.EventStarted, nil)
	second, _ := m.Build(ptt.EventBinary, []byte{1})
	if first.Timestamp != 5000 {
		t.Errorf("first timestamp = %d, want 5000", first.Timestamp)
	}
	if second.Timestamp <= first.Timestamp {
		t.Errorf("timestamps not increasing: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestBuild_MetadataIsStructural(t *testing.T) {
	m := NewMultiplexer(ptt.SessionContext{LocalID: "alice"}, &recordingSender{})
	meta := ptt.NewMetadata(44100, 1, 16, ptt.DefaultChunkDuration)

	env, err := m.Build(ptt.EventMetadata, meta)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var wrapper map[string]map[string]int
	if err := json.Unmarshal([]byte(env.Data), &wrapper); err != nil {
		t.Fatalf("metadata data is not JSON: %v", err)
	}
	inner, ok := wrapper["meta"]
	if !ok {
		t.Fatalf("metadata not wrapped in meta: %s", env.Data)
	}
	if inner["encoding"] != 16 || inner["sampleRate"] != 44100 || inner["channels"] != 1 || inner["bufferSize"] != 22050 {
		t.Errorf("unexpected metadata fields: %v", inner)
	}
}

func TestBuild_BinaryRoundTrip(t *testing.T) {
	m := NewMultiplexer(ptt.SessionContext{LocalID: "alice"}, &recordingSender{})
	audio := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}

	env, err := m.Build(ptt.EventBinary, audio)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	msg, err := Classify(env.Data)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if msg.Kind != ptt.EventBinary || !bytes.Equal(msg.Audio, audio) {
		t.Errorf("round trip mismatch: %+v", msg)
	}
}

func TestBuild_RejectsWrongPayload(t *testing.T) {
	m := NewMultiplexer(ptt.SessionContext{LocalID: "alice"}, &recordingSender{})

	if _, err := m.Build(ptt.EventMetadata, "not metadata"); !errors.Is(err, ErrUnsupportedPayload) {
		t.Errorf("expected ErrUnsupportedPayload, got %v", err)
	}
	if _, err := m.Build(ptt.EventBinary, 42); !errors.Is(err, ErrUnsupportedPayload) {
		t.Errorf("expected ErrUnsupportedPayload, got %v", err)
	}
}

func TestTransmit(t *testing.T) {
	sender := &recordingSender{}
	m := NewMultiplexer(ptt.SessionContext{LocalID: "alice"}, sender, WithClock(fixedClock(42)))

	if err := m.Transmit(context.Background(), ptt.EventStarted, nil); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.sent))
	}

	env, err := Unmarshal(sender.sent[0])
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := Envelope{SenderID: "alice", Event: "started", Timestamp: 42, Data: "started"}
	if env != want {
		t.Errorf("envelope = %+v, want %+v", env, want)
	}

	sender.err = errors.New("link down")
	if err := m.Transmit(context.Background(), ptt.EventStopped, nil); err == nil {
		t.Error("expected send error to propagate")
	}
}

func TestClassify(t *testing.T) {
	meta, _ := EncodeMetadata(ptt.NewMetadata(48000, 2, 16, time.Second))

	tests := []struct {
		name    string
		data    string
		kind    ptt.EventKind
		wantErr bool
	}{
		{"started", "started", ptt.EventStarted, false},
		{"stopped", "stopped", ptt.EventStopped, false},
		{"metadata", meta, ptt.EventMetadata, false},
		{"binary", EncodeBinary([]byte{1, 2, 3}), ptt.EventBinary, false},
		{"kind name is not control", "binary", 0, true},
		{"broken json", `{"meta":`, 0, true},
		{"invalid metadata", `{"meta":{"encoding":24,"sampleRate":1,"channels":1}}`, 0, true},
		{"object without meta", `{"foo":1}`, 0, true},
		{"not base64", "!!!", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Classify(tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				if !errors.Is(err, ptt.ErrMalformedEnvelope) {
					t.Errorf("expected ErrMalformedEnvelope, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if msg.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", msg.Kind, tt.kind)
			}
		})
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); !errors.Is(err, ptt.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}

	env, err := Unmarshal([]byte("{}"))
	if err != nil {
		t.Fatalf("Unmarshal({}) failed: %v", err)
	}
	if !env.IsEmpty() {
		t.Error("expected empty envelope")
	}
}
