package ptt

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewError(CodeMissingMetadata, "binary from peer-1", nil)

	if !errors.Is(err, ErrMissingMetadata) {
		t.Error("expected error to match ErrMissingMetadata")
	}
	if errors.Is(err, ErrMalformedHeader) {
		t.Error("error should not match a different code")
	}

	wrapped := fmt.Errorf("playback: %w", err)
	if !errors.Is(wrapped, ErrMissingMetadata) {
		t.Error("wrapped error should still match")
	}
	if CodeOf(wrapped) != CodeMissingMetadata {
		t.Errorf("CodeOf = %q, want %q", CodeOf(wrapped), CodeMissingMetadata)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("device busy")
	err := NewError(CodeNegotiationFailed, "open microphone", cause)

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	want := "NEGOTIATION_FAILED: open microphone: device busy"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"malformed header", ErrMalformedHeader, true},
		{"negotiation failed", ErrNegotiationFailed, true},
		{"format mismatch", ErrFormatMismatch, true},
		{"permanent close", ErrPermanentClose, true},
		{"transient close", ErrTransientClose, false},
		{"missing metadata", ErrMissingMetadata, false},
		{"malformed envelope", ErrMalformedEnvelope, false},
		{"send queue full", ErrSendQueueFull, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestErrorCode_Category(t *testing.T) {
	tests := map[ErrorCode]Category{
		CodeMalformedHeader:   CategoryCodec,
		CodeMissingMetadata:   CategoryProtocol,
		CodeMalformedEnvelope: CategoryProtocol,
		CodePermanentClose:    CategoryTransport,
		CodeTransientClose:    CategoryTransport,
		CodeNegotiationFailed: CategoryDevice,
		ErrorCode("OTHER"):    CategoryUnknown,
	}
	for code, want := range tests {
		if got := code.Category(); got != want {
			t.Errorf("%s.Category() = %v, want %v", code, got, want)
		}
	}
}

func TestNewSessionContext(t *testing.T) {
	s, err := NewSessionContext("", "")
	if err != nil {
		t.Fatalf("NewSessionContext failed: %v", err)
	}
	if s.LocalID == "" {
		t.Error("expected a generated identity")
	}
	if s.Room != DefaultRoom {
		t.Errorf("Room = %q, want %q", s.Room, DefaultRoom)
	}
	if s.StoreKey() != "audio/lobby" {
		t.Errorf("StoreKey = %q", s.StoreKey())
	}
	if !s.IsLocal(s.LocalID) || s.IsLocal("someone-else") {
		t.Error("IsLocal mismatch")
	}

	if _, err := NewSessionContext("me", "bad room/../x"); err == nil {
		t.Error("expected invalid room to be rejected")
	}
}

func TestMetadata(t *testing.T) {
	m := NewMetadata(44100, 1, 16, DefaultChunkDuration)
	if m.BufferSize != 22050 {
		t.Errorf("BufferSize = %d, want 22050", m.BufferSize)
	}
	if m.BytesPerSample() != 2 {
		t.Errorf("BytesPerSample = %d, want 2", m.BytesPerSample())
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	bad := []Metadata{
		{BitsPerSample: 24, SampleRate: 44100, Channels: 1},
		{BitsPerSample: 16, SampleRate: 0, Channels: 1},
		{BitsPerSample: 16, SampleRate: 44100, Channels: 3},
	}
	for _, b := range bad {
		if err := b.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", b)
		}
	}
}

func TestParseEventKind(t *testing.T) {
	for _, k := range []EventKind{EventStarted, EventStopped, EventMetadata, EventBinary} {
		got, ok := ParseEventKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseEventKind("ping"); ok {
		t.Error("ping is not an event kind")
	}
}
