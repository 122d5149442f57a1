package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Sender writes one encoded message to a channel.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Multiplexer wraps local events into envelopes tagged with the local identity
// and hands them to a Sender.
type Multiplexer struct {
	session ptt.SessionContext
	sender  Sender
	now     func() time.Time

	mu   sync.Mutex
	last int64
}

// MuxOption configures a Multiplexer.
type MuxOption func(*Multiplexer)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) MuxOption {
	return func(m *Multiplexer) {
		m.now = now
	}
}

// NewMultiplexer creates a multiplexer writing to sender on behalf of session.
func NewMultiplexer(session ptt.SessionContext, sender Sender, opts ...MuxOption) *Multiplexer {
	m := &Multiplexer{
		session: session,
		sender:  sender,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// timestamp returns wall-clock milliseconds, strictly increasing per multiplexer
// so two envelopes built within one millisecond are never mistaken for a duplicate.
func (m *Multiplexer) timestamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now().UnixMilli()
	if ts <= m.last {
		ts = m.last + 1
	}
	m.last = ts
	return ts
}

// Build wraps a payload into an envelope.
// Started and Stopped ignore the payload, Metadata expects ptt.Metadata and
// Binary expects []byte of encoded PCM.
func (m *Multiplexer) Build(kind ptt.EventKind, payload any) (Envelope, error) {
	env := Envelope{
		SenderID: m.session.LocalID,
		Event:    kind.String(),
	}

	switch kind {
	case ptt.EventStarted, ptt.EventStopped:
		env.Data = kind.String()

	case ptt.EventMetadata:
		meta, ok := payload.(ptt.Metadata)
		if !ok {
			return Envelope{}, fmt.Errorf("%s: %w", kind, ErrUnsupportedPayload)
		}
		data, err := EncodeMetadata(meta)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data

	case ptt.EventBinary:
		audio, ok := payload.([]byte)
		if !ok {
			return Envelope{}, fmt.Errorf("%s: %w", kind, ErrUnsupportedPayload)
		}
		env.Data = EncodeBinary(audio)

	default:
		return Envelope{}, fmt.Errorf("unknown event kind %d", kind)
	}

	env.Timestamp = m.timestamp()
	return env, nil
}

// Transmit builds an envelope and sends it.
func (m *Multiplexer) Transmit(ctx context.Context, kind ptt.EventKind, payload any) error {
	env, err := m.Build(kind, payload)
	if err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := m.sender.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}

	log.Debug("transmitted envelope", "event", env.Event, "timestamp", env.Timestamp, "bytes", len(data))
	return nil
}
