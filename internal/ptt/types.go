// Package ptt contains the domain types shared by the push-to-talk pipeline.
// It is imported by the codec, protocol, transport and session packages to
// break import cycles between them.
package ptt

import (
	"fmt"
	"time"
)

// EventKind identifies the kind of payload an envelope carries.
type EventKind int

const (
	// EventStarted announces that a peer began transmitting
	EventStarted EventKind = iota + 1

	// EventStopped announces that a peer finished transmitting
	EventStopped

	// EventMetadata describes the binary stream that follows
	EventMetadata

	// EventBinary carries one chunk of encoded PCM
	EventBinary
)

// String returns the wire name of the event kind
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventMetadata:
		return "metadata"
	case EventBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// IsControl reports whether the kind is a control signal.
func (k EventKind) IsControl() bool {
	return k == EventStarted || k == EventStopped
}

// ParseEventKind maps a wire name back to its kind.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "started":
		return EventStarted, true
	case "stopped":
		return EventStopped, true
	case "metadata":
		return EventMetadata, true
	case "binary":
		return EventBinary, true
	default:
		return 0, false
	}
}

// Defaults for a capture stream.
const (
	DefaultBitDepth      = 16
	DefaultSampleRate    = 44100
	DefaultChannels      = 1
	DefaultChunkDuration = 500 * time.Millisecond
)

// Metadata describes exactly one upcoming binary stream.
type Metadata struct {
	BitsPerSample int `json:"encoding"`
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BufferSize    int `json:"bufferSize"` // approximate samples per chunk
}

// NewMetadata derives stream metadata from a negotiated device format.
func NewMetadata(sampleRate, channels, bitsPerSample int, chunk time.Duration) Metadata {
	return Metadata{
		BitsPerSample: bitsPerSample,
		SampleRate:    sampleRate,
		Channels:      channels,
		BufferSize:    int(float64(sampleRate*channels) * chunk.Seconds()),
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (m Metadata) BytesPerSample() int {
	return m.BitsPerSample / 8
}

// Validate checks that the metadata can govern a decodable stream.
func (m Metadata) Validate() error {
	if m.BitsPerSample != 8 && m.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth %d", m.BitsPerSample)
	}
	if m.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", m.SampleRate)
	}
	if m.Channels < 1 || m.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", m.Channels)
	}
	return nil
}

// Frames holds channel-major float samples normalized to [-1, 1].
// Frames[c][i] is sample i of channel c.
type Frames [][]float32

// Channels returns the number of channels.
func (f Frames) Channels() int {
	return len(f)
}

// Len returns the number of samples per channel.
func (f Frames) Len() int {
	if len(f) == 0 {
		return 0
	}
	return len(f[0])
}

// Duration returns the playback length of the frames at the given rate.
func (f Frames) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(sampleRate)
}

// Event is one demultiplexed, typed protocol event.
type Event struct {
	Kind      EventKind
	Sender    string
	Timestamp int64

	// Set for EventMetadata
	Metadata Metadata

	// Set for EventBinary: encoded PCM bytes
	Audio []byte
}
