// Package protocol defines the push-to-talk wire envelope, the text encodings
// of its payloads and the multiplexer that frames local events onto a channel.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Keep-alive tokens agreed with every peer and relay.
const (
	PingToken = "ping"
	AckToken   = "pong"
)

// Envelope is one timestamped, sender-tagged protocol message.
type Envelope struct {
	SenderID  string `json:"senderId"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
}

// Marshal encodes the envelope into its JSON wire form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire message into an envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, ptt.NewError(ptt.CodeMalformedEnvelope, "unparsable envelope", err)
	}
	return e, nil
}

// IsEmpty reports whether the envelope carries nothing, which is how an empty
// store document or relay replay looks on the wire.
func (e Envelope) IsEmpty() bool {
	return e.SenderID == "" && e.Event == "" && e.Data == ""
}

// metaEnvelope lets receivers detect metadata structurally.
type metaEnvelope struct {
	Meta *ptt.Metadata `json:"meta"`
}

// EncodeMetadata serializes metadata into its {"meta": …} text form.
func EncodeMetadata(m ptt.Metadata) (string, error) {
	b, err := json.Marshal(metaEnvelope{Meta: &m})
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses a {"meta": …} text. ok is false when data is not
// shaped like metadata at all; err is set when it is but cannot be used.
func DecodeMetadata(data string) (m ptt.Metadata, ok bool, err error) {
	if !strings.HasPrefix(strings.TrimSpace(data), "{") {
		return ptt.Metadata{}, false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return ptt.Metadata{}, true, ptt.NewError(ptt.CodeMalformedEnvelope, "unparsable metadata", err)
	}
	raw, found := fields["meta"]
	if !found {
		return ptt.Metadata{}, false, nil
	}

	if err := json.Unmarshal(raw, &m); err != nil {
		return ptt.Metadata{}, true, ptt.NewError(ptt.CodeMalformedEnvelope, "unparsable metadata", err)
	}
	if err := m.Validate(); err != nil {
		return ptt.Metadata{}, true, ptt.NewError(ptt.CodeMalformedEnvelope, "invalid metadata", err)
	}
	return m, true, nil
}

// EncodeBinary text-encodes audio so it can travel over text-only channels.
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBinary reverses EncodeBinary.
func DecodeBinary(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ptt.NewError(ptt.CodeMalformedEnvelope, "undecodable binary payload", err)
	}
	return b, nil
}

// Message is a classified envelope payload.
type Message struct {
	Kind     ptt.EventKind
	Metadata ptt.Metadata
	Audio    []byte
}

// Classify inspects an envelope payload: a control name, then structural
// metadata, then opaque binary.
func Classify(data string) (Message, error) {
	if kind, ok := ptt.ParseEventKind(data); ok && kind.IsControl() {
		return Message{Kind: kind}, nil
	}

	m, isMeta, err := DecodeMetadata(data)
	if err != nil {
		return Message{}, err
	}
	if isMeta {
		return Message{Kind: ptt.EventMetadata, Metadata: m}, nil
	}

	if data == "" {
		return Message{}, ptt.NewError(ptt.CodeMalformedEnvelope, "empty payload", nil)
	}
	audio, err := DecodeBinary(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: ptt.EventBinary, Audio: audio}, nil
}

// ErrUnsupportedPayload is returned by Build for payloads that do not match the event kind.
var ErrUnsupportedPayload = errors.New("payload type does not match event kind")
