package ptt

import (
	"errors"
	"fmt"
)

// ErrorCode identifies specific error types
type ErrorCode string

const (
	// Codec errors
	CodeMalformedHeader ErrorCode = "MALFORMED_HEADER"

	// Protocol errors
	CodeMissingMetadata   ErrorCode = "MISSING_METADATA"
	CodeMalformedEnvelope ErrorCode = "MALFORMED_ENVELOPE"

	// Transport errors
	CodePermanentClose ErrorCode = "PERMANENT_CLOSE"
	CodeTransientClose ErrorCode = "TRANSIENT_CLOSE"
	CodeChannelClosed  ErrorCode = "CHANNEL_CLOSED"
	CodeSendQueueFull  ErrorCode = "SEND_QUEUE_FULL"

	// Device errors
	CodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	CodeFormatMismatch    ErrorCode = "FORMAT_MISMATCH"
)

// Category groups error codes by the layer that raises them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryCodec
	CategoryProtocol
	CategoryTransport
	CategoryDevice
)

// String returns the string representation of the category
func (c Category) String() string {
	switch c {
	case CategoryCodec:
		return "codec"
	case CategoryProtocol:
		return "protocol"
	case CategoryTransport:
		return "transport"
	case CategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Category returns the layer the code belongs to.
func (c ErrorCode) Category() Category {
	switch c {
	case CodeMalformedHeader:
		return CategoryCodec
	case CodeMissingMetadata, CodeMalformedEnvelope:
		return CategoryProtocol
	case CodePermanentClose, CodeTransientClose, CodeChannelClosed, CodeSendQueueFull:
		return CategoryTransport
	case CodeNegotiationFailed, CodeFormatMismatch:
		return CategoryDevice
	default:
		return CategoryUnknown
	}
}

// Sentinel errors. Compare with errors.Is; any *Error carrying the same code matches.
var (
	ErrMalformedHeader   = &Error{Code: CodeMalformedHeader, Message: "malformed container header"}
	ErrMissingMetadata   = &Error{Code: CodeMissingMetadata, Message: "binary payload without stream metadata"}
	ErrMalformedEnvelope = &Error{Code: CodeMalformedEnvelope, Message: "malformed envelope"}
	ErrPermanentClose    = &Error{Code: CodePermanentClose, Message: "connection rejected permanently"}
	ErrTransientClose    = &Error{Code: CodeTransientClose, Message: "connection closed unexpectedly"}
	ErrChannelClosed     = &Error{Code: CodeChannelClosed, Message: "channel is closed"}
	ErrSendQueueFull     = &Error{Code: CodeSendQueueFull, Message: "send queue is full"}
	ErrNegotiationFailed = &Error{Code: CodeNegotiationFailed, Message: "device negotiation failed"}
	ErrFormatMismatch    = &Error{Code: CodeFormatMismatch, Message: "device format mismatch"}
)

// Error represents a push-to-talk error with additional context
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// NewError creates a new error with context
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsFatal reports whether the error ends the current session.
// Codec and device failures are fatal, as is a permanent transport rejection.
// Protocol errors and transient closes are recovered locally.
func (e *Error) IsFatal() bool {
	switch e.Code.Category() {
	case CategoryCodec, CategoryDevice:
		return true
	case CategoryTransport:
		return e.Code == CodePermanentClose || e.Code == CodeChannelClosed
	default:
		return false
	}
}

// CodeOf extracts the error code from err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err should stop the session.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}
