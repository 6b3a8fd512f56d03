package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Core protocol errors
var (
	// Configuration errors

	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Codec and framing errors

	ErrMalformedEncoding   = errors.New("malformed encoding")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrInconsistentFraming = errors.New("inconsistent framing")
	ErrMissingSegment      = errors.New("missing segment")
	ErrMessageTooLarge     = errors.New("message too large")
	ErrResourceExhausted   = errors.New("resource exhausted")

	// Delivery errors

	ErrPartialDelivery   = errors.New("partial delivery")
	ErrCancelled         = errors.New("cancelled")
	ErrIncompleteMessage = errors.New("incomplete message")

	// Lifecycle errors

	ErrClosed = errors.New("closed")
)

// ErrorCode is a numeric error code, stable across log lines and chat events.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Configuration error codes (1000-1999)

	ErrorCodeInvalidConfiguration ErrorCode = 1001

	// Codec and framing error codes (2000-2999)

	ErrorCodeMalformedEncoding   ErrorCode = 2001
	ErrorCodeMalformedFrame      ErrorCode = 2002
	ErrorCodeInconsistentFraming ErrorCode = 2003
	ErrorCodeMissingSegment      ErrorCode = 2004
	ErrorCodeMessageTooLarge     ErrorCode = 2005
	ErrorCodeResourceExhausted   ErrorCode = 2006

	// Delivery error codes (3000-3999)

	ErrorCodePartialDelivery   ErrorCode = 3001
	ErrorCodeCancelled         ErrorCode = 3002
	ErrorCodeIncompleteMessage ErrorCode = 3003

	// Lifecycle error codes (4000-4999)

	ErrorCodeClosed ErrorCode = 4001

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a protocol-specific error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// errorCodes is ordered from the most specific outcome to the most generic
// condition, so an outcome that wraps a lifecycle cause keeps its own code.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrPartialDelivery, ErrorCodePartialDelivery},
	{ErrCancelled, ErrorCodeCancelled},
	{ErrIncompleteMessage, ErrorCodeIncompleteMessage},
	{ErrInconsistentFraming, ErrorCodeInconsistentFraming},
	{ErrMissingSegment, ErrorCodeMissingSegment},
	{ErrMessageTooLarge, ErrorCodeMessageTooLarge},
	{ErrMalformedEncoding, ErrorCodeMalformedEncoding},
	{ErrMalformedFrame, ErrorCodeMalformedFrame},
	{ErrResourceExhausted, ErrorCodeResourceExhausted},
	{ErrInvalidConfiguration, ErrorCodeInvalidConfiguration},
	{ErrClosed, ErrorCodeClosed},
}

// GetErrorCode returns the error code for err, looking through wrappers.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}

	return ErrorCodeUnknownError
}

// WrapError wraps err into a protocol Error carrying its code.
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
}

func malformedFrame(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedFrame}, args...)...)
}

// PartialDeliveryError is returned when a segment exhausted its retries.
type PartialDeliveryError struct {
	CorrelationID CorrelationID
	SegmentsAcked int
	SegmentsTotal int
	Cause         error
}

func (e *PartialDeliveryError) Error() string {
	msg := fmt.Sprintf("partial delivery of %s: %d/%d segments acked", e.CorrelationID, e.SegmentsAcked, e.SegmentsTotal)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialDeliveryError) Is(target error) bool { return target == ErrPartialDelivery }

func (e *PartialDeliveryError) Unwrap() error { return e.Cause }

// CancelledError is returned when the caller aborted an in-flight send.
type CancelledError struct {
	CorrelationID CorrelationID
	SegmentsAcked int
	SegmentsTotal int
	Cause         error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("send of %s cancelled: %d/%d segments acked", e.CorrelationID, e.SegmentsAcked, e.SegmentsTotal)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.Cause }

// IncompleteMessageError reports a reassembly buffer that timed out.
type IncompleteMessageError struct {
	CorrelationID CorrelationID
	From          NodeID
	ReceivedCount int
	ExpectedTotal int
	FirstSeenAt   time.Time
}

func (e *IncompleteMessageError) Error() string {
	return fmt.Sprintf("incomplete message %s from %s: %d/%d segments received",
		e.CorrelationID, e.From, e.ReceivedCount, e.ExpectedTotal)
}

func (e *IncompleteMessageError) Is(target error) bool { return target == ErrIncompleteMessage }
