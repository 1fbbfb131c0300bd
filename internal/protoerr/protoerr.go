// Package protoerr defines the typed errors shared by the frame, security,
// record and link layers.
package protoerr

import "fmt"

// Code classifies a protocol failure.
type Code int

const (
	CodeUnknown Code = iota + 1000
	CodeLengthMismatch
	CodeIntegrity
	CodeCacheMiss
	CodeAuthenticationFailed
	CodeLikelyWrongKey
	CodeTruncatedRecord
	CodeMalformedRecord
	CodeUnknownFrameKind
	CodeUnsupportedSecurity
	CodeKeyRequired
	CodeLinkTimeout
	CodeLinkExhausted
	CodeTransportClosed
	CodeUnexpectedResponse
)

var codeNames = map[Code]string{
	CodeUnknown:              "unknown",
	CodeLengthMismatch:       "length mismatch",
	CodeIntegrity:            "integrity error",
	CodeCacheMiss:            "compact cache miss",
	CodeAuthenticationFailed: "authentication failed",
	CodeLikelyWrongKey:       "likely wrong key",
	CodeTruncatedRecord:      "truncated record",
	CodeMalformedRecord:      "malformed record",
	CodeUnknownFrameKind:     "unknown frame kind",
	CodeUnsupportedSecurity:  "unsupported security mode",
	CodeKeyRequired:          "key required",
	CodeLinkTimeout:          "link timeout",
	CodeLinkExhausted:        "link retries exhausted",
	CodeTransportClosed:      "transport closed",
	CodeUnexpectedResponse:   "unexpected response",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the error type returned by every layer of the engine. Block is
// only meaningful for CodeIntegrity and holds the 1-based index of the first
// block that failed validation (0 for single-checksum wired frames).
type Error struct {
	Code    Code
	Message string
	Block   int
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Code == CodeIntegrity {
		msg = fmt.Sprintf("%s (block %d)", msg, e.Block)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so callers can use errors.Is against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrLengthMismatch       = &Error{Code: CodeLengthMismatch}
	ErrIntegrity            = &Error{Code: CodeIntegrity}
	ErrCacheMiss            = &Error{Code: CodeCacheMiss}
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed}
	ErrLikelyWrongKey       = &Error{Code: CodeLikelyWrongKey}
	ErrTruncatedRecord      = &Error{Code: CodeTruncatedRecord}
	ErrMalformedRecord      = &Error{Code: CodeMalformedRecord}
	ErrUnknownFrameKind     = &Error{Code: CodeUnknownFrameKind}
	ErrUnsupportedSecurity  = &Error{Code: CodeUnsupportedSecurity}
	ErrKeyRequired          = &Error{Code: CodeKeyRequired}
	ErrLinkTimeout          = &Error{Code: CodeLinkTimeout}
	ErrLinkExhausted        = &Error{Code: CodeLinkExhausted}
	ErrTransportClosed      = &Error{Code: CodeTransportClosed}
	ErrUnexpectedResponse   = &Error{Code: CodeUnexpectedResponse}
)

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Integrity reports a checksum or CRC failure on the given block.
func Integrity(block int, format string, args ...any) *Error {
	return &Error{Code: CodeIntegrity, Block: block, Message: fmt.Sprintf(format, args...)}
}

// LengthMismatch reports a declared length that disagrees with the received one.
func LengthMismatch(declared, actual int) *Error {
	return &Error{
		Code:    CodeLengthMismatch,
		Message: fmt.Sprintf("declared %d bytes, received %d", declared, actual),
	}
}

// Truncated reports a read that would run past the end of the payload.
func Truncated(offset, need, have int) *Error {
	return &Error{
		Code:    CodeTruncatedRecord,
		Message: fmt.Sprintf("need %d bytes at offset %d, %d remain", need, offset, have),
	}
}

// CodeOf returns the Code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}

// BlockOf returns the failing block index of an integrity error.
func BlockOf(err error) (int, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == CodeIntegrity {
			return e.Block, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
