package api

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	CodeGeneric ErrorCode = 0x1000 + iota
	CodeInvalidMessage
	CodeUnknownRequest
	CodeHostNotSupported
	CodeInvalidField
	CodeInvalidTarget
	CodeHostBusy
	CodeTimedOut
)

var codeNames = []string{
	"Operation failed",
	"Invalid message",
	"Unknown request",
	"Not supported by debugger host",
	"Invalid request field",
	"Invalid target",
	"Debugger host busy",
	"Timed out",
}

func (c ErrorCode) String() string {
	i := int(c - CodeGeneric)
	if i < 0 || i >= len(codeNames) {
		return fmt.Sprintf("Error 0x%x", int(c))
	}
	return codeNames[i]
}

// Error is a protocol error. It travels on the wire as an error response.
type Error struct {
	Code    ErrorCode
	Message string
}

func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (0x%x)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("%s (0x%x): %s", e.Code, int(e.Code), e.Message)
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, &api.Error{Code: api.CodeTimedOut}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the protocol code carried by err, or CodeGeneric.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}
