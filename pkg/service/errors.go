package service

import (
	"errors"
	"fmt"

	"github.com/srediag/shm-exec/pkg/executor"
	"github.com/srediag/shm-exec/pkg/shm"
	"github.com/srediag/shm-exec/pkg/transport"
)

var (
	// ErrMissingReference is returned when a request carries neither a SysV
	// reference nor inline data.
	ErrMissingReference = errors.New("service: request has no buffer")
	// ErrSentinelMismatch is returned when the buffer header does not hold the
	// batch id and Sentinel.
	ErrSentinelMismatch = errors.New("service: sentinel mismatch")
	// ErrMalformed is returned for undecodable requests and responses.
	ErrMalformed = errors.New("service: malformed message")
)

// Code is the wire status of a failed request.
type Code uint16

const (
	CodeOK Code = iota
	CodeOutOfBounds
	CodeAttachFailed
	CodeMissingReference
	CodeSentinelMismatch
	CodeInternal
	CodeUnavailable
	CodeMalformed
)

var codeNames = map[Code]string{
	CodeOK:               "OK",
	CodeOutOfBounds:      "OUT_OF_BOUNDS",
	CodeAttachFailed:     "ATTACH_FAILED",
	CodeMissingReference: "MISSING_REFERENCE",
	CodeSentinelMismatch: "SENTINEL_MISMATCH",
	CodeInternal:         "INTERNAL",
	CodeUnavailable:      "UNAVAILABLE",
	CodeMalformed:        "MALFORMED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", uint16(c))
}

// CodeOf classifies err for the wire.
func CodeOf(err error) Code {
	var remote *RemoteError
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, shm.ErrOutOfBounds), errors.Is(err, shm.ErrMisaligned):
		return CodeOutOfBounds
	case errors.Is(err, shm.ErrAttach):
		return CodeAttachFailed
	case errors.Is(err, ErrMissingReference):
		return CodeMissingReference
	case errors.Is(err, ErrSentinelMismatch):
		return CodeSentinelMismatch
	case errors.Is(err, shm.ErrCacheClosed), errors.Is(err, executor.ErrExecutorClosed),
		errors.Is(err, transport.ErrServerClosed):
		return CodeUnavailable
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	}
	return CodeInternal
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to its sentinel so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeOutOfBounds:
		return shm.ErrOutOfBounds
	case CodeAttachFailed:
		return shm.ErrAttach
	case CodeMissingReference:
		return ErrMissingReference
	case CodeSentinelMismatch:
		return ErrSentinelMismatch
	case CodeUnavailable:
		return executor.ErrExecutorClosed
	case CodeMalformed:
		return ErrMalformed
	}
	return nil
}
