package shm

import "errors"

var (
	// ErrOutOfBounds is returned when offset+length exceeds the segment or a typed
	// view asks for more elements than the descriptor holds.
	ErrOutOfBounds = errors.New("shm: range out of bounds")
	// ErrAttach wraps any failure of the external attach call.
	ErrAttach = errors.New("shm: attach failed")
	// ErrEmptyDescriptor is returned by a descriptor that was moved from or closed.
	ErrEmptyDescriptor = errors.New("shm: descriptor is empty")
	// ErrMisaligned is returned when a typed view would start on an unaligned address.
	ErrMisaligned = errors.New("shm: misaligned typed view")
	// ErrCacheClosed is returned by Acquire after Close.
	ErrCacheClosed = errors.New("shm: segment cache closed")
)
