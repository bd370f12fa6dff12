// Package shmtest provides an in-process stand-in for the external party that
// allocates shared memory segments.
package shmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// ErrUnknownID is returned when attaching an id that was never created.
var ErrUnknownID = errors.New("shmtest: unknown shm id")

// Attacher serves heap-backed "segments" keyed by id and counts attach and
// detach calls. Re-attaching an id returns the same backing bytes, the way the
// kernel maps the same physical pages for the same shm id.
type Attacher struct {
	mu       sync.Mutex
	segments map[uint64][]byte
	attaches map[uint64]int
	detaches map[uint64]int
	failures map[uint64]error
	delay    time.Duration
}

// NewAttacher returns an empty Attacher.
func NewAttacher() *Attacher {
	return &Attacher{
		segments: make(map[uint64][]byte),
		attaches: make(map[uint64]int),
		detaches: make(map[uint64]int),
		failures: make(map[uint64]error),
	}
}

// Create allocates an 8-byte aligned, zeroed segment for id and returns its bytes.
func (a *Attacher) Create(id uint64, size int) []byte {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)[:size:size]
	a.mu.Lock()
	a.segments[id] = mem
	a.mu.Unlock()
	return mem
}

// Fail makes every attach of id return err until cleared with a nil err.
func (a *Attacher) Fail(id uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, id)
		return
	}
	a.failures[id] = err
}

// SetDelay makes every attach sleep for d, widening race windows in tests.
func (a *Attacher) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// Attach implements shm.Attacher.
func (a *Attacher) Attach(ctx context.Context, id uint64) ([]byte, error) {
	a.mu.Lock()
	delay := a.delay
	a.attaches[id]++
	mem, ok := a.segments[id]
	failure := a.failures[id]
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return mem, nil
}

// Detach implements shm.Attacher.
func (a *Attacher) Detach(id uint64, _ []byte) error {
	a.mu.Lock()
	a.detaches[id]++
	a.mu.Unlock()
	return nil
}

// Attaches returns how many times id was attached.
func (a *Attacher) Attaches(id uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attaches[id]
}

// Detaches returns how many times id was detached.
func (a *Attacher) Detaches(id uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detaches[id]
}
