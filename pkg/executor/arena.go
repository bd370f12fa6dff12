/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package executor

import (
	"errors"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// Arena is the fixed set of contexts for one request type. Idle contexts wait
// in a ring; the ring is sized once and the arena never grows. Each idle
// context also holds one token in tokens, which is what Acquire blocks on.
type Arena[Req, Resp, R any] struct {
	name      string
	slots     []Context[Req, Resp, R]
	idle      *queue.RingBuffer
	tokens    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewArena builds depth idle contexts sharing resources and handler.
func NewArena[Req, Resp, R any](name string, resources R, handler Handler[Req, Resp, R], depth int) (*Arena[Req, Resp, R], error) {
	if depth <= 0 {
		return nil, ErrInvalidDepth
	}
	a := &Arena[Req, Resp, R]{
		name:   name,
		slots:  make([]Context[Req, Resp, R], depth),
		idle:   queue.NewRingBuffer(uint64(depth)),
		tokens: make(chan struct{}, depth),
		done:   make(chan struct{}),
	}
	for i := range a.slots {
		c := &a.slots[i]
		c.index = i
		c.resources = resources
		c.handler = handler
		if err := a.idle.Put(c); err != nil {
			return nil, err
		}
		a.tokens <- struct{}{}
	}
	return a, nil
}

// Name returns the request type the arena serves.
func (a *Arena[Req, Resp, R]) Name() string { return a.name }

// Depth returns the fixed number of contexts.
func (a *Arena[Req, Resp, R]) Depth() int { return len(a.slots) }

// Idle returns how many contexts are waiting for work.
func (a *Arena[Req, Resp, R]) Idle() int { return int(a.idle.Len()) }

// Slot returns context i, for inspection.
func (a *Arena[Req, Resp, R]) Slot(i int) *Context[Req, Resp, R] { return &a.slots[i] }

// Acquire blocks until a context is idle. It fails with ErrExecutorClosed once
// the arena is closed.
func (a *Arena[Req, Resp, R]) Acquire() (*Context[Req, Resp, R], error) {
	select {
	case <-a.done:
		return nil, ErrExecutorClosed
	default:
	}
	select {
	case <-a.tokens:
	case <-a.done:
		return nil, ErrExecutorClosed
	}
	// The token guarantees a context is already in the ring, so Get does not wait.
	item, err := a.idle.Get()
	if err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return nil, ErrExecutorClosed
		}
		return nil, err
	}
	return item.(*Context[Req, Resp, R]), nil
}

// Release returns c to the idle ring.
func (a *Arena[Req, Resp, R]) Release(c *Context[Req, Resp, R]) {
	// Put only fails after Close, when nobody will Acquire again.
	if err := a.idle.Put(c); err != nil {
		return
	}
	a.tokens <- struct{}{}
}

// Close wakes every blocked Acquire with ErrExecutorClosed.
func (a *Arena[Req, Resp, R]) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.idle.Dispose()
	})
}
