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
	"context"
	"fmt"
	"sync/atomic"
)

// State is the lifecycle position of a Context.
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event is one decoded request waiting for a context.
type Event[Req, Resp any] struct {
	Request Req
	// Finish hands the response, or the error that replaced it, back to the transport.
	Finish func(resp Resp, err error)
}

// Source is the readiness side of a transport for one request type. Next
// blocks until an event is ready, ctx is done, or the source is closed
// (ErrSourceClosed).
type Source[Req, Resp any] interface {
	Next(ctx context.Context) (Event[Req, Resp], error)
}

// Handler executes one request against the shared resources R, filling resp.
type Handler[Req, Resp, R any] interface {
	Execute(ctx context.Context, resources R, req *Req, resp *Resp) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[Req, Resp, R any] func(ctx context.Context, resources R, req *Req, resp *Resp) error

// Execute implements Handler.
func (f HandlerFunc[Req, Resp, R]) Execute(ctx context.Context, resources R, req *Req, resp *Resp) error {
	return f(ctx, resources, req, resp)
}

// Context is one reusable slot of an Arena. Its request and response live in
// the slot and are reset between requests.
type Context[Req, Resp, R any] struct {
	index     int
	state     atomic.Int32
	served    atomic.Uint64
	resources R
	handler   Handler[Req, Resp, R]

	request  Req
	response Resp
}

// Index returns the slot number within its arena.
func (c *Context[Req, Resp, R]) Index() int { return c.index }

// State returns the current lifecycle state.
func (c *Context[Req, Resp, R]) State() State { return State(c.state.Load()) }

// Served returns how many requests the slot has completed.
func (c *Context[Req, Resp, R]) Served() uint64 { return c.served.Load() }

// Resources returns the shared resources the slot was built with.
func (c *Context[Req, Resp, R]) Resources() R { return c.resources }

// dispatch runs ev to completion and reports the outcome through ev.Finish.
func (c *Context[Req, Resp, R]) dispatch(ctx context.Context, ev Event[Req, Resp]) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateExecuting)) {
		return ErrContextBusy
	}
	c.request = ev.Request
	resp, err := c.execute(ctx)
	c.state.Store(int32(StateCompleted))
	c.served.Add(1)
	if ev.Finish != nil {
		ev.Finish(resp, err)
	}

	var (
		zeroReq  Req
		zeroResp Resp
	)
	c.request, c.response = zeroReq, zeroResp
	c.state.Store(int32(StateIdle))
	return err
}

func (c *Context[Req, Resp, R]) execute(ctx context.Context) (resp Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			resp = c.response
		}
	}()
	err = c.handler.Execute(ctx, c.resources, &c.request, &c.response)
	return c.response, err
}
