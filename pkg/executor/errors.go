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

import "errors"

var (
	// ErrExecutorClosed is returned once the executor or an arena has shut down.
	ErrExecutorClosed = errors.New("executor: closed")
	// ErrAlreadyRunning is returned by Run and RegisterContexts after Run started.
	ErrAlreadyRunning = errors.New("executor: already running")
	// ErrNoRegistrations is returned by Run when nothing was registered.
	ErrNoRegistrations = errors.New("executor: no contexts registered")
	// ErrInvalidDepth is returned for a non-positive context pool depth.
	ErrInvalidDepth = errors.New("executor: context depth must be positive")
	// ErrInvalidWorkers is returned for a non-positive worker count.
	ErrInvalidWorkers = errors.New("executor: worker count must be positive")
	// ErrContextBusy is returned when dispatching on a context that is not idle.
	ErrContextBusy = errors.New("executor: context is not idle")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("executor: handler panicked")
	// ErrSourceClosed is returned by a Source that will produce no more events.
	ErrSourceClosed = errors.New("executor: event source closed")
)
