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

// Package executor runs requests on a fixed set of pre-built execution contexts.
//
// Each request type is registered with RegisterContexts, which builds an Arena
// of depth contexts bound to shared resources and a handler. The Executor then
// runs a fixed number of workers per registration. A worker first claims an
// idle context and only then pulls the next ready event from the Source, so
// when every context is busy the backlog stays queued in the transport and no
// context is ever allocated on the request path.
//
// A context cycles Idle -> Executing -> Completed -> Idle. Handler errors and
// panics are returned to the transport through the event's Finish callback;
// they never stop the worker.
package executor
