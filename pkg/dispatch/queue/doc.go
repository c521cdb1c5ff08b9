/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue provides the blocking primitives the dispatch layer is built from: an asynchronous FIFO with
// cancellation and a continuous-consumption mode, and the semaphore and serial executor built directly on top of it.
//
// # Concurrency Model
//
// A `Fifo` hands items directly to waiting consumers. At any instant either the buffered item list or the waiter list
// is non-empty, never both, unless the queue has reached a terminal state (ended or cancelled).
//
// Terminal states differ in what happens to buffered work:
//
//   - `End` is graceful. Buffered items still drain through `Get` and `Process`; once the queue is empty, consumers
//     observe `ErrEndOfStream`.
//   - `Cancel` is immediate. Buffered items are discarded (and returned to the caller of `Cancel`), and every waiter
//     wakes with `ErrCancelled`. A handler already running inside `Process` is not interrupted; only the next pull is.
//
// `Semaphore` pre-loads a `Fifo` with permit tokens, so waiters are admitted in FIFO order. `SerialQueue` feeds thunks
// through `Process`, which guarantees that no two thunks ever run at the same time and that they run in submission
// order.
package queue
