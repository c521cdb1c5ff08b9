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

package queue

import (
	"context"
	"sync"
)

// Future is a value that settles exactly once, either with a result or with an error.
//
// # Concurrency
//
// `Complete` is idempotent through `sync.Once`: when several goroutines race to settle the same future (for example a
// response arriving while the transport is being torn down), exactly one of them wins and the others are no-ops.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewFuture returns an unsettled Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete settles the future. It reports whether this call was the one that settled it.
func (f *Future[T]) Complete(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done returns a channel that is closed once the future has settled. It is designed to be used in a `select`
// statement alongside other events such as context cancellation.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value and error.
//
// CRITICAL: This method must only be called after the channel returned by `Done()` has been closed.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// IsSettled reports whether the future has settled, without blocking.
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
