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
	"fmt"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

// Thunk is a unit of work submitted to a SerialQueue.
type Thunk func(ctx context.Context) (any, error)

type serialTask struct {
	fn     Thunk
	result *Future[any]
}

// SerialQueue runs submitted thunks strictly one at a time, in submission order, regardless of how many goroutines
// submit concurrently. It is used to serialize access to a single shared resource (such as one remote worker instance)
// that has no concurrency safety of its own.
type SerialQueue struct {
	tasks  *Fifo[*serialTask]
	done   chan struct{}
	logger logr.Logger
}

// NewSerialQueue creates a SerialQueue and starts its processing goroutine. The goroutine exits when the queue is
// ended and drained, cancelled, or when ctx is done; in the last case all unstarted thunks are rejected.
func NewSerialQueue(ctx context.Context, logger logr.Logger) *SerialQueue {
	sq := &SerialQueue{
		tasks:  NewFifo[*serialTask](WithLogger(logger)),
		done:   make(chan struct{}),
		logger: logger,
	}
	go sq.run(ctx)
	return sq
}

func (sq *SerialQueue) run(ctx context.Context) {
	defer close(sq.done)
	sq.logger.V(logutil.DEBUG).Info("Serial queue processing started")
	defer sq.logger.V(logutil.DEBUG).Info("Serial queue processing stopped")

	if err := sq.tasks.Process(ctx, sq.execute); err != nil {
		sq.Cancel()
	}
}

func (sq *SerialQueue) execute(ctx context.Context, task *serialTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serial queue thunk panicked: %v", r)
			task.result.Complete(nil, err)
		}
	}()
	value, err := task.fn(ctx)
	task.result.Complete(value, err)
	// The thunk's own error belongs to its submitter, not to the processing loop.
	return nil
}

// Submit enqueues fn and returns a Future that settles with fn's outcome. If the queue is no longer accepting work the
// returned Future is already settled with ErrCancelled or ErrEnded.
func (sq *SerialQueue) Submit(fn Thunk) *Future[any] {
	task := &serialTask{fn: fn, result: NewFuture[any]()}
	if err := sq.tasks.Put(context.Background(), task); err != nil {
		task.result.Complete(nil, err)
	}
	return task.result
}

// Push enqueues fn and blocks until it has run, returning its outcome. If ctx is done first, Push returns ctx.Err();
// the thunk itself still runs in its turn.
func (sq *SerialQueue) Push(ctx context.Context, fn Thunk) (any, error) {
	return sq.Submit(fn).Wait(ctx)
}

// PushTyped is Push for thunks returning a concrete type.
func PushTyped[T any](ctx context.Context, sq *SerialQueue, fn func(ctx context.Context) (T, error)) (T, error) {
	value, err := sq.Push(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := value.(T)
	return typed, nil
}

// SyncPoint returns once every thunk submitted before the call has settled.
func (sq *SerialQueue) SyncPoint(ctx context.Context) error {
	_, err := sq.Push(ctx, func(context.Context) (any, error) { return nil, nil })
	return err
}

// Cancel drops every unstarted thunk, rejecting its Future with ErrCancelled. A thunk that is already running is not
// interrupted.
func (sq *SerialQueue) Cancel() {
	for _, task := range sq.tasks.Cancel() {
		task.result.Complete(nil, ErrCancelled)
	}
}

// End stops accepting new thunks; already submitted thunks still run.
func (sq *SerialQueue) End() {
	sq.tasks.End()
}

// Done returns a channel that is closed once the processing goroutine has exited.
func (sq *SerialQueue) Done() <-chan struct{} {
	return sq.done
}

// Len returns the number of thunks waiting to start. The value is advisory.
func (sq *SerialQueue) Len() int {
	return sq.tasks.Len()
}
