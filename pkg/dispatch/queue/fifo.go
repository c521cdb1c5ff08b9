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
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

type fifoState int

const (
	stateOpen fifoState = iota
	stateEnded
	stateCancelled
)

// getResult is what a parked consumer receives: an item or a terminal error.
type getResult[T any] struct {
	item T
	err  error
}

// getter is a consumer parked in Get. elem is nil once the getter has been served.
type getter[T any] struct {
	ch   chan getResult[T]
	elem *list.Element
}

// putter is a producer parked in Put because the queue is at its maximum length.
type putter[T any] struct {
	item T
	ch   chan error
	elem *list.Element
}

// Fifo is a concurrent-safe, unbounded (or optionally bounded) first-in first-out queue whose consumers block until an
// item is available. See the package documentation for its terminal-state semantics.
type Fifo[T any] struct {
	mu      sync.Mutex
	items   *list.List // of T
	getters *list.List // of *getter[T]
	putters *list.List // of *putter[T]
	maxLen  int
	state   fifoState
	logger  logr.Logger
}

// FifoOption configures a Fifo.
type FifoOption func(*fifoOptions)

type fifoOptions struct {
	maxLen int
	logger logr.Logger
}

// WithMaxLength bounds the number of buffered items. Put suspends while the queue is full. Zero means unbounded.
func WithMaxLength(n int) FifoOption {
	return func(o *fifoOptions) {
		o.maxLen = n
	}
}

// WithLogger sets the logger used by Process to report handler failures.
func WithLogger(logger logr.Logger) FifoOption {
	return func(o *fifoOptions) {
		o.logger = logger
	}
}

// NewFifo creates an empty, open Fifo.
func NewFifo[T any](opts ...FifoOption) *Fifo[T] {
	o := fifoOptions{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxLen < 0 {
		o.maxLen = 0
	}
	return &Fifo[T]{
		items:   list.New(),
		getters: list.New(),
		putters: list.New(),
		maxLen:  o.maxLen,
		logger:  o.logger,
	}
}

// Put appends item to the queue. It hands the item straight to the oldest waiting consumer if there is one. Put only
// blocks when a maximum length is configured and the queue is full, in which case it waits for space, for ctx to be
// done, or for the queue to be cancelled.
func (q *Fifo[T]) Put(ctx context.Context, item T) error {
	q.mu.Lock()
	switch q.state {
	case stateCancelled:
		q.mu.Unlock()
		return ErrCancelled
	case stateEnded:
		q.mu.Unlock()
		return ErrEnded
	}

	if front := q.getters.Front(); front != nil {
		g := q.getters.Remove(front).(*getter[T])
		g.elem = nil
		g.ch <- getResult[T]{item: item}
		q.mu.Unlock()
		return nil
	}

	if q.maxLen == 0 || q.items.Len() < q.maxLen {
		q.items.PushBack(item)
		q.mu.Unlock()
		return nil
	}

	p := &putter[T]{item: item, ch: make(chan error, 1)}
	p.elem = q.putters.PushBack(p)
	q.mu.Unlock()

	select {
	case err := <-p.ch:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if p.elem != nil {
			q.putters.Remove(p.elem)
			p.elem = nil
			q.mu.Unlock()
			return ctx.Err()
		}
		q.mu.Unlock()
		// Admitted concurrently with cancellation; report what actually happened.
		return <-p.ch
	}
}

// Get removes and returns the item at the head of the queue, blocking until one is available. It returns
// ErrCancelled if the queue is cancelled, ErrEndOfStream if the queue has ended and is empty, or ctx.Err() if ctx is
// done first.
func (q *Fifo[T]) Get(ctx context.Context) (T, error) {
	q.mu.Lock()
	if front := q.items.Front(); front != nil {
		item := q.items.Remove(front).(T)
		q.admitPutterLocked()
		q.mu.Unlock()
		return item, nil
	}

	var zero T
	switch q.state {
	case stateCancelled:
		q.mu.Unlock()
		return zero, ErrCancelled
	case stateEnded:
		q.mu.Unlock()
		return zero, ErrEndOfStream
	}

	g := &getter[T]{ch: make(chan getResult[T], 1)}
	g.elem = q.getters.PushBack(g)
	q.mu.Unlock()

	select {
	case res := <-g.ch:
		return res.item, res.err
	case <-ctx.Done():
		q.mu.Lock()
		if g.elem != nil {
			q.getters.Remove(g.elem)
			g.elem = nil
			q.mu.Unlock()
			return zero, ctx.Err()
		}
		q.mu.Unlock()
		// An item was handed to us while we were giving up. Returning it is the only way not to lose it.
		res := <-g.ch
		return res.item, res.err
	}
}

// GetTimeout is Get bounded by a timeout. It returns ErrTimeout if nothing arrived within d.
func (q *Fifo[T]) GetTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	item, err := q.Get(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return item, ErrTimeout
	}
	return item, err
}

// admitPutterLocked moves the oldest blocked producer's item into the freed slot. Must be called with mu held.
func (q *Fifo[T]) admitPutterLocked() {
	front := q.putters.Front()
	if front == nil {
		return
	}
	p := q.putters.Remove(front).(*putter[T])
	p.elem = nil
	q.items.PushBack(p.item)
	p.ch <- nil
}

// Process pulls items one at a time and calls handler for each, waiting for the handler to return before pulling the
// next one. It returns nil once the queue has ended and drained or has been cancelled, and ctx.Err() if ctx is done
// first. Handler errors are logged; they do not stop processing.
func (q *Fifo[T]) Process(ctx context.Context, handler func(context.Context, T) error) error {
	for {
		item, err := q.Get(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrCancelled) {
				q.logger.V(logutil.DEBUG).Info("Queue processing finished", "reason", err.Error())
				return nil
			}
			return err
		}
		if err := handler(ctx, item); err != nil {
			q.logger.Error(err, "Queue handler failed, continuing with next item")
		}
	}
}

// Cancel discards all buffered items and wakes every waiting consumer and producer with ErrCancelled. The discarded
// items are returned so that owners can settle any state attached to them. Cancel is idempotent.
func (q *Fifo[T]) Cancel() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == stateCancelled {
		return nil
	}
	q.state = stateCancelled

	discarded := make([]T, 0, q.items.Len()+q.putters.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		discarded = append(discarded, e.Value.(T))
	}
	q.items.Init()

	for e := q.putters.Front(); e != nil; e = e.Next() {
		p := e.Value.(*putter[T])
		p.elem = nil
		p.ch <- ErrCancelled
	}
	q.putters.Init()

	var zero T
	for e := q.getters.Front(); e != nil; e = e.Next() {
		g := e.Value.(*getter[T])
		g.elem = nil
		g.ch <- getResult[T]{item: zero, err: ErrCancelled}
	}
	q.getters.Init()
	return discarded
}

// End marks the queue as finished. Already-buffered items, and items from producers already blocked in Put, still
// drain; after that consumers receive ErrEndOfStream. New calls to Put fail with ErrEnded.
func (q *Fifo[T]) End() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateOpen {
		return
	}
	q.state = stateEnded

	// Waiters only exist while the queue is empty, so they can be released immediately.
	var zero T
	for e := q.getters.Front(); e != nil; e = e.Next() {
		g := e.Value.(*getter[T])
		g.elem = nil
		g.ch <- getResult[T]{item: zero, err: ErrEndOfStream}
	}
	q.getters.Init()
}

// Len returns the number of buffered items. The value is advisory under concurrent use.
func (q *Fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// waiting returns the number of parked consumers. test-only
func (q *Fifo[T]) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getters.Len()
}
