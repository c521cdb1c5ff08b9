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

// Package workerpool creates, addresses and tears down a fixed-size set of remote workers.
//
// A Pool is built by a Factory. Every worker is created and initialized in parallel; if any of them fails, the ones
// that did initialize are destroyed and construction fails as a whole. Once built, the pool never changes size.
// Callers address workers by index, or through a RoundRobin selector, and talk to them through their Proxy.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/metrics"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
)

var (
	// ErrWorkerInitFailed is returned by New when any worker fails to initialize.
	ErrWorkerInitFailed = errors.New("worker initialization failed")

	// ErrInvalidSize is returned by New for a size below one.
	ErrInvalidSize = errors.New("pool size must be at least 1")
)

// Factory creates the worker at the given index. Creation should be cheap; expensive start-up belongs in Init.
type Factory interface {
	New(ctx context.Context, index int) (Instance, error)
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(ctx context.Context, index int) (Instance, error)

func (f FactoryFunc) New(ctx context.Context, index int) (Instance, error) {
	return f(ctx, index)
}

// Instance is one worker as seen by the pool.
type Instance interface {
	// Init brings the worker up. A failed Init must release whatever it acquired; the pool will not call Destroy.
	Init(ctx context.Context) error
	// Destroy releases the worker's execution context.
	Destroy(ctx context.Context) error
	// Proxy returns the worker's call surface. It is only valid after a successful Init.
	Proxy() *proxy.Proxy
}

// Pool is a fixed-size, ordered set of initialized workers.
type Pool struct {
	handles []*Handle
	logger  logr.Logger

	destroyOnce sync.Once
}

// New creates size workers with factory and initializes them in parallel. If any worker fails, every worker that did
// initialize is destroyed and the returned error wraps ErrWorkerInitFailed.
func New(ctx context.Context, factory Factory, size int, logger logr.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	logger = logger.WithName("worker-pool")
	p := &Pool{handles: make([]*Handle, size), logger: logger}

	// Every Init runs to completion, even after another has failed, so that each handle ends in a known state.
	var g errgroup.Group
	for i := range size {
		g.Go(func() error {
			inst, err := factory.New(ctx, i)
			if err != nil {
				return fmt.Errorf("creating worker %d: %w", i, err)
			}
			h := newHandle(i, inst, logger)
			p.handles[i] = h
			if err := inst.Init(ctx); err != nil {
				return fmt.Errorf("initializing worker %d: %w", i, err)
			}
			h.setState(StateInitialized)
			logger.V(logutil.DEBUG).Info("Worker initialized", "index", i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error(err, "Worker pool construction failed, tearing down initialized workers")
		p.teardown(ctx)
		return nil, fmt.Errorf("%w: %w", ErrWorkerInitFailed, err)
	}

	logger.V(logutil.DEFAULT).Info("Worker pool ready", "size", size)
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.handles)
}

// Worker returns the handle at index i, or nil if i is out of range.
func (p *Pool) Worker(i int) *Handle {
	if i < 0 || i >= len(p.handles) {
		return nil
	}
	return p.handles[i]
}

// Handles returns every handle in creation order.
func (p *Pool) Handles() []*Handle {
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// Destroy tears down every worker in reverse creation order. Failures are logged and do not stop the teardown. If ctx
// has a deadline, each worker gets an equal share of the time that remains when its turn comes.
// Calling Destroy more than once is a no-op.
func (p *Pool) Destroy(ctx context.Context) {
	p.teardown(ctx)
}

func (p *Pool) teardown(ctx context.Context) {
	p.destroyOnce.Do(func() {
		for i := len(p.handles) - 1; i >= 0; i-- {
			h := p.handles[i]
			if h == nil {
				continue
			}
			handleCtx, cancel := shareDeadline(ctx, i+1)
			err := h.destroy(handleCtx)
			cancel()
			if err != nil {
				metrics.RecordWorkerTeardownError()
				p.logger.Error(err, "Worker teardown failed", "index", i)
			}
		}
		p.logger.V(logutil.VERBOSE).Info("Worker pool destroyed")
	})
}

// shareDeadline gives one of remaining teardowns an equal slice of the time left before ctx's deadline, so a hung
// worker leaves the rest their share.
func shareDeadline(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Until(deadline)/time.Duration(remaining))
}
