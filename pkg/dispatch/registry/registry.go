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

// Package registry holds the worker pools shared across an application, one per worker version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/workerpool"
)

// ErrClosed is returned by lookups on a closed Registry.
var ErrClosed = errors.New("worker pool registry is closed")

// CreateFunc builds the pool for a version.
type CreateFunc func(ctx context.Context, version string) (*workerpool.Pool, error)

// Registry owns a set of worker pools keyed by version. Each pool is built at most once, on first use, and destroyed
// when the registry is closed.
type Registry struct {
	logger logr.Logger

	mu     sync.Mutex
	closed bool
	// key: version, value: the pool being built or already built.
	pools map[string]*queue.Future[*workerpool.Pool]
}

// New returns an empty Registry.
func New(logger logr.Logger) *Registry {
	return &Registry{
		logger: logger.WithName("pool-registry"),
		pools:  make(map[string]*queue.Future[*workerpool.Pool]),
	}
}

// GetOrCreate returns the pool for version, building it with create if there is none yet. Concurrent callers for the
// same version share one construction. A failed construction is not cached; the next caller tries again.
func (r *Registry) GetOrCreate(ctx context.Context, version string, create CreateFunc) (*workerpool.Pool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := r.pools[version]; ok {
		r.mu.Unlock()
		return f.Wait(ctx)
	}
	f := queue.NewFuture[*workerpool.Pool]()
	r.pools[version] = f
	r.mu.Unlock()

	r.logger.V(logutil.DEFAULT).Info("Creating worker pool", "version", version)
	pool, err := create(ctx, version)
	if err != nil {
		err = fmt.Errorf("creating worker pool %q: %w", version, err)
	}

	r.mu.Lock()
	closed := r.closed
	if err != nil && !closed {
		delete(r.pools, version)
	}
	if err != nil || !closed {
		f.Complete(pool, err)
		r.mu.Unlock()
		return pool, err
	}
	r.mu.Unlock()

	// Close ran while the pool was being built and could not see it.
	pool.Destroy(ctx)
	f.Complete(nil, ErrClosed)
	return nil, ErrClosed
}

// Get returns the pool for version if it has been built.
func (r *Registry) Get(version string) (*workerpool.Pool, bool) {
	r.mu.Lock()
	f, ok := r.pools[version]
	r.mu.Unlock()
	if !ok || !f.IsSettled() {
		return nil, false
	}
	pool, err := f.Result()
	return pool, err == nil
}

// Versions returns the versions with a pool, built or in progress, in sorted order.
func (r *Registry) Versions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := make([]string, 0, len(r.pools))
	for v := range r.pools {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

// Close destroys every built pool and rejects further lookups. Pools still under construction are destroyed by their
// builders.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pools := r.pools
	r.pools = make(map[string]*queue.Future[*workerpool.Pool])
	r.mu.Unlock()

	for version, f := range pools {
		if !f.IsSettled() {
			continue
		}
		if pool, err := f.Result(); err == nil {
			r.logger.V(logutil.DEFAULT).Info("Destroying worker pool", "version", version)
			pool.Destroy(ctx)
		}
	}
}
