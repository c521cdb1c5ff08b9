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

package workerpool

import "sync/atomic"

// RoundRobin hands out a pool's workers in rotation. The pool itself does no balancing.
type RoundRobin struct {
	pool *Pool
	next atomic.Uint64
}

// NewRoundRobin returns a selector over pool starting at worker 0.
func NewRoundRobin(pool *Pool) *RoundRobin {
	return &RoundRobin{pool: pool}
}

// Next returns the next worker in rotation.
func (r *RoundRobin) Next() *Handle {
	i := (r.next.Add(1) - 1) % uint64(r.pool.Size())
	return r.pool.Worker(int(i))
}
