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

import "context"

// Semaphore bounds the number of concurrent holders to a fixed number of permits. Waiters are admitted in FIFO order.
//
// The semaphore does not release on the caller's behalf: every successful Acquire must be paired with exactly one
// Release, typically via defer.
type Semaphore struct {
	permits *Fifo[struct{}]
	size    int
}

// NewSemaphore returns a semaphore holding n permits.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{permits: NewFifo[struct{}](), size: n}
	for range n {
		// An open, unbounded queue cannot reject a Put.
		_ = s.permits.Put(context.Background(), struct{}{})
	}
	return s
}

// Acquire takes a permit, blocking until one is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	_, err := s.permits.Get(ctx)
	return err
}

// Release returns a permit.
func (s *Semaphore) Release() {
	_ = s.permits.Put(context.Background(), struct{}{})
}

// Available returns the number of free permits. The value is advisory under concurrent use.
func (s *Semaphore) Available() int {
	return s.permits.Len()
}

// Size returns the number of permits the semaphore was created with.
func (s *Semaphore) Size() int {
	return s.size
}
