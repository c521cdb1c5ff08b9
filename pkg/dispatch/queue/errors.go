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

import "errors"

var (
	// ErrCancelled is returned to every waiter, and by every subsequent operation, once a queue has been cancelled.
	ErrCancelled = errors.New("queue cancelled")

	// ErrEndOfStream is the end sentinel: the queue has ended and no buffered items remain.
	ErrEndOfStream = errors.New("end of stream")

	// ErrEnded is returned by Put once End has been called.
	ErrEnded = errors.New("queue ended")

	// ErrTimeout is returned by GetTimeout when no item arrived in time.
	ErrTimeout = errors.New("timed out waiting for item")
)
