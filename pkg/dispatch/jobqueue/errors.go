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

package jobqueue

import "errors"

var (
	// ErrJobUnclaimed fails a submission whose job no worker claimed within the claim timeout. The job is gone; the
	// caller must resubmit.
	ErrJobUnclaimed = errors.New("job was not claimed before the claim timeout")

	// ErrQueueClosed fails submissions made to, or pending on, a closed queue.
	ErrQueueClosed = errors.New("job queue is closed")
)
