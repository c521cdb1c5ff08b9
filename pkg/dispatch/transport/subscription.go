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

package transport

import "sync"

// Event is a broadcast received from the remote side.
type Event struct {
	Name string
	Args Args
}

// Subscription delivers broadcast events to one receiver.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Events returns the channel events are delivered on. It is closed when the subscription is cancelled or the client
// closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel stops delivery and closes the events channel. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}
