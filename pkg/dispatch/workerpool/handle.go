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

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/metrics"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
)

// State is a handle's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitialized:
		return "Initialized"
	case StateDestroyed:
		return "Destroyed"
	}
	return "Unknown"
}

// Handle is the pool's reference to one worker.
type Handle struct {
	index    int
	instance Instance
	state    atomic.Int32

	serialOnce   sync.Once
	serial       *queue.SerialQueue
	serialCancel context.CancelFunc

	logger logr.Logger
}

func newHandle(index int, inst Instance, logger logr.Logger) *Handle {
	h := &Handle{index: index, instance: inst, logger: logger.WithValues("index", index)}
	metrics.AddPoolWorkers(StateCreated.String(), 1)
	return h
}

// Index returns the handle's position in the pool.
func (h *Handle) Index() int {
	return h.index
}

// State returns the handle's lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Proxy returns the worker's call surface.
func (h *Handle) Proxy() *proxy.Proxy {
	return h.instance.Proxy()
}

// Serial returns a queue that runs submitted calls one at a time, in order, for callers that need exclusive use of
// this worker. It is cancelled when the handle is destroyed.
func (h *Handle) Serial() *queue.SerialQueue {
	h.serialOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		h.serial = queue.NewSerialQueue(ctx, h.logger)
		h.serialCancel = cancel
	})
	return h.serial
}

func (h *Handle) setState(s State) {
	old := State(h.state.Swap(int32(s)))
	if old != s {
		metrics.AddPoolWorkers(old.String(), -1)
		metrics.AddPoolWorkers(s.String(), 1)
	}
}

// destroy releases an initialized worker. Handles that never initialized hold nothing and are only marked destroyed.
func (h *Handle) destroy(ctx context.Context) error {
	prev := h.State()
	if prev == StateDestroyed {
		return nil
	}
	h.setState(StateDestroyed)

	// Later Serial calls get the cancelled queue, which rejects everything.
	h.Serial().Cancel()
	h.serialCancel()
	if prev != StateInitialized {
		return nil
	}
	return h.instance.Destroy(ctx)
}
