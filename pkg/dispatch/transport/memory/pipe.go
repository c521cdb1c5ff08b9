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

// Package memory provides in-process sockets backed by unbounded queues.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// port is one end of a Pipe. Frames sent on a port land in its peer's inbox.
type port struct {
	inbox *queue.Fifo[[]byte]
	peer  *port
	once  sync.Once
}

var _ transport.Socket = &port{}

// Pipe returns two connected sockets. Frames sent on one are received, in order, on the other. Closing either end
// closes both; frames already delivered can still be received.
func Pipe() (transport.Socket, transport.Socket) {
	a := &port{inbox: queue.NewFifo[[]byte]()}
	b := &port{inbox: queue.NewFifo[[]byte]()}
	a.peer, b.peer = b, a
	return a, b
}

func (p *port) Send(ctx context.Context, frame []byte) error {
	if err := p.peer.inbox.Put(ctx, bytes.Clone(frame)); err != nil {
		if errors.Is(err, queue.ErrEnded) || errors.Is(err, queue.ErrCancelled) {
			return transport.ErrSocketClosed
		}
		return err
	}
	return nil
}

func (p *port) Recv(ctx context.Context) ([]byte, error) {
	frame, err := p.inbox.Get(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEndOfStream) || errors.Is(err, queue.ErrCancelled) {
			return nil, transport.ErrSocketClosed
		}
		return nil, err
	}
	return frame, nil
}

func (p *port) Close() error {
	p.once.Do(func() {
		p.inbox.End()
		p.peer.inbox.End()
	})
	return nil
}
