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

package memory

import (
	"context"
	"errors"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// Listener is an in-process rendezvous point: every Connect creates a Pipe and queues its server end for Accept. It
// lets many clients share one server the way goroutines in a process share a long-lived worker.
type Listener struct {
	backlog *queue.Fifo[transport.Socket]
}

var (
	_ transport.Listener  = &Listener{}
	_ transport.Connector = &Listener{}
)

// NewListener returns an open Listener.
func NewListener() *Listener {
	return &Listener{backlog: queue.NewFifo[transport.Socket]()}
}

// Connect returns the client end of a new connection. The connection is usable immediately; frames sent before the
// server accepts it are buffered.
func (l *Listener) Connect(ctx context.Context) (transport.Socket, error) {
	client, server := Pipe()
	if err := l.backlog.Put(ctx, server); err != nil {
		_ = client.Close()
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, queue.ErrEnded) {
			return nil, transport.ErrListenerClosed
		}
		return nil, err
	}
	return client, nil
}

func (l *Listener) Accept(ctx context.Context) (transport.Socket, error) {
	sock, err := l.backlog.Get(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, queue.ErrEndOfStream) {
			return nil, transport.ErrListenerClosed
		}
		return nil, err
	}
	return sock, nil
}

// Close rejects further connections and closes those not yet accepted.
func (l *Listener) Close() error {
	for _, sock := range l.backlog.Cancel() {
		_ = sock.Close()
	}
	return nil
}
