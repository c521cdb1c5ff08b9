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

import (
	"context"
)

// Socket is a bidirectional, message-framed channel between two execution contexts.
//
// Each successful Send on one end yields exactly one frame from Recv on the other end, in send order. Send must be
// safe for concurrent use; Recv is only ever called from a single goroutine. After Close (on either end) Recv returns
// ErrSocketClosed once any frames already delivered have been consumed.
type Socket interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Connector establishes the client end of a Socket. Frames sent after Connect returns are never lost.
type Connector interface {
	Connect(ctx context.Context) (Socket, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context) (Socket, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Socket, error) {
	return f(ctx)
}

// Listener yields the server end of each new connection.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done, or the listener is closed (ErrListenerClosed).
	Accept(ctx context.Context) (Socket, error)
	Close() error
}
