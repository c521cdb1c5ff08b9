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

package grpcsocket

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

// Listener turns every Connect stream on a gRPC server into an accepted socket.
type Listener struct {
	backlog *queue.Fifo[transport.Socket]
}

var (
	_ transport.Listener = &Listener{}
	_ TransportServer    = &Listener{}
)

// NewListener returns a Listener. It receives no connections until registered on a gRPC server.
func NewListener() *Listener {
	return &Listener{backlog: queue.NewFifo[transport.Socket]()}
}

// Register exposes the listener on srv under ServiceName.
func (l *Listener) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&serviceDesc, l)
}

// Connect serves one stream for as long as its socket stays open.
func (l *Listener) Connect(stream grpc.ServerStream) error {
	sock := newSocket(stream, nil)
	if err := l.backlog.Put(stream.Context(), sock); err != nil {
		_ = sock.Close()
		return status.Error(codes.Unavailable, "transport listener closed")
	}
	select {
	case <-sock.closed:
	case <-stream.Context().Done():
		_ = sock.Close()
	}
	return nil
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

// Close rejects further streams and closes those not yet accepted. It does not stop the gRPC server.
func (l *Listener) Close() error {
	for _, sock := range l.backlog.Cancel() {
		_ = sock.Close()
	}
	return nil
}

// Connector dials a gRPC target and opens a Connect stream. Each Connect creates its own client connection, which is
// released when the socket closes.
type Connector struct {
	Target      string
	DialOptions []grpc.DialOption
}

var _ transport.Connector = &Connector{}

func (c *Connector) Connect(ctx context.Context) (transport.Socket, error) {
	conn, err := grpc.NewClient(c.Target, c.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", c.Target, err)
	}
	// The stream outlives ctx; it ends when the socket is closed.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], ConnectMethod, grpc.CallContentSubtype(codecName))
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening transport stream to %s: %w", c.Target, err)
	}
	return newSocket(stream, func() {
		_ = stream.CloseSend()
		cancel()
		_ = conn.Close()
	}), nil
}
