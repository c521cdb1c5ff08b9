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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
)

const bufSize = 1024 * 1024

func startGRPC(t *testing.T) (*Listener, *Connector) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	frames := NewListener()
	frames.Register(grpcServer)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(func() {
		_ = frames.Close()
		grpcServer.Stop()
	})

	connector := &Connector{
		Target: "passthrough://bufconn",
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
	return frames, connector
}

type echo struct{}

func (echo) Dispatch(_ context.Context, fn string, args transport.Args) (any, error) {
	var s string
	if err := args.Decode(0, &s); err != nil {
		return nil, err
	}
	return fn + ":" + s, nil
}

func TestSocketRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	frames, connector := startGRPC(t)

	client, err := connector.Connect(ctx)
	require.NoError(t, err)
	defer client.Close()

	// Frames sent before the server accepts are not lost.
	require.NoError(t, client.Send(ctx, []byte("first")))
	require.NoError(t, client.Send(ctx, []byte("second")))

	server, err := frames.Accept(ctx)
	require.NoError(t, err)
	for _, want := range []string{"first", "second"} {
		got, err := server.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	require.NoError(t, server.Send(ctx, []byte("reply")))
	got, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got))

	require.NoError(t, client.Close())
	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = server.Recv(recvCtx)
	assert.ErrorIs(t, err, transport.ErrSocketClosed)
}

func TestTransportOverGRPC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	frames, connector := startGRPC(t)

	srv := transport.NewServer(frames, echo{}, transport.WithServerLogger(logutil.NewTestLogger()))
	require.NoError(t, srv.Start(ctx))
	defer srv.Close()

	client := transport.NewClient(connector, transport.WithLogger(logutil.NewTestLogger()))
	require.NoError(t, client.Open(ctx))
	defer client.Close()

	res, err := client.Request(ctx, transport.Message{Fn: "hash", Args: []any{"abc"}})
	require.NoError(t, err)
	var out string
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "hash:abc", out)
}

func TestAcceptAfterClose(t *testing.T) {
	t.Parallel()
	frames := NewListener()
	require.NoError(t, frames.Close())
	_, err := frames.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrListenerClosed)
}
