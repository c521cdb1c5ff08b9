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

package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/memory"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

type calculator struct {
	release chan struct{}
}

func (c *calculator) Dispatch(ctx context.Context, fn string, args transport.Args) (any, error) {
	switch fn {
	case "add":
		var a, b int
		if err := args.Decode(0, &a); err != nil {
			return nil, fmt.Errorf("TypeError: add expects integers: %w", err)
		}
		if err := args.Decode(1, &b); err != nil {
			return nil, fmt.Errorf("TypeError: add expects integers: %w", err)
		}
		return a + b, nil
	case "delayedEcho":
		var delayMs, v int
		if err := args.Decode(0, &delayMs); err != nil {
			return nil, err
		}
		if err := args.Decode(1, &v); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
		return v, nil
	case "block":
		select {
		case <-c.release:
		case <-ctx.Done():
		}
		return nil, nil
	case "panic":
		panic("kaboom")
	case "nothing":
		return nil, nil
	}
	return nil, errutil.New(errutil.DispatchNotFound, "no handler for %q", fn)
}

func startServer(t *testing.T, d transport.Dispatcher, opts ...transport.ServerOption) (*memory.Listener, *transport.Server) {
	t.Helper()
	ln := memory.NewListener()
	opts = append([]transport.ServerOption{transport.WithServerLogger(logutil.NewTestLogger())}, opts...)
	srv := transport.NewServer(ln, d, opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return ln, srv
}

func openClient(t *testing.T, connector transport.Connector, opts ...transport.ClientOption) *transport.Client {
	t.Helper()
	opts = append([]transport.ClientOption{transport.WithLogger(logutil.NewTestLogger())}, opts...)
	client := transport.NewClient(connector, opts...)
	require.NoError(t, client.Open(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newCalculator(t *testing.T) *calculator {
	c := &calculator{release: make(chan struct{})}
	t.Cleanup(func() { close(c.release) })
	return c
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should return the remote result", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		res, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{2, 3}})
		require.NoError(t, err)
		var sum int
		require.NoError(t, res.Decode(&sum))
		assert.Equal(t, 5, sum)
	})

	t.Run("should surface remote failures as RemoteError", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		_, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{"x", 1}})
		require.Error(t, err)
		var remote transport.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, errutil.Remote, remote.Code)
		assert.Contains(t, remote.Msg, "TypeError")
	})

	t.Run("should answer unknown functions with DispatchNotFound", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := client.Request(reqCtx, transport.Message{Fn: "subtract", Args: []any{1, 2}})
		assert.ErrorIs(t, err, transport.ErrDispatchNotFound)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should recover handler panics", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		_, err := client.Request(ctx, transport.Message{Fn: "panic"})
		assert.Equal(t, errutil.Internal, errutil.CanonicalCode(err))
		assert.Contains(t, err.Error(), "kaboom")

		_, err = client.Request(ctx, transport.Message{Fn: "nothing"})
		assert.NoError(t, err, "the server should keep serving after a panic")
	})

	t.Run("should decode a missing result as a no-op", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		res, err := client.Request(ctx, transport.Message{Fn: "nothing"})
		require.NoError(t, err)
		var v *int
		require.NoError(t, res.Decode(&v))
		assert.Nil(t, v)
	})

	t.Run("should speak JSON when both ends agree", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t), transport.WithServerCodec(transport.JSONCodec{}))
		client := openClient(t, ln, transport.WithCodec(transport.JSONCodec{}))

		res, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{40, 2}})
		require.NoError(t, err)
		var sum int
		require.NoError(t, res.Decode(&sum))
		assert.Equal(t, 42, sum)
	})

	t.Run("should send pre-encoded arguments as is", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		seven, err := transport.MsgpackCodec{}.Marshal(7)
		require.NoError(t, err)
		res, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{transport.Encoded(seven), 3}})
		require.NoError(t, err)
		var sum int
		require.NoError(t, res.Decode(&sum))
		assert.Equal(t, 10, sum)
	})
}

func TestConcurrentRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ln, _ := startServer(t, newCalculator(t))
	client := openClient(t, ln)

	const k = 16
	results := make([]int, k)
	errs := make([]error, k)
	var wg sync.WaitGroup
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Earlier requests sleep longer so that responses arrive out of order.
			res, err := client.Request(ctx, transport.Message{Fn: "delayedEcho", Args: []any{(k - i) * 2, i}})
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = res.Decode(&results[i])
		}()
	}
	wg.Wait()

	for i := range k {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i], "request %d received another request's response", i)
	}
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should reject requests before Open", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := transport.NewClient(ln)
		_, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{1, 1}})
		assert.ErrorIs(t, err, transport.ErrNotOpen)
	})

	t.Run("should reject requests after Close", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		require.NoError(t, client.Close())
		assert.False(t, client.IsOpen())
		_, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{1, 1}})
		assert.ErrorIs(t, err, transport.ErrNotOpen)
	})

	t.Run("should settle pending requests with ErrConnectionClosed on Close", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		errCh := make(chan error, 3)
		for range 3 {
			go func() {
				_, err := client.Request(ctx, transport.Message{Fn: "block"})
				errCh <- err
			}()
		}
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, client.Close())

		for range 3 {
			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, transport.ErrConnectionClosed)
			case <-time.After(time.Second):
				t.Fatal("pending request was not settled by Close")
			}
		}
	})

	t.Run("should settle pending requests when the server goes away", func(t *testing.T) {
		t.Parallel()
		ln, srv := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Request(ctx, transport.Message{Fn: "block"})
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		go func() { _ = srv.Close() }()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, transport.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request was not settled when the socket closed")
		}
	})

	t.Run("should return the caller's context error but keep the request in flight", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := client.Request(reqCtx, transport.Message{Fn: "delayedEcho", Args: []any{50, 1}})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// The late response is discarded and later requests are unaffected.
		time.Sleep(60 * time.Millisecond)
		res, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{1, 2}})
		require.NoError(t, err)
		var sum int
		require.NoError(t, res.Decode(&sum))
		assert.Equal(t, 3, sum)
	})

	t.Run("should reopen after Close", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		require.NoError(t, client.Close())
		require.NoError(t, client.Open(ctx))
		_, err := client.Request(ctx, transport.Message{Fn: "nothing"})
		assert.NoError(t, err)
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should keep serving existing sockets after Stop", func(t *testing.T) {
		t.Parallel()
		ln, srv := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		_, err := client.Request(ctx, transport.Message{Fn: "nothing"})
		require.NoError(t, err)

		srv.Stop()
		_, err = client.Request(ctx, transport.Message{Fn: "nothing"})
		assert.NoError(t, err)
	})

	t.Run("should answer a ping without dispatching it", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		res, err := client.Request(ctx, transport.Message{Fn: transport.PingFn})
		require.NoError(t, err)
		assert.Empty(t, res.Raw())
	})

	t.Run("should shut down after a destroy request", func(t *testing.T) {
		t.Parallel()
		ln, srv := startServer(t, newCalculator(t))
		client := openClient(t, ln)

		_, err := client.Request(ctx, transport.Message{Fn: transport.DestroyFn})
		require.NoError(t, err, "destroy should be acknowledged")

		select {
		case <-srv.Done():
		case <-time.After(time.Second):
			t.Fatal("server did not signal Done after destroy")
		}
		assert.ErrorIs(t, srv.Start(ctx), transport.ErrListenerClosed)
	})

	t.Run("should serve a socket handed over directly", func(t *testing.T) {
		t.Parallel()
		srv := transport.NewServer(nil, newCalculator(t))
		t.Cleanup(func() { _ = srv.Close() })
		clientEnd, serverEnd := memory.Pipe()
		srv.Serve(ctx, serverEnd)

		client := openClient(t, transport.ConnectorFunc(func(context.Context) (transport.Socket, error) {
			return clientEnd, nil
		}))
		res, err := client.Request(ctx, transport.Message{Fn: "add", Args: []any{2, 3}})
		require.NoError(t, err)
		var sum int
		require.NoError(t, res.Decode(&sum))
		assert.Equal(t, 5, sum)
	})
}

func TestBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should deliver events published after subscribing", func(t *testing.T) {
		t.Parallel()
		ln, srv := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		// A round trip guarantees the server has accepted the connection.
		_, err := client.Request(ctx, transport.Message{Fn: "nothing"})
		require.NoError(t, err)

		sub := client.Subscribe(4)
		defer sub.Cancel()
		require.NoError(t, srv.Broadcast(ctx, "progress", 7, "half"))

		select {
		case ev := <-sub.Events():
			assert.Equal(t, "progress", ev.Name)
			require.Equal(t, 2, ev.Args.Len())
			var n int
			var label string
			require.NoError(t, ev.Args.Decode(0, &n))
			require.NoError(t, ev.Args.Decode(1, &label))
			assert.Equal(t, 7, n)
			assert.Equal(t, "half", label)
		case <-time.After(time.Second):
			t.Fatal("broadcast was not delivered")
		}
	})

	t.Run("should drop events for a full subscriber without blocking responses", func(t *testing.T) {
		t.Parallel()
		ln, srv := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		_, err := client.Request(ctx, transport.Message{Fn: "nothing"})
		require.NoError(t, err)

		sub := client.Subscribe(1)
		defer sub.Cancel()
		for i := range 5 {
			require.NoError(t, srv.Broadcast(ctx, "tick", i))
		}
		_, err = client.Request(ctx, transport.Message{Fn: "nothing"})
		require.NoError(t, err, "a slow subscriber must not stall the read loop")

		ev := <-sub.Events()
		var first int
		require.NoError(t, ev.Args.Decode(0, &first))
		assert.Equal(t, 0, first)
	})

	t.Run("should close subscriptions when the client closes", func(t *testing.T) {
		t.Parallel()
		ln, _ := startServer(t, newCalculator(t))
		client := openClient(t, ln)
		sub := client.Subscribe(1)
		require.NoError(t, client.Close())
		_, ok := <-sub.Events()
		assert.False(t, ok)
		sub.Cancel()
	})
}

func TestLogForwarding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ln, srv := startServer(t, newCalculator(t))
	client := openClient(t, ln)
	_, err := client.Request(ctx, transport.Message{Fn: "nothing"})
	require.NoError(t, err)

	sub := client.Subscribe(8)
	defer sub.Cancel()

	workerLog := transport.NewBroadcastLogger(srv, logutil.DEBUG).WithName("worker").WithValues("index", 3)
	workerLog.V(logutil.DEFAULT).Info("Proving", "circuit", "rollup")
	workerLog.V(logutil.TRACE).Info("Too verbose to forward")
	workerLog.Error(errors.New("out of memory"), "Proof failed")

	var records []transport.LogRecord
	for range 2 {
		select {
		case ev := <-sub.Events():
			require.Equal(t, transport.LogEvent, ev.Name)
			var rec transport.LogRecord
			require.NoError(t, ev.Args.Decode(0, &rec))
			records = append(records, rec)
		case <-time.After(time.Second):
			t.Fatal("log record was not forwarded")
		}
	}

	assert.Equal(t, transport.LogRecord{
		Level:  logutil.DEFAULT,
		Name:   "worker",
		Msg:    "Proving",
		Values: []string{"index", "3", "circuit", "rollup"},
	}, records[0])
	assert.Equal(t, "out of memory", records[1].Error)
	assert.Equal(t, "Proof failed", records[1].Msg)
}
