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

package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/memory"
)

var (
	addMethod    = NewMethod[int]("add")
	upperMethod  = NewMethod[string]("upper")
	joinMethod   = NewMethod[string]("join")
	statusMethod = NewMethod[string]("status")
)

func newTestTable() *Table {
	return NewTable(map[string]Handler{
		"add": Func2(func(_ context.Context, a, b int) (int, error) { return a + b, nil }),
		"upper": Func1(func(_ context.Context, s string) (string, error) {
			if s == "" {
				return "", errors.New("empty input")
			}
			return strings.ToUpper(s), nil
		}),
		"join": Func3(func(_ context.Context, a, sep, b string) (string, error) { return a + sep + b, nil }),
		"status": Func0(func(context.Context) (string, error) { return "ready", nil }),
	})
}

func connect(t *testing.T, table *Table) *transport.Client {
	t.Helper()
	ln := memory.NewListener()
	srv := transport.NewServer(ln, table, transport.WithServerLogger(logutil.NewTestLogger()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })

	client := transport.NewClient(ln, transport.WithLogger(logutil.NewTestLogger()))
	require.NoError(t, client.Open(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTable(t *testing.T) {
	t.Parallel()

	t.Run("should copy its handlers", func(t *testing.T) {
		t.Parallel()
		handlers := map[string]Handler{"status": Func0(func(context.Context) (string, error) { return "ok", nil })}
		table := NewTable(handlers)
		handlers["extra"] = handlers["status"]
		assert.False(t, table.Names().Has("extra"), "later changes to the source map must not leak in")
	})

	t.Run("should report unknown names as DispatchNotFound", func(t *testing.T) {
		t.Parallel()
		_, err := newTestTable().Dispatch(context.Background(), "missing", transport.Args{})
		assert.ErrorIs(t, err, transport.ErrDispatchNotFound)
	})

	t.Run("should extend without mutating", func(t *testing.T) {
		t.Parallel()
		base := newTestTable()
		extended := base.With(map[string]Handler{"ping": Func0(func(context.Context) (bool, error) { return true, nil })})
		assert.True(t, extended.Names().Has("ping"))
		assert.False(t, base.Names().Has("ping"))
		assert.True(t, extended.Names().Has("add"))
	})

	t.Run("should reject undecodable arguments", func(t *testing.T) {
		t.Parallel()
		args, err := transport.EncodeArgs(transport.MsgpackCodec{}, "two", 3)
		require.NoError(t, err)
		_, err = newTestTable().Dispatch(context.Background(), "add", args)
		assert.ErrorIs(t, err, transport.ErrBadArgument)
	})

	t.Run("should reject missing arguments", func(t *testing.T) {
		t.Parallel()
		args, err := transport.EncodeArgs(transport.MsgpackCodec{}, 1)
		require.NoError(t, err)
		_, err = newTestTable().Dispatch(context.Background(), "add", args)
		assert.ErrorIs(t, err, transport.ErrMissingArgument)
	})
}

func TestProxy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should invoke typed methods", func(t *testing.T) {
		t.Parallel()
		table := newTestTable()
		p := ForTable(connect(t, table), table)

		sum, err := Invoke(ctx, p, addMethod, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 5, sum)

		s, err := Invoke(ctx, p, upperMethod, "proof")
		require.NoError(t, err)
		assert.Equal(t, "PROOF", s)

		joined, err := Invoke(ctx, p, joinMethod, "a", "-", "b")
		require.NoError(t, err)
		assert.Equal(t, "a-b", joined)

		status, err := Invoke(ctx, p, statusMethod)
		require.NoError(t, err)
		assert.Equal(t, "ready", status)
	})

	t.Run("should fail undeclared methods locally", func(t *testing.T) {
		t.Parallel()
		p := New(connect(t, newTestTable()), "add")
		_, err := Invoke(ctx, p, upperMethod, "x")
		assert.ErrorIs(t, err, ErrUnknownMethod)
	})

	t.Run("should surface remote handler errors", func(t *testing.T) {
		t.Parallel()
		p := New(connect(t, newTestTable()), "upper")
		_, err := Invoke(ctx, p, upperMethod, "")
		var remote transport.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Msg, "empty input")
	})

	t.Run("should list declared methods in order", func(t *testing.T) {
		t.Parallel()
		table := newTestTable()
		p := ForTable(transport.NewClient(memory.NewListener()), table)
		if diff := cmp.Diff([]string{"add", "join", "status", "upper"}, p.Methods()); diff != "" {
			t.Errorf("Unexpected methods (-want +got):\n%s", diff)
		}
	})
}
