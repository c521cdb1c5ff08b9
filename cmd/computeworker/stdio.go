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

package main

import (
	"context"
	"sync/atomic"

	"github.com/spf13/cobra"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/compute"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/stream"
)

// lazyBroadcaster drops records until the server it forwards to exists.
type lazyBroadcaster struct {
	srv atomic.Pointer[transport.Server]
}

func (b *lazyBroadcaster) Broadcast(ctx context.Context, event string, args ...any) error {
	if srv := b.srv.Load(); srv != nil {
		return srv.Broadcast(ctx, event, args...)
	}
	return nil
}

func newStdioCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve compute procedures on stdin and stdout",
		Long: "Serve compute procedures to the parent process over length-prefixed frames on stdin and stdout. " +
			"Log records are forwarded to the parent; stderr is left for the process's own diagnostics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdio(cmd.Context())
		},
	}
}

func runStdio(ctx context.Context) error {
	codec, err := wireCodec()
	if err != nil {
		return err
	}
	b := &lazyBroadcaster{}
	logger := transport.NewBroadcastLogger(b, logVerbosity).WithName("compute-worker")

	sock := stream.Stdio(stream.WithLogger(setupLog.WithName("stdio")))
	srv := transport.NewServer(nil, compute.NewTable(),
		transport.WithServerCodec(codec), transport.WithServerLogger(logger))
	b.srv.Store(srv)
	srv.Serve(ctx, sock)
	logger.V(logutil.VERBOSE).Info("Worker ready")

	select {
	case <-srv.Done():
	case <-sock.Done():
	case <-ctx.Done():
	}
	return srv.Close()
}
