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
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/memory"
)

// InProcessFactory creates workers that serve Table from goroutines in this process. Each worker has its own server
// and in-memory socket, so workers share nothing but the (immutable) table.
type InProcessFactory struct {
	Table  *proxy.Table
	Codec  transport.Codec
	Logger logr.Logger
}

var _ Factory = &InProcessFactory{}

func (f *InProcessFactory) New(_ context.Context, index int) (Instance, error) {
	if f.Table == nil {
		return nil, errors.New("in-process worker factory has no table")
	}
	codec := f.Codec
	if codec == nil {
		codec = transport.MsgpackCodec{}
	}
	logger := f.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &inProcessWorker{
		table:  f.Table,
		codec:  codec,
		logger: logger.WithValues("worker", index),
	}, nil
}

type inProcessWorker struct {
	table  *proxy.Table
	codec  transport.Codec
	logger logr.Logger

	server *transport.Server
	client *transport.Client
	proxy  *proxy.Proxy
}

func (w *inProcessWorker) Init(ctx context.Context) error {
	ln := memory.NewListener()
	w.server = transport.NewServer(ln, w.table,
		transport.WithServerCodec(w.codec), transport.WithServerLogger(w.logger))
	if err := w.server.Start(context.Background()); err != nil {
		return fmt.Errorf("starting worker server: %w", err)
	}
	w.client = transport.NewClient(ln, transport.WithCodec(w.codec), transport.WithLogger(w.logger))
	if err := w.client.Open(ctx); err != nil {
		_ = w.server.Close()
		return fmt.Errorf("connecting to worker server: %w", err)
	}
	w.proxy = proxy.ForTable(w.client, w.table)
	return nil
}

func (w *inProcessWorker) Destroy(ctx context.Context) error {
	err := w.proxy.Destroy(ctx)
	_ = w.client.Close()
	select {
	case <-w.server.Done():
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (w *inProcessWorker) Proxy() *proxy.Proxy {
	return w.proxy
}
