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

// Package server assembles the dispatcher's public procedure surface and its options.
package server

import (
	"context"
	"errors"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/jobqueue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/workerpool"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// Names of the dispatcher's own procedures. The job queue's worker procedures are served alongside them.
const (
	CallFn       = "call"
	CallWorkerFn = "callWorker"
	SubmitJobFn  = "submitJob"
	PoolSizeFn   = "poolSize"
)

// NewServiceTable returns the procedures the dispatcher serves to remote peers. Arguments and results are relayed
// without re-encoding, so the pool's workers and the job queue must use the codec the table is served with.
//
//   - call(method, args...) runs method on the next pooled worker in rotation.
//   - callWorker(index, method, args...) runs method on one worker, behind any earlier callWorker for that worker.
//   - submitJob(target, query, args...) enqueues a job for the polling fleet and waits for its result.
//   - poolSize() reports the number of pooled workers.
//   - getJob, ping and completeJob serve the polling fleet.
func NewServiceTable(pool *workerpool.Pool, q *jobqueue.Queue) *proxy.Table {
	rr := workerpool.NewRoundRobin(pool)
	return jobqueue.NewTable(q).With(map[string]proxy.Handler{
		CallFn: func(ctx context.Context, args transport.Args) (any, error) {
			var method string
			if err := args.Decode(0, &method); err != nil {
				return nil, err
			}
			return forward(ctx, rr.Next(), method, args.Slice(1))
		},
		CallWorkerFn: func(ctx context.Context, args transport.Args) (any, error) {
			var (
				index  int
				method string
			)
			if err := args.Decode(0, &index); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &method); err != nil {
				return nil, err
			}
			h := pool.Worker(index)
			if h == nil {
				return nil, errutil.New(errutil.BadRequest, "no worker %d in a pool of %d", index, pool.Size())
			}
			return queue.PushTyped(ctx, h.Serial(), func(ctx context.Context) (any, error) {
				return forward(ctx, h, method, args.Slice(2))
			})
		},
		SubmitJobFn: func(ctx context.Context, args transport.Args) (any, error) {
			var target, query string
			if err := args.Decode(0, &target); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &query); err != nil {
				return nil, err
			}
			res, err := q.Submit(ctx, target, query, args.Slice(2).Encoded()...)
			if err != nil {
				return nil, err
			}
			return transport.Encoded(res.Raw()), nil
		},
		PoolSizeFn: proxy.Func0(func(context.Context) (int, error) { return pool.Size(), nil }),
	})
}

// forward re-issues a call on a worker, passing arguments and result through still encoded.
func forward(ctx context.Context, h *workerpool.Handle, method string, args transport.Args) (any, error) {
	if h.State() != workerpool.StateInitialized {
		return nil, errutil.New(errutil.Cancelled, "worker %d is %s", h.Index(), h.State())
	}
	res, err := h.Proxy().Call(ctx, method, args.Encoded()...)
	if errors.Is(err, proxy.ErrUnknownMethod) {
		return nil, errutil.New(errutil.DispatchNotFound, "workers do not serve %q", method)
	}
	if err != nil {
		return nil, err
	}
	return transport.Encoded(res.Raw()), nil
}
