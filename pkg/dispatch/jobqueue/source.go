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

package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// Names of the procedures a worker fleet calls on the producer.
const (
	GetJobFn      = "getJob"
	PingFn        = "ping"
	CompleteJobFn = "completeJob"
)

var (
	getJobMethod      = proxy.NewMethod[*Job](GetJobFn)
	pingMethod        = proxy.NewMethod[*int64](PingFn)
	completeJobMethod = proxy.NewMethod[bool](CompleteJobFn)
)

// Source is the worker's view of a Queue, local or remote.
type Source interface {
	// GetJob claims the next job for workerID. It returns nil when there is no work.
	GetJob(ctx context.Context, workerID string) (*Job, error)
	// Ping renews workerID's claim on job id. It reports false once the job belongs to someone else.
	Ping(ctx context.Context, workerID string, id int64) (time.Time, bool, error)
	// CompleteJob reports the outcome of job id. errMsg is empty on success.
	CompleteJob(ctx context.Context, workerID string, id int64, data []byte, errMsg string) error
}

// LocalSource adapts a Queue in the same process.
type LocalSource struct {
	Queue *Queue
}

var _ Source = LocalSource{}

func (s LocalSource) GetJob(_ context.Context, workerID string) (*Job, error) {
	job, ok := s.Queue.GetJob(workerID)
	if !ok {
		return nil, nil
	}
	return job, nil
}

func (s LocalSource) Ping(_ context.Context, workerID string, id int64) (time.Time, bool, error) {
	at, ok := s.Queue.Ping(workerID, id)
	return at, ok, nil
}

func (s LocalSource) CompleteJob(_ context.Context, workerID string, id int64, data []byte, errMsg string) error {
	s.Queue.CompleteJob(workerID, id, data, errMsg)
	return nil
}

// NewTable exposes q's worker operations as remote procedures. Serve it with a transport.Server and point workers at
// it with a RemoteSource.
func NewTable(q *Queue) *proxy.Table {
	return proxy.NewTable(map[string]proxy.Handler{
		GetJobFn: proxy.Func1(func(_ context.Context, workerID string) (*Job, error) {
			if err := checkWorkerID(workerID); err != nil {
				return nil, err
			}
			job, ok := q.GetJob(workerID)
			if !ok {
				return nil, nil
			}
			return job, nil
		}),
		PingFn: proxy.Func2(func(_ context.Context, workerID string, id int64) (*int64, error) {
			if err := checkWorkerID(workerID); err != nil {
				return nil, err
			}
			at, ok := q.Ping(workerID, id)
			if !ok {
				return nil, nil
			}
			ms := at.UnixMilli()
			return &ms, nil
		}),
		CompleteJobFn: completeJobHandler(q),
	})
}

func completeJobHandler(q *Queue) proxy.Handler {
	return func(_ context.Context, args transport.Args) (any, error) {
		var (
			workerID string
			id       int64
			data     []byte
			errMsg   string
		)
		for i, target := range []any{&workerID, &id, &data, &errMsg} {
			if err := args.Decode(i, target); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
		}
		if err := checkWorkerID(workerID); err != nil {
			return nil, err
		}
		return q.CompleteJob(workerID, id, data, errMsg), nil
	}
}

func checkWorkerID(workerID string) error {
	if workerID == "" {
		return errutil.New(errutil.BadRequest, "worker id must not be empty")
	}
	return nil
}

// RemoteSource reaches a Queue served with NewTable.
type RemoteSource struct {
	proxy *proxy.Proxy
}

var _ Source = (*RemoteSource)(nil)

// NewRemoteSource returns a Source that calls the queue's procedures through client.
func NewRemoteSource(client *transport.Client) *RemoteSource {
	return &RemoteSource{proxy: proxy.New(client, GetJobFn, PingFn, CompleteJobFn)}
}

func (s *RemoteSource) GetJob(ctx context.Context, workerID string) (*Job, error) {
	return proxy.Invoke(ctx, s.proxy, getJobMethod, workerID)
}

func (s *RemoteSource) Ping(ctx context.Context, workerID string, id int64) (time.Time, bool, error) {
	ms, err := proxy.Invoke(ctx, s.proxy, pingMethod, workerID, id)
	if err != nil || ms == nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(*ms), true, nil
}

func (s *RemoteSource) CompleteJob(ctx context.Context, workerID string, id int64, data []byte, errMsg string) error {
	_, err := proxy.Invoke(ctx, s.proxy, completeJobMethod, workerID, id, data, errMsg)
	return err
}
