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

// Package jobqueue distributes work to a fleet of pull-based workers.
//
// Producers Submit jobs and wait for their results. Workers poll with GetJob, Ping the jobs they are running, and
// report back with CompleteJob. A job is owned by at most one worker at a time; only the owner's completion counts.
//
// Two timeouts are enforced by the janitor loop (Run):
//   - ClaimTimeout: a job nobody claims in time fails its submission with ErrJobUnclaimed.
//   - HeartbeatTimeout: a claimed job whose worker stops pinging is handed back to the unclaimed set and redelivered
//     in full. The producer keeps waiting on the same submission and never learns of the redelivery.
package jobqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/metrics"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/queue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

// Job is a unit of work: call Query on the capability named Target with Args.
type Job struct {
	ID     int64    `msgpack:"id" json:"id"`
	Target string   `msgpack:"target" json:"target"`
	Query  string   `msgpack:"query" json:"query"`
	Args   [][]byte `msgpack:"args,omitempty" json:"args,omitempty"`
}

// entry is the queue's bookkeeping for one job.
type entry struct {
	job    Job
	future *queue.Future[transport.Result]

	// enqueuedAt is when the job (re)entered the unclaimed set.
	enqueuedAt time.Time
	// elem is the job's position in the unclaimed list, nil while claimed.
	elem *list.Element

	owner    string
	lastPing time.Time
}

// Submission is a pending job.
type Submission struct {
	ID     int64
	future *queue.Future[transport.Result]
	q      *Queue
}

// Done is closed once the job has settled.
func (s *Submission) Done() <-chan struct{} {
	return s.future.Done()
}

// Wait blocks until the job settles or ctx is done. A submitter that gives up withdraws the job.
func (s *Submission) Wait(ctx context.Context) (transport.Result, error) {
	res, err := s.future.Wait(ctx)
	if err != nil && ctx.Err() != nil && !s.future.IsSettled() {
		s.q.withdraw(s.ID)
	}
	return res, err
}

// Queue is the producer side of the job protocol and the single source of truth for job ownership.
//
// # Concurrency
//
// All methods are safe for concurrent use; state is guarded by one mutex.
type Queue struct {
	// --- Immutable dependencies (set at construction) ---

	config Config
	clock  clock.WithTicker
	codec  transport.Codec
	logger logr.Logger

	// --- Guarded state ---

	mu        sync.Mutex
	closed    bool
	nextID    int64
	unclaimed *list.List // of *entry, oldest first
	entries   map[int64]*entry
}

// QueueOption configures a Queue beyond its Config.
type QueueOption func(*Queue)

// WithClock replaces the real clock. Tests use a fake clock to drive the timeouts.
func WithClock(c clock.WithTicker) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// WithCodec sets the codec used to encode job arguments and decode results. Workers must use the same codec.
func WithCodec(codec transport.Codec) QueueOption {
	return func(q *Queue) { q.codec = codec }
}

// New returns an empty Queue. Call Run to enforce the timeouts.
func New(config Config, logger logr.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		config:    config,
		clock:     clock.RealClock{},
		codec:     transport.MsgpackCodec{},
		logger:    logger.WithName("job-queue"),
		unclaimed: list.New(),
		entries:   make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues a job and waits for its result. If ctx ends first, the job is withdrawn and ctx.Err() is returned.
func (q *Queue) Submit(ctx context.Context, target, query string, args ...any) (transport.Result, error) {
	sub, err := q.SubmitAsync(target, query, args...)
	if err != nil {
		return transport.Result{}, err
	}
	return sub.Wait(ctx)
}

// SubmitAsync enqueues a job and returns without waiting.
func (q *Queue) SubmitAsync(target, query string, args ...any) (*Submission, error) {
	encoded, err := transport.EncodeArgs(q.codec, args...)
	if err != nil {
		return nil, fmt.Errorf("encoding job arguments: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	q.nextID++
	e := &entry{
		job:        Job{ID: q.nextID, Target: target, Query: query, Args: encoded.Raw()},
		future:     queue.NewFuture[transport.Result](),
		enqueuedAt: q.clock.Now(),
	}
	e.elem = q.unclaimed.PushBack(e)
	q.entries[e.job.ID] = e
	q.reportDepthLocked()
	q.logger.V(logutil.TRACE).Info("Job submitted", "id", e.job.ID, "target", target, "query", query)
	return &Submission{ID: e.job.ID, future: e.future, q: q}, nil
}

// ownedBy reports whether workerID holds the claim on e. Unclaimed jobs are owned by nobody.
func (e *entry) ownedBy(workerID string) bool {
	return workerID != "" && e.elem == nil && e.owner == workerID
}

// GetJob hands the oldest unclaimed job to workerID, or reports false when there is none. An empty workerID never
// claims anything.
func (q *Queue) GetJob(workerID string) (*Job, bool) {
	if workerID == "" {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.unclaimed.Front()
	if front == nil {
		return nil, false
	}
	e := q.unclaimed.Remove(front).(*entry)
	e.elem = nil
	e.owner = workerID
	e.lastPing = q.clock.Now()
	q.reportDepthLocked()
	q.logger.V(logutil.DEBUG).Info("Job claimed", "id", e.job.ID, "worker", workerID)
	job := e.job
	return &job, true
}

// Ping records that workerID is still running job id. It returns the time of the ping, or false if workerID no longer
// owns the job; the worker should then abandon it.
func (q *Queue) Ping(workerID string, id int64) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || !e.ownedBy(workerID) {
		return time.Time{}, false
	}
	e.lastPing = q.clock.Now()
	return e.lastPing, true
}

// CompleteJob settles job id with data, or with errMsg if it is not empty. Completions from anyone but the current
// owner are ignored; the return value reports whether this one counted.
func (q *Queue) CompleteJob(workerID string, id int64, data []byte, errMsg string) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || !e.ownedBy(workerID) {
		q.mu.Unlock()
		q.logger.V(logutil.DEBUG).Info("Ignoring completion from a worker that does not own the job", "id", id, "worker", workerID)
		return false
	}
	delete(q.entries, id)
	q.reportDepthLocked()
	q.mu.Unlock()

	if errMsg != "" {
		metrics.RecordJobOutcome(e.job.Target, "failed")
		e.future.Complete(transport.Result{}, errutil.Error{Code: errutil.Remote, Msg: errMsg})
	} else {
		metrics.RecordJobOutcome(e.job.Target, "completed")
		e.future.Complete(transport.NewResult(q.codec, data), nil)
	}
	q.logger.V(logutil.DEBUG).Info("Job completed", "id", id, "worker", workerID, "failed", errMsg != "")
	return true
}

// Len returns the number of unclaimed and claimed jobs.
func (q *Queue) Len() (unclaimed, claimed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unclaimed.Len(), len(q.entries) - q.unclaimed.Len()
}

// Codec returns the codec jobs are encoded with.
func (q *Queue) Codec() transport.Codec {
	return q.codec
}

// Run enforces the claim and heartbeat timeouts until ctx is done, then closes the queue.
func (q *Queue) Run(ctx context.Context) {
	q.logger.V(logutil.DEFAULT).Info("Starting job queue janitor")
	defer q.logger.V(logutil.DEFAULT).Info("Job queue janitor stopped")

	ticker := q.clock.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.Close()
			return
		case <-ticker.C():
			q.sweep()
		}
	}
}

// Close fails every outstanding submission with ErrQueueClosed and rejects new ones.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	entries := q.entries
	q.entries = make(map[int64]*entry)
	q.unclaimed.Init()
	q.reportDepthLocked()
	q.mu.Unlock()

	for _, e := range entries {
		e.future.Complete(transport.Result{}, ErrQueueClosed)
	}
}

// sweep fails jobs past the claim timeout and redelivers jobs past the heartbeat timeout.
func (q *Queue) sweep() {
	now := q.clock.Now()
	var expired []*entry

	q.mu.Lock()
	for el := q.unclaimed.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.enqueuedAt) >= q.config.ClaimTimeout {
			q.unclaimed.Remove(el)
			delete(q.entries, e.job.ID)
			expired = append(expired, e)
		}
		el = next
	}
	for _, e := range q.entries {
		if e.elem != nil || now.Sub(e.lastPing) < q.config.HeartbeatTimeout {
			continue
		}
		q.logger.V(logutil.DEFAULT).Info("JobHeartbeatTimeout: redelivering job", "id", e.job.ID, "worker", e.owner,
			"silence", now.Sub(e.lastPing))
		metrics.RecordJobRedelivery(e.job.Target)
		e.owner = ""
		e.enqueuedAt = now
		// Redelivered jobs go first; they have waited longest.
		e.elem = q.unclaimed.PushFront(e)
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	for _, e := range expired {
		q.logger.V(logutil.DEFAULT).Info("Job was not claimed in time", "id", e.job.ID, "target", e.job.Target,
			"claimTimeout", q.config.ClaimTimeout)
		metrics.RecordJobOutcome(e.job.Target, "unclaimed")
		e.future.Complete(transport.Result{}, fmt.Errorf("%w: job %d (%s.%s)", ErrJobUnclaimed, e.job.ID, e.job.Target,
			e.job.Query))
	}
}

// withdraw removes a job whose submitter stopped waiting.
func (q *Queue) withdraw(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return
	}
	if e.elem != nil {
		q.unclaimed.Remove(e.elem)
	}
	delete(q.entries, id)
	q.reportDepthLocked()
	metrics.RecordJobOutcome(e.job.Target, "withdrawn")
	q.logger.V(logutil.DEBUG).Info("Job withdrawn by submitter", "id", id)
}

func (q *Queue) reportDepthLocked() {
	metrics.SetJobQueueDepth(q.unclaimed.Len(), len(q.entries)-q.unclaimed.Len())
}
