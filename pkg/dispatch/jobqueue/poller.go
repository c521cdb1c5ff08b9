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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultConcurrency  = 1
)

// PollerConfig holds the configuration for a Poller.
type PollerConfig struct {
	// WorkerID identifies this poller to the queue. Optional: a random UUID.
	WorkerID string
	// PollInterval is how long to wait after an empty or failed poll. Optional: 1 second.
	PollInterval time.Duration
	// PingInterval is the heartbeat period for running jobs. It must be well under the queue's HeartbeatTimeout.
	// Optional: 10 seconds.
	PingInterval time.Duration
	// Concurrency bounds the number of jobs run at once. Optional: 1.
	Concurrency int64
	// Codec decodes job arguments and encodes results. Optional: msgpack.
	Codec transport.Codec
	// Clock drives the poll and ping timers. Optional: the real clock.
	Clock clock.WithTicker
}

func (c *PollerConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Codec == nil {
		c.Codec = transport.MsgpackCodec{}
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

// Poller pulls jobs from a Source and runs them against local targets.
type Poller struct {
	source  Source
	targets map[string]transport.Dispatcher
	config  PollerConfig
	logger  logr.Logger
}

// NewPoller returns a Poller running jobs whose Target is a key of targets.
func NewPoller(source Source, targets map[string]transport.Dispatcher, config PollerConfig, logger logr.Logger) *Poller {
	config.applyDefaults()
	return &Poller{
		source:  source,
		targets: targets,
		config:  config,
		logger:  logger.WithName("job-poller").WithValues("worker", config.WorkerID),
	}
}

// WorkerID returns the identity this poller claims jobs under.
func (p *Poller) WorkerID() string {
	return p.config.WorkerID
}

// Run polls until ctx is done, then waits for running jobs to stop. Jobs interrupted by shutdown are not reported; the
// queue redelivers them once their heartbeat lapses.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.V(logutil.DEFAULT).Info("Starting job poller", "concurrency", p.config.Concurrency)
	defer p.logger.V(logutil.DEFAULT).Info("Job poller stopped")

	sem := semaphore.NewWeighted(p.config.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		job, err := p.source.GetJob(ctx, p.config.WorkerID)
		if err != nil || job == nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				p.logger.Error(err, "Polling for a job failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-p.config.Clock.After(p.config.PollInterval):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.run(ctx, job)
		}()
	}
}

// run executes job while keeping its claim alive, then reports the outcome.
func (p *Poller) run(ctx context.Context, job *Job) {
	logger := p.logger.WithValues("id", job.ID, "target", job.Target, "query", job.Query)
	logger.V(logutil.DEBUG).Info("Running job")

	jobCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(jobCtx, logger, job.ID, cancel, lost)
	}()

	result, err := p.execute(jobCtx, job)
	cancel()
	<-heartbeatDone

	select {
	case <-lost:
		logger.V(logutil.DEFAULT).Info("Dropping result of a job this worker no longer owns")
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	var data []byte
	var errMsg string
	if err != nil {
		errMsg = err.Error()
		logger.V(logutil.DEBUG).Info("Job failed", "error", errMsg)
	} else if data, err = transport.EncodeValue(p.config.Codec, result); err != nil {
		errMsg = fmt.Sprintf("encoding result: %v", err)
		logger.Error(err, "Encoding job result failed")
	}
	if err := p.source.CompleteJob(ctx, p.config.WorkerID, job.ID, data, errMsg); err != nil {
		logger.Error(err, "Reporting job completion failed")
	}
}

// heartbeat pings job id until ctx is done. If the claim is lost, it closes lost and cancels the job.
func (p *Poller) heartbeat(ctx context.Context, logger logr.Logger, id int64, cancel context.CancelFunc,
	lost chan struct{}) {
	ticker := p.config.Clock.NewTicker(p.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		_, owned, err := p.source.Ping(ctx, p.config.WorkerID, id)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.V(logutil.VERBOSE).Info("Heartbeat failed", "error", err)
			}
		case !owned:
			close(lost)
			cancel()
			return
		}
	}
}

func (p *Poller) execute(ctx context.Context, job *Job) (result any, err error) {
	target, ok := p.targets[job.Target]
	if !ok {
		return nil, errutil.New(errutil.DispatchNotFound, "no target %q on this worker", job.Target)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", job.Target, job.Query, r)
		}
	}()
	return target.Dispatch(ctx, job.Query, transport.NewArgs(p.config.Codec, job.Args))
}
