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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// --- Subsystems ---
	TransportComponent  = "dispatch_transport"
	WorkerPoolComponent = "dispatch_worker_pool"
	JobQueueComponent   = "dispatch_job_queue"
)

var (
	// --- Common Label Sets ---
	FnLabels     = []string{"fn"}
	FnCodeLabels = []string{"fn", "code"}

	// RequestLatencyBuckets span fast in-process calls (100us) up to long proof computations (10 minutes).
	RequestLatencyBuckets = []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
	}
)

// --- Transport Metrics ---
var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: TransportComponent,
			Name:      "request_total",
			Help:      "Counter of remote requests issued by transport clients, broken out by function.",
		},
		FnLabels,
	)

	requestErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: TransportComponent,
			Name:      "request_error_total",
			Help:      "Counter of failed remote requests, broken out by function and error code.",
		},
		FnCodeLabels,
	)

	requestLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: TransportComponent,
			Name:      "request_duration_seconds",
			Help:      "Remote request round-trip latency distribution in seconds, broken out by function.",
			Buckets:   RequestLatencyBuckets,
		},
		FnLabels,
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: TransportComponent,
			Name:      "pending_requests",
			Help:      "Number of requests awaiting a response across all transport clients.",
		},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: TransportComponent,
			Name:      "dropped_events_total",
			Help:      "Counter of broadcast events dropped because a subscriber was not keeping up.",
		},
	)
)

// --- Worker Pool Metrics ---
var (
	poolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: WorkerPoolComponent,
			Name:      "workers",
			Help:      "Number of worker handles in each lifecycle state.",
		},
		[]string{"state"},
	)

	workerTeardownErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: WorkerPoolComponent,
			Name:      "teardown_error_total",
			Help:      "Counter of worker handles whose teardown failed.",
		},
	)
)

// --- Job Queue Metrics ---
var (
	unclaimedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: JobQueueComponent,
			Name:      "unclaimed_jobs",
			Help:      "Number of submitted jobs not yet claimed by a worker.",
		},
	)

	claimedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: JobQueueComponent,
			Name:      "claimed_jobs",
			Help:      "Number of jobs claimed by a worker and not yet completed.",
		},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: JobQueueComponent,
			Name:      "job_outcome_total",
			Help:      "Counter of finished jobs broken out by target capability and outcome.",
		},
		[]string{"target", "outcome"},
	)

	jobRedeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: JobQueueComponent,
			Name:      "redelivery_total",
			Help:      "Counter of claimed jobs returned to the unclaimed set after a heartbeat timeout.",
		},
		[]string{"target"},
	)
)

// --- Info Metrics ---
var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: "dispatch",
		Name:      "build_info",
		Help:      "General information about the current build.",
	},
	[]string{"commit", "build_ref", "protocol"},
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(requestCounter)
		metrics.Registry.MustRegister(requestErrCounter)
		metrics.Registry.MustRegister(requestLatencies)
		metrics.Registry.MustRegister(pendingRequests)
		metrics.Registry.MustRegister(droppedEvents)

		metrics.Registry.MustRegister(poolWorkers)
		metrics.Registry.MustRegister(workerTeardownErrors)

		metrics.Registry.MustRegister(unclaimedJobs)
		metrics.Registry.MustRegister(claimedJobs)
		metrics.Registry.MustRegister(jobOutcomes)
		metrics.Registry.MustRegister(jobRedeliveries)

		metrics.Registry.MustRegister(buildInfo)

		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// RecordRequest records a completed remote request and its outcome. An empty code means success.
func RecordRequest(fn, code string, duration time.Duration) {
	requestCounter.WithLabelValues(fn).Inc()
	requestLatencies.WithLabelValues(fn).Observe(duration.Seconds())
	if code != "" {
		requestErrCounter.WithLabelValues(fn, code).Inc()
	}
}

// IncPendingRequests increments the pending request gauge.
func IncPendingRequests() {
	pendingRequests.Inc()
}

// DecPendingRequests decrements the pending request gauge by n.
func DecPendingRequests(n int) {
	pendingRequests.Sub(float64(n))
}

// RecordDroppedEvent records a broadcast event dropped for a slow subscriber.
func RecordDroppedEvent() {
	droppedEvents.Inc()
}

// SetPoolWorkers sets the number of worker handles in the given lifecycle state.
func SetPoolWorkers(state string, n int) {
	poolWorkers.WithLabelValues(state).Set(float64(n))
}

// AddPoolWorkers adjusts the number of worker handles in the given lifecycle state.
func AddPoolWorkers(state string, delta int) {
	poolWorkers.WithLabelValues(state).Add(float64(delta))
}

// RecordWorkerTeardownError records a failed worker teardown.
func RecordWorkerTeardownError() {
	workerTeardownErrors.Inc()
}

// SetJobQueueDepth sets the number of unclaimed and claimed jobs.
func SetJobQueueDepth(unclaimed, claimed int) {
	unclaimedJobs.Set(float64(unclaimed))
	claimedJobs.Set(float64(claimed))
}

// RecordJobOutcome records a finished job.
func RecordJobOutcome(target, outcome string) {
	jobOutcomes.WithLabelValues(target, outcome).Inc()
}

// RecordJobRedelivery records a job recycled after its worker stopped sending heartbeats.
func RecordJobRedelivery(target string) {
	jobRedeliveries.WithLabelValues(target).Inc()
}

// RecordBuildInfo records the running build.
func RecordBuildInfo(commitSha, buildRef, protocol string) {
	buildInfo.WithLabelValues(commitSha, buildRef, protocol).Set(1)
}
