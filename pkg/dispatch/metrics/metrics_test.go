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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRequest(t *testing.T) {
	Register()

	before := testutil.ToFloat64(requestCounter.WithLabelValues("metricsTestAdd"))
	RecordRequest("metricsTestAdd", "", 2*time.Millisecond)
	RecordRequest("metricsTestAdd", "RemoteError", 3*time.Millisecond)

	assert.Equal(t, before+2, testutil.ToFloat64(requestCounter.WithLabelValues("metricsTestAdd")))
	assert.Equal(t, float64(1), testutil.ToFloat64(requestErrCounter.WithLabelValues("metricsTestAdd", "RemoteError")))
	assert.Equal(t, float64(0), testutil.ToFloat64(requestErrCounter.WithLabelValues("metricsTestAdd", "")),
		"successful requests should not be counted as errors")
}

func TestJobQueueMetrics(t *testing.T) {
	Register()

	SetJobQueueDepth(3, 1)
	assert.Equal(t, float64(3), testutil.ToFloat64(unclaimedJobs))
	assert.Equal(t, float64(1), testutil.ToFloat64(claimedJobs))

	RecordJobRedelivery("metricsTestTarget")
	RecordJobOutcome("metricsTestTarget", "completed")
	assert.Equal(t, float64(1), testutil.ToFloat64(jobRedeliveries.WithLabelValues("metricsTestTarget")))
	assert.Equal(t, float64(1), testutil.ToFloat64(jobOutcomes.WithLabelValues("metricsTestTarget", "completed")))
}

func TestPoolMetrics(t *testing.T) {
	Register()

	SetPoolWorkers("metricsTestState", 4)
	AddPoolWorkers("metricsTestState", -1)
	assert.Equal(t, float64(3), testutil.ToFloat64(poolWorkers.WithLabelValues("metricsTestState")))
}

func TestRecordBuildInfo(t *testing.T) {
	Register()

	RecordBuildInfo("abc123", "main", "v1")
	assert.Equal(t, float64(1), testutil.ToFloat64(buildInfo.WithLabelValues("abc123", "main", "v1")))
}
