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

package env

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
)

func TestGetEnvInt(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      string
		set        bool
		defaultVal int
		expected   int
	}{
		{
			name:       "env variable exists and is valid",
			key:        "TEST_POOL_SIZE",
			value:      "8",
			set:        true,
			defaultVal: 2,
			expected:   8,
		},
		{
			name:       "env variable exists but is invalid",
			key:        "TEST_POOL_SIZE",
			value:      "eight",
			set:        true,
			defaultVal: 2,
			expected:   2,
		},
		{
			name:       "env variable does not exist",
			key:        "TEST_POOL_SIZE_MISSING",
			defaultVal: 4,
			expected:   4,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv(Prefix+tc.key, tc.value)
			}
			result := GetEnvInt(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvInt(%s, %d) = %d, expected %d", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	logger := testr.New(t)

	t.Setenv(Prefix+"TEST_CLAIM_TIMEOUT", "1500ms")
	if got := GetEnvDuration("TEST_CLAIM_TIMEOUT", time.Second, logger); got != 1500*time.Millisecond {
		t.Errorf("GetEnvDuration() = %v, expected 1.5s", got)
	}

	t.Setenv(Prefix+"TEST_CLAIM_TIMEOUT", "soon")
	if got := GetEnvDuration("TEST_CLAIM_TIMEOUT", time.Second, logger); got != time.Second {
		t.Errorf("GetEnvDuration() with invalid value = %v, expected default 1s", got)
	}
}

func TestGetEnvBoolAndString(t *testing.T) {
	logger := testr.New(t)

	t.Setenv(Prefix+"TEST_SUBPROCESS", "true")
	if got := GetEnvBool("TEST_SUBPROCESS", false, logger); !got {
		t.Errorf("GetEnvBool() = false, expected true")
	}
	if got := GetEnvString("TEST_WORKER_BINARY_MISSING", "computeworker", logger); got != "computeworker" {
		t.Errorf("GetEnvString() = %q, expected default", got)
	}
}
