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
	"fmt"
	"time"
)

const (
	// defaultClaimTimeout is how long a job may wait unclaimed before its submission fails.
	defaultClaimTimeout = 5 * time.Minute
	// defaultHeartbeatTimeout is how long a claimed job may go without a ping before it is redelivered.
	defaultHeartbeatTimeout = 30 * time.Second
	// defaultSweepInterval is how often the janitor checks both timeouts.
	defaultSweepInterval = 1 * time.Second
)

// Config holds the configuration for a Queue.
type Config struct {
	// ClaimTimeout bounds how long a job may sit unclaimed. A job still unclaimed after this long fails its submission
	// with ErrJobUnclaimed. The window restarts when a job is redelivered.
	// Optional: Defaults to `defaultClaimTimeout` (5 minutes).
	ClaimTimeout time.Duration

	// HeartbeatTimeout bounds the time between pings for a claimed job. A job whose worker stays silent for longer is
	// returned to the unclaimed set so another worker can run it. Workers must ping well within this window.
	// Optional: Defaults to `defaultHeartbeatTimeout` (30 seconds).
	HeartbeatTimeout time.Duration

	// SweepInterval is the janitor's tick. Timeouts are enforced with at most this much lag.
	// Optional: Defaults to `defaultSweepInterval` (1 second).
	SweepInterval time.Duration
}

// ConfigOption is a functional option for configuring a Queue.
type ConfigOption func(*Config)

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		ClaimTimeout:     defaultClaimTimeout,
		HeartbeatTimeout: defaultHeartbeatTimeout,
		SweepInterval:    defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithClaimTimeout sets the claim timeout.
func WithClaimTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ClaimTimeout = d
	}
}

// WithHeartbeatTimeout sets the heartbeat timeout.
func WithHeartbeatTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.HeartbeatTimeout = d
	}
}

// WithSweepInterval sets the janitor's tick.
func WithSweepInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.SweepInterval = d
	}
}

func (c *Config) validate() error {
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("ClaimTimeout must be positive, but got %v", c.ClaimTimeout)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HeartbeatTimeout must be positive, but got %v", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SweepInterval must be positive, but got %v", c.SweepInterval)
	}
	return nil
}
