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
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/compute"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/jobqueue"
	runserver "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/server"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/grpcsocket"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/env"
)

// computeTarget is the job target the compute table is registered under.
const computeTarget = "compute"

type pollOptions struct {
	address            string
	workerID           string
	concurrency        int64
	pollInterval       time.Duration
	pingInterval       time.Duration
	secure             bool
	insecureSkipVerify bool
}

func newPollCommand() *cobra.Command {
	envLog := setupLog.WithName("env")
	o := pollOptions{}
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Claim and run jobs from a dispatcher's job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoll(cmd.Context(), o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.address, "address", env.GetEnvString("ADDRESS", "localhost"+runserver.DefaultGRPCAddress, envLog),
		"gRPC address of the dispatcher.")
	fs.StringVar(&o.workerID, "worker-id", env.GetEnvString("WORKER_ID", "", envLog),
		"Identity used to claim jobs. A random one is generated when empty.")
	fs.Int64Var(&o.concurrency, "concurrency", int64(env.GetEnvInt("CONCURRENCY", 1, envLog)),
		"Maximum number of jobs run at once.")
	fs.DurationVar(&o.pollInterval, "poll-interval", env.GetEnvDuration("POLL_INTERVAL", time.Second, envLog),
		"How long to wait after finding no job.")
	fs.DurationVar(&o.pingInterval, "ping-interval", env.GetEnvDuration("PING_INTERVAL", 10*time.Second, envLog),
		"How often a running job's claim is renewed.")
	fs.BoolVar(&o.secure, "secure", env.GetEnvBool("SECURE", false, envLog), "Connect to the dispatcher over TLS.")
	fs.BoolVar(&o.insecureSkipVerify, "insecure-skip-verify", env.GetEnvBool("INSECURE_SKIP_VERIFY", false, envLog),
		"Skip verification of the dispatcher's certificate.")
	return cmd
}

func runPoll(ctx context.Context, o pollOptions) error {
	if o.concurrency < 1 {
		return fmt.Errorf("flag %q must be at least 1, but got %d", "concurrency", o.concurrency)
	}
	codec, err := wireCodec()
	if err != nil {
		return err
	}
	logger := setupLog.WithName("poll")

	creds := insecure.NewCredentials()
	if o.secure {
		creds = credentials.NewTLS(&tls.Config{InsecureSkipVerify: o.insecureSkipVerify})
	}
	client := transport.NewClient(&grpcsocket.Connector{
		Target:      o.address,
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(creds)},
	}, transport.WithCodec(codec), transport.WithLogger(logger))
	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("connecting to dispatcher at %s: %w", o.address, err)
	}
	defer func() { _ = client.Close() }()

	poller := jobqueue.NewPoller(jobqueue.NewRemoteSource(client),
		map[string]transport.Dispatcher{computeTarget: compute.NewTable()},
		jobqueue.PollerConfig{
			WorkerID:     o.workerID,
			PollInterval: o.pollInterval,
			PingInterval: o.pingInterval,
			Concurrency:  o.concurrency,
			Codec:        codec,
		}, logger)
	logger.Info("Polling for jobs", "address", o.address, "worker-id", poller.WorkerID(), "concurrency", o.concurrency)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
