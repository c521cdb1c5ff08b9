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
	"io"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/go-logr/logr"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/proxy"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/stream"
)

// SubprocessFactory creates workers that run as child processes speaking length-prefixed frames on their standard
// input and output. Log records the child broadcasts are relayed into Logger.
type SubprocessFactory struct {
	// Path and Args name the worker executable.
	Path string
	Args []string
	// Env is appended to this process's environment.
	Env []string
	// Methods are the procedures the child serves.
	Methods []string
	// Codec must match the child's. Defaults to msgpack.
	Codec transport.Codec
	// Stderr receives the child's standard error. Defaults to this process's standard error.
	Stderr io.Writer
	Logger logr.Logger
}

var _ Factory = &SubprocessFactory{}

func (f *SubprocessFactory) New(_ context.Context, index int) (Instance, error) {
	if f.Path == "" {
		return nil, errors.New("subprocess worker factory has no executable path")
	}
	logger := f.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	stderr := f.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	codec := f.Codec
	if codec == nil {
		codec = transport.MsgpackCodec{}
	}
	cmd := exec.Command(f.Path, f.Args...)
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Stderr = stderr
	return &subprocessWorker{
		cmd:     cmd,
		methods: f.Methods,
		codec:   codec,
		logger:  logger.WithValues("worker", index),
	}, nil
}

type subprocessWorker struct {
	cmd     *exec.Cmd
	methods []string
	codec   transport.Codec
	logger  logr.Logger

	client  *transport.Client
	proxy   *proxy.Proxy
	exited  chan struct{}
	waitErr error
}

func (w *subprocessWorker) Init(ctx context.Context) error {
	// Plain OS pipes rather than cmd.StdoutPipe: Wait must not close our read end before the final response is read.
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating worker stdin: %w", err)
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = stdin.Close()
		return fmt.Errorf("creating worker stdout: %w", err)
	}
	w.cmd.Stdin = childIn
	w.cmd.Stdout = childOut
	startErr := w.cmd.Start()
	_ = childIn.Close()
	_ = childOut.Close()
	if startErr != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("starting worker process: %w", startErr)
	}
	w.exited = make(chan struct{})
	go func() {
		w.waitErr = w.cmd.Wait()
		close(w.exited)
	}()

	sock := stream.New(stdout, stdin, stream.WithLogger(w.logger))
	var used atomic.Bool
	w.client = transport.NewClient(transport.ConnectorFunc(func(context.Context) (transport.Socket, error) {
		if used.Swap(true) {
			return nil, errors.New("worker process connection cannot be reopened")
		}
		return sock, nil
	}), transport.WithCodec(w.codec), transport.WithLogger(w.logger))
	if err := w.client.Open(ctx); err != nil {
		w.kill()
		return err
	}
	if err := w.awaitReady(ctx); err != nil {
		_ = w.client.Close()
		w.kill()
		return err
	}
	go transport.ForwardLogs(context.Background(), w.client.Subscribe(64), w.logger)
	w.proxy = proxy.New(w.client, w.methods...)
	w.logger.V(logutil.DEFAULT).Info("Worker process started", "pid", w.cmd.Process.Pid)
	return nil
}

// awaitReady round-trips a ping so that a child which exits or never serves fails Init instead of its first call.
func (w *subprocessWorker) awaitReady(ctx context.Context) error {
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.exited:
			cancel()
		case <-readyCtx.Done():
		}
	}()
	_, err := w.client.Request(readyCtx, transport.Message{Fn: transport.PingFn})
	if err == nil {
		return nil
	}
	select {
	case <-w.exited:
		if w.waitErr != nil {
			return fmt.Errorf("worker process exited during startup: %w", w.waitErr)
		}
		return errors.New("worker process exited during startup")
	default:
		return fmt.Errorf("worker process did not answer: %w", err)
	}
}

func (w *subprocessWorker) Destroy(ctx context.Context) error {
	err := w.proxy.Destroy(ctx)
	_ = w.client.Close()
	select {
	case <-w.exited:
		if w.waitErr != nil {
			err = errors.Join(err, fmt.Errorf("worker process exited: %w", w.waitErr))
		}
	case <-ctx.Done():
		w.kill()
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (w *subprocessWorker) Proxy() *proxy.Proxy {
	return w.proxy
}

func (w *subprocessWorker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	<-w.exited
}
