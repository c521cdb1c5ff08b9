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

// Package runner wires the dispatcher: a registry-owned worker pool, the job queue, and the transport service exposed
// over gRPC, plus the metrics and profiling endpoints.
package runner

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/AztecProtocol/aztec-connect-sub017/internal/runnable"
	tlsutil "github.com/AztecProtocol/aztec-connect-sub017/internal/tls"
	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/profiling"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/tracing"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/compute"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/jobqueue"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/metrics"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/registry"
	runserver "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/server"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport/grpcsocket"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/workerpool"
	"github.com/AztecProtocol/aztec-connect-sub017/version"
)

const (
	serviceName = "compute-dispatcher"
	// shutdownTimeout bounds worker teardown once the process has been asked to stop.
	shutdownTimeout = 30 * time.Second
)

var setupLog = ctrl.Log.WithName("setup")

// NewRunner initializes a new dispatcher Runner and returns its pointer.
func NewRunner() *Runner {
	return &Runner{
		executableName: "Compute dispatcher",
		options:        runserver.NewOptions(),
	}
}

// Runner is used to run the dispatcher.
type Runner struct {
	executableName string
	options        *runserver.Options
}

// WithExecutableName sets the name of the executable containing the runner.
// The name is used in the version log upon startup and is otherwise opaque.
func (r *Runner) WithExecutableName(exeName string) *Runner {
	r.executableName = exeName
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	logutil.InitSetupLogging()
	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef,
		"protocol", version.Protocol)

	opts := r.options
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := opts.Complete(); err != nil {
		setupLog.Error(err, "Failed to complete options")
		return err
	}
	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}
	logutil.InitLogging(&opts.ZapOptions)

	// Print all flag values
	flags := make(map[string]any)
	pflag.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	if opts.Tracing {
		if err := tracing.InitTracing(ctx, serviceName, setupLog); err != nil {
			setupLog.Error(err, "Failed to initialize tracing")
			return err
		}
	}

	metrics.Register()
	metrics.RecordBuildInfo(version.CommitSHA, version.BuildRef, version.Protocol)

	logger := ctrl.Log.WithName("dispatcher")
	ctx = log.IntoContext(ctx, logger)
	codec := opts.WireCodec()

	// --- Worker pool ---
	pools := registry.New(logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		pools.Close(closeCtx)
	}()
	pool, err := pools.GetOrCreate(ctx, opts.WorkerVersion, r.poolCreator(codec, logger))
	if err != nil {
		setupLog.Error(err, "Failed to create worker pool", "version", opts.WorkerVersion)
		return err
	}

	// --- Job queue ---
	qcfg, err := jobqueue.NewConfig(
		jobqueue.WithClaimTimeout(opts.ClaimTimeout),
		jobqueue.WithHeartbeatTimeout(opts.HeartbeatTimeout),
		jobqueue.WithSweepInterval(opts.SweepInterval),
	)
	if err != nil {
		setupLog.Error(err, "Failed to configure job queue")
		return err
	}
	jobs := jobqueue.New(*qcfg, logger, jobqueue.WithCodec(codec))

	// --- gRPC server ---
	grpcServer, err := r.newGRPCServer(ctx)
	if err != nil {
		setupLog.Error(err, "Failed to create gRPC server")
		return err
	}
	healthSrv := health.NewServer()
	healthPb.RegisterHealthServer(grpcServer, healthSrv)
	frames := grpcsocket.NewListener()
	frames.Register(grpcServer)
	reflection.Register(grpcServer)
	service := transport.NewServer(frames, runserver.NewServiceTable(pool, jobs),
		transport.WithServerCodec(codec), transport.WithServerLogger(logger.WithName("service")))

	// --- Metrics server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if opts.EnablePprof {
		setupLog.Info("Setting pprof handlers")
		profiling.RegisterPprofHandlers(mux)
	}
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: mux}

	if err := service.Start(ctx); err != nil {
		setupLog.Error(err, "Failed to start transport service")
		return err
	}
	defer func() { _ = service.Close() }()
	healthSrv.SetServingStatus("", healthPb.HealthCheckResponse_SERVING)

	setupLog.Info("Dispatcher starting", "pool-size", pool.Size(), "worker-mode", opts.WorkerMode,
		"grpc-address", opts.GRPCAddress)
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range []manager.Runnable{
		runnable.GRPCServer("dispatch-grpc", grpcServer, opts.GRPCAddress),
		runnable.HTTPServer("metrics", metricsServer),
		manager.RunnableFunc(func(ctx context.Context) error {
			jobs.Run(ctx)
			return nil
		}),
	} {
		g.Go(func() error { return run.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		setupLog.Error(err, "Dispatcher exited with error")
		return err
	}
	setupLog.Info("Dispatcher stopped")
	return nil
}

// poolCreator builds the worker pool for the configured worker mode.
func (r *Runner) poolCreator(codec transport.Codec, logger logr.Logger) registry.CreateFunc {
	opts := r.options
	return func(ctx context.Context, version string) (*workerpool.Pool, error) {
		var factory workerpool.Factory
		switch opts.WorkerMode {
		case runserver.WorkerModeSubprocess:
			args := opts.WorkerArgs
			if opts.Codec != runserver.CodecMsgpack {
				args = append(append([]string{}, args...), "--codec", opts.Codec)
			}
			factory = &workerpool.SubprocessFactory{
				Path:    opts.WorkerPath,
				Args:    args,
				Methods: compute.Methods(),
				Codec:   codec,
				Logger:  logger.WithName("worker"),
			}
		default:
			factory = &workerpool.InProcessFactory{
				Table:  compute.NewTable(),
				Codec:  codec,
				Logger: logger.WithName("worker"),
			}
		}
		return workerpool.New(ctx, factory, opts.PoolSize, logger.WithValues("version", version))
	}
}

func (r *Runner) newGRPCServer(ctx context.Context) (*grpc.Server, error) {
	opts := r.options
	if !opts.SecureServing {
		return grpc.NewServer(), nil
	}
	cert, err := tlsutil.ServerCertificate(opts.CertPath, setupLog)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if opts.EnableCertReload {
		reloader, err := tlsutil.NewReloader(ctx, opts.CertPath, cert, setupLog)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{GetCertificate: reloader.GetCertificate}
	}
	return grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig))), nil
}
