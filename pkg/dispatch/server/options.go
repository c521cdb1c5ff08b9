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

package server

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/yaml"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/env"
)

const (
	DefaultGRPCAddress   = ":9010"
	DefaultMetricsPort   = 9090
	DefaultPoolSize      = 4
	DefaultWorkerVersion = "v1"
	ZapLogLevelFlagName  = "zap-log-level"

	WorkerModeInProcess  = "in-process"
	WorkerModeSubprocess = "subprocess"

	CodecMsgpack = "msgpack"
	CodecJSON    = "json"
)

var (
	workerModes = sets.New(WorkerModeInProcess, WorkerModeSubprocess)
	codecs      = sets.New(CodecMsgpack, CodecJSON)
)

// envFlags maps environment keys (after env.Prefix) to the flags they set when the flag is not given explicitly.
var envFlags = map[string]string{
	"GRPC_ADDRESS":      "grpc-address",
	"METRICS_PORT":      "metrics-port",
	"POOL_SIZE":         "pool-size",
	"WORKER_MODE":       "worker-mode",
	"WORKER_PATH":       "worker-path",
	"WORKER_VERSION":    "worker-version",
	"CODEC":             "codec",
	"CLAIM_TIMEOUT":     "claim-timeout",
	"HEARTBEAT_TIMEOUT": "heartbeat-timeout",
	"SECURE_SERVING":    "secure-serving",
	"ENABLE_TRACING":    "tracing",
}

// Options contains configuration values necessary to create and run the dispatcher.
type Options struct {
	//
	// Serving.
	//
	GRPCAddress      string // Address the transport gRPC server listens on.
	MetricsPort      int    // The metrics port. (TODO: uint16)
	EnablePprof      bool   // Enables pprof handlers on the metrics server.
	SecureServing    bool   // Enables TLS on the gRPC server.
	CertPath         string // Directory holding tls.crt and tls.key. A self-signed certificate is used when empty.
	EnableCertReload bool   // Reloads the serving certificate when files under CertPath change.
	//
	// Worker pool.
	//
	PoolSize      int      // Number of pooled workers.
	WorkerMode    string   // How workers run: in-process or subprocess.
	WorkerPath    string   // Worker executable for subprocess mode.
	WorkerArgs    []string // Arguments passed to the worker executable.
	WorkerVersion string   // Version key the pool is registered under.
	Codec         string   // Wire codec: msgpack or json.
	//
	// Job queue.
	//
	ClaimTimeout     time.Duration // How long a job may stay unclaimed.
	HeartbeatTimeout time.Duration // How long a claimed job may go without a ping.
	SweepInterval    time.Duration // How often the job queue enforces its timeouts.
	//
	// Diagnostics.
	//
	LogVerbosity int         // Number for the log level verbosity.
	Tracing      bool        // Enables OpenTelemetry tracing.
	ZapOptions   zap.Options // Zap logging options
	//
	// Configuration.
	//
	ConfigFile string // The path to a YAML configuration file.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// FileConfig is the YAML configuration file. Every field is optional; set fields apply to flags not given on the
// command line.
type FileConfig struct {
	GRPCAddress      *string   `json:"grpcAddress,omitempty"`
	MetricsPort      *int      `json:"metricsPort,omitempty"`
	PoolSize         *int      `json:"poolSize,omitempty"`
	WorkerMode       *string   `json:"workerMode,omitempty"`
	WorkerPath       *string   `json:"workerPath,omitempty"`
	WorkerArgs       []string  `json:"workerArgs,omitempty"`
	WorkerVersion    *string   `json:"workerVersion,omitempty"`
	Codec            *string   `json:"codec,omitempty"`
	ClaimTimeout     *Duration `json:"claimTimeout,omitempty"`
	HeartbeatTimeout *Duration `json:"heartbeatTimeout,omitempty"`
	SweepInterval    *Duration `json:"sweepInterval,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s") in configuration files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// NewOptions returns a new Options struct initialized with the default values.
func NewOptions() *Options {
	return &Options{
		GRPCAddress:      DefaultGRPCAddress,
		MetricsPort:      DefaultMetricsPort,
		EnablePprof:      true,
		PoolSize:         DefaultPoolSize,
		WorkerMode:       WorkerModeInProcess,
		WorkerVersion:    DefaultWorkerVersion,
		Codec:            CodecMsgpack,
		ClaimTimeout:     5 * time.Minute,
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    time.Second,
		LogVerbosity:     logutil.DEFAULT,
		ZapOptions:       zap.Options{Development: true},
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.GRPCAddress, "grpc-address", opts.GRPCAddress, "Address the transport gRPC server listens on.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The metrics port.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing, "Enables TLS on the gRPC server.")
	fs.StringVar(&opts.CertPath, "cert-path", opts.CertPath,
		"The path to the certificate for secure serving. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secureServing is enabled, "+
			"then a self-signed certificate is used.")
	fs.BoolVar(&opts.EnableCertReload, "enable-cert-reload", opts.EnableCertReload,
		"Watches cert-path and reloads the serving certificate when it changes.")
	fs.IntVar(&opts.PoolSize, "pool-size", opts.PoolSize, "Number of pooled workers.")
	fs.StringVar(&opts.WorkerMode, "worker-mode", opts.WorkerMode,
		fmt.Sprintf("How pooled workers run, one of %v.", sets.List(workerModes)))
	fs.StringVar(&opts.WorkerPath, "worker-path", opts.WorkerPath,
		"Worker executable, required with --worker-mode=subprocess. It must serve the compute procedures on stdio.")
	fs.StringSliceVar(&opts.WorkerArgs, "worker-args", opts.WorkerArgs, "Arguments passed to the worker executable.")
	fs.StringVar(&opts.WorkerVersion, "worker-version", opts.WorkerVersion, "Version key the worker pool is registered under.")
	fs.StringVar(&opts.Codec, "codec", opts.Codec, fmt.Sprintf("Wire codec, one of %v.", sets.List(codecs)))
	fs.DurationVar(&opts.ClaimTimeout, "claim-timeout", opts.ClaimTimeout,
		"How long a submitted job may stay unclaimed before its submission fails.")
	fs.DurationVar(&opts.HeartbeatTimeout, "heartbeat-timeout", opts.HeartbeatTimeout,
		"How long a claimed job may go without a ping before it is redelivered.")
	fs.DurationVar(&opts.SweepInterval, "sweep-interval", opts.SweepInterval, "How often job queue timeouts are enforced.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.") // allow both --v and -v
	fs.BoolVar(&opts.Tracing, "tracing", opts.Tracing, "Enables emitting traces.")
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs) // zap expects a standard Go FlagSet and pflag.FlagSet is not compatible.
	fs.AddGoFlagSet(gofs)
	fs.StringVar(&opts.ConfigFile, "config-file", opts.ConfigFile, "The path to a YAML configuration file.")
}

// Complete fills in settings not given on the command line. Precedence is flag, then environment, then configuration
// file, then default.
func (opts *Options) Complete() error {
	explicit := sets.New[string]()
	opts.fs.Visit(func(f *pflag.Flag) { explicit.Insert(f.Name) })

	for key, name := range envFlags {
		if explicit.Has(name) {
			continue
		}
		if v, ok := env.Lookup(key); ok {
			if err := opts.fs.Set(name, v); err != nil {
				return fmt.Errorf("invalid value %q for %s%s: %w", v, env.Prefix, key, err)
			}
			explicit.Insert(name)
		}
	}

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return fmt.Errorf("reading configuration file: %w", err)
		}
		var fc FileConfig
		if err := yaml.UnmarshalStrict(data, &fc); err != nil {
			return fmt.Errorf("parsing configuration file %s: %w", opts.ConfigFile, err)
		}
		opts.applyFile(&fc, explicit)
	}

	// ensure zap log level is set - explicitly by user or from "-v"
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed { // not set explicitly
		lvl := -1 * (opts.LogVerbosity) // See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
		zapLogLevelFlag.Changed = true
	}
	return nil
}

func (opts *Options) applyFile(fc *FileConfig, explicit sets.Set[string]) {
	setIf(explicit, "grpc-address", &opts.GRPCAddress, fc.GRPCAddress)
	setIf(explicit, "metrics-port", &opts.MetricsPort, fc.MetricsPort)
	setIf(explicit, "pool-size", &opts.PoolSize, fc.PoolSize)
	setIf(explicit, "worker-mode", &opts.WorkerMode, fc.WorkerMode)
	setIf(explicit, "worker-path", &opts.WorkerPath, fc.WorkerPath)
	setIf(explicit, "worker-version", &opts.WorkerVersion, fc.WorkerVersion)
	setIf(explicit, "codec", &opts.Codec, fc.Codec)
	if fc.WorkerArgs != nil && !explicit.Has("worker-args") {
		opts.WorkerArgs = fc.WorkerArgs
	}
	for name, pair := range map[string]struct {
		dst *time.Duration
		src *Duration
	}{
		"claim-timeout":     {&opts.ClaimTimeout, fc.ClaimTimeout},
		"heartbeat-timeout": {&opts.HeartbeatTimeout, fc.HeartbeatTimeout},
		"sweep-interval":    {&opts.SweepInterval, fc.SweepInterval},
	} {
		if pair.src != nil && !explicit.Has(name) {
			*pair.dst = pair.src.Duration
		}
	}
}

func setIf[T any](explicit sets.Set[string], name string, dst *T, src *T) {
	if src != nil && !explicit.Has(name) {
		*dst = *src
	}
}

func (opts *Options) Validate() error {
	if opts.PoolSize < 1 {
		return fmt.Errorf("flag %q must be at least 1, but got %d", "pool-size", opts.PoolSize)
	}
	if !workerModes.Has(opts.WorkerMode) {
		return fmt.Errorf("unexpected %q value for %q flag, it can only be one of %v",
			opts.WorkerMode, "worker-mode", sets.List(workerModes))
	}
	if opts.WorkerMode == WorkerModeSubprocess && opts.WorkerPath == "" {
		return errors.New("worker-path must be set when worker-mode is subprocess")
	}
	if !codecs.Has(opts.Codec) {
		return fmt.Errorf("unexpected %q value for %q flag, it can only be one of %v", opts.Codec, "codec", sets.List(codecs))
	}
	if opts.EnableCertReload && opts.CertPath == "" {
		return errors.New("cert-path must be set when enable-cert-reload is set")
	}
	if opts.MetricsPort < 0 || opts.MetricsPort > 65535 {
		return fmt.Errorf("invalid port number %d in %q", opts.MetricsPort, "metrics-port")
	}
	for name, d := range map[string]time.Duration{
		"claim-timeout":     opts.ClaimTimeout,
		"heartbeat-timeout": opts.HeartbeatTimeout,
		"sweep-interval":    opts.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("flag %q must be positive, but got %v", name, d)
		}
	}
	return nil
}

// WireCodec returns the codec selected by Codec.
func (opts *Options) WireCodec() transport.Codec {
	if opts.Codec == CodecJSON {
		return transport.JSONCodec{}
	}
	return transport.MsgpackCodec{}
}
