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

// Package tracing configures OpenTelemetry for dispatch binaries.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	"github.com/AztecProtocol/aztec-connect-sub017/version"
)

const defaultSampleRatio = 0.1

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(logging.DEFAULT).Error(err, "trace error occurred")
}

// InitTracing installs a global tracer provider for serviceName. It is shut down when ctx is done.
//
// The standard OTEL_* variables are honoured: OTEL_TRACES_EXPORTER (console or otlp), OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_TRACES_SAMPLER (only parentbased_traceidratio) and OTEL_TRACES_SAMPLER_ARG.
func InitTracing(ctx context.Context, serviceName string, logger logr.Logger) error {
	logger = logger.WithName("trace")
	loggerWrap := &errorHandler{logger: logger}

	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		_ = os.Setenv("OTEL_SERVICE_NAME", serviceName)
	}
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")
	}

	traceExporter, err := initTraceExporter(ctx, logger)
	if err != nil {
		loggerWrap.Handle(fmt.Errorf("%s: %v", "init trace exporter failed", err))
		return err
	}

	opt := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sampler(loggerWrap)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version.BuildRef),
		)),
	}

	tracerProvider := sdktrace.NewTracerProvider(opt...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(loggerWrap)

	go func() {
		<-ctx.Done()
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			loggerWrap.Handle(fmt.Errorf("%s: %v", "failed to shutdown TraceProvider", err))
		}
		logger.V(logging.DEFAULT).Info("trace provider shutting down")
	}()

	return nil
}

// sampler builds the sampler named by OTEL_TRACES_SAMPLER. The Go SDK does not read it automatically.
func sampler(errs *errorHandler) sdktrace.Sampler {
	fraction := defaultSampleRatio
	if arg, ok := os.LookupEnv("OTEL_TRACES_SAMPLER_ARG"); ok {
		if f, err := strconv.ParseFloat(arg, 64); err == nil {
			fraction = f
		}
	}
	if samplerType, ok := os.LookupEnv("OTEL_TRACES_SAMPLER"); ok && samplerType != "parentbased_traceidratio" {
		errs.Handle(fmt.Errorf("unsupported sampler type: %s, fallback to parentbased_traceidratio with %v ratio",
			samplerType, fraction))
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
}

// initTraceExporter create a SpanExporter
// support exporter type
// - console: export spans in console for development use case
// - otlp: export spans through gRPC to an opentelemetry collector
func initTraceExporter(ctx context.Context, logger logr.Logger) (sdktrace.SpanExporter, error) {
	exporterType, ok := os.LookupEnv("OTEL_TRACES_EXPORTER")
	if !ok {
		exporterType = "console"
	}
	logger.Info("init OTel trace exporter", "type", exporterType)

	if exporterType == "otlp" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc exporter: %w", err)
		}
		return exporter, nil
	}
	// Console output goes to stderr; subprocess workers own stdout.
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdouttrace exporter: %w", err)
	}
	return exporter, nil
}
