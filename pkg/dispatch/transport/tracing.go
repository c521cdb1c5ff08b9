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

package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/error"
)

const tracerName = "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"

// startClientSpan starts the span for an outgoing request and returns the trace headers to send with it.
func startClientSpan(ctx context.Context, fn string) (context.Context, trace.Span, map[string]string) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch.request "+fn,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("dispatch.fn", fn)))
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return ctx, span, nil
	}
	return ctx, span, carrier
}

// startServerSpan starts the span for an incoming request, continuing the caller's trace if it sent one.
func startServerSpan(ctx context.Context, req *Envelope) (context.Context, trace.Span) {
	if len(req.Meta) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(req.Meta))
	}
	return otel.Tracer(tracerName).Start(ctx, "dispatch.handle "+req.Fn,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("dispatch.fn", req.Fn)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, errutil.CanonicalCode(err))
	}
	span.End()
}
