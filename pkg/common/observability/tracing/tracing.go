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

// Package tracing installs the process-wide OpenTelemetry tracer provider.
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

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/version"
)

const (
	defaultSamplerType = "parentbased_traceidratio"
	defaultSamplerArg  = 0.1
)

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(logging.DEFAULT).Error(err, "trace error occurred")
}

// InitTracing builds a tracer provider from the standard OTEL_* environment variables and installs it globally. The
// provider is flushed and shut down when ctx is cancelled.
func InitTracing(ctx context.Context, logger logr.Logger) error {
	logger = logger.WithName("trace")
	handler := &errorHandler{logger: logger}

	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		os.Setenv("OTEL_SERVICE_NAME", version.ServiceName)
	}
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")
	}

	exporterType, ok := os.LookupEnv("OTEL_TRACES_EXPORTER")
	if !ok {
		exporterType = "console"
	}
	exporter, err := newExporter(ctx, exporterType)
	if err != nil {
		handler.Handle(fmt.Errorf("init trace exporter failed: %w", err))
		return err
	}
	logger.Info("init OTel trace exporter", "type", exporterType)

	sampler, err := newSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	if err != nil {
		handler.Handle(err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(version.ServiceName),
			semconv.ServiceVersionKey.String(version.BuildRef),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(handler)

	go func() {
		<-ctx.Done()
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			handler.Handle(fmt.Errorf("failed to shutdown TraceProvider: %w", err))
		}
		logger.V(logging.DEFAULT).Info("trace provider shutting down")
	}()
	return nil
}

// newExporter supports two exporter types:
//   - console: pretty-printed spans on stdout, for development
//   - otlp: spans sent over gRPC to an OpenTelemetry collector
func newExporter(ctx context.Context, exporterType string) (sdktrace.SpanExporter, error) {
	switch exporterType {
	case "console":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdouttrace exporter: %w", err)
		}
		return exporter, nil
	case "otlp":
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter type %q", exporterType)
	}
}

// newSampler returns the sampler described by the OTEL_TRACES_SAMPLER pair. The Go SDK has no automatic sampler
// configuration, so only the parent-based ratio sampler is recognized; anything else falls back to it with an error.
func newSampler(samplerType, arg string) (sdktrace.Sampler, error) {
	fallback := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplerArg))
	if samplerType == "" {
		samplerType = defaultSamplerType
	}
	switch samplerType {
	case defaultSamplerType:
		if arg == "" {
			return fallback, nil
		}
		fraction, err := strconv.ParseFloat(arg, 64)
		if err != nil || fraction < 0 || fraction > 1 {
			return fallback, fmt.Errorf("invalid sampler argument %q, fallback to ratio %v", arg, defaultSamplerArg)
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction)), nil
	case "always_on":
		return sdktrace.AlwaysSample(), nil
	case "always_off":
		return sdktrace.NeverSample(), nil
	default:
		return fallback, fmt.Errorf("unsupported sampler type: %s, fallback to %s with %v ratio",
			samplerType, defaultSamplerType, defaultSamplerArg)
	}
}
