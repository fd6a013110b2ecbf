// Package telemetry installs the OpenTelemetry tracer provider used by the
// stream dispatcher and the HTTP service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options describes the process being traced.
type Options struct {
	ServiceName string

	// AgentBaseURL and StorageType are attached to every span so traces
	// from differently wired deployments can be told apart.
	AgentBaseURL string
	StorageType  string

	// SampleRatio is the fraction of root spans recorded. Values outside
	// (0, 1) record everything.
	SampleRatio float64
}

func (o Options) sampler() sdktrace.Sampler {
	if o.SampleRatio <= 0 || o.SampleRatio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
}

func (o Options) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(o.ServiceName)}
	if o.AgentBaseURL != "" {
		attrs = append(attrs, attribute.String("agentstream.agent.base_url", o.AgentBaseURL))
	}
	if o.StorageType != "" {
		attrs = append(attrs, attribute.String("agentstream.storage.type", o.StorageType))
	}
	return attrs
}

// InitTracer installs a global tracer provider that exports spans as JSON
// to w. The returned function flushes and shuts the provider down.
func InitTracer(opts Options, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", opts.attributes()...),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		slog.String("service", opts.ServiceName),
		slog.Float64("sample_ratio", opts.SampleRatio),
	)
	return tp.Shutdown, nil
}
