// Package tracing instruments the engine core with OpenTelemetry spans
// exported to Jaeger. Instrumentation is coarse by design: individual jobs
// are far too short-lived to trace, so spans cover whole workloads (a batch
// kicked and waited on) and allocator arena operations, with scheduler
// shape (job count, worker count) carried as span attributes.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName = "vertexforge-engine"
	serviceVersion     = "1.0.0"

	defaultEndpoint = "http://jaeger:14268/api/traces"
)

// Attribute keys for engine spans and events.
const (
	attrJobCount       = "engine.workload.jobs"
	attrWorkerCount    = "engine.workload.workers"
	attrArenaOffset    = "engine.arena.offset"
	attrArenaSize      = "engine.arena.size"
	attrArenaAlignment = "engine.arena.alignment"
)

type options struct {
	serviceName string
	instanceID  string
	endpoint    string
	sampleRatio float64
}

// Option configures provider construction.
type Option func(*options)

// WithJaegerEndpoint overrides the collector endpoint. An empty value keeps
// the default.
func WithJaegerEndpoint(endpoint string) Option {
	return func(o *options) {
		if endpoint != "" {
			o.endpoint = endpoint
		}
	}
}

// WithInstanceID stamps the service instance id onto every exported span.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithSampleRatio traces only the given fraction of workloads. The default
// is 1 (trace everything); children follow their parent's decision.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) { o.sampleRatio = ratio }
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// Provider owns the exporter pipeline. A nil Provider is valid and records
// nothing, so callers can run untraced without branching.
type Provider struct {
	tp     *tracesdk.TracerProvider
	tracer trace.Tracer
}

// NewProvider sets up the Jaeger export pipeline and installs it as the
// process-global tracer provider.
func NewProvider(opts ...Option) (*Provider, error) {
	o := options{
		serviceName: defaultServiceName,
		endpoint:    defaultEndpoint,
		sampleRatio: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(o.endpoint)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(o.serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if o.instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(o.instanceID))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	sampler := tracesdk.AlwaysSample()
	if o.sampleRatio < 1 {
		sampler = tracesdk.ParentBased(tracesdk.TraceIDRatioBased(o.sampleRatio))
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(o.serviceName + "/core"),
	}, nil
}

// Shutdown flushes and stops the pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartWorkload opens a span covering one kicked-and-awaited batch.
// jobCount and workerCount describe the workload's shape; the span must be
// ended by the caller once the batch has completed.
func (p *Provider) StartWorkload(ctx context.Context, name string, jobCount, workerCount int) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int(attrJobCount, jobCount),
		attribute.Int(attrWorkerCount, workerCount),
	))
}

// RecordArenaAlloc attaches a TLSF arena allocation outcome to the span in
// ctx. A failed allocation marks the span as errored: arena exhaustion
// inside a traced workload is the signal this instrumentation exists for.
func RecordArenaAlloc(ctx context.Context, offset, size, alignment uint32, ok bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("arena.alloc", trace.WithAttributes(
		attribute.Int64(attrArenaOffset, int64(offset)),
		attribute.Int64(attrArenaSize, int64(size)),
		attribute.Int64(attrArenaAlignment, int64(alignment)),
	))
	if !ok {
		span.SetStatus(codes.Error, "arena exhausted")
	}
}

// RecordArenaFree attaches a TLSF arena free to the span in ctx.
func RecordArenaFree(ctx context.Context, offset uint32) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("arena.free", trace.WithAttributes(
		attribute.Int64(attrArenaOffset, int64(offset)),
	))
}
