// Package telemetry wraps OpenTelemetry tracing for the data path:
// FileWriter.Write, FileReader.Read, SliceWriter.Flush, and
// DiskPagePool.Acquire each open a span when a tracer has been configured
// via Init; SliceWriter.FlushBulk opens none.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Attribute keys the data path attaches to its spans, mirroring the
// fs.*-prefixed convention used for protocol-level attributes.
const (
	AttrInode      = attribute.Key("fs.inode")
	AttrChunkIndex = attribute.Key("fs.chunk_index")
	AttrSliceID    = attribute.Key("fs.slice_id")
	AttrBlockIndex = attribute.Key("fs.block_index")
	AttrOffset     = attribute.Key("fs.offset")
	AttrLength     = attribute.Key("fs.length")
)

// Span names for the core data-path operations.
const (
	SpanFileWriterWrite  = "filewriter.write"
	SpanFileReaderRead   = "filereader.read"
	SpanSliceWriterFlush = "slicewriter.flush"
	SpanDiskPoolAcquire  = "diskpool.acquire"
)

var (
	tracer     trace.Tracer
	tracerOnce sync.Once

	tracerProvider *sdktrace.TracerProvider
	enabled        bool
)

// Init configures the global tracer from cfg. The returned shutdown
// function flushes and closes the exporter and must be called on
// process exit.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		enabled = false
		tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	enabled = true

	var opts []otlptracegrpc.Option
	opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tracerProvider.Tracer(cfg.ServiceName)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tracerProvider.Shutdown(shutdownCtx)
	}, nil
}

// Tracer returns the global tracer, falling back to a no-op tracer
// before Init has run.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		if tracer == nil {
			tracer = noop.NewTracerProvider().Tracer("kiseki")
		}
	})
	return tracer
}

// IsEnabled reports whether Init configured a real exporter.
func IsEnabled() bool { return enabled }

// StartSpan starts a span named name as a child of any span already in
// ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on the span in ctx and marks it as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
