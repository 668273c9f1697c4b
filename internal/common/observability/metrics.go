package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configure New.
type Options struct {
	ServiceName    string
	TracingEnabled bool
	SampleRatio    float64
	// Registerer receives the exporter's collector. Nil means the default
	// prometheus registerer.
	Registerer promclient.Registerer
	// SpanExporter, when set, receives finished spans in batches.
	SpanExporter sdktrace.SpanExporter
}

// Observability owns the OpenTelemetry meter and tracer providers.
type Observability struct {
	meterProvider    *metric.MeterProvider
	tracerProvider   *sdktrace.TracerProvider
	tracer           trace.Tracer
	exchangeCounter  otelmetric.Int64Counter
	exchangeDuration otelmetric.Float64Histogram
}

func New(opts Options) (*Observability, error) {
	var exporterOpts []prometheus.Option
	if opts.Registerer != nil {
		exporterOpts = append(exporterOpts, prometheus.WithRegisterer(opts.Registerer))
	}
	exporter, err := prometheus.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(opts.ServiceName)

	exchangeCounter, err := meter.Int64Counter(
		"relay.exchanges",
		otelmetric.WithDescription("Number of requests that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}
	exchangeDuration, err := meter.Float64Histogram(
		"relay.exchange.duration",
		otelmetric.WithDescription("Time from intake to terminal state"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	o := &Observability{
		meterProvider:    provider,
		tracer:           noop.NewTracerProvider().Tracer(opts.ServiceName),
		exchangeCounter:  exchangeCounter,
		exchangeDuration: exchangeDuration,
	}

	if opts.TracingEnabled {
		ratio := opts.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		}
		if opts.SpanExporter != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.SpanExporter))
		}
		o.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(o.tracerProvider)
		o.tracer = o.tracerProvider.Tracer(opts.ServiceName)
	}
	return o, nil
}

// StartSpan opens a span named name. A nil receiver yields a no-op span.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordExchange records one terminal transition.
func (o *Observability) RecordExchange(ctx context.Context, status, errorCode string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("status", status),
		attribute.String("error_code", errorCode),
	)
	if o.exchangeCounter != nil {
		o.exchangeCounter.Add(ctx, 1, attrs)
	}
	if o.exchangeDuration != nil {
		o.exchangeDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

// ForceFlush pushes buffered spans to the exporter.
func (o *Observability) ForceFlush(ctx context.Context) error {
	if o == nil || o.tracerProvider == nil {
		return nil
	}
	return o.tracerProvider.ForceFlush(ctx)
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.tracerProvider != nil {
		errs = append(errs, o.tracerProvider.Shutdown(ctx))
	}
	if o.meterProvider != nil {
		errs = append(errs, o.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
