package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type Observability struct {
	meterProvider     *metric.MeterProvider
	meter             otelmetric.Meter
	jobCounter        otelmetric.Int64Counter
	jobDuration       otelmetric.Float64Histogram
	reconcileDuration otelmetric.Float64Histogram
	actionCounter     otelmetric.Int64Counter
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	jobCounter, _ := meter.Int64Counter(
		"jobs.processed",
		otelmetric.WithDescription("Number of jobs processed"),
	)

	jobDuration, _ := meter.Float64Histogram(
		"jobs.duration",
		otelmetric.WithDescription("Job processing duration"),
		otelmetric.WithUnit("ms"),
	)

	reconcileDuration, _ := meter.Float64Histogram(
		"pipeline.reconcile.duration",
		otelmetric.WithDescription("Pipeline reconciliation duration"),
		otelmetric.WithUnit("ms"),
	)

	actionCounter, _ := meter.Int64Counter(
		"deal.actions",
		otelmetric.WithDescription("Investor actions on funding requests"),
	)

	return &Observability{
		meterProvider:     provider,
		meter:             meter,
		jobCounter:        jobCounter,
		jobDuration:       jobDuration,
		reconcileDuration: reconcileDuration,
		actionCounter:     actionCounter,
	}
}

// NewNoop returns an Observability whose recorders do nothing.
func NewNoop() *Observability {
	return &Observability{}
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o != nil && o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o != nil && o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

// RecordReconcile records one reconciliation and the source combination it used.
func (o *Observability) RecordReconcile(ctx context.Context, duration time.Duration, source string) {
	if o != nil && o.reconcileDuration != nil {
		o.reconcileDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("source", source),
		))
	}
}

func (o *Observability) RecordAction(ctx context.Context, action, result string) {
	if o != nil && o.actionCounter != nil {
		o.actionCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("action", action),
			attribute.String("result", result),
		))
	}
}

func (o *Observability) Shutdown() {
	if o != nil && o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
