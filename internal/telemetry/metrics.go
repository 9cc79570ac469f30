// Package telemetry exposes OpenTelemetry instruments for flag ingestion
// and submission. Exporter wiring is left to the embedding process.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fast"

// Metrics bundles the instruments the server records on.
type Metrics struct {
	flagsNew       metric.Int64Counter
	flagsDuplicate metric.Int64Counter
	flagsOwn       metric.Int64Counter
	submitRuns     metric.Int64Counter
	submitDuration metric.Float64Histogram
}

// New creates the meter and its instruments.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	var err error
	m.flagsNew, err = meter.Int64Counter(
		"fast.flags.new",
		metric.WithDescription("Flags inserted into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.flagsDuplicate, err = meter.Int64Counter(
		"fast.flags.duplicate",
		metric.WithDescription("Flag insertions ignored as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.flagsOwn, err = meter.Int64Counter(
		"fast.flags.own",
		metric.WithDescription("Flags reported against own-team targets"),
	)
	if err != nil {
		return nil, err
	}

	m.submitRuns, err = meter.Int64Counter(
		"fast.submit.runs",
		metric.WithDescription("Submission runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.submitDuration, err = meter.Float64Histogram(
		"fast.submit.duration",
		metric.WithDescription("Duration of submitter invocations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordEnqueue records an ingestion outcome for one exploit.
func (m *Metrics) RecordEnqueue(ctx context.Context, exploit string, newCount, dupCount int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("exploit", exploit))
	m.flagsNew.Add(ctx, int64(newCount), attrs)
	m.flagsDuplicate.Add(ctx, int64(dupCount), attrs)
}

// RecordOwn records flags captured from the team's own services.
func (m *Metrics) RecordOwn(ctx context.Context, exploit string, count int) {
	if m == nil {
		return
	}
	m.flagsOwn.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("exploit", exploit)))
}

// RecordSubmit records one submission run.
func (m *Metrics) RecordSubmit(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.submitRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.submitDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
