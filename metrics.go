package ticketregistry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsScopeName = "github.com/castaneai/ticketregistry"
	cycleOutcomeKey  = attribute.Key("outcome")
)

const (
	cycleOutcomeCompleted = "completed"
	cycleOutcomeSkipped   = "skipped"
	cycleOutcomeFailed    = "failed"
)

var (
	defaultHistogramBuckets = []float64{
		.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
	}
)

type cleanerMetrics struct {
	meter          metric.Meter
	cycles         metric.Int64Counter
	ticketsRemoved metric.Int64Counter
	logouts        metric.Int64Counter
	logoutFailures metric.Int64Counter
	cycleLatency   metric.Float64Histogram
}

func newCleanerMetrics(provider metric.MeterProvider) (*cleanerMetrics, error) {
	meter := provider.Meter(metricsScopeName)
	cycles, err := meter.Int64Counter("ticketregistry.cleaner.cycles")
	if err != nil {
		return nil, err
	}
	ticketsRemoved, err := meter.Int64Counter("ticketregistry.cleaner.tickets_removed")
	if err != nil {
		return nil, err
	}
	logouts, err := meter.Int64Counter("ticketregistry.cleaner.logouts")
	if err != nil {
		return nil, err
	}
	logoutFailures, err := meter.Int64Counter("ticketregistry.cleaner.logout_failures")
	if err != nil {
		return nil, err
	}
	cycleLatency, err := meter.Float64Histogram("ticketregistry.cleaner.cycle_latency",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(defaultHistogramBuckets...))
	if err != nil {
		return nil, err
	}
	return &cleanerMetrics{
		meter:          meter,
		cycles:         cycles,
		ticketsRemoved: ticketsRemoved,
		logouts:        logouts,
		logoutFailures: logoutFailures,
		cycleLatency:   cycleLatency,
	}, nil
}

func (m *cleanerMetrics) recordCycle(ctx context.Context, outcome string, latency time.Duration) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(cycleOutcomeKey.String(outcome)))
	if outcome != cycleOutcomeSkipped {
		m.cycleLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(cycleOutcomeKey.String(outcome)))
	}
}

func (m *cleanerMetrics) recordResult(ctx context.Context, result *CleanResult) {
	m.ticketsRemoved.Add(ctx, int64(result.Removed))
	m.logouts.Add(ctx, int64(result.Logouts))
	m.logoutFailures.Add(ctx, int64(result.LogoutFailures))
}
