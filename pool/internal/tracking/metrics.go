// Package tracking records OpenTelemetry metrics for the connection pool.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go-resilience/pool"

	metricTotal     = "pool.connections.total"
	metricActive    = "pool.connections.active"
	metricIdle      = "pool.connections.idle"
	metricCreated   = "pool.connections.created"
	metricDiscarded = "pool.connections.discarded"
	metricTimeouts  = "pool.acquire.timeouts"
)

var (
	meterOnce sync.Once
	meter     metric.Meter
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize pool metric %s: %v\n", name, err)
	}
}

func ensureMeter() {
	meterOnce.Do(func() {
		meter = otel.Meter(meterName)
	})
}

// PoolStats carries the pool counters observed during metric collection.
type PoolStats struct {
	Total     int
	Active    int
	Idle      int
	Created   uint64
	Discarded uint64
	Timeouts  uint64
}

// RegisterPoolMetrics registers observable instruments fed by the given
// stats provider and returns a cleanup function that unregisters them.
func RegisterPoolMetrics(statsProvider func() PoolStats) func() {
	ensureMeter()
	if meter == nil {
		return func() {}
	}

	total, err := meter.Int64ObservableUpDownCounter(metricTotal,
		metric.WithDescription("Connections currently owned by the pool"))
	logMetricError(metricTotal, err)

	active, err := meter.Int64ObservableUpDownCounter(metricActive,
		metric.WithDescription("Connections handed out to callers"))
	logMetricError(metricActive, err)

	idle, err := meter.Int64ObservableUpDownCounter(metricIdle,
		metric.WithDescription("Connections waiting in the free list"))
	logMetricError(metricIdle, err)

	created, err := meter.Int64ObservableCounter(metricCreated,
		metric.WithDescription("Connections dialed since pool start"))
	logMetricError(metricCreated, err)

	discarded, err := meter.Int64ObservableCounter(metricDiscarded,
		metric.WithDescription("Connections removed after failing a health check"))
	logMetricError(metricDiscarded, err)

	timeouts, err := meter.Int64ObservableCounter(metricTimeouts,
		metric.WithDescription("Acquisitions that timed out"))
	logMetricError(metricTimeouts, err)

	var instruments []metric.Observable
	for _, inst := range []metric.Observable{total, active, idle, created, discarded, timeouts} {
		if inst != nil {
			instruments = append(instruments, inst)
		}
	}
	if len(instruments) == 0 {
		return func() {}
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := statsProvider()
		if total != nil {
			observer.ObserveInt64(total, int64(stats.Total))
		}
		if active != nil {
			observer.ObserveInt64(active, int64(stats.Active))
		}
		if idle != nil {
			observer.ObserveInt64(idle, int64(stats.Idle))
		}
		if created != nil {
			observer.ObserveInt64(created, int64(stats.Created))
		}
		if discarded != nil {
			observer.ObserveInt64(discarded, int64(stats.Discarded))
		}
		if timeouts != nil {
			observer.ObserveInt64(timeouts, int64(stats.Timeouts))
		}
		return nil
	}, instruments...)
	if err != nil {
		logMetricError("pool_metrics_callback", err)
		return func() {}
	}

	return func() {
		if err := registration.Unregister(); err != nil {
			logMetricError("pool_metrics_unregister", err)
		}
	}
}
