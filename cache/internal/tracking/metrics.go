// Package tracking records OpenTelemetry metrics for cache operations.
// Instruments are initialized lazily against the global meter provider so
// the cache works unchanged whether or not the host application wires an
// OTel SDK.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go-resilience/cache"

	metricOperationDuration = "cache.operation.duration" // Histogram in seconds
	metricHits              = "cache.hits"
	metricMisses            = "cache.misses"

	metricSize              = "cache.size"               // UpDownCounter (observable)
	metricEvictions         = "cache.evictions"          // Counter (observable)
	metricExpirations       = "cache.expirations"        // Counter (observable)
	metricInvalidationsSent = "cache.invalidations.sent" // Counter (observable)
	metricInvalidationsRecv = "cache.invalidations.recv" // Counter (observable)

	attrOperation = "cache.operation"
	attrHitStatus = "cache.hit"
	attrErrorType = "error.type"
)

// Cache operation names.
const (
	OpGet        = "get"
	OpSet        = "set"
	OpInvalidate = "invalidate"
)

var (
	meterOnce sync.Once
	meter     metric.Meter

	operationDuration metric.Float64Histogram
	hitCounter        metric.Int64Counter
	missCounter       metric.Int64Counter
)

// logMetricError reports instrument initialization failures to stderr.
// Metrics are best-effort; a failed instrument never breaks cache traffic.
func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize cache metric %s: %v\n", name, err)
	}
}

func ensureMeter() {
	meterOnce.Do(func() {
		meter = otel.Meter(meterName)

		var err error
		operationDuration, err = meter.Float64Histogram(
			metricOperationDuration,
			metric.WithDescription("Duration of cache operations"),
			metric.WithUnit("s"),
		)
		logMetricError(metricOperationDuration, err)

		hitCounter, err = meter.Int64Counter(
			metricHits,
			metric.WithDescription("Number of cache hits"),
			metric.WithUnit("{hit}"),
		)
		logMetricError(metricHits, err)

		missCounter, err = meter.Int64Counter(
			metricMisses,
			metric.WithDescription("Number of cache misses"),
			metric.WithUnit("{miss}"),
		)
		logMetricError(metricMisses, err)
	})
}

// RecordOperation records duration and, for lookups, hit/miss counters for
// a single cache operation.
func RecordOperation(ctx context.Context, operation string, duration time.Duration, hit bool, err error) {
	ensureMeter()

	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
	}
	if operation == OpGet {
		attrs = append(attrs, attribute.Bool(attrHitStatus, hit))
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorType, "error"))
	}

	if operationDuration != nil && duration > 0 {
		operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}

	if operation == OpGet {
		if hit {
			if hitCounter != nil {
				hitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		} else if missCounter != nil {
			missCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
}

// ManagerStats carries the counters observed during metric collection.
type ManagerStats struct {
	Size              int
	Hits              uint64
	Misses            uint64
	Evictions         uint64
	Expirations       uint64
	InvalidationsSent uint64
	InvalidationsRecv uint64
}

// RegisterManagerMetrics registers observable instruments fed by the given
// stats provider, called on every collection cycle. It returns a cleanup
// function that unregisters the callback.
func RegisterManagerMetrics(statsProvider func() ManagerStats) func() {
	ensureMeter()
	if meter == nil {
		return func() {}
	}

	size, err := meter.Int64ObservableUpDownCounter(metricSize,
		metric.WithDescription("Current number of live cache entries"))
	logMetricError(metricSize, err)

	evictions, err := meter.Int64ObservableCounter(metricEvictions,
		metric.WithDescription("Entries removed by the LRU policy"))
	logMetricError(metricEvictions, err)

	expirations, err := meter.Int64ObservableCounter(metricExpirations,
		metric.WithDescription("Entries removed because their TTL elapsed"))
	logMetricError(metricExpirations, err)

	sent, err := meter.Int64ObservableCounter(metricInvalidationsSent,
		metric.WithDescription("Invalidation broadcasts published"))
	logMetricError(metricInvalidationsSent, err)

	recv, err := meter.Int64ObservableCounter(metricInvalidationsRecv,
		metric.WithDescription("Invalidation broadcasts applied from other nodes"))
	logMetricError(metricInvalidationsRecv, err)

	var instruments []metric.Observable
	for _, inst := range []metric.Observable{size, evictions, expirations, sent, recv} {
		if inst != nil {
			instruments = append(instruments, inst)
		}
	}
	if len(instruments) == 0 {
		return func() {}
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := statsProvider()
		if size != nil {
			observer.ObserveInt64(size, int64(stats.Size))
		}
		if evictions != nil {
			observer.ObserveInt64(evictions, int64(stats.Evictions))
		}
		if expirations != nil {
			observer.ObserveInt64(expirations, int64(stats.Expirations))
		}
		if sent != nil {
			observer.ObserveInt64(sent, int64(stats.InvalidationsSent))
		}
		if recv != nil {
			observer.ObserveInt64(recv, int64(stats.InvalidationsRecv))
		}
		return nil
	}, instruments...)
	if err != nil {
		logMetricError("manager_metrics_callback", err)
		return func() {}
	}

	return func() {
		if err := registration.Unregister(); err != nil {
			logMetricError("manager_metrics_unregister", err)
		}
	}
}
