// Package tracking records OpenTelemetry metrics for the resilience
// primitives: circuit breaker state transitions and limiter saturation.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go-resilience/resilience"

	metricBreakerTransitions = "breaker.state.transitions"
	metricLimiterInFlight    = "limiter.in_flight"
	metricLimiterTimeouts    = "limiter.timeouts"
	metricLimiterExecuted    = "limiter.executed"

	attrBreakerName = "breaker.name"
	attrLimiterName = "limiter.name"
	attrFromState   = "state.from"
	attrToState     = "state.to"
)

var (
	meterOnce sync.Once
	meter     metric.Meter

	transitionCounter metric.Int64Counter
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize resilience metric %s: %v\n", name, err)
	}
}

func ensureMeter() {
	meterOnce.Do(func() {
		meter = otel.Meter(meterName)

		var err error
		transitionCounter, err = meter.Int64Counter(
			metricBreakerTransitions,
			metric.WithDescription("Circuit breaker state transitions"),
			metric.WithUnit("{transition}"),
		)
		logMetricError(metricBreakerTransitions, err)
	})
}

// RecordBreakerTransition records one breaker state transition. The metric
// timestamp doubles as the transition timestamp for the observability
// surface.
func RecordBreakerTransition(ctx context.Context, name, from, to string) {
	ensureMeter()
	if transitionCounter == nil {
		return
	}
	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrBreakerName, name),
		attribute.String(attrFromState, from),
		attribute.String(attrToState, to),
	))
}

// LimiterStats carries limiter counters observed during metric collection.
type LimiterStats struct {
	InFlight int64
	Timeouts uint64
	Executed uint64
}

// RegisterLimiterMetrics registers observable instruments for one limiter
// instance and returns a cleanup function that unregisters them.
func RegisterLimiterMetrics(name string, statsProvider func() LimiterStats) func() {
	ensureMeter()
	if meter == nil {
		return func() {}
	}

	inFlight, err := meter.Int64ObservableUpDownCounter(metricLimiterInFlight,
		metric.WithDescription("Operations currently executing"))
	logMetricError(metricLimiterInFlight, err)

	timeouts, err := meter.Int64ObservableCounter(metricLimiterTimeouts,
		metric.WithDescription("Slot acquisitions that timed out"))
	logMetricError(metricLimiterTimeouts, err)

	executed, err := meter.Int64ObservableCounter(metricLimiterExecuted,
		metric.WithDescription("Operations executed"))
	logMetricError(metricLimiterExecuted, err)

	var instruments []metric.Observable
	for _, inst := range []metric.Observable{inFlight, timeouts, executed} {
		if inst != nil {
			instruments = append(instruments, inst)
		}
	}
	if len(instruments) == 0 {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrLimiterName, name))

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stats := statsProvider()
		if inFlight != nil {
			observer.ObserveInt64(inFlight, stats.InFlight, attrs)
		}
		if timeouts != nil {
			observer.ObserveInt64(timeouts, int64(stats.Timeouts), attrs)
		}
		if executed != nil {
			observer.ObserveInt64(executed, int64(stats.Executed), attrs)
		}
		return nil
	}, instruments...)
	if err != nil {
		logMetricError("limiter_metrics_callback", err)
		return func() {}
	}

	return func() {
		if err := registration.Unregister(); err != nil {
			logMetricError("limiter_metrics_unregister", err)
		}
	}
}
