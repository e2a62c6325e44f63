package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "authstate"

var (
	countersOnce         sync.Once
	storeFailureCounter  metric.Int64Counter
	storeFallbackCounter metric.Int64Counter
	lockoutCounter       metric.Int64Counter
	rateLimitCounter     metric.Int64Counter
	rotationCounter      metric.Int64Counter
	sweepCounter         metric.Int64Counter
	configCounter        metric.Int64Counter
)

func initCounters() {
	countersOnce.Do(func() {
		meter := otel.Meter(meterName)
		storeFailureCounter, _ = meter.Int64Counter("store.failures")
		storeFallbackCounter, _ = meter.Int64Counter("store.fallback.activations")
		lockoutCounter, _ = meter.Int64Counter("lockout.events")
		rateLimitCounter, _ = meter.Int64Counter("ratelimit.decisions")
		rotationCounter, _ = meter.Int64Counter("token.rotation.outcomes")
		sweepCounter, _ = meter.Int64Counter("session.sweep.cleaned")
		configCounter, _ = meter.Int64Counter("config.validation.outcomes")
	})
}

// RecordStoreFailure counts a store error swallowed at a component
// boundary under its declared failure mode.
func RecordStoreFailure(ctx context.Context, component, op, mode string) {
	initCounters()
	if storeFailureCounter == nil {
		return
	}
	storeFailureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("op", op),
		attribute.String("mode", mode),
	))
}

// RecordStoreFallback counts activation of the in-memory fallback store.
func RecordStoreFallback(ctx context.Context, reason string) {
	initCounters()
	if storeFallbackCounter == nil {
		return
	}
	storeFallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func RecordLockoutEvent(ctx context.Context, action string) {
	initCounters()
	if lockoutCounter == nil {
		return
	}
	lockoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func RecordRateLimitDecision(ctx context.Context, endpoint, outcome string) {
	initCounters()
	if rateLimitCounter == nil {
		return
	}
	rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// RecordTokenRotation outcomes: rotated, invalid, theft_detected,
// reuse_detected, issued.
func RecordTokenRotation(ctx context.Context, outcome string) {
	initCounters()
	if rotationCounter == nil {
		return
	}
	rotationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordConfigValidation counts configuration load outcomes per
// deployment environment.
func RecordConfigValidation(ctx context.Context, environment, outcome string) {
	initCounters()
	if configCounter == nil {
		return
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", environment),
		attribute.String("outcome", outcome),
	))
}

func RecordSessionSweep(ctx context.Context, cleaned int64) {
	initCounters()
	if sweepCounter == nil {
		return
	}
	sweepCounter.Add(ctx, cleaned)
}
