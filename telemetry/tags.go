// Package telemetry provides operation tagging and OpenTelemetry metrics for the cache.
package telemetry

import (
	"context"
)

type contextKey string

// callerKey is the context key for propagating the caller name to metrics.
const callerKey contextKey = "caller"

// Op names a cache facade operation.
type Op string

const (
	OpPut      Op = "put"
	OpGet      Op = "get"
	OpContains Op = "contains"
	OpDelete   Op = "delete"
	OpEvict    Op = "evict"
)

// Result represents the outcome of a cache operation.
type Result string

const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultStored  Result = "stored"
	ResultExists  Result = "exists"
	ResultRemoved Result = "removed"
	ResultError   Result = "error"
)

// Outcome values used by payload and refresh metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// WithCaller returns a context carrying the caller name, e.g. "cli" or "gc".
// Metrics recorded with the context are labelled with it.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller set by WithCaller, or "unknown".
func CallerFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey).(string); ok && c != "" {
		return c
	}
	return "unknown"
}
