// Package breaker implements per-operation-class circuit breakers.
//
// A breaker is closed until FailureThreshold consecutive failures, then open:
// calls are rejected and served by the caller's fallback without touching the
// dependency. After ResetTimeout the next call moves it to half-open, where up
// to MaxHalfOpenRequests probes run. A successful probe closes the breaker and
// clears its counters; a failed probe reopens it and restarts the timer.
//
// Usage:
//
//	b, _ := breaker.New(breaker.DefaultConfig("network"))
//	value, err := b.Execute(ctx, fetch, func(ctx context.Context, cause error) (interface{}, error) {
//		return cached, nil
//	})
package breaker
