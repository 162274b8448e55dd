// Package ratelimit provides per-device admission control for outbound
// requests to embedded HTTP controllers.
//
// A Limiter combines three mechanisms:
//
//   - A token bucket (capacity C, refill R tokens/s) built on
//     golang.org/x/time/rate. Refill is continuous, so sparse callers are
//     never starved waiting for a "window" to elapse.
//   - Priority-ordered waiters. User commands (PriorityHigh) are granted
//     ahead of queued polling reads (PriorityNormal).
//   - A bound on requests in flight, enforced with a weighted semaphore from
//     golang.org/x/sync, independent of the steady-state rate.
//
// Usage:
//
//	lim, err := ratelimit.New(ratelimit.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	permit, err := lim.Acquire(ctx, ratelimit.PriorityHigh)
//	if err != nil {
//	    return err
//	}
//	defer permit.Release()
//
// Limiters are never shared between devices.
package ratelimit
