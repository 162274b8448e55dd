// Package metrics exposes the bridge's Prometheus instruments.
//
// A Registry is created once at startup against a prometheus.Registerer.
// Registry.Device returns a per-device view that satisfies the pool
// package's Metrics interface and the rate limiter's Observer interface, so
// every device component reports through the same label set:
//
//	graylogic_pool_device_requests_total{device_id, priority, outcome}
//	graylogic_pool_device_request_duration_seconds{device_id, priority}
//	graylogic_pool_device_request_attempts{device_id, priority}
//	graylogic_pool_polls_total{device_id, outcome}
//	graylogic_pool_poll_duration_seconds{device_id}
//	graylogic_pool_ratelimit_tokens_total{device_id, priority, result}
//	graylogic_pool_ratelimit_wait_seconds{device_id, priority}
//	circuit_breaker_state{name}                    0=closed 1=half-open 2=open
//	circuit_breaker_consecutive_failures{name}
//	circuit_breaker_state_transitions_total{name, from_state, to_state}
//
// The HTTP API records request counts and latency with ObserveHTTP.
//
// Thread Safety: all operations are safe for concurrent use.
package metrics
