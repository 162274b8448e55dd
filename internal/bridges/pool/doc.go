// Package pool implements the pool-controller bridge for Gray Logic.
//
// The bridge polls a pool controller's HTTP/JSON API, keeps a snapshot of its
// readings, and forwards commands from Core to the device. The device is slow,
// rate sensitive and occasionally unreachable, so every request passes through
// a layered communication core:
//
//	┌──────────────┐  MQTT   ┌─────────────────────────────────────────────┐  HTTP
//	│  Gray Logic  │◄───────►│ Bridge → Orchestrator → Client → Limiter    │◄──────► Device
//	│     Core     │         │               ▲                             │
//	└──────────────┘         │          Coordinator (recovery probe)       │
//	                         └─────────────────────────────────────────────┘
//
// # Components
//
//   - Sanitizer: validates and normalises user parameters before any I/O
//   - Client: timeouts, retry with exponential backoff, error classification
//   - Coordinator: consecutive-failure tracking, circuit state, recovery probes
//   - Orchestrator: periodic polling and the wholesale-replaced Snapshot
//   - Bridge: MQTT command/ack/state translation and health reporting
//
// # Errors
//
// Every error returned by the client carries exactly one of the sentinel
// errors in errors.go. Use Classify to map an error to its ErrorKind:
//
//	res, err := client.Send(ctx, env)
//	switch pool.Classify(err) {
//	case pool.KindValidation:   // caller's fault, never retried
//	case pool.KindTransient:    // retried, counts toward the failure threshold
//	case pool.KindRateLimited:  // back off, not a device failure
//	}
//
// # Lock Ordering
//
// The limiter mutex is always taken before the coordinator mutex and neither is
// held across a network call. The coordinator never calls into the limiter
// while holding its own lock.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package pool
