// Package api provides the HTTP REST API and WebSocket stream for the pool
// bridge.
//
// It exposes the device snapshot, health, command execution and the command
// audit log to Gray Logic Core and local tooling. The server runs as a
// suture service:
//
//	server, err := api.New(deps)
//	tree.AddAPIService(server)
//
// Routes:
//
//	GET  /api/v1/health           bridge liveness, version, MQTT state
//	GET  /api/v1/device/snapshot  latest snapshot (last known while unavailable)
//	GET  /api/v1/device/health    circuit, failures, backoff, limiter stats
//	POST /api/v1/device/commands  execute set_function, set_target or request (JWT)
//	GET  /api/v1/device/commands  command audit log (JWT, admin)
//	GET  /api/v1/ws               WebSocket stream of device.snapshot and device.availability
//	GET  /metrics                 Prometheus exposition
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
