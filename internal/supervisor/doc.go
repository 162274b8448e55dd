// Package supervisor runs the bridge's long-lived services under a suture v4
// tree so a crashed component is restarted without taking the process down.
//
// The tree has three layers:
//
//	root ("poolbridge")
//	├── device-layer     the orchestrator poll loop
//	├── messaging-layer  the MQTT bridge and its health reporter
//	└── api-layer        the HTTP/WebSocket server
//
// Restart storms are bounded by the failure threshold, decay and backoff
// from config.SupervisorConfig. Events are logged through sutureslog.
package supervisor
