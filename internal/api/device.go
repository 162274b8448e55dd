package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/gray-logic-pool/internal/audit"
	"github.com/nerrad567/gray-logic-pool/internal/auth"
	"github.com/nerrad567/gray-logic-pool/internal/bridges/pool"
	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// SnapshotResponse is the body of GET /device/snapshot.
type SnapshotResponse struct {
	DeviceID  string         `json:"device_id"`
	Available bool           `json:"available"`
	Snapshot  *pool.Snapshot `json:"snapshot"`
}

// DeviceHealthResponse is the body of GET /device/health.
type DeviceHealthResponse struct {
	Status    pool.HealthStatus  `json:"status"`
	Device    *pool.DeviceHealth `json:"device"`
	RateLimit ratelimit.Stats    `json:"rate_limit"`
}

// CommandBody is the body of POST /device/commands.
type CommandBody struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) sinceStart() time.Duration {
	return time.Since(s.startTime)
}

// handleGetSnapshot returns the latest applied snapshot. While the device is
// unavailable this is the last known state and available is false.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SnapshotResponse{
		DeviceID:  s.device.DeviceID(),
		Available: s.device.Health().Available,
		Snapshot:  s.device.Snapshot(),
	})
}

// handleGetDeviceHealth returns the circuit and limiter state.
func (s *Server) handleGetDeviceHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.device.Health()
	writeJSON(w, http.StatusOK, DeviceHealthResponse{
		Status:    deviceStatus(state),
		Device:    pool.NewDeviceHealth(s.device.DeviceID(), state),
		RateLimit: s.device.LimiterStats(),
	})
}

// deviceStatus summarises the circuit as a health status.
func deviceStatus(state pool.HealthState) pool.HealthStatus {
	switch state.Circuit() {
	case pool.CircuitOpen:
		return pool.HealthUnhealthy
	case pool.CircuitHalfOpen:
		return pool.HealthDegraded
	}
	if state.ConsecutiveFailures > 0 {
		return pool.HealthDegraded
	}
	return pool.HealthHealthy
}

// handleExecuteCommand validates and sends a command to the device.
// The response body is the CommandResult; the HTTP status reflects its outcome.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var body CommandBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}

	principal, _ := principalFromContext(r.Context()) //nolint:errcheck // set by authMiddleware
	if body.Command == pool.CommandRaw && !principal.Can(auth.PermDeviceRaw) {
		writeForbidden(w, "raw device requests require admin role")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	res := s.device.Execute(ctx, pool.CommandRequest{
		ID:         body.ID,
		Command:    body.Command,
		Parameters: body.Parameters,
		Source:     "api",
		UserID:     principal.Subject,
	})
	if res.RequestID == "" {
		res.RequestID = requestIDFromContext(r.Context())
	}

	writeJSON(w, commandHTTPStatus(res), res)
}

// commandHTTPStatus maps a command outcome onto an HTTP status.
func commandHTTPStatus(res pool.CommandResult) int {
	switch res.Status {
	case pool.CommandAccepted:
		return http.StatusOK
	case pool.CommandRejectedInput:
		return http.StatusBadRequest
	case pool.CommandRateLimited:
		return http.StatusTooManyRequests
	case pool.CommandDeviceError:
		return http.StatusBadGateway
	default:
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
}

// handleListCommands returns the command audit log, newest first.
//
// Query parameters: status, command, since (RFC 3339), limit, offset.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command audit is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: s.device.DeviceID(),
		Status:   q.Get("status"),
		Command:  q.Get("command"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeBadRequest(w, name+" must be an integer")
				return
			}
			*dst = n
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command audit failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
