package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// MQTT message types exchanged between Gray Logic Core and the pool bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "pool"

// TopicPrefix is the root of all bridge topics.
const TopicPrefix = "graylogic"

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/pool/{device_id}
type CommandMessage struct {
	// ID correlates the acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	DeviceID string `json:"device_id"`

	// Command is set_function, set_target or request.
	Command string `json:"command"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", "scene").
	Source string `json:"source"`

	UserID string `json:"user_id,omitempty"`
}

// Request converts the message into an orchestrator CommandRequest.
func (m CommandMessage) Request() CommandRequest {
	source := m.Source
	if source == "" {
		source = "mqtt"
	}
	return CommandRequest{
		ID:         m.ID,
		Command:    m.Command,
		Parameters: m.Parameters,
		Source:     source,
		UserID:     m.UserID,
	}
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond in time.
	AckTimeout AckStatus = "timeout"
)

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeDeviceError       = "DEVICE_ERROR"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
)

// AckMessage is sent from the bridge to Core after a command completes.
// Topic: graylogic/ack/pool/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Retries is the number of retries made (attempts - 1).
	Retries int `json:"retries,omitempty"`
}

// NewAckMessage builds the acknowledgement for a command result.
func NewAckMessage(deviceID string, res CommandResult) AckMessage {
	ack := AckMessage{
		CommandID: res.CommandID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
	}
	if res.OK() {
		return ack
	}

	code := ErrCodeDeviceUnreachable
	switch res.Status {
	case CommandRejectedInput:
		code = ErrCodeInvalidParameters
		if errors.Is(res.Err, ErrUnknownCommand) {
			code = ErrCodeInvalidCommand
		}
	case CommandDeviceError:
		code = ErrCodeDeviceError
	case CommandRateLimited:
		code = ErrCodeRateLimited
	case CommandUnreachable:
		if errors.Is(res.Err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
	}

	ack.Status = AckFailed
	if code == ErrCodeTimeout {
		ack.Status = AckTimeout
	}
	retries := res.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	ack.Error = &AckError{Code: code, Message: res.Message, Retries: retries}
	return ack
}

// StateMessage carries the device snapshot.
// Topic: graylogic/state/pool/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	Tick      uint64           `json:"tick"`
	State     map[string]Value `json:"state"`
	Changed   []string         `json:"changed,omitempty"`
	Protocol  string           `json:"protocol"`
}

// NewStateMessage creates a state message from a snapshot.
func NewStateMessage(deviceID string, snap *Snapshot, changed []string) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: snap.UpdatedAt(),
		Tick:      snap.Tick(),
		State:     snap.Values(),
		Changed:   changed,
		Protocol:  Protocol,
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge and device status.
// Topic: graylogic/health/pool
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string           `json:"bridge"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        HealthStatus     `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Device        *DeviceHealth    `json:"device,omitempty"`
	RateLimit     *ratelimit.Stats `json:"rate_limit,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// DeviceHealth is the device section of a HealthMessage.
type DeviceHealth struct {
	DeviceID            string     `json:"device_id"`
	Available           bool       `json:"available"`
	Circuit             string     `json:"circuit"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	BackoffSeconds      float64    `json:"backoff_seconds"`
	NextProbe           *time.Time `json:"next_probe,omitempty"`
	FirmwareVersion     string     `json:"firmware_version,omitempty"`
}

// NewDeviceHealth converts a HealthState for publishing.
func NewDeviceHealth(deviceID string, h HealthState) *DeviceHealth {
	d := &DeviceHealth{
		DeviceID:            deviceID,
		Available:           h.Available,
		Circuit:             h.Circuit().String(),
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		BackoffSeconds:      h.Backoff.Seconds(),
		FirmwareVersion:     h.FirmwareVersion,
	}
	if h.LastErrorKind != KindNone {
		d.LastErrorKind = h.LastErrorKind.String()
	}
	if !h.LastSuccess.IsZero() {
		t := h.LastSuccess.UTC()
		d.LastSuccess = &t
	}
	if !h.Available && !h.NextProbe.IsZero() {
		t := h.NextProbe.UTC()
		d.NextProbe = &t
	}
	return d
}

// NewLWTMessage creates the Last Will and Testament payload.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// CommandTopic returns the command topic for a device.
// Example: graylogic/command/pool/pool-main
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, deviceID)
}

// AckTopic returns the acknowledgement topic for a device.
func AckTopic(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, deviceID)
}

// StateTopic returns the state topic for a device.
func StateTopic(deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, deviceID)
}

// HealthTopic returns the bridge health topic.
// Example: graylogic/health/pool
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}
