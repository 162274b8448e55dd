package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// Domain errors for the pool bridge package.
var (
	// ErrValidation is returned when caller-supplied input is rejected before
	// any network I/O. Never retried.
	ErrValidation = errors.New("pool: invalid input")

	// ErrTransientNetwork is returned for timeouts, refused connections, DNS
	// failures and 5xx responses once retries are exhausted.
	ErrTransientNetwork = errors.New("pool: transient network error")

	// ErrDeviceProtocol is returned when the device answers with a body that
	// cannot be parsed or has an unexpected shape.
	ErrDeviceProtocol = errors.New("pool: unexpected device response")

	// ErrDeviceRejected is returned for 4xx responses, including auth failures.
	ErrDeviceRejected = errors.New("pool: device rejected request")

	// ErrRateLimitExceeded is returned when no token could be acquired within
	// the limiter's maximum wait. It is not a device failure.
	ErrRateLimitExceeded = ratelimit.ErrRateLimitExceeded

	// ErrDeviceUnavailable is returned without touching the network while the
	// circuit is open.
	ErrDeviceUnavailable = errors.New("pool: device unavailable")

	// ErrProbeInProgress is returned when a recovery probe is already running.
	ErrProbeInProgress = errors.New("pool: recovery probe already in progress")

	// ErrUnknownCommand is returned for command names the bridge does not
	// implement. It wraps ErrValidation.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrValidation)

	// ErrInvalidConfig is returned when a component is constructed with
	// out-of-range settings.
	ErrInvalidConfig = errors.New("pool: invalid configuration")
)

// ErrorKind is the taxonomy bucket an error falls into.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindTransient
	KindProtocol
	KindRejected
	KindRateLimited
	KindUnavailable
	KindCanceled
	KindUnknown
)

// String returns the label used in logs, metrics and health messages.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient_network"
	case KindProtocol:
		return "device_protocol"
	case KindRejected:
		return "device_rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "device_unavailable"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// CountsAsFailure reports whether errors of this kind advance the
// consecutive-failure count. Unknown errors are treated as device failures.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindTransient, KindProtocol, KindUnknown:
		return true
	default:
		return false
	}
}

// Classify maps err to its ErrorKind. A bare context deadline is transient; a
// bare cancellation is not a device failure.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrProbeInProgress):
		return KindUnavailable
	case errors.Is(err, ErrDeviceRejected):
		return KindRejected
	case errors.Is(err, ErrDeviceProtocol):
		return KindProtocol
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// RequestError is the final error of a Client call.
type RequestError struct {
	// Op describes the request, e.g. "GET /getReadings".
	Op string

	// Attempts is how many HTTP attempts were made (0 when rejected before I/O).
	Attempts int

	// StatusCode is the last HTTP status seen, or 0.
	StatusCode int

	// Err is the underlying error; it wraps one of the package sentinels.
	Err error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %d attempt(s), last status %d: %v", e.Op, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// AttemptsOf returns the attempt count recorded in err, or 0.
func AttemptsOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

// StatusCodeOf returns the last HTTP status recorded in err, or 0.
func StatusCodeOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// MarshalText encodes the kind as its label.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
