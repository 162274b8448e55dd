package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Recovery limits enforced by RecoveryConfig.Validate.
const (
	MaxFailureThreshold = 100
	MinBackoff          = time.Second
	MaxBackoffMin       = 5 * time.Minute
	MaxBackoffCeiling   = time.Hour
	MaxLogEvery         = 1000
)

// RecoveryConfig configures failure tracking and recovery probing.
type RecoveryConfig struct {
	// FailureThreshold consecutive failures mark the device unavailable.
	FailureThreshold int

	// BackoffMin is the first probe delay; it doubles per failed probe up to
	// BackoffMax.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// LogEvery controls throttling of repeated identical failures: the first
	// occurrence and every LogEvery-th repeat are logged at Warn.
	LogEvery int
}

// DefaultRecoveryConfig returns threshold 3 and a 10s → 300s probe backoff.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		FailureThreshold: 3,
		BackoffMin:       10 * time.Second,
		BackoffMax:       300 * time.Second,
		LogEvery:         10,
	}
}

// Validate rejects out-of-range values.
func (c RecoveryConfig) Validate() error {
	var errs []error
	if c.FailureThreshold < 1 || c.FailureThreshold > MaxFailureThreshold {
		errs = append(errs, fmt.Errorf("failure threshold %d outside [1, %d]", c.FailureThreshold, MaxFailureThreshold))
	}
	if c.BackoffMin < MinBackoff || c.BackoffMin > MaxBackoffMin {
		errs = append(errs, fmt.Errorf("backoff min %v outside [%v, %v]", c.BackoffMin, MinBackoff, MaxBackoffMin))
	}
	if c.BackoffMax < c.BackoffMin || c.BackoffMax > MaxBackoffCeiling {
		errs = append(errs, fmt.Errorf("backoff max %v outside [%v, %v]", c.BackoffMax, c.BackoffMin, MaxBackoffCeiling))
	}
	if c.LogEvery < 1 || c.LogEvery > MaxLogEvery {
		errs = append(errs, fmt.Errorf("log every %d outside [1, %d]", c.LogEvery, MaxLogEvery))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// BackoffAfter returns min(BackoffMin * 2^k, BackoffMax).
func (c RecoveryConfig) BackoffAfter(k int) time.Duration {
	d := c.BackoffMin
	for i := 0; i < k && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// CircuitState is derived from HealthState.
type CircuitState int

const (
	// CircuitClosed is normal operation.
	CircuitClosed CircuitState = iota

	// CircuitHalfOpen means a single recovery probe is in flight.
	CircuitHalfOpen

	// CircuitOpen means calls short-circuit until the next probe.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return fmt.Sprintf("circuit(%d)", int(s))
	}
}

// MarshalText encodes the state as its label.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthState is a copy of a device's health as seen by the Coordinator.
type HealthState struct {
	Available           bool          `json:"available"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorKind       ErrorKind     `json:"last_error_kind"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	Backoff             time.Duration `json:"backoff"`
	ProbeFailures       int           `json:"probe_failures"`
	ProbeInFlight       bool          `json:"probe_in_flight"`
	NextProbe           time.Time     `json:"next_probe"`
	FirmwareVersion     string        `json:"firmware_version,omitempty"`
}

// Circuit derives the circuit state.
func (h HealthState) Circuit() CircuitState {
	switch {
	case h.Available:
		return CircuitClosed
	case h.ProbeInFlight:
		return CircuitHalfOpen
	default:
		return CircuitOpen
	}
}

// ProbeFunc performs one recovery request against the device.
type ProbeFunc func(ctx context.Context) error

// Coordinator owns a device's HealthState. It counts consecutive failures,
// opens the circuit at the threshold, and runs a recovery goroutine that
// probes at doubling intervals until the device answers.
//
// mu guards state and is never held while probing, logging or notifying.
// probeMu admits one probe at a time.
//
// Thread Safety: All methods are safe for concurrent use.
type Coordinator struct {
	cfg   RecoveryConfig
	probe ProbeFunc

	mu          sync.Mutex
	state       HealthState
	lastCircuit CircuitState
	logKey      string
	logRepeat   int
	runCtx      context.Context
	cancel      context.CancelFunc
	recovering  bool

	probeMu sync.Mutex
	wg      sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []func(available bool, state HealthState)

	logger   Logger
	metrics  Metrics
	loggerMu sync.RWMutex

	// Replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator in the healthy state.
func NewCoordinator(cfg RecoveryConfig, probe ProbeFunc) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		return nil, fmt.Errorf("%w: probe function is required", ErrInvalidConfig)
	}
	return &Coordinator{
		cfg:   cfg,
		probe: probe,
		state: HealthState{
			Available: true,
			Backoff:   cfg.BackoffMin,
		},
		lastCircuit: CircuitClosed,
		logger:      nopLogger{},
		metrics:     nopMetrics{},
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// SetLogger sets the logger.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetMetrics sets the metrics sink.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	c.loggerMu.Lock()
	c.metrics = m
	c.loggerMu.Unlock()
	m.SetCircuitState(c.State().String())
}

// OnAvailabilityChange registers fn to be called after every availability
// flip. fn runs on the goroutine that caused the flip and must not block.
func (c *Coordinator) OnAvailabilityChange(fn func(available bool, state HealthState)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Start enables background recovery. If the device is already unavailable
// the recovery goroutine starts immediately. Start after Stop is allowed.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	spawn := c.claimRecoveryLocked()
	runCtx := c.runCtx
	c.mu.Unlock()

	if spawn {
		go c.recoveryLoop(runCtx)
	}
}

// Stop cancels the recovery goroutine and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runCtx = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Observe feeds the outcome of a device call into the state machine.
// Validation, rate-limit, rejection and cancellation errors are not device
// failures and are ignored.
func (c *Coordinator) Observe(err error) {
	kind := Classify(err)
	switch {
	case kind == KindNone:
		c.RecordSuccess()
	case kind.CountsAsFailure():
		c.RecordFailure(err)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (c *Coordinator) RecordSuccess() {
	c.mu.Lock()
	wasAvailable := c.state.Available
	c.state.Available = true
	c.state.ConsecutiveFailures = 0
	c.state.LastSuccess = c.now()
	c.state.Backoff = c.cfg.BackoffMin
	c.state.ProbeFailures = 0
	c.state.NextProbe = time.Time{}
	c.logKey, c.logRepeat = "", 0
	state, from, changed := c.transitionLocked()
	c.mu.Unlock()

	c.publish(state, from, changed)
	if !wasAvailable {
		c.log().Info("device available again, circuit closed",
			"last_error_kind", state.LastErrorKind.String(),
			"last_failure", state.LastFailure)
		c.notify(true, state)
	}
}

// RecordFailure counts a failed call. Reaching the threshold marks the
// device unavailable and starts recovery.
func (c *Coordinator) RecordFailure(err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	kind := Classify(err)
	msg := err.Error()

	c.mu.Lock()
	c.state.ConsecutiveFailures++
	c.state.LastErrorKind = kind
	c.state.LastError = msg
	c.state.LastFailure = c.now()

	flipped := false
	if c.state.Available && c.state.ConsecutiveFailures >= c.cfg.FailureThreshold {
		c.state.Available = false
		c.state.ProbeFailures = 0
		c.state.Backoff = c.cfg.BackoffMin
		c.state.NextProbe = c.state.LastFailure.Add(c.state.Backoff)
		flipped = true
	}
	loud, repeat := c.throttleLocked(kind, msg)
	spawn := flipped && c.claimRecoveryLocked()
	runCtx := c.runCtx
	state, from, changed := c.transitionLocked()
	c.mu.Unlock()

	c.publish(state, from, changed)

	switch {
	case flipped:
		c.log().Warn("device unavailable, circuit open",
			"consecutive_failures", state.ConsecutiveFailures,
			"error_kind", kind.String(),
			"error", msg,
			"next_probe_in", state.Backoff)
		c.notify(false, state)
	case loud:
		c.logFailure(kind, "device request failed",
			"consecutive_failures", state.ConsecutiveFailures,
			"error_kind", kind.String(),
			"error", msg,
			"repeat", repeat)
	default:
		c.log().Debug("device request failed (throttled)",
			"consecutive_failures", state.ConsecutiveFailures,
			"error_kind", kind.String(),
			"repeat", repeat)
	}

	if spawn {
		go c.recoveryLoop(runCtx)
	}
}

// ProbeNow runs one probe. While the circuit is open a failed probe doubles
// the backoff; a successful probe closes the circuit. Returns
// ErrProbeInProgress if another probe is running.
func (c *Coordinator) ProbeNow(ctx context.Context) error {
	if !c.probeMu.TryLock() {
		return ErrProbeInProgress
	}
	defer c.probeMu.Unlock()

	c.mu.Lock()
	wasAvailable := c.state.Available
	c.state.ProbeInFlight = true
	state, from, changed := c.transitionLocked()
	c.mu.Unlock()
	c.publish(state, from, changed)

	err := c.probe(ctx)

	c.mu.Lock()
	c.state.ProbeInFlight = false
	closedMeanwhile := c.state.Available
	c.mu.Unlock()

	// A poll may have closed the circuit while the probe was in flight;
	// the result then counts like any other request.
	if wasAvailable || closedMeanwhile || err == nil {
		c.Observe(err)
		return err
	}

	kind := Classify(err)
	if !kind.CountsAsFailure() {
		// Cancelled or rate limited: the device was not reached, keep backoff.
		c.mu.Lock()
		state, from, changed = c.transitionLocked()
		c.mu.Unlock()
		c.publish(state, from, changed)
		return err
	}

	c.mu.Lock()
	c.state.ConsecutiveFailures++
	c.state.LastErrorKind = kind
	c.state.LastError = err.Error()
	c.state.LastFailure = c.now()
	c.state.ProbeFailures++
	c.state.Backoff = c.cfg.BackoffAfter(c.state.ProbeFailures)
	c.state.NextProbe = c.state.LastFailure.Add(c.state.Backoff)
	loud, repeat := c.throttleLocked(kind, err.Error())
	state, from, changed = c.transitionLocked()
	c.mu.Unlock()
	c.publish(state, from, changed)

	if loud {
		c.logFailure(kind, "recovery probe failed",
			"probe_failures", state.ProbeFailures,
			"next_probe_in", state.Backoff,
			"error", err,
			"repeat", repeat)
	} else {
		c.log().Debug("recovery probe failed (throttled)",
			"probe_failures", state.ProbeFailures,
			"next_probe_in", state.Backoff)
	}
	return err
}

// Allow returns ErrDeviceUnavailable unless the circuit is closed.
func (c *Coordinator) Allow() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.Available {
		return nil
	}
	wait := time.Until(state.NextProbe).Round(time.Second)
	if wait < 0 {
		wait = 0
	}
	return fmt.Errorf("%w: circuit %s, next probe in %v", ErrDeviceUnavailable, state.Circuit(), wait)
}

// Health returns a copy of the current state.
func (c *Coordinator) Health() HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAvailable reports whether the circuit is closed.
func (c *Coordinator) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Available
}

// State returns the derived circuit state.
func (c *Coordinator) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Circuit()
}

// SetFirmware caches the device firmware version.
func (c *Coordinator) SetFirmware(version string) {
	c.mu.Lock()
	c.state.FirmwareVersion = version
	c.mu.Unlock()
}

// recoveryLoop probes at the current backoff until the device is available
// or ctx ends. Exactly one loop runs while recovering is set.
func (c *Coordinator) recoveryLoop(ctx context.Context) {
	defer c.wg.Done()

	c.log().Info("recovery started")
	for {
		c.mu.Lock()
		if c.state.Available || ctx.Err() != nil {
			c.recovering = false
			c.mu.Unlock()
			c.log().Debug("recovery stopped", "available", c.IsAvailable())
			return
		}
		wait := c.state.Backoff
		c.state.NextProbe = c.now().Add(wait)
		c.mu.Unlock()

		if err := c.sleep(ctx, wait); err != nil {
			continue
		}

		err := c.ProbeNow(ctx)
		if errors.Is(err, ErrProbeInProgress) {
			c.log().Debug("recovery probe skipped, another probe running")
		}
	}
}

// claimRecoveryLocked reports whether the caller should spawn the recovery
// goroutine, and reserves it if so.
func (c *Coordinator) claimRecoveryLocked() bool {
	if c.state.Available || c.runCtx == nil || c.recovering {
		return false
	}
	c.recovering = true
	c.wg.Add(1)
	return true
}

// throttleLocked reports whether this failure should be logged loudly.
func (c *Coordinator) throttleLocked(kind ErrorKind, msg string) (bool, int) {
	key := kind.String() + "|" + msg
	if key == c.logKey {
		c.logRepeat++
	} else {
		c.logKey = key
		c.logRepeat = 1
	}
	return c.logRepeat == 1 || c.logRepeat%c.cfg.LogEvery == 0, c.logRepeat
}

// transitionLocked snapshots state and detects circuit changes.
func (c *Coordinator) transitionLocked() (HealthState, CircuitState, bool) {
	from := c.lastCircuit
	to := c.state.Circuit()
	c.lastCircuit = to
	return c.state, from, from != to
}

func (c *Coordinator) publish(state HealthState, from CircuitState, changed bool) {
	c.loggerMu.RLock()
	m := c.metrics
	c.loggerMu.RUnlock()

	to := state.Circuit()
	m.SetCircuitState(to.String())
	m.SetConsecutiveFailures(state.ConsecutiveFailures)
	if changed {
		m.CircuitTransition(from.String(), to.String())
	}
}

func (c *Coordinator) notify(available bool, state HealthState) {
	c.listenersMu.RLock()
	listeners := make([]func(bool, HealthState), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(available, state)
	}
}

// logFailure logs protocol errors at Error, everything else at Warn.
func (c *Coordinator) logFailure(kind ErrorKind, msg string, keysAndValues ...any) {
	if kind == KindProtocol {
		c.log().Error(msg, keysAndValues...)
		return
	}
	c.log().Warn(msg, keysAndValues...)
}

func (c *Coordinator) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
