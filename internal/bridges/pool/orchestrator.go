package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// Poll interval bounds. Application config applies a stricter floor.
const (
	MinPollInterval     = time.Second
	MaxPollInterval     = time.Hour
	DefaultPollInterval = 30 * time.Second
)

// OrchestratorConfig configures one device.
type OrchestratorConfig struct {
	// DeviceID identifies the device in topics, metrics and the audit log.
	DeviceID string

	PollInterval time.Duration

	// FirmwareKey is the reading that carries the firmware version. Optional.
	FirmwareKey string

	Client    ClientConfig
	RateLimit ratelimit.Config
	Recovery  RecoveryConfig
	Commands  CommandPaths
}

// Validate checks the device settings and every sub-config.
func (c OrchestratorConfig) Validate() error {
	var errs []error
	if _, err := SanitizeKey(c.DeviceID); err != nil {
		errs = append(errs, fmt.Errorf("device id: %w", err))
	}
	if c.PollInterval < MinPollInterval || c.PollInterval > MaxPollInterval {
		errs = append(errs, fmt.Errorf("poll interval %v outside [%v, %v]", c.PollInterval, MinPollInterval, MaxPollInterval))
	}
	for _, err := range []error{
		c.Client.Validate(),
		c.RateLimit.Validate(),
		c.Recovery.Validate(),
		c.Commands.Validate(),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// CommandStatus is the user-visible outcome of a command.
type CommandStatus string

const (
	CommandAccepted      CommandStatus = "accepted"
	CommandRejectedInput CommandStatus = "rejected_input"
	CommandUnreachable   CommandStatus = "unreachable"
	CommandDeviceError   CommandStatus = "device_error"
	CommandRateLimited   CommandStatus = "rate_limited"
)

// CommandResult describes what happened to a command.
type CommandResult struct {
	CommandID  string           `json:"command_id"`
	RequestID  string           `json:"request_id,omitempty"`
	DeviceID   string           `json:"device_id"`
	Status     CommandStatus    `json:"status"`
	Message    string           `json:"message,omitempty"`
	Attempts   int              `json:"attempts"`
	StatusCode int              `json:"status_code,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Response   map[string]Value `json:"response,omitempty"`
	Err        error            `json:"-"`
}

// OK reports whether the device accepted the command.
func (r CommandResult) OK() bool {
	return r.Status == CommandAccepted
}

// statusFor maps a Client error onto a CommandStatus.
func statusFor(err error) CommandStatus {
	switch Classify(err) {
	case KindNone:
		return CommandAccepted
	case KindValidation:
		return CommandRejectedInput
	case KindRateLimited:
		return CommandRateLimited
	case KindRejected, KindProtocol:
		return CommandDeviceError
	default:
		return CommandUnreachable
	}
}

// CommandAuditor persists command outcomes.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, req CommandRequest, res CommandResult) error
}

// SnapshotListener is called after a new snapshot is applied.
type SnapshotListener func(snap *Snapshot, changed []string)

// Orchestrator drives polling for one device and owns its Limiter, Client,
// Coordinator and Snapshot.
//
// Thread Safety: All methods are safe for concurrent use.
type Orchestrator struct {
	cfg     OrchestratorConfig
	limiter *ratelimit.Limiter
	client  *Client
	coord   *Coordinator

	tick atomic.Uint64

	// snapMu is held only to read or swap the snapshot pointer.
	snapMu      sync.RWMutex
	snapshot    *Snapshot
	appliedTick uint64

	listenersMu sync.RWMutex
	listeners   []SnapshotListener
	auditor     CommandAuditor

	// notifyMu serialises listener calls; notified is the last snapshot
	// delivered, so listeners never see a tick go backwards.
	notifyMu sync.Mutex
	notified *Snapshot

	logger  Logger
	metrics Metrics
}

// NewOrchestrator builds the device's communication stack. logger and
// metrics may be nil.
func NewOrchestrator(cfg OrchestratorConfig, logger Logger, metrics Metrics) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if obs, ok := metrics.(ratelimit.Observer); ok {
		limiter.SetObserver(obs)
	}

	client, err := NewClient(cfg.Client, limiter)
	if err != nil {
		return nil, err
	}
	client.SetLogger(logger)
	client.SetMetrics(metrics)

	o := &Orchestrator{
		cfg:      cfg,
		limiter:  limiter,
		client:   client,
		snapshot: emptySnapshot(),
		notified: emptySnapshot(),
		logger:   logger,
		metrics:  metrics,
	}

	coord, err := NewCoordinator(cfg.Recovery, o.probe)
	if err != nil {
		return nil, err
	}
	coord.SetLogger(logger)
	coord.SetMetrics(metrics)
	o.coord = coord

	return o, nil
}

// String implements fmt.Stringer for suture.
func (o *Orchestrator) String() string {
	return "pool-poller[" + o.cfg.DeviceID + "]"
}

// DeviceID returns the configured device id.
func (o *Orchestrator) DeviceID() string {
	return o.cfg.DeviceID
}

// Serve polls immediately and then every PollInterval until ctx ends. It
// starts the recovery coordinator for its lifetime.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.coord.Start(ctx)
	defer o.coord.Stop()

	o.logger.Info("poller started",
		"device_id", o.cfg.DeviceID,
		"interval", o.cfg.PollInterval,
		"base_url", o.cfg.Client.BaseURL)

	o.pollLogged(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("poller stopped", "device_id", o.cfg.DeviceID)
			return ctx.Err()
		case <-ticker.C:
			o.pollLogged(ctx)
		}
	}
}

func (o *Orchestrator) pollLogged(ctx context.Context) {
	if _, err := o.Poll(ctx); err != nil && ctx.Err() == nil {
		// The coordinator already logs device failures with throttling.
		o.logger.Debug("poll did not refresh snapshot", "device_id", o.cfg.DeviceID, "error", err)
	}
}

// Poll runs one tick. While the device is unavailable it returns the last
// snapshot and ErrDeviceUnavailable without touching the network. On
// failure the previous snapshot is returned unchanged.
func (o *Orchestrator) Poll(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	if err := o.coord.Allow(); err != nil {
		o.metrics.ObservePoll("skipped", time.Since(start).Seconds())
		return o.Snapshot(), err
	}

	tick := o.tick.Add(1)
	resp, err := o.client.ReadAll(ctx)
	if err != nil {
		o.coord.Observe(err)
		o.metrics.ObservePoll(Classify(err).String(), time.Since(start).Seconds())
		return o.Snapshot(), err
	}

	snap, applied := o.apply(tick, resp.Values)
	o.coord.Observe(nil)

	outcome := "success"
	if !applied {
		outcome = "stale"
	}
	o.metrics.ObservePoll(outcome, time.Since(start).Seconds())
	return snap, nil
}

// probe is the Coordinator's recovery request: one read-all attempt whose
// result is applied like a normal poll.
func (o *Orchestrator) probe(ctx context.Context) error {
	tick := o.tick.Add(1)
	resp, err := o.client.Probe(ctx)
	if err != nil {
		return err
	}
	o.apply(tick, resp.Values)
	return nil
}

// apply swaps in a snapshot built from values unless a newer tick has
// already been applied. Returns the current snapshot and whether this read
// was applied.
func (o *Orchestrator) apply(tick uint64, values map[string]Value) (*Snapshot, bool) {
	var prev, next *Snapshot
	for {
		o.snapMu.RLock()
		prev = o.snapshot
		applied := o.appliedTick
		o.snapMu.RUnlock()

		if tick <= applied {
			o.logger.Debug("discarding stale poll result",
				"device_id", o.cfg.DeviceID,
				"tick", tick,
				"applied_tick", applied)
			return prev, false
		}

		next = newSnapshot(prev, values, tick, time.Now().UTC())

		o.snapMu.Lock()
		if o.snapshot == prev {
			o.snapshot = next
			o.appliedTick = tick
			o.snapMu.Unlock()
			break
		}
		o.snapMu.Unlock()
	}

	if o.cfg.FirmwareKey != "" {
		if v, ok := next.Get(o.cfg.FirmwareKey); ok && !v.IsAbsent() {
			o.coord.SetFirmware(v.String())
		}
	}

	o.notify(next)
	return next, true
}

// notify delivers snap to listeners unless a newer snapshot has already
// been delivered. Changed keys are relative to the last delivered snapshot.
func (o *Orchestrator) notify(snap *Snapshot) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	if snap.Tick() <= o.notified.Tick() {
		return
	}
	changed := snap.Changed(o.notified)
	o.notified = snap

	o.listenersMu.RLock()
	listeners := make([]SnapshotListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap, changed)
	}
}

// Snapshot returns the latest snapshot. It never blocks on the network.
func (o *Orchestrator) Snapshot() *Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snapshot
}

// SendCommand sends env unless the circuit is open, reports the outcome to
// the coordinator and classifies it for the caller.
func (o *Orchestrator) SendCommand(ctx context.Context, env Envelope) CommandResult {
	start := time.Now()
	res := CommandResult{
		CommandID: env.ID(),
		RequestID: env.ID(),
		DeviceID:  o.cfg.DeviceID,
	}

	if err := o.coord.Allow(); err != nil {
		res.Status = CommandUnreachable
		res.Message = err.Error()
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	resp, err := o.client.Send(ctx, env)
	o.coord.Observe(err)

	res.Status = statusFor(err)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Message = err.Error()
		res.Attempts = AttemptsOf(err)
		res.StatusCode = StatusCodeOf(err)
		return res
	}
	res.Attempts = resp.Attempts
	res.StatusCode = resp.StatusCode
	res.Response = resp.Values
	return res
}

// Execute builds, sends and audits a command request.
func (o *Orchestrator) Execute(ctx context.Context, req CommandRequest) CommandResult {
	var res CommandResult
	env, err := o.cfg.Commands.Build(req)
	if err != nil {
		res = CommandResult{
			DeviceID: o.cfg.DeviceID,
			Status:   CommandRejectedInput,
			Message:  err.Error(),
			Err:      err,
		}
	} else {
		res = o.SendCommand(ctx, env)
	}
	if req.ID != "" {
		res.CommandID = req.ID
	}

	o.logger.Info("command executed",
		"device_id", o.cfg.DeviceID,
		"command_id", res.CommandID,
		"command", req.Command,
		"source", req.Source,
		"status", string(res.Status),
		"attempts", res.Attempts,
		"duration", res.Duration)

	o.listenersMu.RLock()
	auditor := o.auditor
	o.listenersMu.RUnlock()
	if auditor != nil {
		if err := auditor.RecordCommand(context.WithoutCancel(ctx), req, res); err != nil {
			o.logger.Warn("failed to audit command", "command_id", res.CommandID, "error", err)
		}
	}
	return res
}

// OnSnapshot registers fn to run after each applied snapshot, in tick order.
// fn must not block and must not call Poll.
func (o *Orchestrator) OnSnapshot(fn SnapshotListener) {
	o.listenersMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenersMu.Unlock()
}

// OnAvailabilityChange registers fn to run on availability flips.
func (o *Orchestrator) OnAvailabilityChange(fn func(available bool, state HealthState)) {
	o.coord.OnAvailabilityChange(fn)
}

// SetAuditor installs the command audit sink.
func (o *Orchestrator) SetAuditor(a CommandAuditor) {
	o.listenersMu.Lock()
	o.auditor = a
	o.listenersMu.Unlock()
}

// probeNow runs one recovery probe outside the recovery loop.
func (o *Orchestrator) probeNow(ctx context.Context) error {
	return o.coord.ProbeNow(ctx)
}

func (o *Orchestrator) Health() HealthState           { return o.coord.Health() }
func (o *Orchestrator) IsAvailable() bool             { return o.coord.IsAvailable() }
func (o *Orchestrator) Circuit() CircuitState         { return o.coord.State() }
func (o *Orchestrator) LimiterStats() ratelimit.Stats { return o.limiter.Stats() }

// Close releases idle HTTP connections.
func (o *Orchestrator) Close() {
	o.client.Close()
}
