package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Bridge operation constants.
const (
	// minTopicParts is the number of parts in graylogic/command/pool/{device}.
	minTopicParts = 4

	// defaultCommandTimeout bounds one command including retries.
	defaultCommandTimeout = 60 * time.Second
)

// Device is the orchestrator surface the bridge needs. *Orchestrator
// satisfies it.
type Device interface {
	DeviceStatus
	Execute(ctx context.Context, req CommandRequest) CommandResult
	Snapshot() *Snapshot
	OnSnapshot(fn SnapshotListener)
	OnAvailabilityChange(fn func(available bool, state HealthState))
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// TelemetryWriter stores readings and availability changes. Optional.
type TelemetryWriter interface {
	WriteReadings(deviceID string, fields map[string]any, ts time.Time)
	WriteAvailability(deviceID string, available bool, failures int, ts time.Time)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID string
	Version  string

	// HealthInterval defaults to 30 seconds.
	HealthInterval time.Duration

	// CommandTimeout bounds one command. Default 60 seconds.
	CommandTimeout time.Duration

	MQTTClient MQTTClient
	Device     Device

	// Telemetry is optional.
	Telemetry TelemetryWriter

	Logger Logger
}

// Bridge connects one pool device to Gray Logic Core over MQTT. It executes
// commands received on the command topic, publishes acknowledgements,
// publishes the retained device state whenever the snapshot changes, and
// reports health.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID       string
	commandTimeout time.Duration
	mqtt           MQTTClient
	device         Device
	telemetry      TelemetryWriter
	health         *HealthReporter

	// Shutdown coordination. stopMu orders wg.Add against close(done) so
	// Stop's wg.Wait never races a late command.
	stopMu    sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger Logger
}

// NewBridge creates a bridge and registers its device listeners.
// Call Start (or Serve) to subscribe to commands.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		deviceID:       opts.Device.DeviceID(),
		commandTimeout: timeout,
		mqtt:           opts.MQTTClient,
		device:         opts.Device,
		telemetry:      opts.Telemetry,
		done:           make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Device:    opts.Device,
	})
	b.health.SetLogger(logger)

	opts.Device.OnSnapshot(b.handleSnapshot)
	opts.Device.OnAvailabilityChange(b.handleAvailability)

	return b, nil
}

// String implements fmt.Stringer for suture.
func (b *Bridge) String() string {
	return "pool-bridge[" + b.deviceID + "]"
}

// Health returns the health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to the command topic and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	topic := CommandTopic(b.deviceID)
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logger.Warn("failed to publish health status", "error", err)
	}

	if snap := b.device.Snapshot(); snap.Tick() > 0 {
		b.publishState(snap, nil)
	}

	b.logger.Info("bridge started", "device_id", b.deviceID)
	return nil
}

// Stop cancels in-flight commands and waits for them to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		close(b.done)
		b.stopMu.Unlock()
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logger.Info("bridge stopped", "device_id", b.deviceID)
	})
}

// Serve runs Start, blocks until ctx ends, then Stop. A failed Start returns
// its error so the supervisor retries; a stopped bridge cannot be served again.
func (b *Bridge) Serve(ctx context.Context) error {
	select {
	case <-b.done:
		return fmt.Errorf("%s already stopped", b)
	default:
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	return ctx.Err()
}

// handleMQTTMessage parses a command and executes it off the MQTT goroutine.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts || parts[1] != "command" {
		b.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return
	}
	topicDevice := parts[len(parts)-1]

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("failed to parse command", "topic", topic, "error", err)
		return
	}
	if msg.DeviceID == "" {
		msg.DeviceID = topicDevice
	}
	if msg.DeviceID != b.deviceID || topicDevice != b.deviceID {
		b.publishAck(AckMessage{
			CommandID: msg.ID,
			Timestamp: time.Now().UTC(),
			DeviceID:  msg.DeviceID,
			Status:    AckFailed,
			Protocol:  Protocol,
			Error: &AckError{
				Code:    ErrCodeNotConfigured,
				Message: fmt.Sprintf("device %s not configured", msg.DeviceID),
			},
		})
		return
	}

	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	select {
	case <-b.done:
		b.logger.Debug("dropping command after stop", "command_id", msg.ID)
		return
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(msg)
	}()
}

func (b *Bridge) executeCommand(msg CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	b.logger.Info("received command",
		"command_id", msg.ID,
		"device_id", msg.DeviceID,
		"command", msg.Command)

	res := b.device.Execute(ctx, msg.Request())
	b.publishAck(NewAckMessage(b.deviceID, res))
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(b.deviceID), payload, 1, false); err != nil {
		b.logger.Warn("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}

// handleSnapshot publishes state and telemetry for a new snapshot.
func (b *Bridge) handleSnapshot(snap *Snapshot, changed []string) {
	if len(changed) > 0 {
		b.publishState(snap, changed)
	}
	if b.telemetry != nil {
		if fields := TelemetryFields(snap); len(fields) > 0 {
			b.telemetry.WriteReadings(b.deviceID, fields, snap.UpdatedAt())
		}
	}
}

func (b *Bridge) publishState(snap *Snapshot, changed []string) {
	if !b.mqtt.IsConnected() {
		return
	}
	payload, err := json.Marshal(NewStateMessage(b.deviceID, snap, changed))
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(b.deviceID), payload, 1, true); err != nil {
		b.logger.Warn("failed to publish state", "error", err)
	}
}

// handleAvailability republishes health immediately on a flip.
func (b *Bridge) handleAvailability(available bool, state HealthState) {
	if err := b.health.PublishNow(); err != nil {
		b.logger.Warn("failed to publish health after availability change", "error", err)
	}
	if b.telemetry != nil {
		b.telemetry.WriteAvailability(b.deviceID, available, state.ConsecutiveFailures, time.Now())
	}
}

// TelemetryFields flattens a snapshot into time-series fields: numbers as
// floats, composites as a float code plus a "<key>_descriptor" string,
// strings as strings. Absent values are skipped.
func TelemetryFields(snap *Snapshot) map[string]any {
	fields := make(map[string]any, snap.Len())
	for k, v := range snap.Values() {
		switch v.Kind() {
		case ValueNumber:
			f, _ := v.Float()
			fields[k] = f
		case ValueComposite:
			f, _ := v.Float()
			d, _ := v.Descriptor()
			fields[k] = f
			fields[k+"_descriptor"] = d
		case ValueString:
			s, _ := v.Str()
			fields[k] = s
		}
	}
	return fields
}
