// Pool bridge - Gray Logic device bridge for a polled pool controller.
//
// The bridge polls the controller's read-all endpoint through a shared token
// bucket, keeps the latest snapshot, and exposes it over MQTT (state, acks,
// health) and a small REST/WebSocket API. Commands arrive on either surface,
// pass the sanitizer, and are written to the SQLite audit log.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/gray-logic-pool/internal/api"
	"github.com/nerrad567/gray-logic-pool/internal/audit"
	"github.com/nerrad567/gray-logic-pool/internal/bridges/pool"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
	"github.com/nerrad567/gray-logic-pool/internal/supervisor"
	"github.com/nerrad567/gray-logic-pool/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting pool bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "device", cfg.Device.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRegistry := metrics.New(reg)

	// Audit log
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS, "."); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	auditRepo := audit.NewSQLiteRepository(db.DB)
	log.Info("database ready", "path", db.Path())

	// Device
	orch, err := pool.NewOrchestrator(deviceConfig(cfg), log.With("component", "pool"), metricsRegistry.Device(cfg.Device.ID))
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	defer orch.Close()
	orch.SetAuditor(auditRepo)

	// MQTT with the offline health message as Last Will
	will, err := lastWill()
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Telemetry (optional)
	var telemetry pool.TelemetryWriter
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	bridge, err := pool.NewBridge(pool.BridgeOptions{
		BridgeID:       pool.Protocol,
		Version:        version,
		CommandTimeout: cfg.Device.CommandTimeout,
		MQTTClient:     &mqttTransport{client: mqttClient},
		Device:         orch,
		Telemetry:      telemetry,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	apiServer, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log,
		Device:         orch,
		Audit:          auditRepo,
		MQTT:           mqttClient,
		Metrics:        metricsRegistry,
		Gatherer:       reg,
		CommandTimeout: cfg.Device.CommandTimeout,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	tree := supervisor.New(log, cfg.Supervisor)
	tree.AddDeviceService(orch)
	tree.AddMessagingService(bridge)
	tree.AddAPIService(apiServer)

	log.Info("initialisation complete",
		"device_id", cfg.Device.ID,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			log.Warn("service did not stop in time", "service", svc.Name)
		}
	}

	log.Info("pool bridge stopped")
	return nil
}

// getConfigPath returns GRAYLOGIC_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// deviceConfig maps the application config onto the orchestrator's.
func deviceConfig(cfg *config.Config) pool.OrchestratorConfig {
	d := cfg.Device

	client := pool.DefaultClientConfig()
	client.BaseURL = d.BaseURL
	client.Username = d.Username
	client.Password = d.Password
	client.Timeout = d.Timeout
	client.MaxRetries = d.Retry.MaxRetries
	client.RetryBaseDelay = d.Retry.BaseDelay
	client.RetryMaxDelay = d.Retry.MaxDelay
	client.ReadingsPath = d.ReadingsPath
	client.ReadingsQuery = d.ReadingsQuery
	client.UserAgent = "graylogic-pool-bridge/" + version

	return pool.OrchestratorConfig{
		DeviceID:     d.ID,
		PollInterval: d.PollInterval,
		FirmwareKey:  d.FirmwareKey,
		Client:       client,
		RateLimit: ratelimit.Config{
			Capacity:    d.RateLimit.Capacity,
			RefillRate:  d.RateLimit.RefillRate,
			MaxInFlight: d.RateLimit.MaxInFlight,
			MaxWait:     d.RateLimit.MaxWait,
		},
		Recovery: pool.RecoveryConfig{
			FailureThreshold: d.Recovery.FailureThreshold,
			BackoffMin:       d.Recovery.BackoffMin,
			BackoffMax:       d.Recovery.BackoffMax,
			LogEvery:         d.Recovery.LogEvery,
		},
		Commands: pool.CommandPaths{
			Method:   d.Commands.Method,
			Function: d.Commands.FunctionPath,
			Target:   d.Commands.TargetPath,
		},
	}
}

// lastWill builds the retained "offline" health message the broker publishes
// if the bridge drops without a clean disconnect.
func lastWill() (*mqtt.Will, error) {
	payload, err := json.Marshal(pool.NewLWTMessage(pool.Protocol))
	if err != nil {
		return nil, fmt.Errorf("building last will: %w", err)
	}
	return &mqtt.Will{Topic: pool.HealthTopic(), Payload: payload}, nil
}

// healthCheck verifies infrastructure connections before services start.
// influxClient may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// messageSubscriber is the part of *mqtt.Client the transport adapter wraps.
type messageSubscriber interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// mqttTransport adapts the infrastructure MQTT client to pool.MQTTClient.
// The bridge's handlers do not return errors.
type mqttTransport struct {
	client messageSubscriber
}

func (a *mqttTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttTransport) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttTransport) IsConnected() bool {
	return a.client.IsConnected()
}
