package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the pool bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DeviceConfig describes the pool controller and how hard the bridge may
// drive it.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ReadingsPath and ReadingsQuery form the read-all request,
	// e.g. GET /getReadings?ALL.
	ReadingsPath  string `yaml:"readings_path"`
	ReadingsQuery string `yaml:"readings_query"`

	// FirmwareKey names the reading carrying the firmware version.
	FirmwareKey string `yaml:"firmware_key"`

	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`

	// CommandTimeout bounds one MQTT or REST command including retries.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Retry     DeviceRetryConfig     `yaml:"retry"`
	RateLimit DeviceRateLimitConfig `yaml:"rate_limit"`
	Recovery  DeviceRecoveryConfig  `yaml:"recovery"`
	Commands  DeviceCommandsConfig  `yaml:"commands"`
}

// String implements fmt.Stringer with the password redacted.
func (d DeviceConfig) String() string {
	pw := ""
	if d.Password != "" {
		pw = "***"
	}
	return fmt.Sprintf("device{id=%s base_url=%s username=%s password=%s poll=%v}",
		d.ID, d.BaseURL, d.Username, pw, d.PollInterval)
}

// DeviceRetryConfig controls retries of transient failures within one call.
type DeviceRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DeviceRateLimitConfig is the device's token bucket.
type DeviceRateLimitConfig struct {
	Capacity    int           `yaml:"capacity"`
	RefillRate  float64       `yaml:"refill_rate"`
	MaxInFlight int           `yaml:"max_in_flight"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// DeviceRecoveryConfig controls when the device is marked unavailable and
// how often it is probed afterwards.
type DeviceRecoveryConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	BackoffMin       time.Duration `yaml:"backoff_min"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	LogEvery         int           `yaml:"log_every"`
}

// DeviceCommandsConfig maps high-level commands onto device endpoints.
type DeviceCommandsConfig struct {
	Method       string `yaml:"method"`
	FunctionPath string `yaml:"function_path"`
	TargetPath   string `yaml:"target_path"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. Tokens are issued by Gray Logic
// Core; the bridge only verifies them.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// SupervisorConfig mirrors suture's failure handling parameters.
type SupervisorConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	FailureDecay     float64       `yaml:"failure_decay"`
	FailureBackoff   time.Duration `yaml:"failure_backoff"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Device limits checked by Validate.
const (
	minPollInterval   = 5 * time.Second
	maxPollInterval   = time.Hour
	minDeviceTimeout  = time.Second
	maxDeviceTimeout  = 2 * time.Minute
	maxRetries        = 10
	minRetryBaseDelay = 10 * time.Millisecond
	maxRetryBaseDelay = 30 * time.Second
	maxRetryMaxDelay  = 5 * time.Minute
	maxCapacity       = 100
	maxRefillRate     = 50.0
	maxInFlight       = 16
	maxRateLimitWait  = 5 * time.Minute
	maxFailureLimit   = 100
	minBackoff        = time.Second
	maxBackoffMin     = 5 * time.Minute
	maxBackoffMax     = time.Hour
	maxLogEvery       = 1000
	minJWTSecretLen   = 32
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DEVICE_URL, GRAYLOGIC_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		Device: DeviceConfig{
			ID:             "pool-main",
			ReadingsPath:   "/getReadings",
			ReadingsQuery:  "ALL",
			FirmwareKey:    "SYSTEM_FIRMWARE",
			PollInterval:   30 * time.Second,
			Timeout:        10 * time.Second,
			CommandTimeout: 60 * time.Second,
			Retry: DeviceRetryConfig{
				MaxRetries: 3,
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   8 * time.Second,
			},
			RateLimit: DeviceRateLimitConfig{
				Capacity:    5,
				RefillRate:  1,
				MaxInFlight: 2,
				MaxWait:     30 * time.Second,
			},
			Recovery: DeviceRecoveryConfig{
				FailureThreshold: 3,
				BackoffMin:       10 * time.Second,
				BackoffMax:       300 * time.Second,
				LogEvery:         10,
			},
			Commands: DeviceCommandsConfig{
				Method:       "GET",
				FunctionPath: "/setFunctionManually",
				TargetPath:   "/setTargetValues",
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/poolbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-pool",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 90,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "graylogic-core",
			},
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("GRAYLOGIC_DEVICE_URL"); v != "" {
		cfg.Device.BaseURL = v
	}
	if v := os.Getenv("GRAYLOGIC_DEVICE_USERNAME"); v != "" {
		cfg.Device.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_DEVICE_PASSWORD"); v != "" {
		cfg.Device.Password = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret shared with Core
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
// Every violation is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	errs = append(errs, c.Device.validate()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// The command endpoints move physical equipment; a weak secret would let
	// anyone forge a token.
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLen {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Supervisor.FailureThreshold < 0 || c.Supervisor.FailureDecay < 0 {
		errs = append(errs, "supervisor.failure_threshold and failure_decay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate range-checks every device scalar.
func (d DeviceConfig) validate() []string {
	var errs []string

	if d.ID == "" {
		errs = append(errs, "device.id is required")
	}
	if d.BaseURL == "" {
		errs = append(errs, "device.base_url is required (set GRAYLOGIC_DEVICE_URL environment variable)")
	} else if u, err := url.Parse(d.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "device.base_url must be an http or https URL")
	}
	if !strings.HasPrefix(d.ReadingsPath, "/") {
		errs = append(errs, "device.readings_path must start with /")
	}

	errs = appendDurationRange(errs, "device.poll_interval", d.PollInterval, minPollInterval, maxPollInterval)
	errs = appendDurationRange(errs, "device.timeout", d.Timeout, minDeviceTimeout, maxDeviceTimeout)
	if d.CommandTimeout < d.Timeout {
		errs = append(errs, "device.command_timeout must be at least device.timeout")
	}

	errs = appendIntRange(errs, "device.retry.max_retries", d.Retry.MaxRetries, 0, maxRetries)
	errs = appendDurationRange(errs, "device.retry.base_delay", d.Retry.BaseDelay, minRetryBaseDelay, maxRetryBaseDelay)
	errs = appendDurationRange(errs, "device.retry.max_delay", d.Retry.MaxDelay, d.Retry.BaseDelay, maxRetryMaxDelay)

	errs = appendIntRange(errs, "device.rate_limit.capacity", d.RateLimit.Capacity, 1, maxCapacity)
	if !(d.RateLimit.RefillRate > 0) || d.RateLimit.RefillRate > maxRefillRate {
		errs = append(errs, fmt.Sprintf("device.rate_limit.refill_rate must be in (0, %g]", maxRefillRate))
	}
	errs = appendIntRange(errs, "device.rate_limit.max_in_flight", d.RateLimit.MaxInFlight, 1, maxInFlight)
	errs = appendDurationRange(errs, "device.rate_limit.max_wait", d.RateLimit.MaxWait, 0, maxRateLimitWait)

	errs = appendIntRange(errs, "device.recovery.failure_threshold", d.Recovery.FailureThreshold, 1, maxFailureLimit)
	errs = appendDurationRange(errs, "device.recovery.backoff_min", d.Recovery.BackoffMin, minBackoff, maxBackoffMin)
	errs = appendDurationRange(errs, "device.recovery.backoff_max", d.Recovery.BackoffMax, d.Recovery.BackoffMin, maxBackoffMax)
	errs = appendIntRange(errs, "device.recovery.log_every", d.Recovery.LogEvery, 1, maxLogEvery)

	switch strings.ToUpper(d.Commands.Method) {
	case "GET", "POST":
	default:
		errs = append(errs, "device.commands.method must be GET or POST")
	}

	return errs
}

func appendIntRange(errs []string, name string, v, lo, hi int) []string {
	if v < lo || v > hi {
		return append(errs, fmt.Sprintf("%s must be between %d and %d", name, lo, hi))
	}
	return errs
}

func appendDurationRange(errs []string, name string, v, lo, hi time.Duration) []string {
	if v < lo || v > hi {
		return append(errs, fmt.Sprintf("%s must be between %v and %v", name, lo, hi))
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
