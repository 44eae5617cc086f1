package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device monitor.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	TSDB         TSDBConfig         `yaml:"tsdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Registration RegistrationConfig `yaml:"registration"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	State        StateConfig        `yaml:"state"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Security     SecurityConfig     `yaml:"security"`
}

// ServiceConfig identifies this monitor instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
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

	// TopicFilter is the subscription covering all controller traffic.
	TopicFilter string `yaml:"topic_filter"`

	// Namespaces are leading topic segments stripped before identity parsing.
	Namespaces []string `yaml:"namespaces"`

	// CommandNamespace prefixes outbound command topics.
	CommandNamespace string `yaml:"command_namespace"`
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
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains realtime broadcaster settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`

	// UpdateThrottleMS is the minimum gap between device-updated
	// messages for the same device.
	UpdateThrottleMS int `yaml:"update_throttle_ms"`

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int `yaml:"send_buffer"`
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

// TSDBConfig contains VictoriaMetrics settings.
type TSDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MonitorConfig controls liveness tracking in the device registry.
type MonitorConfig struct {
	HeartbeatTimeoutMS int `yaml:"heartbeat_timeout_ms"`
	SweepIntervalMS    int `yaml:"sweep_interval_ms"`
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// RegistrationConfig controls the two-phase registration handshake.
type RegistrationConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

// HeartbeatConfig controls batched heartbeat persistence.
type HeartbeatConfig struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// StateConfig controls the sensor/state cache and its write-behind queue.
type StateConfig struct {
	SensorCacheSize int `yaml:"sensor_cache_size"`
	WriteQueueSize  int `yaml:"write_queue_size"`
	WriteWorkers    int `yaml:"write_workers"`
}

// AlertsConfig controls the in-memory alert list.
type AlertsConfig struct {
	Capacity int `yaml:"capacity"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer-token settings. An empty secret leaves the
// HTTP API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then DEVICE_MONITOR_* environment variables.
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "device-monitor",
			Name: "Device Monitor",
		},
		Database: DatabaseConfig{
			Path:        "./data/device-monitor.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "device-monitor",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicFilter:      "#",
			Namespaces:       []string{"paragon", "mythraos"},
			CommandNamespace: "paragon",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3003,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:             "/ws",
			MaxMessageSize:   8192,
			PingInterval:     30,
			PongTimeout:      10,
			UpdateThrottleMS: 500,
			SendBuffer:       256,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "device_monitor",
			BatchSize:     100,
			FlushInterval: 10,
		},
		TSDB: TSDBConfig{
			BatchSize:     1000,
			FlushInterval: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			HeartbeatTimeoutMS: 5000,
			SweepIntervalMS:    2000,
			RateLimitPerSecond: 50,
		},
		Registration: RegistrationConfig{
			TimeoutMS: 10000,
		},
		Heartbeat: HeartbeatConfig{
			BatchSize:       50,
			FlushIntervalMS: 2000,
		},
		State: StateConfig{
			SensorCacheSize: 100,
			WriteQueueSize:  1024,
			WriteWorkers:    2,
		},
		Alerts: AlertsConfig{
			Capacity: 50,
		},
	}
}

const envPrefix = "DEVICE_MONITOR_"

// envTargets maps environment keys (without envPrefix) to the fields they
// override. Values that fail to parse are ignored.
func envTargets(c *Config) map[string]any {
	return map[string]any{
		"SERVICE_ID":           &c.Service.ID,
		"DATABASE_PATH":        &c.Database.Path,
		"MQTT_HOST":            &c.MQTT.Broker.Host,
		"MQTT_PORT":            &c.MQTT.Broker.Port,
		"MQTT_CLIENT_ID":       &c.MQTT.Broker.ClientID,
		"MQTT_USERNAME":        &c.MQTT.Auth.Username,
		"MQTT_PASSWORD":        &c.MQTT.Auth.Password,
		"MQTT_TOPIC_FILTER":    &c.MQTT.TopicFilter,
		"API_HOST":             &c.API.Host,
		"API_PORT":             &c.API.Port,
		"INFLUXDB_ENABLED":     &c.InfluxDB.Enabled,
		"INFLUXDB_URL":         &c.InfluxDB.URL,
		"INFLUXDB_TOKEN":       &c.InfluxDB.Token,
		"TSDB_ENABLED":         &c.TSDB.Enabled,
		"TSDB_URL":             &c.TSDB.URL,
		"HEARTBEAT_TIMEOUT_MS": &c.Monitor.HeartbeatTimeoutMS,
		"SWEEP_INTERVAL_MS":    &c.Monitor.SweepIntervalMS,
		"LOG_LEVEL":            &c.Logging.Level,
		"LOG_FORMAT":           &c.Logging.Format,
		"JWT_SECRET":           &c.Security.JWT.Secret,
	}
}

func applyEnvOverrides(cfg *Config) {
	for key, target := range envTargets(cfg) {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		switch p := target.(type) {
		case *string:
			*p = v
		case *int:
			if n, err := strconv.Atoi(v); err == nil {
				*p = n
			}
		case *bool:
			if b, err := strconv.ParseBool(v); err == nil {
				*p = b
			}
		}
	}
}

// minJWTSecretLength applies only when a secret is set.
const minJWTSecretLength = 32

// Validate reports every problem at once, as one error.
func (c *Config) Validate() error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	require(c.Service.ID != "", "service.id is required")
	require(c.Database.Path != "", "database.path is required")

	require(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	require(strings.TrimSpace(c.MQTT.TopicFilter) != "", "mqtt.topic_filter is required")
	require(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")

	require(c.Monitor.HeartbeatTimeoutMS > 0, "monitor.heartbeat_timeout_ms must be positive")
	require(c.Monitor.SweepIntervalMS > 0, "monitor.sweep_interval_ms must be positive")
	require(c.Monitor.RateLimitPerSecond > 0, "monitor.rate_limit_per_second must be positive")
	require(c.Registration.TimeoutMS > 0, "registration.timeout_ms must be positive")
	require(c.Heartbeat.BatchSize > 0, "heartbeat.batch_size must be positive")
	require(c.Heartbeat.FlushIntervalMS > 0, "heartbeat.flush_interval_ms must be positive")
	require(c.State.SensorCacheSize > 0, "state.sensor_cache_size must be positive")
	require(c.State.WriteWorkers > 0, "state.write_workers must be positive")
	require(c.Alerts.Capacity > 0, "alerts.capacity must be positive")
	require(c.WebSocket.UpdateThrottleMS >= 0, "websocket.update_throttle_ms must not be negative")

	require(!c.InfluxDB.Enabled || c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
	require(!c.TSDB.Enabled || c.TSDB.URL != "", "tsdb.url is required when tsdb is enabled")
	require(c.Security.JWT.Secret == "" || len(c.Security.JWT.Secret) >= minJWTSecretLength,
		"security.jwt.secret must be at least 32 characters")

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReadTimeout returns the HTTP server read timeout.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return time.Duration(t.Read) * time.Second }

// WriteTimeout returns the HTTP server write timeout.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return time.Duration(t.Write) * time.Second }

// IdleTimeout returns the HTTP keep-alive idle timeout.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return time.Duration(t.Idle) * time.Second }

// HeartbeatTimeout is how long a device may stay silent before the sweep
// marks it offline.
func (c *Config) HeartbeatTimeout() time.Duration {
	return ms(c.Monitor.HeartbeatTimeoutMS)
}

// SweepInterval is the period of the registry health sweep.
func (c *Config) SweepInterval() time.Duration {
	return ms(c.Monitor.SweepIntervalMS)
}

// RegistrationTimeout is how long a pending registration waits for its
// devices.
func (c *Config) RegistrationTimeout() time.Duration {
	return ms(c.Registration.TimeoutMS)
}

func (c *Config) HeartbeatFlushInterval() time.Duration {
	return ms(c.Heartbeat.FlushIntervalMS)
}

// UpdateThrottle is the minimum gap between device-updated broadcasts for
// one device.
func (c *Config) UpdateThrottle() time.Duration {
	return ms(c.WebSocket.UpdateThrottleMS)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
