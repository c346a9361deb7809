package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when AD8X_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the AD-8x bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Amps      []AmpConfig     `yaml:"amps"`
	Timing    TimingConfig    `yaml:"timing"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// BridgeConfig contains settings shared by every amplifier.
type BridgeConfig struct {
	ID                   string        `yaml:"id"`
	BaseTopic            string        `yaml:"base_topic"`
	DiscoveryPrefix      string        `yaml:"discovery_prefix"`
	DiscoveryEnabled     bool          `yaml:"discovery_enabled"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	DefaultPowerOnVolume int           `yaml:"default_power_on_volume"`
}

// AmpConfig describes one amplifier endpoint.
type AmpConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport is "tcp" (default) or "serial".
	Transport  string `yaml:"transport"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	// ZoneNames maps zone numbers 1-8 to display names.
	ZoneNames map[int]string `yaml:"zone_names"`
}

// TimingConfig contains the amplifier link pacing and timeouts.
type TimingConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	PostSendSettle    time.Duration `yaml:"post_send_settle"`
	InterCommandDelay time.Duration `yaml:"inter_command_delay"`
	CommandRetries    int           `yaml:"command_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	CoalesceWindow    time.Duration `yaml:"coalesce_window"`
	EchoSuppress      time.Duration `yaml:"echo_suppress"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// DatabaseConfig contains the SQLite command audit settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes audit entries older than this; 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	// AuthRequired protects the API with bearer tokens.
	AuthRequired bool      `yaml:"auth_required"`
	JWT          JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AD8X_SECTION_KEY
// For example: AD8X_MQTT_HOST, AD8X_POLL_INTERVAL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// PathFromEnv returns AD8X_CONFIG or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("AD8X_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// defaultConfig returns a Config with the amplifier's documented pacing.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:                   "ad8x-bridge",
			BaseTopic:            "rti/ad8x",
			DiscoveryPrefix:      "homeassistant",
			DiscoveryEnabled:     true,
			HealthInterval:       30 * time.Second,
			DefaultPowerOnVolume: 20,
		},
		Timing: TimingConfig{
			ConnectTimeout:    2 * time.Second,
			CommandTimeout:    2 * time.Second,
			PostSendSettle:    50 * time.Millisecond,
			InterCommandDelay: 100 * time.Millisecond,
			CommandRetries:    2,
			RetryDelay:        200 * time.Millisecond,
			PollInterval:      20 * time.Second,
			CoalesceWindow:    150 * time.Millisecond,
			EchoSuppress:      time.Second,
			BackoffBase:       time.Second,
			BackoffMax:        30 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ad8x-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Database: DatabaseConfig{
			Path:          "./data/ad8x.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			AuthRequired: true,
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies AD8X_* environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"AD8X_BRIDGE_ID":        &cfg.Bridge.ID,
		"AD8X_BASE_TOPIC":       &cfg.Bridge.BaseTopic,
		"AD8X_DISCOVERY_PREFIX": &cfg.Bridge.DiscoveryPrefix,
		"AD8X_MQTT_HOST":        &cfg.MQTT.Broker.Host,
		"AD8X_MQTT_USERNAME":    &cfg.MQTT.Auth.Username,
		"AD8X_MQTT_PASSWORD":    &cfg.MQTT.Auth.Password,
		"AD8X_API_HOST":         &cfg.API.Host,
		"AD8X_DATABASE_PATH":    &cfg.Database.Path,
		"AD8X_INFLUXDB_URL":     &cfg.InfluxDB.URL,
		"AD8X_INFLUXDB_TOKEN":   &cfg.InfluxDB.Token,
		"AD8X_LOG_LEVEL":        &cfg.Logging.Level,
		"AD8X_JWT_SECRET":       &cfg.Security.JWT.Secret,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AD8X_MQTT_PORT":      &cfg.MQTT.Broker.Port,
		"AD8X_API_PORT":       &cfg.API.Port,
		"AD8X_SET_RETRIES":    &cfg.Timing.CommandRetries,
		"AD8X_DEFAULT_VOLUME": &cfg.Bridge.DefaultPowerOnVolume,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"AD8X_POLL_INTERVAL":    &cfg.Timing.PollInterval,
		"AD8X_CONNECT_TIMEOUT":  &cfg.Timing.ConnectTimeout,
		"AD8X_COMMAND_TIMEOUT":  &cfg.Timing.CommandTimeout,
		"AD8X_COALESCE_WINDOW":  &cfg.Timing.CoalesceWindow,
		"AD8X_ECHO_SUPPRESS":    &cfg.Timing.EchoSuppress,
		"AD8X_HEALTH_INTERVAL":  &cfg.Bridge.HealthInterval,
		"AD8X_POST_SEND_SETTLE": &cfg.Timing.PostSendSettle,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"AD8X_DISCOVERY_ENABLED": &cfg.Bridge.DiscoveryEnabled,
		"AD8X_API_ENABLED":       &cfg.API.Enabled,
		"AD8X_INFLUXDB_ENABLED":  &cfg.InfluxDB.Enabled,
		"AD8X_DATABASE_ENABLED":  &cfg.Database.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	return nil
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.BaseTopic == "" {
		errs = append(errs, "bridge.base_topic is required")
	}
	if v := c.Bridge.DefaultPowerOnVolume; v < 0 || v > 75 {
		errs = append(errs, "bridge.default_power_on_volume must be between 0 and 75")
	}

	if len(c.Amps) == 0 {
		errs = append(errs, "at least one amp is required")
	}
	seen := make(map[string]bool, len(c.Amps))
	for i, amp := range c.Amps {
		errs = append(errs, amp.validate(i, seen)...)
	}

	if c.Timing.CommandRetries < 0 {
		errs = append(errs, "timing.command_retries must not be negative")
	}
	if c.Timing.PollInterval <= 0 {
		errs = append(errs, "timing.poll_interval must be positive")
	}
	if c.Timing.BackoffMax < c.Timing.BackoffBase {
		errs = append(errs, "timing.backoff_max must not be less than timing.backoff_base")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// Bearer tokens guard amplifier control; a short secret makes them forgeable.
		const minJWTSecretLength = 32
		if c.Security.AuthRequired {
			if c.Security.JWT.Secret == "" {
				errs = append(errs, "security.jwt.secret is required (set AD8X_JWT_SECRET environment variable)")
			} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
				errs = append(errs, "security.jwt.secret must be at least 32 characters")
			}
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit database is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (a AmpConfig) validate(i int, seen map[string]bool) []string {
	var errs []string
	prefix := fmt.Sprintf("amps[%d]", i)

	if a.ID == "" {
		errs = append(errs, prefix+".id is required")
	} else if seen[a.ID] {
		errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, a.ID))
	}
	seen[a.ID] = true

	switch a.Transport {
	case "", "tcp":
		if a.Host == "" {
			errs = append(errs, prefix+".host is required for tcp transport")
		}
		if a.Port < 0 || a.Port > 65535 {
			errs = append(errs, prefix+".port must be between 1 and 65535")
		}
	case "serial":
		if a.SerialPort == "" {
			errs = append(errs, prefix+".serial_port is required for serial transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.transport %q must be tcp or serial", prefix, a.Transport))
	}

	for zone := range a.ZoneNames {
		if zone < 1 || zone > 8 {
			errs = append(errs, fmt.Sprintf("%s.zone_names has invalid zone %d", prefix, zone))
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AccessTokenTTL returns the JWT lifetime as a Duration.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}
