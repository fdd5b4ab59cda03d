package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Sound + Light daemon.
// All configuration is loaded from YAML and can be overridden by environment
// variables.
type Config struct {
	Account  AccountConfig  `yaml:"account"`
	Nanit    NanitConfig    `yaml:"nanit"`
	Database DatabaseConfig `yaml:"database"`
	Poll     PollConfig     `yaml:"poll"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AccountConfig contains the Nanit account credentials.
// Email and password are required; they are retained in memory for automatic
// re-authentication when the refresh token dies.
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// RefreshToken optionally seeds the session with a previously rotated
	// refresh token. The token store takes precedence if it holds a newer one.
	RefreshToken string `yaml:"refresh_token"`
}

// NanitConfig contains the upstream Nanit endpoints and token policy.
// The defaults match the production cloud; overriding them is only useful
// for testing against a mock server.
type NanitConfig struct {
	// APIBase is the REST API base URL (login, token refresh, discovery).
	APIBase string `yaml:"api_base"`

	// WSBase is the Sound + Light WebSocket base URL. A device connection is
	// opened at {ws_base}/{connection_id}/user_connect/.
	WSBase string `yaml:"ws_base"`

	// TokenRefreshBuffer is how long before the decoded JWT expiry the
	// access token is treated as expiring (seconds). Default: 300.
	TokenRefreshBuffer int `yaml:"token_refresh_buffer"`

	// RequestTimeout is the per-request HTTP timeout (seconds). Default: 30.
	RequestTimeout int `yaml:"request_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PollConfig contains the backstop poll loop settings.
type PollConfig struct {
	// Interval is the poll cycle interval (seconds). Default: 30.
	Interval int `yaml:"interval"`

	// StateWaitTimeout is the bounded wait for a device's state to arrive
	// after a state request (seconds). Default: 10.
	StateWaitTimeout int `yaml:"state_wait_timeout"`
}

// APIConfig contains the local HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// MQTTConfig contains MQTT broker connection settings for the optional
// Home Assistant bridge.
type MQTTConfig struct {
	Enabled         bool           `yaml:"enabled"`
	Broker          MQTTBroker     `yaml:"broker"`
	Auth            MQTTAuthConfig `yaml:"auth"`
	QoS             int            `yaml:"qos"`
	TopicPrefix     string         `yaml:"topic_prefix"`
	DiscoveryPrefix string         `yaml:"discovery_prefix"`
}

// MQTTBroker contains MQTT broker connection details.
type MQTTBroker struct {
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

// InfluxDBConfig contains InfluxDB settings for the optional sensor
// history recorder.
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

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NANIT_SECTION_KEY
// For example: NANIT_ACCOUNT_EMAIL, NANIT_DATABASE_PATH
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
		Nanit: NanitConfig{
			APIBase:            "https://api.nanit.com",
			WSBase:             "wss://remote.nanit.com/speakers",
			TokenRefreshBuffer: 300,
			RequestTimeout:     30,
		},
		Database: DatabaseConfig{
			Path:        "./data/nanit.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Poll: PollConfig{
			Interval:         30,
			StateWaitTimeout: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8098,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBroker{
				Host:     "localhost",
				Port:     1883,
				ClientID: "nanit-sound-light",
			},
			QoS:             1,
			TopicPrefix:     "nanit",
			DiscoveryPrefix: "homeassistant",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     20,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern: NANIT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Account (credentials are the values most often injected via env)
	if v := os.Getenv("NANIT_ACCOUNT_EMAIL"); v != "" {
		cfg.Account.Email = v
	}
	if v := os.Getenv("NANIT_ACCOUNT_PASSWORD"); v != "" {
		cfg.Account.Password = v
	}
	if v := os.Getenv("NANIT_ACCOUNT_REFRESH_TOKEN"); v != "" {
		cfg.Account.RefreshToken = v
	}

	// Endpoints (mock servers in integration tests)
	if v := os.Getenv("NANIT_API_BASE"); v != "" {
		cfg.Nanit.APIBase = v
	}
	if v := os.Getenv("NANIT_WS_BASE"); v != "" {
		cfg.Nanit.WSBase = v
	}

	// Database
	if v := os.Getenv("NANIT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("NANIT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NANIT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NANIT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("NANIT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("NANIT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
}

// Validate checks the configuration for errors.
//
// A missing account email or password is fatal at construction time: the
// daemon cannot authenticate without them, and starting anyway would just
// surface later as a confusing permanent auth failure.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Account.Email) == "" {
		errs = append(errs, "account.email is required (set NANIT_ACCOUNT_EMAIL)")
	}
	if strings.TrimSpace(c.Account.Password) == "" {
		errs = append(errs, "account.password is required (set NANIT_ACCOUNT_PASSWORD)")
	}

	if c.Nanit.APIBase == "" {
		errs = append(errs, "nanit.api_base is required")
	}
	if c.Nanit.WSBase == "" {
		errs = append(errs, "nanit.ws_base is required")
	}
	if c.Nanit.TokenRefreshBuffer < 0 {
		errs = append(errs, "nanit.token_refresh_buffer must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Poll.Interval < 1 {
		errs = append(errs, "poll.interval must be at least 1 second")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set NANIT_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetTokenRefreshBuffer returns the token expiry buffer as a Duration.
func (c *Config) GetTokenRefreshBuffer() time.Duration {
	return time.Duration(c.Nanit.TokenRefreshBuffer) * time.Second
}

// GetRequestTimeout returns the HTTP request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Nanit.RequestTimeout) * time.Second
}

// GetPollInterval returns the poll loop interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Poll.Interval) * time.Second
}

// GetStateWaitTimeout returns the bounded state wait as a Duration.
func (c *Config) GetStateWaitTimeout() time.Duration {
	return time.Duration(c.Poll.StateWaitTimeout) * time.Second
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
