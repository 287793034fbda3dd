package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Engine          EngineConfig      `yaml:"engine"`
	Hue             HueConfig         `yaml:"hue"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Simulator       SimulatorConfig   `yaml:"simulator"`
	Influx          InfluxConfig      `yaml:"influx"`
	Dispatch        DispatchConfig    `yaml:"dispatch"`
	API             APIConfig         `yaml:"api"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Memory bool   `yaml:"memory"` // Skip SQLite: registry lives in memory, no ledger

}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EngineConfig contains cycling engine settings
type EngineConfig struct {
	Defaults StartDefaults `yaml:"defaults"`
}

// StartDefaults fill in start parameters omitted by a request.
type StartDefaults struct {
	Period        Duration `yaml:"period"`
	Tick          Duration `yaml:"tick"`
	MinBrightness int      `yaml:"min_brightness"`
	MaxBrightness int      `yaml:"max_brightness"`
	PhaseOffset   float64  `yaml:"phase_offset"`
	SyncGroup     *bool    `yaml:"sync_group"`
	MinDelta      int      `yaml:"min_delta"`
	PhaseMode     string   `yaml:"phase_mode"`
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Bridge   string   `yaml:"bridge"`
	Token    string   `yaml:"token"`
	CacheTTL Duration `yaml:"cache_ttl"` // 0 = always read fresh state
}

// MQTTConfig contains zigbee2mqtt broker settings
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	BaseTopic      string   `yaml:"base_topic"`
	QoS            int      `yaml:"qos"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// SimulatorConfig exposes in-memory lights under the "sim" prefix.
type SimulatorConfig struct {
	Enabled bool     `yaml:"enabled"`
	Lights  []string `yaml:"lights"`
}

// InfluxConfig contains command history settings
type InfluxConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// DispatchConfig contains command dispatcher settings
type DispatchConfig struct {
	Workers      int     `yaml:"workers"`        // Number of worker goroutines (default: 4)
	QueueSize    int     `yaml:"queue_size"`     // Command queue size (default: 100)
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Backend requests per second (default: 10)
}

// APIConfig contains command API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Seconds returns the duration as fractional seconds
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./dimmerd.sqlite"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Engine defaults
	d := &cfg.Engine.Defaults
	if d.Period == 0 {
		d.Period = Duration(time.Duration(dimmer.DefaultPeriodS * float64(time.Second)))
	}
	if d.Tick == 0 {
		d.Tick = Duration(time.Duration(dimmer.DefaultTickS * float64(time.Second)))
	}
	if d.MinBrightness == 0 {
		d.MinBrightness = dimmer.DefaultMinBrightness
	}
	if d.MaxBrightness == 0 {
		d.MaxBrightness = dimmer.DefaultMaxBrightness
	}
	if d.SyncGroup == nil {
		syncGroup := dimmer.DefaultSyncGroup
		d.SyncGroup = &syncGroup
	}
	if d.MinDelta == 0 {
		d.MinDelta = dimmer.DefaultMinDelta
	}
	if d.PhaseMode == "" {
		d.PhaseMode = string(dimmer.DefaultPhaseMode)
	}

	// MQTT defaults
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "zigbee2mqtt"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "dimmerd"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}

	// Influx defaults
	if cfg.Influx.BatchSize == 0 {
		cfg.Influx.BatchSize = 100
	}
	if cfg.Influx.FlushInterval == 0 {
		cfg.Influx.FlushInterval = Duration(time.Second)
	}

	// Dispatch defaults
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 100
	}
	if cfg.Dispatch.RateLimitRPS == 0 {
		cfg.Dispatch.RateLimitRPS = 10.0 // 10 requests per second
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (c *Config) validate() error {
	d := c.Engine.Defaults
	if !dimmer.PhaseMode(d.PhaseMode).Valid() {
		return fmt.Errorf("engine.defaults.phase_mode: unknown mode %q", d.PhaseMode)
	}
	if d.MinBrightness < 1 || d.MaxBrightness > 255 || d.MinBrightness >= d.MaxBrightness {
		return fmt.Errorf("engine.defaults: brightness bounds must satisfy 1 <= min < max <= 255")
	}
	if d.MinDelta < 1 || d.MinDelta > 255 {
		return fmt.Errorf("engine.defaults.min_delta must be within 1..255")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Hue.Enabled && c.Hue.Bridge == "" {
		return fmt.Errorf("hue.bridge is required when hue is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
