// Package config loads the histfill configuration from YAML or TOML files and
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"histfill/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for histfill.
type Config struct {
	Storage     Storage     `yaml:"storage" toml:"storage"`
	Server      Server      `yaml:"server" toml:"server"`
	Gateway     Gateway     `yaml:"gateway" toml:"gateway"`
	Provider    Provider    `yaml:"provider" toml:"provider"`
	RateLimit   RateLimit   `yaml:"rate_limit" toml:"rate_limit"`
	Fetch       Fetch       `yaml:"fetch" toml:"fetch"`
	SymbolCache SymbolCache `yaml:"symbol_cache" toml:"symbol_cache"`
	NATS        NATS        `yaml:"nats" toml:"nats"`
	Logging     Logging     `yaml:"logging" toml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir         string `yaml:"data_dir" toml:"data_dir"`
	SQLitePath      string `yaml:"sqlite_path" toml:"sqlite_path"`
	SymbolCachePath string `yaml:"symbol_cache_path" toml:"symbol_cache_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	GRPCPort int    `yaml:"grpc_port" toml:"grpc_port"`
}

// Gateway configures the broker gateway connection.
type Gateway struct {
	Host             string     `yaml:"host" toml:"host"`
	Port             int        `yaml:"port" toml:"port"`
	ClientIDMin      int        `yaml:"client_id_min" toml:"client_id_min"`
	ClientIDMax      int        `yaml:"client_id_max" toml:"client_id_max"`
	Timeout          Duration   `yaml:"timeout" toml:"timeout"`
	ReadOnly         bool       `yaml:"read_only" toml:"read_only"`
	RetryDelays      []Duration `yaml:"retry_delays" toml:"retry_delays"`
	HealthInterval   Duration   `yaml:"health_interval" toml:"health_interval"`
	HealthTimeout    Duration   `yaml:"health_timeout" toml:"health_timeout"`
	HealthMinSpacing Duration   `yaml:"health_min_spacing" toml:"health_min_spacing"`
	ExhaustionWait   Duration   `yaml:"exhaustion_wait" toml:"exhaustion_wait"`
	StopTimeout      Duration   `yaml:"stop_timeout" toml:"stop_timeout"`
}

// Provider selects and configures the historical data provider.
type Provider struct {
	Name    string  `yaml:"name" toml:"name"` // "gateway", "alpaca" or "binance"
	Alpaca  Alpaca  `yaml:"alpaca" toml:"alpaca"`
	Binance Binance `yaml:"binance" toml:"binance"`
}

// Alpaca holds credentials and endpoints for the Alpaca API.
type Alpaca struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	APISecret string `yaml:"api_secret" toml:"api_secret"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	DataURL   string `yaml:"data_url" toml:"data_url"`
	Feed      string `yaml:"feed" toml:"feed"`
}

// Binance holds credentials for the Binance spot API.
type Binance struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	APISecret string `yaml:"api_secret" toml:"api_secret"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
}

// RateLimit bounds provider requests to Requests per Period.
type RateLimit struct {
	Requests int      `yaml:"requests" toml:"requests"`
	Period   Duration `yaml:"period" toml:"period"`
}

// Fetch controls segmented fetching.
type Fetch struct {
	PacingDelay          Duration          `yaml:"pacing_delay" toml:"pacing_delay"`
	CallTimeout          Duration          `yaml:"call_timeout" toml:"call_timeout"`
	MaxAttempts          int               `yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase          Duration          `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax           Duration          `yaml:"backoff_max" toml:"backoff_max"`
	PeriodicSaveInterval Duration          `yaml:"periodic_save_interval" toml:"periodic_save_interval"`
	MaxSegment           map[string]string `yaml:"max_segment" toml:"max_segment"` // timeframe -> span ("1d", "1y")
}

// SymbolCache configures the validation cache.
type SymbolCache struct {
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// NATS configures operation event publishing.
type NATS struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	Serializer    string `yaml:"serializer" toml:"serializer"` // "json" or "proto"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ---------------------------------------------------------------------------
// Durations
// ---------------------------------------------------------------------------

// Duration is a time.Duration that decodes from strings such as "5s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML accepts a duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	return d.UnmarshalText([]byte(node.Value))
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the configuration file at the given path (YAML, or TOML when the
// extension is .toml), applies environment variable overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv builds a configuration from environment overrides and defaults
// alone, for running without a config file.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}

	if v := os.Getenv("HISTFILL_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Provider.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Provider.Alpaca.APISecret = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Provider.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Provider.Binance.APISecret = v
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars used by the SDK take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Provider.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Provider.Alpaca.APISecret = v
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Storage.DataDir, "data")
	setString(&c.Storage.SQLitePath, filepath.Join(c.Storage.DataDir, "histfill.db"))
	setString(&c.Storage.SymbolCachePath, filepath.Join(c.Storage.DataDir, "symbol_cache.json"))

	setString(&c.Server.Host, "0.0.0.0")
	setInt(&c.Server.Port, 8080)
	setInt(&c.Server.GRPCPort, 9090)

	setString(&c.Gateway.Host, "127.0.0.1")
	setInt(&c.Gateway.Port, 4002)
	setInt(&c.Gateway.ClientIDMin, 1)
	setInt(&c.Gateway.ClientIDMax, 32)
	setDuration(&c.Gateway.Timeout, 15*time.Second)
	if len(c.Gateway.RetryDelays) == 0 {
		for _, s := range []int{5, 10, 30, 60, 120, 300} {
			c.Gateway.RetryDelays = append(c.Gateway.RetryDelays, Duration(time.Duration(s)*time.Second))
		}
	}
	setDuration(&c.Gateway.HealthInterval, 10*time.Second)
	setDuration(&c.Gateway.HealthTimeout, 2*time.Second)
	setDuration(&c.Gateway.HealthMinSpacing, 5*time.Second)
	setDuration(&c.Gateway.ExhaustionWait, 5*time.Minute)
	setDuration(&c.Gateway.StopTimeout, 5*time.Second)

	setString(&c.Provider.Name, "gateway")
	setString(&c.Provider.Alpaca.Feed, "sip")

	setInt(&c.RateLimit.Requests, 60)
	setDuration(&c.RateLimit.Period, 10*time.Minute)

	setDuration(&c.Fetch.CallTimeout, 60*time.Second)
	setInt(&c.Fetch.MaxAttempts, 3)
	setDuration(&c.Fetch.BackoffBase, 2*time.Second)
	setDuration(&c.Fetch.BackoffMax, 60*time.Second)
	setDuration(&c.Fetch.PeriodicSaveInterval, 30*time.Second)

	setDuration(&c.SymbolCache.TTL, 30*24*time.Hour)

	setString(&c.NATS.SubjectPrefix, "histfill")
	setString(&c.NATS.Serializer, "json")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.ClientIDMin < 0 || c.Gateway.ClientIDMax < c.Gateway.ClientIDMin {
		errs = append(errs, fmt.Errorf("gateway client id range [%d, %d] is invalid",
			c.Gateway.ClientIDMin, c.Gateway.ClientIDMax))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway port %d out of range", c.Gateway.Port))
	}
	switch c.Provider.Name {
	case "gateway", "alpaca", "binance":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Name))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Period <= 0 {
		errs = append(errs, errors.New("rate_limit requests and period must be positive"))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, errors.New("fetch max_attempts must be at least 1"))
	}
	if _, err := c.Fetch.MaxSegmentSpans(); err != nil {
		errs = append(errs, err)
	}
	switch c.NATS.Serializer {
	case "json", "proto":
	default:
		errs = append(errs, fmt.Errorf("unknown nats serializer %q", c.NATS.Serializer))
	}
	return errors.Join(errs...)
}

// MaxSegmentSpans parses the per-timeframe segment size overrides.
func (f Fetch) MaxSegmentSpans() (map[domain.Timeframe]domain.Span, error) {
	out := make(map[domain.Timeframe]domain.Span, len(f.MaxSegment))
	for k, v := range f.MaxSegment {
		tf, err := domain.ParseTimeframe(k)
		if err != nil {
			return nil, fmt.Errorf("fetch max_segment: %w", err)
		}
		span, err := domain.ParseSpan(v)
		if err != nil {
			return nil, fmt.Errorf("fetch max_segment %s: %w", k, err)
		}
		out[tf] = span
	}
	return out, nil
}

// RetryDelayTable returns the gateway reconnect delay table.
func (g Gateway) RetryDelayTable() []time.Duration {
	out := make([]time.Duration, len(g.RetryDelays))
	for i, d := range g.RetryDelays {
		out[i] = d.D()
	}
	return out
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *Duration, v time.Duration) {
	if *p == 0 {
		*p = Duration(v)
	}
}
