// Package config provides the configuration system for propdb.
// A single Config structure covers the converter, the retrieval sources, the
// job server and the ambient concerns (logging, metrics, tracing).
//
// The configuration is organized into logical sections:
//   - Decode: decode strategy and page sizes for the input arrays
//   - Load: batching limits and durability of the bulk load
//   - Source: credentials and endpoints for remote retrieval
//   - Server: job API address, cache directory and retention
//   - Logging, Metrics, Tracing: observability
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Load.PageSize = 5000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/propdb/pkg/logger"
)

// Decode strategies.
const (
	StrategyMaterialize = "materialize"
	StrategyStream      = "stream"
	StrategyAuto        = "auto"
)

// Durability modes for the bulk load.
const (
	DurabilityFast = "fast"
	DurabilitySafe = "safe"
)

// Config is the root configuration structure.
type Config struct {
	// Decode settings control how the five input arrays are parsed
	Decode DecodeConfig `yaml:"decode" mapstructure:"decode"`

	// Load settings control the bulk insert into the store
	Load LoadConfig `yaml:"load" mapstructure:"load"`

	// Source settings are used by remote retrieval backends
	Source SourceConfig `yaml:"source" mapstructure:"source"`

	// Server settings for the job API
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	Logging logger.Config `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// DecodeConfig contains the decoder settings.
type DecodeConfig struct {
	// Strategy is materialize, stream or auto
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
	// PageSize is the number of elements per page of the verification pass
	PageSize int `yaml:"page_size" mapstructure:"page_size"`
	// Verify runs a full validation pass before any table is written
	Verify bool `yaml:"verify" mapstructure:"verify"`
	// MemoryFraction of available memory the auto strategy may materialize
	MemoryFraction float64 `yaml:"memory_fraction" mapstructure:"memory_fraction"`
	// ExpansionFactor estimates decoded size from compressed input size
	ExpansionFactor float64 `yaml:"expansion_factor" mapstructure:"expansion_factor"`
}

// LoadConfig contains the bulk loader settings.
type LoadConfig struct {
	// PageSize is the number of rows per multi-row insert for dictionaries
	PageSize int `yaml:"page_size" mapstructure:"page_size"`
	// MaxParams bounds the bound parameters of a single statement
	MaxParams int `yaml:"max_params" mapstructure:"max_params"`
	// Durability is fast (journal and fsync off) or safe
	Durability string `yaml:"durability" mapstructure:"durability"`
	// RestoreDurability re-enables journaling and fsync once the load completes
	RestoreDurability bool `yaml:"restore_durability" mapstructure:"restore_durability"`
}

// SourceConfig carries settings for remote retrieval. Secrets should be
// supplied through ${VAR} substitution or PROPDB_SOURCE_* variables.
type SourceConfig struct {
	Region          string        `yaml:"region" mapstructure:"region"`
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey       string        `yaml:"access_key" mapstructure:"access_key"`
	SecretKey       string        `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL          bool          `yaml:"use_ssl" mapstructure:"use_ssl"`
	CredentialsFile string        `yaml:"credentials_file" mapstructure:"credentials_file"`
	TokenURL        string        `yaml:"token_url" mapstructure:"token_url"`
	ClientID        string        `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret    string        `yaml:"client_secret" mapstructure:"client_secret"`
	Scopes          []string      `yaml:"scopes" mapstructure:"scopes"`
	BearerToken     string        `yaml:"bearer_token" mapstructure:"bearer_token"`
	Prefetch        bool          `yaml:"prefetch" mapstructure:"prefetch"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ServerConfig contains the job API settings.
type ServerConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`
	// Retention is how long a finished store is kept; zero keeps forever
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
	// PruneSchedule is a cron expression for the retention sweep
	PruneSchedule string `yaml:"prune_schedule" mapstructure:"prune_schedule"`
	// AuthToken, when set, must be sent as "Authorization: Bearer <token>"
	// on every /stores request
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`
	// AllowedSchemes lists the source schemes a submitted job may use. Bare
	// paths count as "file"; "*" allows any scheme.
	AllowedSchemes []string `yaml:"allowed_schemes" mapstructure:"allowed_schemes"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// Default returns a configuration with sensible defaults: materialized
// decoding, 1000-row pages and the fast durability mode.
func Default() *Config {
	return &Config{
		Decode: DecodeConfig{
			Strategy:        StrategyMaterialize,
			PageSize:        1000,
			Verify:          true,
			MemoryFraction:  0.5,
			ExpansionFactor: 12,
		},
		Load: LoadConfig{
			PageSize:          1000,
			MaxParams:         32766,
			Durability:        DurabilityFast,
			RestoreDurability: true,
		},
		Source: SourceConfig{
			UseSSL:   true,
			Prefetch: true,
			Timeout:  10 * time.Minute,
		},
		Server: ServerConfig{
			Addr:           ":3000",
			CacheDir:       "cache",
			PruneSchedule:  "@hourly",
			AllowedSchemes: []string{"s3", "minio", "gs", "https"},
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			ServiceName: "propdb",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Decode.Strategy {
	case StrategyMaterialize, StrategyStream, StrategyAuto:
	default:
		return fmt.Errorf("decode.strategy must be one of %s, %s, %s: got %q",
			StrategyMaterialize, StrategyStream, StrategyAuto, c.Decode.Strategy)
	}
	if c.Decode.PageSize <= 0 {
		return fmt.Errorf("decode.page_size must be positive")
	}
	if c.Decode.Strategy == StrategyAuto {
		if c.Decode.MemoryFraction <= 0 || c.Decode.MemoryFraction > 1 {
			return fmt.Errorf("decode.memory_fraction must be in (0, 1]")
		}
		if c.Decode.ExpansionFactor < 1 {
			return fmt.Errorf("decode.expansion_factor must be at least 1")
		}
	}
	if c.Load.PageSize <= 0 {
		return fmt.Errorf("load.page_size must be positive")
	}
	// the widest table has nine columns
	if c.Load.MaxParams < 9 {
		return fmt.Errorf("load.max_params must be at least 9")
	}
	switch c.Load.Durability {
	case DurabilityFast, DurabilitySafe:
	default:
		return fmt.Errorf("load.durability must be %s or %s: got %q", DurabilityFast, DurabilitySafe, c.Load.Durability)
	}
	if c.Source.ClientID != "" && c.Source.TokenURL == "" {
		return fmt.Errorf("source.token_url is required with source.client_id")
	}
	if c.Server.Retention < 0 {
		return fmt.Errorf("server.retention cannot be negative")
	}
	if len(c.Server.AllowedSchemes) == 0 {
		return fmt.Errorf("server.allowed_schemes must list at least one scheme")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}
	return nil
}
