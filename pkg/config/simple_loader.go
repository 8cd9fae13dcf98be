package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PROPDB_LOAD_PAGE_SIZE.
const EnvPrefix = "PROPDB"

// Load builds a Config from defaults, an optional YAML file and PROPDB_*
// environment variables, in increasing order of precedence. ${VAR_NAME}
// references inside the file are substituted before parsing.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal; viper only consults the environment for keys it knows.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("decode.strategy", d.Decode.Strategy)
	v.SetDefault("decode.page_size", d.Decode.PageSize)
	v.SetDefault("decode.verify", d.Decode.Verify)
	v.SetDefault("decode.memory_fraction", d.Decode.MemoryFraction)
	v.SetDefault("decode.expansion_factor", d.Decode.ExpansionFactor)

	v.SetDefault("load.page_size", d.Load.PageSize)
	v.SetDefault("load.max_params", d.Load.MaxParams)
	v.SetDefault("load.durability", d.Load.Durability)
	v.SetDefault("load.restore_durability", d.Load.RestoreDurability)

	v.SetDefault("source.region", d.Source.Region)
	v.SetDefault("source.endpoint", d.Source.Endpoint)
	v.SetDefault("source.access_key", d.Source.AccessKey)
	v.SetDefault("source.secret_key", d.Source.SecretKey)
	v.SetDefault("source.use_ssl", d.Source.UseSSL)
	v.SetDefault("source.credentials_file", d.Source.CredentialsFile)
	v.SetDefault("source.token_url", d.Source.TokenURL)
	v.SetDefault("source.client_id", d.Source.ClientID)
	v.SetDefault("source.client_secret", d.Source.ClientSecret)
	v.SetDefault("source.scopes", d.Source.Scopes)
	v.SetDefault("source.bearer_token", d.Source.BearerToken)
	v.SetDefault("source.prefetch", d.Source.Prefetch)
	v.SetDefault("source.timeout", d.Source.Timeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cache_dir", d.Server.CacheDir)
	v.SetDefault("server.retention", d.Server.Retention)
	v.SetDefault("server.prune_schedule", d.Server.PruneSchedule)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.allowed_schemes", d.Server.AllowedSchemes)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.output_paths", d.Logging.OutputPaths)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
