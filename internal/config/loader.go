package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORTEXD"

// Loader provides configuration loading capabilities.
type Loader interface {
	// Load loads configuration from file and environment variables.
	// Priority: defaults → config file → environment variables (env wins)
	Load() (*Config, error)
}

type loader struct {
	configDir  string
	configFile string
}

// NewLoader creates a loader that looks for config.yml (or config.yaml) in
// configDir. A missing file is not an error.
func NewLoader(configDir string) Loader {
	return &loader{configDir: configDir}
}

// NewFileLoader creates a loader for an explicit config file, which must exist.
func NewFileLoader(path string) Loader {
	return &loader{configFile: path}
}

// Load loads configuration with the following priority (highest to lowest):
// 1. Environment variables (CORTEXD_*)
// 2. Config file
// 3. Default values
func (l *loader) Load() (*Config, error) {
	v := viper.New()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(l.configDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Replace . with _ in env var names (e.g., CORTEXD_STORAGE_DATA_DIR)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Unmarshal only consults keys viper knows about, so every scalar key
	// needs a default (or explicit binding) for its env override to apply.
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults configures viper with default values.
func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Storage defaults
	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	v.SetDefault("storage.database", defaults.Storage.Database)
	v.SetDefault("storage.vector_backend", defaults.Storage.VectorBackend)
	v.SetDefault("storage.postgres_dsn", defaults.Storage.PostgresDSN)
	v.SetDefault("storage.compress", defaults.Storage.Compress)

	// Embedding defaults
	providers := make([]map[string]any, len(defaults.Embedding.Providers))
	for i, p := range defaults.Embedding.Providers {
		providers[i] = map[string]any{
			"provider":             p.Provider,
			"name":                 p.Name,
			"model":                p.Model,
			"endpoint":             p.Endpoint,
			"dimensions":           p.Dimensions,
			"max_input_size":       p.MaxInputSize,
			"preferred_batch_size": p.PreferredBatchSize,
		}
	}
	v.SetDefault("embedding.providers", providers)
	v.SetDefault("embedding.failure_threshold", defaults.Embedding.FailureThreshold)
	v.SetDefault("embedding.cooldown", defaults.Embedding.Cooldown)
	v.SetDefault("embedding.fallback_enabled", defaults.Embedding.FallbackEnabled)
	v.SetDefault("embedding.max_attempts", defaults.Embedding.MaxAttempts)
	v.SetDefault("embedding.backoff", defaults.Embedding.Backoff)
	v.SetDefault("embedding.base_delay", defaults.Embedding.BaseDelay)
	v.SetDefault("embedding.max_delay", defaults.Embedding.MaxDelay)
	v.SetDefault("embedding.multiplier", defaults.Embedding.Multiplier)
	v.SetDefault("embedding.call_timeout", defaults.Embedding.CallTimeout)
	v.SetDefault("embedding.batch_size", defaults.Embedding.BatchSize)
	v.SetDefault("embedding.max_concurrent_calls", defaults.Embedding.MaxConcurrentCalls)
	v.SetDefault("embedding.max_concurrent_batches", defaults.Embedding.MaxConcurrentBatches)
	v.SetDefault("embedding.cache_size", defaults.Embedding.CacheSize)
	v.SetDefault("embedding.cache_ttl", defaults.Embedding.CacheTTL)

	// Watch defaults
	v.SetDefault("watch.enabled", defaults.Watch.Enabled)
	v.SetDefault("watch.include", defaults.Watch.Include)
	v.SetDefault("watch.exclude", defaults.Watch.Exclude)
	v.SetDefault("watch.debounce", defaults.Watch.Debounce)
	v.SetDefault("watch.max_file_size", defaults.Watch.MaxFileSize)

	// Indexing defaults
	v.SetDefault("indexing.max_concurrent_libraries", defaults.Indexing.MaxConcurrentLibraries)
	v.SetDefault("indexing.max_event_retries", defaults.Indexing.MaxEventRetries)
	v.SetDefault("indexing.max_failure_rate", defaults.Indexing.MaxFailureRate)
	v.SetDefault("indexing.file_concurrency", defaults.Indexing.FileConcurrency)
	v.SetDefault("indexing.vector_timeout", defaults.Indexing.VectorTimeout)
	v.SetDefault("indexing.event_retention", defaults.Indexing.EventRetention)
	v.SetDefault("indexing.event_batch_size", defaults.Indexing.EventBatchSize)
	v.SetDefault("indexing.event_retry_delay", defaults.Indexing.EventRetryDelay)
	v.SetDefault("indexing.event_retry_max_delay", defaults.Indexing.EventRetryMaxDelay)
}

// normalize expands ~ in paths and $VAR references in API keys, and lower-cases
// enumerated values.
func normalize(cfg *Config) {
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.VectorBackend = strings.ToLower(strings.TrimSpace(cfg.Storage.VectorBackend))
	cfg.Embedding.Backoff = strings.ToLower(strings.TrimSpace(cfg.Embedding.Backoff))
	for i := range cfg.Embedding.Providers {
		p := &cfg.Embedding.Providers[i]
		p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
		p.APIKey = os.ExpandEnv(p.APIKey)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// DefaultDir returns the directory holding the user's config file (~/.cortexd).
func DefaultDir() string {
	return defaultDataDir()
}

// LoadConfig loads configuration from the default directory, or from path
// when it is non-empty.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return NewFileLoader(path).Load()
	}
	return NewLoader(DefaultDir()).Load()
}

// LoadConfigFromDir loads configuration from a specific directory.
func LoadConfigFromDir(configDir string) (*Config, error) {
	return NewLoader(configDir).Load()
}
