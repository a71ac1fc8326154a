// Package config loads cortexd configuration.
//
// Values come, lowest to highest priority, from built-in defaults, the config
// file (<config dir>/config.yml) and CORTEXD_* environment variables. Nested
// keys map to underscores: embedding.call_timeout is CORTEXD_EMBEDDING_CALL_TIMEOUT.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

// DirName is the directory holding the config file and, by default, all data.
const DirName = ".cortexd"

// Config represents the complete cortexd configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Watch     WatchConfig     `yaml:"watch" mapstructure:"watch"`
	Indexing  IndexingConfig  `yaml:"indexing" mapstructure:"indexing"`
}

// StorageConfig locates the durable state and selects the vector backend.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`             // default ~/.cortexd
	Database      string `yaml:"database" mapstructure:"database"`             // SQLite file name inside data_dir
	VectorBackend string `yaml:"vector_backend" mapstructure:"vector_backend"` // "chromem" or "pgvector"
	PostgresDSN   string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`     // required for pgvector
	Compress      bool   `yaml:"compress" mapstructure:"compress"`             // gzip chromem documents
}

// ProviderConfig configures one embedding client. The first configured
// provider is the primary.
type ProviderConfig struct {
	Provider           string  `yaml:"provider" mapstructure:"provider"` // "local", "openai" or "ollama"
	Name               string  `yaml:"name" mapstructure:"name"`
	Model              string  `yaml:"model" mapstructure:"model"`
	Endpoint           string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey             string  `yaml:"api_key" mapstructure:"api_key"` // $VAR references are expanded
	Dimensions         int     `yaml:"dimensions" mapstructure:"dimensions"`
	MaxInputSize       int     `yaml:"max_input_size" mapstructure:"max_input_size"` // bytes
	PreferredBatchSize int     `yaml:"preferred_batch_size" mapstructure:"preferred_batch_size"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// EmbeddingConfig configures providers, failover, retries and concurrency.
type EmbeddingConfig struct {
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`

	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	FallbackEnabled  bool          `yaml:"fallback_enabled" mapstructure:"fallback_enabled"`

	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     string        `yaml:"backoff" mapstructure:"backoff"` // "exponential" or "fixed"
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	BatchSize            int `yaml:"batch_size" mapstructure:"batch_size"`                         // 0 = primary's preferred size
	MaxConcurrentCalls   int `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`     // 0 = auto
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"` // 0 = auto

	CacheSize int           `yaml:"cache_size" mapstructure:"cache_size"` // 0 disables the cache
	CacheTTL  time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// WatchConfig is the watch configuration given to new libraries.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Include     []string      `yaml:"include" mapstructure:"include"`
	Exclude     []string      `yaml:"exclude" mapstructure:"exclude"`
	Debounce    time.Duration `yaml:"debounce" mapstructure:"debounce"`
	MaxFileSize int64         `yaml:"max_file_size" mapstructure:"max_file_size"` // bytes, 0 = unlimited
}

// IndexingConfig configures the orchestrator.
type IndexingConfig struct {
	MaxConcurrentLibraries int           `yaml:"max_concurrent_libraries" mapstructure:"max_concurrent_libraries"`
	MaxEventRetries        int           `yaml:"max_event_retries" mapstructure:"max_event_retries"`
	MaxFailureRate         float64       `yaml:"max_failure_rate" mapstructure:"max_failure_rate"`
	FileConcurrency        int           `yaml:"file_concurrency" mapstructure:"file_concurrency"` // 0 = batcher bound
	VectorTimeout          time.Duration `yaml:"vector_timeout" mapstructure:"vector_timeout"`
	EventRetention         time.Duration `yaml:"event_retention" mapstructure:"event_retention"` // 0 keeps events forever
	EventBatchSize         int           `yaml:"event_batch_size" mapstructure:"event_batch_size"`
	EventRetryDelay        time.Duration `yaml:"event_retry_delay" mapstructure:"event_retry_delay"` // doubled per failed attempt
	EventRetryMaxDelay     time.Duration `yaml:"event_retry_max_delay" mapstructure:"event_retry_max_delay"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			Database:      "cortexd.db",
			VectorBackend: vectorstore.BackendChromem,
			Compress:      false,
		},
		Embedding: EmbeddingConfig{
			Providers: []ProviderConfig{{
				Provider:           embed.ProviderLocal,
				Name:               "local",
				Dimensions:         384,
				MaxInputSize:       8192,
				PreferredBatchSize: 32,
			}},
			FailureThreshold: embed.DefaultFailureThreshold,
			Cooldown:         30 * time.Second,
			FallbackEnabled:  true,
			MaxAttempts:      3,
			Backoff:          string(embed.BackoffExponential),
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			Multiplier:       2.0,
			CallTimeout:      30 * time.Second,
			CacheSize:        10000,
			CacheTTL:         time.Hour,
		},
		Watch: WatchConfig{
			Enabled: true,
			Include: []string{
				"**/*.go",
				"**/*.ts",
				"**/*.tsx",
				"**/*.js",
				"**/*.jsx",
				"**/*.py",
				"**/*.rs",
				"**/*.c",
				"**/*.h",
				"**/*.php",
				"**/*.rb",
				"**/*.java",
				"**/*.md",
				"**/*.rst",
			},
			Exclude: []string{
				"node_modules/**",
				"vendor/**",
				".git/**",
				"dist/**",
				"build/**",
				"target/**",
				"__pycache__/**",
				"*.test",
				"*.pyc",
			},
			Debounce:    500 * time.Millisecond,
			MaxFileSize: 1 << 20,
		},
		Indexing: IndexingConfig{
			MaxConcurrentLibraries: 2,
			MaxEventRetries:        3,
			MaxFailureRate:         0.5,
			VectorTimeout:          30 * time.Second,
			EventRetention:         7 * 24 * time.Hour,
			EventBatchSize:         100,
			EventRetryDelay:        5 * time.Second,
			EventRetryMaxDelay:     5 * time.Minute,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.Database)
}

// ToClientConfigs converts the provider list to embedding client configs.
func (c *Config) ToClientConfigs() []embed.ClientConfig {
	out := make([]embed.ClientConfig, len(c.Embedding.Providers))
	for i, p := range c.Embedding.Providers {
		name := p.Name
		if name == "" {
			name = p.Provider
		}
		out[i] = embed.ClientConfig{
			Provider:           p.Provider,
			Name:               name,
			Endpoint:           p.Endpoint,
			APIKey:             p.APIKey,
			Model:              p.Model,
			Dimensions:         p.Dimensions,
			MaxInputSize:       p.MaxInputSize,
			PreferredBatchSize: p.PreferredBatchSize,
			RequestsPerSecond:  p.RequestsPerSecond,
			Timeout:            c.Embedding.CallTimeout,
		}
	}
	return out
}

// ToSelectorOptions converts the failover settings.
func (c *Config) ToSelectorOptions() []embed.SelectorOption {
	return []embed.SelectorOption{
		embed.WithFailureThreshold(c.Embedding.FailureThreshold),
		embed.WithCooldown(c.Embedding.Cooldown),
	}
}

// ToBatcherConfig converts the batching, retry and concurrency settings.
func (c *Config) ToBatcherConfig() embed.BatcherConfig {
	e := c.Embedding
	return embed.BatcherConfig{
		OptimalBatchSize: e.BatchSize,
		Concurrency: embed.Concurrency{
			Calls:   e.MaxConcurrentCalls,
			Batches: e.MaxConcurrentBatches,
		},
		Retry: embed.RetryPolicy{
			MaxAttempts: e.MaxAttempts,
			Backoff:     embed.BackoffKind(e.Backoff),
			BaseDelay:   e.BaseDelay,
			MaxDelay:    e.MaxDelay,
			Multiplier:  e.Multiplier,
		},
		FallbackEnabled: e.FallbackEnabled,
		CallTimeout:     e.CallTimeout,
	}
}

// NewCache returns the embedding cache, or nil when it is disabled.
func (c *Config) NewCache() (*embed.Cache, error) {
	if c.Embedding.CacheSize <= 0 {
		return nil, nil
	}
	return embed.NewCache(c.Embedding.CacheSize, c.Embedding.CacheTTL)
}

// ToVectorstoreConfig converts the vector backend settings. Chromem data
// lives under <data_dir>/vectors.
func (c *Config) ToVectorstoreConfig() vectorstore.Config {
	return vectorstore.Config{
		Backend:  c.Storage.VectorBackend,
		Dir:      filepath.Join(c.Storage.DataDir, "vectors"),
		Compress: c.Storage.Compress,
		DSN:      c.Storage.PostgresDSN,
	}
}

// ToIndexerConfig converts the orchestrator settings.
func (c *Config) ToIndexerConfig() indexer.Config {
	return indexer.Config{
		MaxConcurrentLibraries: c.Indexing.MaxConcurrentLibraries,
		MaxEventRetries:        c.Indexing.MaxEventRetries,
		MaxFailureRate:         c.Indexing.MaxFailureRate,
		FileConcurrency:        c.Indexing.FileConcurrency,
		EventBatchSize:         c.Indexing.EventBatchSize,
		EventRetryDelay:        c.Indexing.EventRetryDelay,
		EventRetryMaxDelay:     c.Indexing.EventRetryMaxDelay,
	}
}

// ToWatchConfig returns the watch config for new libraries.
func (c *Config) ToWatchConfig() storage.WatchConfig {
	return storage.WatchConfig{
		Enabled:     c.Watch.Enabled,
		Include:     append([]string(nil), c.Watch.Include...),
		Exclude:     append([]string(nil), c.Watch.Exclude...),
		Debounce:    c.Watch.Debounce,
		MaxFileSize: c.Watch.MaxFileSize,
	}
}
