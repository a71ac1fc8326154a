package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

var (
	// ErrInvalidProvider indicates an unsupported embedding provider
	ErrInvalidProvider = errors.New("invalid embedding provider")

	// ErrNoProviders indicates an empty provider list
	ErrNoProviders = errors.New("no embedding providers")

	// ErrInvalidDimensions indicates invalid embedding dimensions
	ErrInvalidDimensions = errors.New("invalid embedding dimensions")

	// ErrEmptyModel indicates missing embedding model
	ErrEmptyModel = errors.New("empty embedding model")

	// ErrEmptyEndpoint indicates missing embedding endpoint
	ErrEmptyEndpoint = errors.New("empty embedding endpoint")

	// ErrDuplicateProvider indicates two providers with the same name
	ErrDuplicateProvider = errors.New("duplicate provider name")

	// ErrInvalidRetry indicates invalid retry or failover settings
	ErrInvalidRetry = errors.New("invalid retry settings")

	// ErrInvalidConcurrency indicates negative concurrency or batch bounds
	ErrInvalidConcurrency = errors.New("invalid concurrency settings")

	// ErrInvalidBackend indicates an unsupported vector backend
	ErrInvalidBackend = errors.New("invalid vector backend")

	// ErrEmptyDataDir indicates a missing data directory
	ErrEmptyDataDir = errors.New("empty data directory")

	// ErrInvalidWatch indicates invalid default watch settings
	ErrInvalidWatch = errors.New("invalid watch settings")

	// ErrInvalidIndexing indicates invalid orchestrator settings
	ErrInvalidIndexing = errors.New("invalid indexing settings")
)

// Validate checks that the configuration is valid and complete.
func Validate(cfg *Config) error {
	var errs []error

	if err := validateStorage(&cfg.Storage); err != nil {
		errs = append(errs, err)
	}
	if err := validateEmbedding(&cfg.Embedding); err != nil {
		errs = append(errs, err)
	}
	if err := validateWatch(&cfg.Watch); err != nil {
		errs = append(errs, err)
	}
	if err := validateIndexing(&cfg.Indexing); err != nil {
		errs = append(errs, err)
	}

	return joinErrors(errs)
}

func validateStorage(cfg *StorageConfig) error {
	var errs []error

	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, fmt.Errorf("%w: data_dir is required", ErrEmptyDataDir))
	}
	if strings.TrimSpace(cfg.Database) == "" {
		errs = append(errs, fmt.Errorf("%w: database file name is required", ErrEmptyDataDir))
	}

	switch cfg.VectorBackend {
	case vectorstore.BackendChromem:
	case vectorstore.BackendPgvector:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("%w: postgres_dsn is required for pgvector", ErrInvalidBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: must be '%s' or '%s', got '%s'",
			ErrInvalidBackend, vectorstore.BackendChromem, vectorstore.BackendPgvector, cfg.VectorBackend))
	}

	return joinErrors(errs)
}

func validateEmbedding(cfg *EmbeddingConfig) error {
	var errs []error

	if len(cfg.Providers) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one provider is required", ErrNoProviders))
	}

	names := make(map[string]bool)
	for i, p := range cfg.Providers {
		name := p.Name
		if name == "" {
			name = p.Provider
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateProvider, name))
		}
		names[name] = true

		switch p.Provider {
		case embed.ProviderLocal:
		case embed.ProviderOpenAI, embed.ProviderOllama:
			if strings.TrimSpace(p.Model) == "" {
				errs = append(errs, fmt.Errorf("%w: providers[%d] (%s) requires a model", ErrEmptyModel, i, p.Provider))
			}
			if p.Provider == embed.ProviderOllama && strings.TrimSpace(p.Endpoint) == "" {
				errs = append(errs, fmt.Errorf("%w: providers[%d] (ollama) requires an endpoint", ErrEmptyEndpoint, i))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: providers[%d] must be 'local', 'openai' or 'ollama', got '%s'", ErrInvalidProvider, i, p.Provider))
		}

		if p.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("%w: providers[%d] dimensions must be positive, got %d", ErrInvalidDimensions, i, p.Dimensions))
		}
		if p.MaxInputSize < 0 || p.PreferredBatchSize < 0 || p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%w: providers[%d] limits cannot be negative", ErrInvalidConcurrency, i))
		}
	}

	if cfg.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("%w: failure_threshold must be positive, got %d", ErrInvalidRetry, cfg.FailureThreshold))
	}
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_attempts must be positive, got %d", ErrInvalidRetry, cfg.MaxAttempts))
	}
	switch embed.BackoffKind(cfg.Backoff) {
	case embed.BackoffExponential, embed.BackoffFixed:
	default:
		errs = append(errs, fmt.Errorf("%w: backoff must be 'exponential' or 'fixed', got '%s'", ErrInvalidRetry, cfg.Backoff))
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 || cfg.CallTimeout < 0 || cfg.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("%w: delays and timeouts cannot be negative", ErrInvalidRetry))
	}
	if cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		errs = append(errs, fmt.Errorf("%w: base_delay (%s) exceeds max_delay (%s)", ErrInvalidRetry, cfg.BaseDelay, cfg.MaxDelay))
	}
	if cfg.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("%w: multiplier must be at least 1, got %g", ErrInvalidRetry, cfg.Multiplier))
	}

	if cfg.BatchSize < 0 || cfg.MaxConcurrentCalls < 0 || cfg.MaxConcurrentBatches < 0 || cfg.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("%w: batch size, concurrency and cache size cannot be negative", ErrInvalidConcurrency))
	}

	return joinErrors(errs)
}

func validateWatch(cfg *WatchConfig) error {
	var errs []error

	if err := indexer.ValidatePatterns(cfg.Include, cfg.Exclude); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidWatch, err))
	}
	if cfg.Debounce < 0 {
		errs = append(errs, fmt.Errorf("%w: debounce cannot be negative, got %s", ErrInvalidWatch, cfg.Debounce))
	}
	if cfg.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("%w: max_file_size cannot be negative, got %d", ErrInvalidWatch, cfg.MaxFileSize))
	}

	return joinErrors(errs)
}

func validateIndexing(cfg *IndexingConfig) error {
	var errs []error

	if cfg.MaxConcurrentLibraries <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_concurrent_libraries must be positive, got %d", ErrInvalidIndexing, cfg.MaxConcurrentLibraries))
	}
	if cfg.MaxEventRetries <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_event_retries must be positive, got %d", ErrInvalidIndexing, cfg.MaxEventRetries))
	}
	if cfg.MaxFailureRate < 0 {
		errs = append(errs, fmt.Errorf("%w: max_failure_rate cannot be negative, got %g", ErrInvalidIndexing, cfg.MaxFailureRate))
	}
	if cfg.FileConcurrency < 0 || cfg.EventBatchSize < 0 {
		errs = append(errs, fmt.Errorf("%w: file_concurrency and event_batch_size cannot be negative", ErrInvalidIndexing))
	}
	if cfg.VectorTimeout < 0 || cfg.EventRetention < 0 {
		errs = append(errs, fmt.Errorf("%w: vector_timeout and event_retention cannot be negative", ErrInvalidIndexing))
	}
	if cfg.EventRetryDelay < 0 || cfg.EventRetryMaxDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: event retry delays cannot be negative", ErrInvalidIndexing))
	} else if cfg.EventRetryMaxDelay > 0 && cfg.EventRetryDelay > cfg.EventRetryMaxDelay {
		errs = append(errs, fmt.Errorf("%w: event_retry_delay (%s) exceeds event_retry_max_delay (%s)",
			ErrInvalidIndexing, cfg.EventRetryDelay, cfg.EventRetryMaxDelay))
	}

	return joinErrors(errs)
}

// validationError lists several problems while keeping each one reachable
// through errors.Is.
type validationError struct {
	errs []error
}

func (e *validationError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (e *validationError) Unwrap() []error { return e.errs }

// joinErrors combines multiple errors into a single error with clear formatting.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return &validationError{errs: errs}
}
