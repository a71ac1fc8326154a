package embed

import (
	"fmt"
	"time"
)

// Provider names accepted by NewClient.
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ClientConfig contains configuration for creating one embedding client.
type ClientConfig struct {
	// Provider specifies which embedding provider to use ("local", "openai", "ollama").
	Provider string

	// Name identifies the client in vectors and logs (default: provider name).
	Name string

	// Endpoint is the API base URL for remote providers.
	Endpoint string

	// APIKey for cloud providers.
	APIKey string

	// Model name for remote providers.
	Model string

	Dimensions         int
	MaxInputSize       int
	PreferredBatchSize int
	RequestsPerSecond  float64
	Timeout            time.Duration
}

// NewClient creates an embedding client based on the configuration.
func NewClient(cfg ClientConfig) (Client, error) {
	httpCfg := HTTPConfig{
		Name:               cfg.Name,
		Endpoint:           cfg.Endpoint,
		APIKey:             cfg.APIKey,
		Model:              cfg.Model,
		Dimensions:         cfg.Dimensions,
		MaxInputSize:       cfg.MaxInputSize,
		PreferredBatchSize: cfg.PreferredBatchSize,
		RequestsPerSecond:  cfg.RequestsPerSecond,
		Timeout:            cfg.Timeout,
	}

	switch cfg.Provider {
	case ProviderLocal, "": // empty defaults to local
		return NewLocalClient(cfg.Name, cfg.Dimensions, cfg.MaxInputSize, cfg.PreferredBatchSize), nil
	case ProviderOpenAI:
		return NewOpenAIClient(httpCfg), nil
	case ProviderOllama:
		return NewOllamaClient(httpCfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (supported: local, openai, ollama)", cfg.Provider)
	}
}

// NewClients creates clients in order; the first is the primary.
func NewClients(cfgs []ClientConfig) ([]Client, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoClients
	}
	clients := make([]Client, 0, len(cfgs))
	for i, cfg := range cfgs {
		c, err := NewClient(cfg)
		if err != nil {
			for _, created := range clients {
				created.Close()
			}
			return nil, fmt.Errorf("embedding client %d: %w", i, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}
