package embed

import (
	"context"
	"strings"
)

// Default configuration values for Ollama.
const (
	DefaultOllamaEndpoint   = "http://localhost:11434"
	DefaultOllamaModel      = "nomic-embed-text"
	DefaultOllamaDimensions = 768 // nomic-embed-text default
	defaultOllamaMaxInput   = 8192
	defaultOllamaBatchSize  = 16
)

// OllamaClient calls Ollama's batch /api/embed endpoint.
type OllamaClient struct {
	cfg       HTTPConfig
	transport *httpTransport
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates an OllamaClient; zero config values select defaults.
func NewOllamaClient(cfg HTTPConfig) *OllamaClient {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOllamaEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultOllamaDimensions
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = defaultOllamaMaxInput
	}
	if cfg.PreferredBatchSize <= 0 {
		cfg.PreferredBatchSize = defaultOllamaBatchSize
	}
	return &OllamaClient{cfg: cfg, transport: newHTTPTransport(cfg)}
}

// Embed implements Client.
func (c *OllamaClient) Embed(ctx context.Context, texts []string, mode EmbedMode) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp ollamaResponse
	err := c.transport.postJSON(ctx, c.cfg.Endpoint+"/api/embed", ollamaRequest{
		Model: c.cfg.Model,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(resp.Embeddings), len(texts)); err != nil {
		return nil, err
	}

	vectors := make([]Vector, len(resp.Embeddings))
	for i, values := range resp.Embeddings {
		vectors[i] = Vector{Values: values, Provider: c.cfg.Name}
	}
	return vectors, nil
}

// IsHealthy checks the /api/tags endpoint, which does not run inference.
func (c *OllamaClient) IsHealthy(ctx context.Context) bool {
	return c.transport.get(ctx, c.cfg.Endpoint+"/api/tags")
}

func (c *OllamaClient) Name() string            { return c.cfg.Name }
func (c *OllamaClient) Dimensions() int         { return c.cfg.Dimensions }
func (c *OllamaClient) MaxInputSize() int       { return c.cfg.MaxInputSize }
func (c *OllamaClient) PreferredBatchSize() int { return c.cfg.PreferredBatchSize }

// Close releases resources.
func (c *OllamaClient) Close() error {
	c.transport.client.CloseIdleConnections()
	return nil
}
