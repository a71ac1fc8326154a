package embed

import (
	"context"
	"sort"
	"strings"
)

// Default configuration values for OpenAI-compatible endpoints.
const (
	DefaultOpenAIEndpoint   = "https://api.openai.com/v1"
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultOpenAIDimensions = 1536
	defaultOpenAIMaxInput   = 24000
	defaultOpenAIBatchSize  = 64
)

// OpenAIClient calls an OpenAI-compatible /embeddings endpoint.
type OpenAIClient struct {
	cfg       HTTPConfig
	transport *httpTransport
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewOpenAIClient creates an OpenAIClient; zero config values select defaults.
func NewOpenAIClient(cfg HTTPConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOpenAIEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultOpenAIDimensions
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = defaultOpenAIMaxInput
	}
	if cfg.PreferredBatchSize <= 0 {
		cfg.PreferredBatchSize = defaultOpenAIBatchSize
	}
	return &OpenAIClient{cfg: cfg, transport: newHTTPTransport(cfg)}
}

// Embed implements Client.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, mode EmbedMode) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp openAIResponse
	err := c.transport.postJSON(ctx, c.cfg.Endpoint+"/embeddings", openAIRequest{
		Input:      texts,
		Model:      c.cfg.Model,
		Dimensions: c.cfg.Dimensions,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(resp.Data), len(texts)); err != nil {
		return nil, err
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([]Vector, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = Vector{Values: d.Embedding, Provider: c.cfg.Name}
	}
	return vectors, nil
}

// IsHealthy checks the /models endpoint.
func (c *OpenAIClient) IsHealthy(ctx context.Context) bool {
	return c.transport.get(ctx, c.cfg.Endpoint+"/models")
}

func (c *OpenAIClient) Name() string            { return c.cfg.Name }
func (c *OpenAIClient) Dimensions() int         { return c.cfg.Dimensions }
func (c *OpenAIClient) MaxInputSize() int       { return c.cfg.MaxInputSize }
func (c *OpenAIClient) PreferredBatchSize() int { return c.cfg.PreferredBatchSize }

// Close releases resources.
func (c *OpenAIClient) Close() error {
	c.transport.client.CloseIdleConnections()
	return nil
}
