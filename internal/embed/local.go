package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

const (
	// DefaultLocalDimensions matches common sentence-transformer models.
	DefaultLocalDimensions = 384

	defaultLocalMaxInput  = 8192
	defaultLocalBatchSize = 32
)

// LocalClient generates deterministic embeddings without any network access.
//
// Each token of the input is hashed into a bucket of the vector (feature
// hashing), so texts sharing vocabulary end up close together. Useful offline
// and in tests; not a substitute for a real model.
type LocalClient struct {
	name       string
	dimensions int
	maxInput   int
	batchSize  int
}

// NewLocalClient creates a LocalClient. Zero values select defaults.
func NewLocalClient(name string, dimensions, maxInput, batchSize int) *LocalClient {
	if name == "" {
		name = "local"
	}
	if dimensions <= 0 {
		dimensions = DefaultLocalDimensions
	}
	if maxInput <= 0 {
		maxInput = defaultLocalMaxInput
	}
	if batchSize <= 0 {
		batchSize = defaultLocalBatchSize
	}
	return &LocalClient{name: name, dimensions: dimensions, maxInput: maxInput, batchSize: batchSize}
}

// Embed generates embeddings by hashing the tokens of each text.
func (c *LocalClient) Embed(ctx context.Context, texts []string, mode EmbedMode) ([]Vector, error) {
	vectors := make([]Vector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = Vector{Values: c.embedOne(text), Provider: c.name}
	}
	return vectors, nil
}

func (c *LocalClient) embedOne(text string) []float32 {
	embedding := make([]float32, c.dimensions)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, tok := range tokens {
		hash := sha256.Sum256([]byte(tok))
		idx := binary.BigEndian.Uint32(hash[0:4]) % uint32(c.dimensions)
		sign := float32(1)
		if hash[4]&1 == 1 {
			sign = -1
		}
		embedding[idx] += sign
	}

	// L2 normalize so cosine similarity equals the dot product
	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range embedding {
			embedding[i] *= scale
		}
	}
	return embedding
}

func (c *LocalClient) Name() string                       { return c.name }
func (c *LocalClient) Dimensions() int                    { return c.dimensions }
func (c *LocalClient) MaxInputSize() int                  { return c.maxInput }
func (c *LocalClient) PreferredBatchSize() int            { return c.batchSize }
func (c *LocalClient) IsHealthy(ctx context.Context) bool { return true }

// Close is a no-op for the local client.
func (c *LocalClient) Close() error {
	return nil
}
