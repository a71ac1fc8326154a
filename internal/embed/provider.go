package embed

import (
	"context"
	"errors"
)

// EmbedMode specifies the type of embedding to generate.
type EmbedMode string

const (
	// EmbedModeQuery generates embeddings optimized for search queries.
	EmbedModeQuery EmbedMode = "query"

	// EmbedModePassage generates embeddings optimized for indexed content.
	EmbedModePassage EmbedMode = "passage"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limiting, 5xx.
	ErrTransient = errors.New("transient embedding failure")

	// ErrPermanent marks failures that will not succeed on retry against the
	// same client (bad request, authentication, malformed response).
	ErrPermanent = errors.New("permanent embedding failure")

	// ErrNoClients is returned when a selector is built without clients.
	ErrNoClients = errors.New("no embedding clients configured")

	// ErrUnknownProvider is returned when a named provider has no configured client.
	ErrUnknownProvider = errors.New("embedding provider not configured")
)

// Vector is one embedding plus the client that produced it.
type Vector struct {
	Values   []float32
	Provider string
}

// Dimensions returns the vector length.
func (v Vector) Dimensions() int {
	return len(v.Values)
}

// Client wraps one embedding provider.
// Implementations may use local computation or remote APIs and must be safe
// for concurrent use.
type Client interface {
	// Name identifies the client; recorded with every vector it produces.
	Name() string

	// Embed converts texts into vectors, one per text, in input order.
	// Failures wrap ErrTransient or ErrPermanent where the cause is known.
	Embed(ctx context.Context, texts []string, mode EmbedMode) ([]Vector, error)

	// Dimensions returns the dimensionality of the vectors this client produces.
	Dimensions() int

	// MaxInputSize is the largest single input in bytes; longer inputs must be truncated.
	MaxInputSize() int

	// PreferredBatchSize is the number of texts per call with the best throughput.
	PreferredBatchSize() int

	// IsHealthy is a cheap reachability check.
	IsHealthy(ctx context.Context) bool

	// Close releases any resources held by the client.
	Close() error
}

// IsTransient reports whether err should be retried against the same client.
// Unclassified errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}
