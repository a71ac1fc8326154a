// Package vectorstore wraps the vector databases that hold embedded content
// units: collection lifecycle, point upsert/delete and similarity search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCollectionNotFound is returned for operations on a missing collection.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch is returned when a vector or an EnsureCollection
	// call disagrees with the dimensionality the collection was created with.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrProviderMismatch is returned when an EnsureCollection call names a
	// different embedding provider than the one the collection was created for.
	ErrProviderMismatch = errors.New("embedding provider mismatch")
)

// CollectionStatus is the lifecycle state of a collection.
type CollectionStatus string

const (
	CollectionCreating CollectionStatus = "creating"
	CollectionReady    CollectionStatus = "ready"
)

// CollectionInfo describes one collection. Count and Ready status are only
// reported after a successful create or verify round-trip.
type CollectionInfo struct {
	Name       string
	Backend    string
	Provider   string // embedding provider whose vectors fill the collection
	Dimensions int
	Status     CollectionStatus
	Count      int
}

// Point is one vector to upsert, keyed by a stable id.
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// SearchResult is one nearest-neighbor hit. Score is cosine similarity.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Client wraps one vector database. Implementations must be safe for concurrent use.
type Client interface {
	// Backend names the database ("chromem", "pgvector").
	Backend() string

	// EnsureCollection creates the collection for vectors of provider with
	// dims if it does not exist and returns its info. An existing collection
	// with different dimensionality yields ErrDimensionMismatch; one created
	// for another provider yields ErrProviderMismatch.
	EnsureCollection(ctx context.Context, name, provider string, dims int) (CollectionInfo, error)

	// CollectionInfo returns ErrCollectionNotFound for missing collections.
	CollectionInfo(ctx context.Context, name string) (CollectionInfo, error)

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Delete removes points by ID; unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// Search returns up to limit points with score >= threshold, best first.
	Search(ctx context.Context, collection string, query []float32, limit int, threshold float32) ([]SearchResult, error)

	// DeleteCollection drops the collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	Close() error
}

// Backend names accepted by New.
const (
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	// Dir is the chromem persistence directory; empty keeps vectors in memory.
	Dir string

	// Compress gzips chromem documents on disk.
	Compress bool

	// DSN is the Postgres connection string for pgvector.
	DSN string
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Backend {
	case BackendChromem, "":
		return NewChromemStore(cfg.Dir, cfg.Compress)
	case BackendPgvector:
		return NewPgvectorStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s (supported: chromem, pgvector)", cfg.Backend)
	}
}

func checkDims(collection string, want int, points []Point) error {
	for _, p := range points {
		if len(p.Vector) != want {
			return fmt.Errorf("%w: collection %s has %d dimensions, point %s has %d",
				ErrDimensionMismatch, collection, want, p.ID, len(p.Vector))
		}
	}
	return nil
}

// checkOwner compares an EnsureCollection request with an existing
// collection's dims and provider. Collections recorded without a provider
// are adopted by the first caller.
func checkOwner(collection string, existing collectionMeta, found bool, provider string, dims int) error {
	if !found {
		return nil
	}
	if existing.Dims != dims {
		return fmt.Errorf("%w: collection %s has %d dimensions, provider produces %d",
			ErrDimensionMismatch, collection, existing.Dims, dims)
	}
	if existing.Provider != "" && provider != "" && existing.Provider != provider {
		return fmt.Errorf("%w: collection %s holds %s vectors, got %s",
			ErrProviderMismatch, collection, existing.Provider, provider)
	}
	return nil
}
