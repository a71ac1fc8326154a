package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

const (
	chromemDirName   = "chromem"
	manifestFileName = "collections.json"
)

// errNoEmbeddingFunc guards against chromem computing embeddings itself;
// every document arrives with its vector.
var errNoEmbeddingFunc = errors.New("vectors must be supplied by the caller")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// ChromemStore is a Client backed by chromem-go, in memory or persisted under a directory.
//
// chromem does not record dimensionality, so a small JSON manifest next to
// the database keeps dims and embedding provider per collection.
type ChromemStore struct {
	db       *chromem.DB
	manifest string // empty for in-memory stores

	mu   sync.RWMutex
	meta map[string]collectionMeta
}

type collectionMeta struct {
	Dims     int    `json:"dims"`
	Provider string `json:"provider,omitempty"`
}

// NewChromemStore opens or creates a store. An empty dir keeps everything in memory.
func NewChromemStore(dir string, compress bool) (*ChromemStore, error) {
	s := &ChromemStore{meta: make(map[string]collectionMeta)}

	if dir == "" {
		s.db = chromem.NewDB()
		return s, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, chromemDirName), compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem database: %w", err)
	}
	s.db = db
	s.manifest = filepath.Join(dir, manifestFileName)

	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChromemStore) loadManifest() error {
	data, err := os.ReadFile(s.manifest)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read collection manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return fmt.Errorf("failed to parse collection manifest: %w", err)
	}
	return nil
}

// saveManifest writes the manifest atomically. Caller holds s.mu.
func (s *ChromemStore) saveManifest() error {
	if s.manifest == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.manifest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write collection manifest: %w", err)
	}
	if err := os.Rename(tmp, s.manifest); err != nil {
		return fmt.Errorf("failed to replace collection manifest: %w", err)
	}
	return nil
}

// Backend implements Client.
func (s *ChromemStore) Backend() string {
	return BackendChromem
}

// EnsureCollection implements Client.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name, provider string, dims int) (CollectionInfo, error) {
	if dims <= 0 {
		return CollectionInfo{}, fmt.Errorf("invalid dimensions %d for collection %s", dims, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.meta[name]
	if err := checkOwner(name, existing, ok, provider, dims); err != nil {
		return CollectionInfo{}, err
	}

	col, err := s.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	if !ok || existing.Provider == "" {
		s.meta[name] = collectionMeta{Dims: dims, Provider: provider}
		if err := s.saveManifest(); err != nil {
			if ok {
				s.meta[name] = existing
			} else {
				delete(s.meta, name)
			}
			return CollectionInfo{}, err
		}
	}

	return s.info(name, col), nil
}

func (s *ChromemStore) info(name string, col *chromem.Collection) CollectionInfo {
	m := s.meta[name]
	return CollectionInfo{
		Name:       name,
		Backend:    BackendChromem,
		Provider:   m.Provider,
		Dimensions: m.Dims,
		Status:     CollectionReady,
		Count:      col.Count(),
	}
}

// collection returns the collection and its dims, or ErrCollectionNotFound.
func (s *ChromemStore) collection(name string) (*chromem.Collection, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meta[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	col := s.db.GetCollection(name, noEmbedding)
	if col == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col, m.Dims, nil
}

// CollectionInfo implements Client.
func (s *ChromemStore) CollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	col, _, err := s.collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info(name, col), nil
}

// Upsert implements Client. chromem replaces documents with the same ID.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	col, dims, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := checkDims(collection, dims, points); err != nil {
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		docs[i] = chromem.Document{
			ID:        p.ID,
			Embedding: p.Vector,
			Metadata:  p.Metadata,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// Delete implements Client.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, _, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

// Search implements Client.
func (s *ChromemStore) Search(ctx context.Context, collection string, query []float32, limit int, threshold float32) ([]SearchResult, error) {
	col, dims, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != dims {
		return nil, fmt.Errorf("%w: collection %s has %d dimensions, query has %d",
			ErrDimensionMismatch, collection, dims, len(query))
	}

	// chromem rejects nResults larger than the collection
	n := limit
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < threshold {
			continue
		}
		results = append(results, SearchResult{ID: h.ID, Score: h.Similarity, Metadata: h.Metadata})
	}
	return results, nil
}

// DeleteCollection implements Client.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	if _, ok := s.meta[name]; ok {
		delete(s.meta, name)
		return s.saveManifest()
	}
	return nil
}

// Close implements Client. chromem persists synchronously, nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}
