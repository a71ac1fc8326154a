package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/extract"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

// unitNamespace seeds UUIDv5 unit IDs.
var unitNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7f-9a0c-1b2d3e4f5a6b")

// UnitID derives the stable vector ID of the unit at position within a file.
// It depends only on location, so re-embedding a unit overwrites its vector.
func UnitID(libraryID, filePath string, position int) string {
	name := libraryID + "\x00" + filePath + "\x00" + strconv.Itoa(position)
	return uuid.NewSHA1(unitNamespace, []byte(name)).String()
}

const defaultVectorTimeout = 30 * time.Second

// FileSync is the outcome of syncing one file.
type FileSync struct {
	Upserted  int
	Unchanged int
	Failed    int
	Deleted   int
	Errors    []error // per-unit embedding failures
}

// SyncEngine reconciles the vector store with content units and records what
// it stored in the unit store.
//
// Vector store calls run under their own timeout and are not interrupted by
// cancellation of the caller, so a run cancelled mid-file never leaves a
// half-applied upsert.
type SyncEngine struct {
	units   *storage.UnitStore
	vectors vectorstore.Client
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ensured map[string]collectionOwner // verified this process
}

// collectionOwner is the dims and embedding provider a collection was created for.
type collectionOwner struct {
	dims     int
	provider string
}

// NewSyncEngine creates a SyncEngine. timeout bounds each vector store call.
func NewSyncEngine(units *storage.UnitStore, vectors vectorstore.Client, timeout time.Duration, logger *slog.Logger) *SyncEngine {
	if timeout <= 0 {
		timeout = defaultVectorTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		units:   units,
		vectors: vectors,
		timeout: timeout,
		logger:  logger,
		ensured: make(map[string]collectionOwner),
	}
}

func (e *SyncEngine) vectorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
}

// Changed returns the units whose content hash differs from the stored record
// at the same position. With force every unit is returned.
func (e *SyncEngine) Changed(ctx context.Context, lib *storage.Library, filePath string, units []extract.ContentUnit, force bool) ([]extract.ContentUnit, error) {
	if force {
		return units, nil
	}
	existing, err := e.units.ForFile(ctx, lib.ID, filePath)
	if err != nil {
		return nil, err
	}
	hashes := make(map[int]string, len(existing))
	for _, r := range existing {
		hashes[r.Position] = r.ContentHash
	}

	changed := make([]extract.ContentUnit, 0, len(units))
	for _, u := range units {
		if h, ok := hashes[u.Position]; ok && h == u.Hash {
			continue
		}
		changed = append(changed, u)
	}
	return changed, nil
}

// EnsureCollection verifies the library's collection and creates it for
// vectors of provider with dims if it does not exist. An existing collection
// with other dimensionality is a configuration error for the library. One
// holding another provider's vectors yields ErrProviderMismatch, which is
// retryable: it is what a failover to a fallback of equal dimensionality
// produces until the primary recovers.
func (e *SyncEngine) EnsureCollection(ctx context.Context, collection, provider string, dims int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if have, ok := e.ensured[collection]; ok {
		return have.check(collection, provider, dims)
	}

	vctx, cancel := e.vectorCtx(ctx)
	defer cancel()

	info, err := e.vectors.CollectionInfo(vctx, collection)
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		info, err = e.vectors.EnsureCollection(vctx, collection, provider, dims)
		if err != nil {
			return e.vectorError("create collection", err)
		}
		e.logger.Info("created vector collection", "collection", collection, "dimensions", dims,
			"provider", provider, "backend", e.vectors.Backend())
	case err != nil:
		return e.vectorError("verify collection", err)
	case info.Provider == "" && info.Dimensions == dims:
		// Created without a provider record: the first writer claims it
		info, err = e.vectors.EnsureCollection(vctx, collection, provider, dims)
		if err != nil {
			return e.vectorError("claim collection", err)
		}
	}

	have := collectionOwner{dims: info.Dimensions, provider: info.Provider}
	if err := have.check(collection, provider, dims); err != nil {
		return err
	}
	e.ensured[collection] = have
	return nil
}

func (c collectionOwner) check(collection, provider string, dims int) error {
	if c.dims != dims {
		return configError("dimensions", fmt.Errorf("%w: collection %s has %d dimensions, vectors have %d",
			vectorstore.ErrDimensionMismatch, collection, c.dims, dims))
	}
	if c.provider != provider {
		return fmt.Errorf("%w: collection %s holds %s vectors, got %s",
			vectorstore.ErrProviderMismatch, collection, c.provider, provider)
	}
	return nil
}

// CollectionProvider returns the embedding provider recorded for the
// library's collection, or "" if the collection does not exist yet.
func (e *SyncEngine) CollectionProvider(ctx context.Context, lib *storage.Library) (string, error) {
	e.mu.Lock()
	have, ok := e.ensured[lib.Collection]
	e.mu.Unlock()
	if ok {
		return have.provider, nil
	}

	vctx, cancel := e.vectorCtx(ctx)
	defer cancel()
	info, err := e.vectors.CollectionInfo(vctx, lib.Collection)
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return "", nil
	case err != nil:
		return "", e.vectorError("verify collection", err)
	}
	return info.Provider, nil
}

// ApplyUpserts stores the embedded units of one file and reconciles its unit
// records. units is the file's full current unit list; results covers the
// subset that was embedded. Units whose embedding failed keep their previous
// vector and record, so the next run retries them. Records and vectors at
// positions beyond the new unit count are removed.
func (e *SyncEngine) ApplyUpserts(ctx context.Context, lib *storage.Library, filePath string, units []extract.ContentUnit, results []embed.Result) (FileSync, error) {
	var out FileSync

	existing, err := e.units.ForFile(ctx, lib.ID, filePath)
	if err != nil {
		return out, err
	}
	byPos := make(map[int]storage.UnitRecord, len(existing))
	for _, r := range existing {
		byPos[r.Position] = r
	}

	embedded := make(map[int]embed.Result, len(results))
	var points []vectorstore.Point
	var providers []string
	for _, r := range results {
		if r.Err != nil {
			out.Failed++
			out.Errors = append(out.Errors, fmt.Errorf("%s:%d: %w", filePath, r.Unit.StartLine, r.Err))
			continue
		}
		embedded[r.Unit.Position] = r
		if !slices.Contains(providers, r.Vector.Provider) {
			providers = append(providers, r.Vector.Provider)
		}
		points = append(points, vectorstore.Point{
			ID:       UnitID(lib.ID, filePath, r.Unit.Position),
			Vector:   r.Vector.Values,
			Metadata: unitMetadata(lib, r.Unit, r.Vector.Provider),
		})
	}

	if len(points) > 0 {
		// A file embedded across a failover carries two providers; the
		// collection accepts only one of them
		for _, provider := range providers {
			if err := e.EnsureCollection(ctx, lib.Collection, provider, len(points[0].Vector)); err != nil {
				return out, err
			}
		}
		vctx, cancel := e.vectorCtx(ctx)
		err := e.vectors.Upsert(vctx, lib.Collection, points)
		cancel()
		if err != nil {
			return out, e.vectorError("upsert", err)
		}
		out.Upserted = len(points)
	}

	// Stale positions: the file now has fewer units
	var stale []string
	for pos, r := range byPos {
		if pos >= len(units) {
			stale = append(stale, r.UnitID)
		}
	}
	if len(stale) > 0 {
		vctx, cancel := e.vectorCtx(ctx)
		err := e.vectors.Delete(vctx, lib.Collection, stale)
		cancel()
		if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return out, e.vectorError("delete stale units", err)
		}
		out.Deleted = len(stale)
	}

	records := make([]storage.UnitRecord, 0, len(units))
	for _, u := range units {
		if r, ok := embedded[u.Position]; ok {
			records = append(records, storage.UnitRecord{
				LibraryID:   lib.ID,
				FilePath:    filePath,
				UnitID:      UnitID(lib.ID, filePath, u.Position),
				Position:    u.Position,
				ContentHash: u.Hash,
				StartLine:   u.StartLine,
				EndLine:     u.EndLine,
				Provider:    r.Vector.Provider,
			})
			continue
		}
		if prev, ok := byPos[u.Position]; ok {
			if prev.ContentHash == u.Hash {
				out.Unchanged++
			}
			records = append(records, prev)
		}
	}
	if err := e.units.ReplaceFile(ctx, lib.ID, filePath, records); err != nil {
		return out, err
	}
	return out, nil
}

// ApplyDeletes removes every vector recorded for the given files, then their
// records. Vectors go first so a failure leaves the records to retry with.
func (e *SyncEngine) ApplyDeletes(ctx context.Context, lib *storage.Library, filePaths []string) (int, error) {
	deleted := 0
	for _, path := range filePaths {
		existing, err := e.units.ForFile(ctx, lib.ID, path)
		if err != nil {
			return deleted, err
		}
		if len(existing) == 0 {
			continue
		}

		ids := make([]string, len(existing))
		for i, r := range existing {
			ids[i] = r.UnitID
		}
		vctx, cancel := e.vectorCtx(ctx)
		err = e.vectors.Delete(vctx, lib.Collection, ids)
		cancel()
		if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return deleted, e.vectorError("delete", err)
		}

		if _, err := e.units.DeleteFile(ctx, lib.ID, path); err != nil {
			return deleted, err
		}
		deleted += len(ids)
	}
	return deleted, nil
}

// DropLibrary removes the library's collection and unit records.
func (e *SyncEngine) DropLibrary(ctx context.Context, lib *storage.Library) error {
	vctx, cancel := e.vectorCtx(ctx)
	err := e.vectors.DeleteCollection(vctx, lib.Collection)
	cancel()
	if err != nil {
		return e.vectorError("delete collection", err)
	}

	e.mu.Lock()
	delete(e.ensured, lib.Collection)
	e.mu.Unlock()

	return e.units.DeleteLibrary(ctx, lib.ID)
}

// Search queries the library's collection.
func (e *SyncEngine) Search(ctx context.Context, lib *storage.Library, query []float32, limit int, threshold float32) ([]vectorstore.SearchResult, error) {
	vctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	results, err := e.vectors.Search(vctx, lib.Collection, query, limit, threshold)
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return nil, nil
	case err != nil:
		return nil, e.vectorError("search", err)
	}
	return results, nil
}

func (e *SyncEngine) vectorError(op string, err error) error {
	switch {
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return configError("dimensions", err)
	case errors.Is(err, vectorstore.ErrProviderMismatch):
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrVectorStore, op, err)
}

func unitMetadata(lib *storage.Library, u extract.ContentUnit, provider string) map[string]string {
	m := map[string]string{
		"library_id": lib.ID,
		"file_path":  u.FilePath,
		"language":   u.Language,
		"kind":       u.Kind,
		"start_line": strconv.Itoa(u.StartLine),
		"end_line":   strconv.Itoa(u.EndLine),
		"hash":       u.Hash,
		"provider":   provider,
	}
	if label := u.Label(); label != "" {
		m["label"] = label
	}
	return m
}
