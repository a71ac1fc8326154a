package vectorstore

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const pgvectorSchema = `
CREATE TABLE IF NOT EXISTS vector_collections (
	name       TEXT PRIMARY KEY,
	dims       INTEGER NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE vector_collections ADD COLUMN IF NOT EXISTS provider TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS vector_points (
	collection TEXT NOT NULL REFERENCES vector_collections(name) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	embedding  vector NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (collection, id)
);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PgvectorStore is a Client backed by Postgres with the pgvector extension.
// All collections share one points table; dimensionality is kept per collection.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore connects to dsn, installs the extension and schema, and
// registers the vector type on every pooled connection.
func NewPgvectorStore(ctx context.Context, dsn string) (*PgvectorStore, error) {
	if dsn == "" {
		return nil, errors.New("pgvector backend requires a postgres DSN")
	}

	// The extension must exist before the type can be registered on pool connections.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err == nil {
		_, err = conn.Exec(ctx, pgvectorSchema)
	}
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgvector schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	return &PgvectorStore{pool: pool}, nil
}

// Backend implements Client.
func (s *PgvectorStore) Backend() string {
	return BackendPgvector
}

// EnsureCollection implements Client.
func (s *PgvectorStore) EnsureCollection(ctx context.Context, name, provider string, dims int) (CollectionInfo, error) {
	if dims <= 0 {
		return CollectionInfo{}, fmt.Errorf("invalid dimensions %d for collection %s", dims, name)
	}

	sql, args, err := psql.Insert("vector_collections").
		Columns("name", "dims", "provider").
		Values(name, dims, provider).
		Suffix("ON CONFLICT (name) DO NOTHING").
		ToSql()
	if err != nil {
		return CollectionInfo{}, err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	info, err := s.CollectionInfo(ctx, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	existing := collectionMeta{Dims: info.Dimensions, Provider: info.Provider}
	if err := checkOwner(name, existing, true, provider, dims); err != nil {
		return CollectionInfo{}, err
	}

	if info.Provider == "" && provider != "" {
		sql, args, err := psql.Update("vector_collections").
			Set("provider", provider).
			Where(sq.Eq{"name": name, "provider": ""}).
			ToSql()
		if err != nil {
			return CollectionInfo{}, err
		}
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			return CollectionInfo{}, fmt.Errorf("failed to record provider of collection %s: %w", name, err)
		}
		info.Provider = provider
	}
	return info, nil
}

// CollectionInfo implements Client.
func (s *PgvectorStore) CollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	sql, args, err := psql.Select("c.dims", "c.provider", "COUNT(p.id)").
		From("vector_collections c").
		LeftJoin("vector_points p ON p.collection = c.name").
		Where(sq.Eq{"c.name": name}).
		GroupBy("c.dims", "c.provider").
		ToSql()
	if err != nil {
		return CollectionInfo{}, err
	}

	info := CollectionInfo{Name: name, Backend: BackendPgvector, Status: CollectionReady}
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&info.Dimensions, &info.Provider, &info.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return CollectionInfo{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to read collection %s: %w", name, err)
	}
	return info, nil
}

// Upsert implements Client. Points are sent as one pipelined batch.
func (s *PgvectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(collection, info.Dimensions, points); err != nil {
		return err
	}

	const upsert = `INSERT INTO vector_points (collection, id, embedding, metadata)
VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`

	batch := &pgx.Batch{}
	for _, p := range points {
		metadata := p.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		batch.Queue(upsert, collection, p.ID, pgvector.NewVector(p.Vector), metadata)
	}

	results := s.pool.SendBatch(ctx, batch)
	for range points {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to upsert points into %s: %w", collection, err)
		}
	}
	return results.Close()
}

// Delete implements Client.
func (s *PgvectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	sql, args, err := psql.Delete("vector_points").
		Where(sq.Eq{"collection": collection, "id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

// Search implements Client using cosine distance (score = 1 - distance).
func (s *PgvectorStore) Search(ctx context.Context, collection string, query []float32, limit int, threshold float32) ([]SearchResult, error) {
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(query) != info.Dimensions {
		return nil, fmt.Errorf("%w: collection %s has %d dimensions, query has %d",
			ErrDimensionMismatch, collection, info.Dimensions, len(query))
	}
	if limit <= 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(query)
	sql, args, err := psql.Select("id", "metadata").
		Column(sq.Expr("1 - (embedding <=> ?)", vec)).
		From("vector_points").
		Where(sq.Eq{"collection": collection}).
		Where(sq.Expr("1 - (embedding <=> ?) >= ?", vec, threshold)).
		OrderByClause("embedding <=> ?", vec).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r     SearchResult
			score float64
		)
		if err := rows.Scan(&r.ID, &r.Metadata, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteCollection implements Client. Points go with the collection (ON DELETE CASCADE).
func (s *PgvectorStore) DeleteCollection(ctx context.Context, name string) error {
	sql, args, err := psql.Delete("vector_collections").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

// Close implements Client.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}
