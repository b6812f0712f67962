package vectorindex

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	pgvectorgo "github.com/pgvector/pgvector-go"
	pgvectorpgx "github.com/pgvector/pgvector-go/pgx"

	"github.com/kloros-systems/introspectd/internal/ierrors"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

//go:embed migrations
var migrationsFS embed.FS

// PgvectorAdapter is a Postgres+pgvector implementation of Adapter,
// grounded on other_examples/engram's use of pgvector-go + pgx as a
// direct "Postgres as vector store" dependency pair. It shares the
// Memory Store's pgxpool.Pool per spec §4.8's single-pool-per-process
// requirement; callers pass that pool in rather than PgvectorAdapter
// opening its own.
type PgvectorAdapter struct {
	pool *pgxpool.Pool
}

// NewAdapterWithPool wraps an already-open, vector-type-registered pool
// (see OpenSharedPool). Migrations must already have been applied via
// RunMigrations.
func NewAdapterWithPool(pool *pgxpool.Pool) *PgvectorAdapter {
	return &PgvectorAdapter{pool: pool}
}

// OpenSharedPool parses dsn, opens a pgxpool.Pool whose every connection
// registers pgvector's "vector" type via AfterConnect, and pings it.
// This is the pool a process that runs both the Memory Store and the
// vector index should build once and hand to both
// memory.NewWithPool and NewAdapterWithPool, per spec §4.8's
// single-pool-per-process requirement. RunMigrations must have created
// the vector extension before this is called, or registration fails.
func OpenSharedPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, ierrors.FailedTo("vectorindex.OpenSharedPool", "parse connection string", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvectorpgx.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, ierrors.FailedTo("vectorindex.OpenSharedPool", "open connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ierrors.FailedTo("vectorindex.OpenSharedPool", "ping database", err)
	}
	return pool, nil
}

// RunMigrations applies pending vector-index migrations (the pgvector
// extension and the vector_docs table) against dsn.
func RunMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create embedded migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Upsert writes doc via INSERT ... ON CONFLICT (collection, id) DO
// UPDATE, idempotent by construction per spec §4.8.
func (a *PgvectorAdapter) Upsert(ctx context.Context, doc model.VectorDoc) error {
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO vector_docs (collection, id, path, embedding, metadata, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (collection, id) DO UPDATE SET
		   path = EXCLUDED.path,
		   embedding = EXCLUDED.embedding,
		   metadata = EXCLUDED.metadata,
		   modified_at = EXCLUDED.modified_at`,
		doc.Collection, doc.ID, doc.Path, pgvectorgo.NewVector(doc.Embedding), doc.Metadata, doc.ModifiedAt,
	)
	if err != nil {
		return ierrors.FailedTo("vectorindex.PgvectorAdapter", "upsert document", err)
	}
	return nil
}

// Query returns collection's topK nearest neighbors to embedding by
// cosine distance (pgvector's "<=>" operator).
func (a *PgvectorAdapter) Query(ctx context.Context, collection string, embedding []float32, topK int) ([]model.VectorDoc, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT collection, id, path, embedding, metadata, modified_at
		 FROM vector_docs WHERE collection = $1
		 ORDER BY embedding <=> $2 LIMIT $3`,
		collection, pgvectorgo.NewVector(embedding), topK,
	)
	if err != nil {
		return nil, ierrors.FailedTo("vectorindex.PgvectorAdapter", "query nearest neighbors", err)
	}
	defer rows.Close()

	var docs []model.VectorDoc
	for rows.Next() {
		var doc model.VectorDoc
		var vec pgvectorgo.Vector
		var metadata map[string]any
		if err := rows.Scan(&doc.Collection, &doc.ID, &doc.Path, &vec, &metadata, &doc.ModifiedAt); err != nil {
			return nil, ierrors.FailedTo("vectorindex.PgvectorAdapter", "scan document row", err)
		}
		doc.Embedding = vec.Slice()
		doc.Metadata = metadata
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// IsStale reports whether path has no indexed row in collection, or
// its recorded modified_at is older than mtime.
func (a *PgvectorAdapter) IsStale(ctx context.Context, collection, path string, mtime time.Time) (bool, error) {
	var modifiedAt time.Time
	err := a.pool.QueryRow(ctx,
		`SELECT modified_at FROM vector_docs WHERE collection = $1 AND path = $2`,
		collection, path,
	).Scan(&modifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, ierrors.FailedTo("vectorindex.PgvectorAdapter", "check staleness", err)
	}
	return mtime.After(modifiedAt), nil
}

// GetIndexedFiles returns every indexed path in collection mapped to
// its recorded modification time.
func (a *PgvectorAdapter) GetIndexedFiles(ctx context.Context, collection string) (map[string]time.Time, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT path, modified_at FROM vector_docs WHERE collection = $1 AND path IS NOT NULL AND path <> ''`,
		collection,
	)
	if err != nil {
		return nil, ierrors.FailedTo("vectorindex.PgvectorAdapter", "list indexed files", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var path string
		var modifiedAt time.Time
		if err := rows.Scan(&path, &modifiedAt); err != nil {
			return nil, ierrors.FailedTo("vectorindex.PgvectorAdapter", "scan indexed file row", err)
		}
		out[path] = modifiedAt
	}
	return out, rows.Err()
}
