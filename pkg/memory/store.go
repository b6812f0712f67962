package memory

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kloros-systems/introspectd/internal/ierrors"
	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the episodic Memory Store: one pgxpool.Pool reused for
// every query this process makes, per spec §4.8's "reuse a single
// connection/client per process" (applied here to its sibling store as
// well, not just the vector index). Grounded on pkg/database/client.go,
// generalized from an Ent-wrapping client to a plain pgx pool since no
// generated Ent client is available to reproduce.
type Store struct {
	pool *pgxpool.Pool
	sink IntentSink
}

// New applies pending migrations against cfg.DatabaseURL, opens its own
// connection pool, and returns a ready Store. Use this when a process
// only needs the Memory Store (not the vector index too); sink may be
// nil if the caller doesn't want ConsistencyCheck to file violation
// intents (e.g. in tests).
func New(ctx context.Context, cfg config.MemoryConfig, sink IntentSink) (*Store, error) {
	if err := RunMigrations(cfg); err != nil {
		return nil, ierrors.FailedTo("memory.New", "apply migrations", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, ierrors.FailedTo("memory.New", "open connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ierrors.FailedTo("memory.New", "ping database", err)
	}

	return &Store{pool: pool, sink: sink}, nil
}

// NewWithPool wraps an already-open pool instead of creating one,
// for a process that also runs pkg/vectorindex and needs both stores
// to share one pgxpool.Pool per spec §4.8's single-pool-per-process
// requirement. The caller is responsible for having already applied
// migrations (via RunMigrations) against that pool's database.
func NewWithPool(pool *pgxpool.Pool, sink IntentSink) *Store {
	return &Store{pool: pool, sink: sink}
}

// Pool exposes the underlying pool so pkg/vectorindex can share it per
// spec §4.8's single-pool-per-process requirement.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool. Only call this on a Store built with New;
// a Store built with NewWithPool doesn't own its pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RunMigrations applies pending memory-store migrations using
// golang-migrate. It opens its own short-lived *sql.DB over the pgx
// stdlib driver rather than borrowing a pgxpool.Pool, since
// golang-migrate's postgres driver wants a database/sql handle,
// mirroring pkg/database/client.go's runMigrations except there is no
// Ent driver to hand the same connection to afterward, so this one is
// closed as soon as migrations finish.
func RunMigrations(cfg config.MemoryConfig) error {
	db, err := stdsql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	// cfg.MigrationsDir lets an operator point at an on-disk migrations
	// directory (e.g. during development, before a new migration has been
	// embedded into a rebuilt binary); the embedded set is the default and
	// what every production binary ships with, mirroring
	// pkg/database/client.go's embed-first design.
	var m *migrate.Migrate
	if cfg.MigrationsDir != "" {
		m, err = migrate.NewWithDatabaseInstance("file://"+cfg.MigrationsDir, "postgres", driver)
	} else {
		src, srcErr := iofs.New(migrationsFS, "migrations")
		if srcErr != nil {
			return fmt.Errorf("create embedded migration source: %w", srcErr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// StoreEvent inserts event and returns its generated id, inside an
// explicit transaction so no partial state (an id with no row, or a row
// without its id reported back) is ever observable.
func (s *Store) StoreEvent(ctx context.Context, event model.MemoryEvent) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, ierrors.FailedTo("memory.Store", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO memory_events (event_type, source, content, metadata, conversation_id, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		event.EventType, event.Source, event.Content, jsonbOrEmpty(event.Metadata),
		nullableString(event.ConversationID), event.Confidence, event.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, ierrors.FailedTo("memory.Store", "insert event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, ierrors.FailedTo("memory.Store", "commit transaction", err)
	}
	return id, nil
}

// VerifyStored re-reads id, used by the self-regulator's cognitive
// actions to confirm a write landed per spec's round-trip law.
func (s *Store) VerifyStored(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM memory_events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, ierrors.FailedTo("memory.Store", "verify stored event", err)
	}
	return exists, nil
}

// GetEvents returns up to limit events matching filter, most recent
// first.
func (s *Store) GetEvents(ctx context.Context, filter Filter, limit int) ([]model.MemoryEvent, error) {
	query := `SELECT id, event_type, source, content, metadata, conversation_id, confidence, created_at FROM memory_events WHERE 1=1`
	args := make([]any, 0, 5)

	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		query += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ierrors.FailedTo("memory.Store", "query events", err)
	}
	defer rows.Close()

	var events []model.MemoryEvent
	for rows.Next() {
		var e model.MemoryEvent
		var metadata map[string]any
		var conversationID *string
		if err := rows.Scan(&e.ID, &e.EventType, &e.Source, &e.Content, &metadata, &conversationID, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, ierrors.FailedTo("memory.Store", "scan event row", err)
		}
		e.Metadata = metadata
		if conversationID != nil {
			e.ConversationID = *conversationID
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ierrors.FailedTo("memory.Store", "iterate event rows", err)
	}
	return events, nil
}

// ConsistencyCheck scans recent events for invariant violations: a
// metadata object whose JSON is present but empty where the event type
// requires detail (orphaned metadata), a missing/zero timestamp, or an
// event_type outside model.KnownEventTypes. On any nonzero finding it
// files a high-priority curiosity_investigate intent describing what
// was found, per spec's MemoryConsistencyViolation policy.
func (s *Store) ConsistencyCheck(ctx context.Context) (ConsistencyReport, error) {
	report := ConsistencyReport{CheckedAt: time.Now()}

	events, err := s.GetEvents(ctx, Filter{}, 1000)
	if err != nil {
		return report, err
	}
	report.Scanned = len(events)

	for _, e := range events {
		if e.CreatedAt.IsZero() {
			report.MissingTimestamps++
		}
		if !model.KnownEventTypes[e.EventType] {
			report.InvalidEventTypes++
		}
		if e.EventType == "investigation" && len(e.Metadata) == 0 {
			report.OrphanedMetadata++
		}
	}

	if report.Violations() > 0 && s.sink != nil {
		intent := model.Intent{
			Kind:   model.IntentCuriosityInvestigate,
			Reason: fmt.Sprintf("memory consistency sweep found %d violation(s) across %d events", report.Violations(), report.Scanned),
			Evidence: []string{
				fmt.Sprintf("orphaned_metadata=%d", report.OrphanedMetadata),
				fmt.Sprintf("missing_timestamps=%d", report.MissingTimestamps),
				fmt.Sprintf("invalid_event_types=%d", report.InvalidEventTypes),
			},
			Facts: map[string]any{
				"question_id": "memory.consistency_check",
			},
			Priority:  "high",
			CreatedAt: time.Now(),
		}
		if err := s.sink.Route(ctx, intent); err != nil {
			slog.Error("memory: failed to file consistency-violation intent", "error", err)
		}
	}

	return report, nil
}

// nullableString maps an empty string to a SQL NULL, since
// conversation_id is optional per spec.md and empty-vs-absent
// shouldn't be conflated in the stored row.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonbOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
