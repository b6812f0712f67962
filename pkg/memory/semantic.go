package memory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloros-systems/introspectd/internal/ierrors"
)

// SemanticStore appends to capability_failures, grounded on
// original_source's SemanticEvidenceStore.record_failure usage from the
// investigation consumer: one row per failed investigation attempt,
// keyed by the capability the question was decomposed from. It
// satisfies pkg/investigator.SemanticStore.
type SemanticStore struct {
	pool *pgxpool.Pool
}

// NewSemanticStore wraps pool, shared with Store per spec's
// single-pool-per-process requirement.
func NewSemanticStore(pool *pgxpool.Pool) *SemanticStore {
	return &SemanticStore{pool: pool}
}

// RecordFailure appends a capability_failures row for capabilityKey.
func (s *SemanticStore) RecordFailure(ctx context.Context, capabilityKey, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO capability_failures (capability_key, reason, created_at) VALUES ($1, $2, $3)`,
		capabilityKey, reason, time.Now(),
	)
	if err != nil {
		return ierrors.FailedTo("memory.SemanticStore", "record failure", err)
	}
	return nil
}
