package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// newTestStore starts a throwaway Postgres container and returns a
// Store migrated against it, mirroring the teacher's
// pkg/database/client_test.go container-per-test pattern.
func newTestStore(t *testing.T, sink IntentSink) *Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("introspectd_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, config.MemoryConfig{DatabaseURL: connStr}, sink)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestStoreEventAndVerifyStoredRoundTrip(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id, err := store.StoreEvent(ctx, model.MemoryEvent{
		EventType: "observation",
		Source:    "test",
		Metadata:  map[string]any{"kind": "gpu_oom"},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	verified, err := store.VerifyStored(ctx, id)
	require.NoError(t, err)
	assert.True(t, verified)

	missing, err := store.VerifyStored(ctx, id+999999)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestGetEventsFiltersByTypeAndSource(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, model.MemoryEvent{EventType: "observation", Source: "observer"})
	require.NoError(t, err)
	_, err = store.StoreEvent(ctx, model.MemoryEvent{EventType: "investigation", Source: "investigator"})
	require.NoError(t, err)

	events, err := store.GetEvents(ctx, Filter{EventType: "investigation"}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "investigator", events[0].Source)
}

func TestConsistencyCheckFindsMissingMetadataAndFilesIntent(t *testing.T) {
	sink := &fakeSink{}
	store := newTestStore(t, sink)
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, model.MemoryEvent{EventType: "investigation", Source: "investigator"})
	require.NoError(t, err)

	report, err := store.ConsistencyCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedMetadata)
	assert.Positive(t, report.Violations())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.routed, 1)
	assert.Equal(t, model.IntentCuriosityInvestigate, sink.routed[0].Kind)
	assert.Equal(t, "high", sink.routed[0].Priority)
}

func TestConsistencyCheckCleanWhenNoViolations(t *testing.T) {
	sink := &fakeSink{}
	store := newTestStore(t, sink)
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, model.MemoryEvent{
		EventType: "observation",
		Source:    "observer",
		Metadata:  map[string]any{"kind": "gpu_oom"},
	})
	require.NoError(t, err)

	report, err := store.ConsistencyCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Violations())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.routed)
}

func TestSemanticStoreRecordFailure(t *testing.T) {
	store := newTestStore(t, nil)
	sem := NewSemanticStore(store.Pool())
	ctx := context.Background()

	require.NoError(t, sem.RecordFailure(ctx, "self_healing.q1", "timeout"))
	require.NoError(t, sem.RecordFailure(ctx, "self_healing.q1", "no evidence"))

	var count int
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT count(*) FROM capability_failures WHERE capability_key = $1`, "self_healing.q1",
	).Scan(&count))
	assert.Equal(t, 2, count)
}

type fakeSink struct {
	mu     sync.Mutex
	routed []model.Intent
}

func (s *fakeSink) Route(_ context.Context, intent model.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routed = append(s.routed, intent)
	return nil
}
