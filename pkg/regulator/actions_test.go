package regulator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

func testActionCfg() config.RegulatorConfig {
	cfg := config.Default().Regulator
	cfg.ActionCooldown = time.Hour
	return cfg
}

func newTestRunner(t *testing.T, store EventStore) (*ActionRunner, *fakeBus) {
	dir := t.TempDir()
	bus := newFakeBus()
	return newActionRunner(testActionCfg(), bus, store, filepath.Join(dir, "brake"), filepath.Join(dir, "actions.jsonl")), bus
}

func TestDispatchSummarizeContextStoresEvent(t *testing.T) {
	store := &fakeStore{}
	a, _ := newTestRunner(t, store)

	a.dispatch(context.Background(), topicAffectMemoryPressure, map[string]any{
		"severity":            "high",
		"evidence":            []string{"gc pause spike"},
		"autonomous_actions": []string{"summarize conversation context"},
	})

	assert.Equal(t, 1, store.stored)
}

func TestDispatchHonorsPerActionCooldown(t *testing.T) {
	store := &fakeStore{}
	a, _ := newTestRunner(t, store)

	payload := map[string]any{"autonomous_actions": []string{"summarize the context"}}
	a.dispatch(context.Background(), topicAffectMemoryPressure, payload)
	a.dispatch(context.Background(), topicAffectMemoryPressure, payload)

	assert.Equal(t, 1, store.stored, "second call within the cooldown window must be skipped")
}

func TestDispatchArchiveCompletedTasksRoutesOnKeywords(t *testing.T) {
	store := &fakeStore{}
	a, _ := newTestRunner(t, store)

	a.dispatch(context.Background(), topicAffectContextOverflow, map[string]any{
		"evidence":            []string{"task-17 complete"},
		"autonomous_actions": []string{"archive old completed tasks"},
	})

	assert.Equal(t, 1, store.stored)
}

func TestDispatchTaskFailurePatternAlwaysRunsAnalysis(t *testing.T) {
	store := &fakeStore{}
	a, _ := newTestRunner(t, store)

	a.dispatch(context.Background(), topicAffectTaskFailurePattern, map[string]any{
		"root_causes":       []string{"timeout contacting backend"},
		"autonomous_actions": []string{"unrelated text that matches nothing"},
	})

	assert.Equal(t, 1, store.stored)
}

func TestDispatchTaskFailurePatternSkipsWithNoRootCauses(t *testing.T) {
	store := &fakeStore{}
	a, _ := newTestRunner(t, store)

	a.dispatch(context.Background(), topicAffectTaskFailurePattern, map[string]any{})

	assert.Equal(t, 0, store.stored)
}

func TestDispatchOptimizePerformancePublishesWhenOverThreshold(t *testing.T) {
	a, bus := newTestRunner(t, nil)

	a.dispatch(context.Background(), topicAffectResourceStrain, map[string]any{
		"swap_used_mb":        15000.0,
		"memory_used_pct":     85.0,
		"autonomous_actions": []string{"optimize performance now"},
	})

	require.Contains(t, bus.topics(), "OPTIMIZE_MEMORY_USAGE")
}

func TestDispatchOptimizePerformanceNoopsBelowThreshold(t *testing.T) {
	a, bus := newTestRunner(t, nil)

	a.dispatch(context.Background(), topicAffectResourceStrain, map[string]any{
		"swap_used_mb":        100.0,
		"memory_used_pct":     10.0,
		"autonomous_actions": []string{"optimize performance now"},
	})

	assert.NotContains(t, bus.topics(), "OPTIMIZE_MEMORY_USAGE")
}

func TestDispatchThrottleInvestigationsDoesNotPublish(t *testing.T) {
	a, bus := newTestRunner(t, nil)

	a.dispatch(context.Background(), topicAffectMemoryPressure, map[string]any{
		"autonomous_actions": []string{"throttle investigation concurrency"},
	})

	assert.Empty(t, bus.topics(), "throttleInvestigations only logs; the pressure level already published the throttle request")
}

func TestSummarizeContextSkippedWithNoStore(t *testing.T) {
	a, _ := newTestRunner(t, nil)

	a.summarizeContext(context.Background(), []string{"e"})
}

func TestSummarizeContextFailedWhenStoreErrors(t *testing.T) {
	a, _ := newTestRunner(t, &erroringStore{})

	a.summarizeContext(context.Background(), []string{"e"})
}

func TestEmergencyBrakeActiveReflectsFlagFile(t *testing.T) {
	a, _ := newTestRunner(t, nil)

	assert.False(t, a.emergencyBrakeActive())
}

type erroringStore struct {
	mu sync.Mutex
}

func (s *erroringStore) StoreEvent(_ context.Context, _ model.MemoryEvent) (int64, error) {
	return 0, errors.New("write failed")
}

func (s *erroringStore) VerifyStored(_ context.Context, _ int64) (bool, error) {
	return false, nil
}
