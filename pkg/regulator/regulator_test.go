package regulator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/chembus"
	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string][]chembus.Handler
	published []model.Signal
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]chembus.Handler)}
}

func (b *fakeBus) Subscribe(topic, _, _ string, handler chembus.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return func() {}
}

func (b *fakeBus) Publish(topic string, sig model.Signal) {
	b.mu.Lock()
	b.published = append(b.published, sig)
	b.mu.Unlock()
}

func (b *fakeBus) deliver(topic string, sig model.Signal) {
	b.mu.Lock()
	handlers := append([]chembus.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(sig)
	}
}

func (b *fakeBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, s := range b.published {
		out[i] = s.Topic
	}
	return out
}

func (b *fakeBus) last(topic string) (model.Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].Topic == topic {
			return b.published[i], true
		}
	}
	return model.Signal{}, false
}

func testCfg(t *testing.T) config.RegulatorConfig {
	cfg := config.Default().Regulator
	cfg.ActionCooldown = 0
	cfg.SensorInterval = time.Hour
	_ = t
	return cfg
}

func newTestRegulator(t *testing.T, bus Bus) *Regulator {
	dir := t.TempDir()
	return New(testCfg(t), bus, nil, dir+"/brake", dir+"/actions.jsonl")
}

func TestApplyPressureCriticalSeverityGoesToMaxThrottle(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("critical")

	st := r.State()
	assert.Equal(t, Critical, st.Level)
	assert.Equal(t, criticalMinDelay, st.MinDelay)
	assert.Equal(t, criticalMaxConcurrent, st.MaxConcurrent)
}

func TestApplyPressureHighSeverityDoesNotDowngradeCritical(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("critical")
	r.applyPressure("high")

	assert.Equal(t, Critical, r.State().Level)
}

func TestApplyPressureUnrecognizedSeverityLeavesLevelUnchanged(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("high")
	r.applyPressure("unknown")

	assert.Equal(t, Elevated, r.State().Level)
}

func TestMaybeDecayStepsDownOneLevelAtATime(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("critical")
	require.Equal(t, Critical, r.State().Level)

	r.mu.Lock()
	r.lastPressure = time.Now().Add(-decayAfter - time.Second)
	r.mu.Unlock()
	r.maybeDecay()
	assert.Equal(t, Elevated, r.State().Level)

	r.mu.Lock()
	r.lastPressure = time.Now().Add(-decayAfter - time.Second)
	r.mu.Unlock()
	r.maybeDecay()
	assert.Equal(t, Normal, r.State().Level)
}

func TestMaybeDecayNoopsBeforeDecayWindowElapses(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("critical")
	r.maybeDecay()

	assert.Equal(t, Critical, r.State().Level)
}

func TestApplyLevelLockedPublishesThrottleRequest(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.applyPressure("critical")

	sig, ok := bus.last(topicInvestigationThrottle)
	require.True(t, ok)
	assert.Equal(t, "CRITICAL", sig.Payload["pressure_level"])
	assert.Equal(t, criticalMaxConcurrent, sig.Payload["requested_concurrency"])
}

func TestOnPressureSignalSkipsDispatchWhenEmergencyBrakeActive(t *testing.T) {
	bus := newFakeBus()
	dir := t.TempDir()
	brakeFile := dir + "/brake"
	require.NoError(t, os.WriteFile(brakeFile, []byte("brake\n"), 0o644))

	store := &fakeStore{}
	r := New(testCfg(t), bus, store, brakeFile, dir+"/actions.jsonl")

	r.onPressureSignal(context.Background(), topicAffectMemoryPressure, model.Signal{
		Payload: map[string]any{
			"severity":            "high",
			"autonomous_actions": []string{"summarize context"},
		},
	})

	assert.Equal(t, Elevated, r.State().Level, "pressure level still applies under the brake")
	assert.Equal(t, 0, store.stored, "cognitive actions must not run while the brake is active")
}

func TestStartAndStopSubscribesAndUnwindsCleanly(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegulator(t, bus)

	r.Start(context.Background())
	bus.deliver(topicAffectMemoryPressure, model.Signal{Payload: map[string]any{"severity": "critical"}})

	assert.Equal(t, Critical, r.State().Level)

	r.Stop()
	r.Stop() // idempotent
}

type fakeStore struct {
	mu     sync.Mutex
	stored int
}

func (s *fakeStore) StoreEvent(_ context.Context, _ model.MemoryEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored++
	return int64(s.stored), nil
}

func (s *fakeStore) VerifyStored(_ context.Context, _ int64) (bool, error) {
	return true, nil
}
