package ruleengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

func testConfig() *config.RuleEngineConfig {
	return &config.RuleEngineConfig{
		RateLimitWindow:         60 * time.Second,
		HistoryCapacity:         100,
		PromotionClusterMin:     3,
		PromotionWindow:         600 * time.Second,
		PromotionCooldown:       3600 * time.Second,
		HeartbeatStallWindow:    300 * time.Second,
		LockContentionThreshold: 10,
		PhaseDurationThreshold:  7200 * time.Second,
		VLLMTotalMemoryMB:       12288,
		MetaPrefixes:            []string{"meta."},
	}
}

func TestOperationalErrorCriticalBypassesRateLimit(t *testing.T) {
	e := New(testConfig())
	ev := model.Event{Source: "journal", Kind: model.EventKindErrorCritical, Unit: "dream.service", Message: "panic: oops", Timestamp: time.Now()}

	first := e.Process(ev)
	require.NotNil(t, first)
	assert.Equal(t, model.IntentCuriosityInvestigate, first.Kind)
	assert.Equal(t, "critical", first.Priority)

	// A second critical error with the exact same hash_key arrives
	// within the 60s window; it must NOT be rate-limited.
	second := e.Process(ev)
	require.NotNil(t, second)
}

func TestOperationalErrorAlsoBypassesRateLimit(t *testing.T) {
	e := New(testConfig())
	ev := model.Event{Source: "journal", Kind: model.EventKindErrorOperational, Unit: "svc", Message: "failed", Timestamp: time.Now()}

	first := e.Process(ev)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.Priority)

	// Operational (non-critical) errors bypass the rate limiter too, so
	// cascading failures of the same unit all surface.
	second := e.Process(ev)
	require.NotNil(t, second)
}

func TestNonErrorEventIsRateLimitedOnRepeat(t *testing.T) {
	e := New(testConfig())
	ev := model.Event{Source: "metrics", Kind: model.EventKindLockContentionHigh, Unit: "lockX", Facts: map[string]any{"value": 15}, Timestamp: time.Now()}

	first := e.Process(ev)
	require.NotNil(t, first)

	second := e.Process(ev)
	assert.Nil(t, second, "repeated non-error event with same hash_key inside 60s should be rate-limited")
}

func TestPromotionClusterFiresAtThreeAndRespectsCooldown(t *testing.T) {
	e := New(testConfig())

	for i := 0; i < 2; i++ {
		path := fmt.Sprintf("/promotions/p%d.json", i)
		intent := e.Process(model.Event{Source: "fs", Kind: model.EventKindPromotionNew, Path: path, Timestamp: time.Now()})
		assert.Nil(t, intent)
	}

	intent := e.Process(model.Event{Source: "fs", Kind: model.EventKindPromotionNew, Path: "/promotions/p2.json", Timestamp: time.Now()})
	require.NotNil(t, intent)
	assert.Equal(t, model.IntentTriggerPhasePromotionCluster, intent.Kind)

	// A fourth promotion within the cooldown window must not re-fire.
	intent2 := e.Process(model.Event{Source: "fs", Kind: model.EventKindPromotionNew, Path: "/promotions/p3.json", Timestamp: time.Now()})
	assert.Nil(t, intent2)
}

func TestLockContentionThreshold(t *testing.T) {
	e := New(testConfig())

	below := e.Process(model.Event{Source: "metrics", Kind: model.EventKindLockContentionHigh, Unit: "lockA", Facts: map[string]any{"value": 5}, Timestamp: time.Now()})
	assert.Nil(t, below)

	above := e.Process(model.Event{Source: "metrics", Kind: model.EventKindLockContentionHigh, Unit: "lockB", Facts: map[string]any{"value": 15}, Timestamp: time.Now()})
	require.NotNil(t, above)
	assert.Equal(t, model.IntentSuggestLockOptimization, above.Kind)
}

func TestVLLMOOMGuardComputesSteppedUtilization(t *testing.T) {
	e := New(testConfig())
	msg := "VLLM allocation (4915MB) too small for model+cache (need 6070MB, deficit: 1155MB)"

	intent := e.Process(model.Event{Source: "journal", Kind: model.EventKindDreamError, Message: msg, Unit: "vllm", Timestamp: time.Now()})
	require.NotNil(t, intent)
	assert.Equal(t, model.IntentTriggerDream, intent.Kind)

	seedFix, ok := intent.Facts["seed_fix"].(map[string]any)
	require.True(t, ok)
	// need_mb*1.10/total_mb = 6070*1.1/12288 = 0.5434..., rounded up to
	// the next 0.05 step => 0.55, within [0.60,0.90] clamp it becomes 0.60.
	assert.InDelta(t, 0.60, seedFix["vllm.gpu_memory_utilization"], 0.001)
}

func TestVLLMOOMGuardEscalatesWhenUnbounded(t *testing.T) {
	e := New(testConfig())
	// need_mb huge enough that stepped target exceeds 0.90.
	msg := "VLLM allocation (4915MB) too small for model+cache (need 11000MB, deficit: 6085MB)"

	intent := e.Process(model.Event{Source: "journal", Kind: model.EventKindDreamError, Message: msg, Unit: "vllm", Timestamp: time.Now()})
	require.NotNil(t, intent)
	assert.Equal(t, model.IntentAlertVLLMOOMUnbounded, intent.Kind)
}

func TestVLLMOOMGuardOnCooldownFallsThroughToGenericDreamError(t *testing.T) {
	e := New(testConfig())
	msg := "VLLM allocation (4915MB) too small for model+cache (need 6070MB, deficit: 1155MB)"

	first := e.Process(model.Event{Source: "journal", Kind: model.EventKindDreamError, Message: msg, Unit: "vllm-a", Timestamp: time.Now()})
	require.NotNil(t, first)
	assert.Equal(t, model.IntentTriggerDream, first.Kind)

	// Within the guard's 1-hour cooldown the specific VLLM rule no
	// longer matches, so evaluation falls through to the generic
	// dream_error rule rather than staying silent.
	second := e.Process(model.Event{Source: "journal", Kind: model.EventKindDreamError, Message: msg, Unit: "vllm-b", Timestamp: time.Now()})
	require.NotNil(t, second)
	assert.Equal(t, model.IntentSuggestDreamDiagnostic, second.Kind)
}

func TestCheckHeartbeatStallFiresOnlyWhenNoRecentHeartbeats(t *testing.T) {
	e := New(testConfig())

	assert.NotNil(t, e.CheckHeartbeatStall(), "no heartbeats ever seen should be a stall")

	e.Process(model.Event{Source: "fs", Kind: model.EventKindDreamHeartbeat, Unit: "dream.service", Timestamp: time.Now()})
	assert.Nil(t, e.CheckHeartbeatStall(), "a fresh heartbeat should clear the stall")
}

func TestSystemdDisabledProducesAuditQuestion(t *testing.T) {
	e := New(testConfig())
	intent := e.Process(model.Event{Source: "systemd", Kind: model.EventKindSystemdDisabled, Unit: "foo.service", Facts: map[string]any{"unit_type": "service"}, Timestamp: time.Now()})
	require.NotNil(t, intent)
	assert.Equal(t, model.IntentCuriosityInvestigate, intent.Kind)
	assert.Equal(t, "normal", intent.Priority)
}
