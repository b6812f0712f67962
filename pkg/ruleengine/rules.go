package ruleengine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// vllmDeficitPattern extracts the allocation/need/deficit megabyte
// values from a VLLM OOM error message, ported verbatim from the
// original's vllm_pattern regex.
var vllmDeficitPattern = regexp.MustCompile(
	`VLLM allocation \((?P<alloc_mb>\d+)MB\) too small.*need (?P<need_mb>\d+)MB.*deficit: (?P<deficit_mb>\d+)MB`)

// ruleOperationalError is evaluated first: any operational or critical
// error kind becomes an immediate curiosity_investigate intent.
// Critical kinds are priority "critical" and operational kinds "high";
// both bypass rate limiting (enforced upstream in isRateLimited).
func (e *Engine) ruleOperationalError(ev model.Event) *model.Intent {
	switch ev.Kind {
	case model.EventKindErrorOperational, model.EventKindErrorCritical,
		model.EventKindErrorKernelOperational, model.EventKindErrorKernelCritical:
	default:
		return nil
	}

	isKernel := strings.HasPrefix(ev.Kind, "error_kernel")
	errorContext := "service"
	if isKernel {
		errorContext = "kernel"
	}

	critical := ev.Kind == model.EventKindErrorCritical || ev.Kind == model.EventKindErrorKernelCritical

	if critical {
		return &model.Intent{
			Kind:   model.IntentCuriosityInvestigate,
			Reason: fmt.Sprintf("CRITICAL %s ERROR detected in %s", strings.ToUpper(errorContext), ev.Unit),
			Evidence: []string{
				fmt.Sprintf("Error message: %s", ev.Message),
				fmt.Sprintf("Source: %s", ev.Unit),
				fmt.Sprintf("Context: %s", errorContext),
				"Severity: CRITICAL",
				fmt.Sprintf("Timestamp: %s", ev.Timestamp),
			},
			Facts: map[string]any{
				"question":       fmt.Sprintf("What caused this critical %s error and how can it be prevented? What remediation steps should be taken?", errorContext),
				"capability_key": fmt.Sprintf("self_healing.critical_%s_error", errorContext),
			},
			Priority:  "critical",
			CreatedAt: time.Now(),
		}
	}

	return &model.Intent{
		Kind:   model.IntentCuriosityInvestigate,
		Reason: fmt.Sprintf("Operational %s error detected in %s", errorContext, ev.Unit),
		Evidence: []string{
			fmt.Sprintf("Error message: %s", ev.Message),
			fmt.Sprintf("Source: %s", ev.Unit),
			fmt.Sprintf("Context: %s", errorContext),
			"Severity: Operational",
			fmt.Sprintf("Timestamp: %s", ev.Timestamp),
		},
		Facts: map[string]any{
			"question":       fmt.Sprintf("What caused this %s error and how can it be prevented? What remediation steps should be taken?", errorContext),
			"capability_key": fmt.Sprintf("self_healing.%s_error_analysis", errorContext),
		},
		Priority:  "high",
		CreatedAt: time.Now(),
	}
}

// rulePromotionCluster fires when 3+ promotion_new events land within
// the configured promotion window, gated by an hour-long cooldown so
// it doesn't re-trigger every time a new promotion arrives mid-cluster.
func (e *Engine) rulePromotionCluster(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindPromotionNew {
		return nil
	}

	recent := e.recentHistory(model.EventKindPromotionNew, e.cfg.PromotionWindow)
	if len(recent) < e.cfg.PromotionClusterMin {
		return nil
	}

	if e.onCooldown(model.IntentTriggerPhasePromotionCluster, e.cfg.PromotionCooldown) {
		return nil
	}

	files := make([]string, 0, len(recent))
	for _, e := range recent {
		files = append(files, e.Path)
	}

	return &model.Intent{
		Kind:   model.IntentTriggerPhasePromotionCluster,
		Reason: fmt.Sprintf("Promotion cluster detected: %d promotions in %s", len(recent), e.cfg.PromotionWindow),
		Facts: map[string]any{
			"promotion_count": len(recent),
			"promotion_files": files,
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// rulePhaseFailure suggests a diagnostic on any phase_error/phase_timeout.
func (e *Engine) rulePhaseFailure(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindPhaseError && ev.Kind != model.EventKindPhaseTimeout {
		return nil
	}
	return &model.Intent{
		Kind:   model.IntentSuggestPhaseDiagnostic,
		Reason: fmt.Sprintf("PHASE failure detected: %s", ev.Kind),
		Facts: map[string]any{
			"event_kind": ev.Kind,
			"message":    ev.Message,
			"unit":       ev.Unit,
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// CheckHeartbeatStall reports a stall when zero dream_heartbeat events
// have landed within the configured window. Unlike the other nine
// rules, this one cannot be driven by event arrival: the original's
// per-event _rule_heartbeat_stall counts the triggering event among
// "recent heartbeats" (it is appended to history before any rule runs),
// so the emptiness check it performs can never observe zero when a
// dream_heartbeat event is what invoked it — the absence of an event is
// what needs detecting, not its presence. This method is instead called
// on a ticker by pkg/observer's manager (see its heartbeat-stall loop),
// which is the redesign this package records in DESIGN.md.
func (e *Engine) CheckHeartbeatStall() *model.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.recentHistory(model.EventKindDreamHeartbeat, e.cfg.HeartbeatStallWindow)
	if len(recent) > 0 {
		return nil
	}

	if e.onCooldown(model.IntentAlertHeartbeatStall, e.cfg.HeartbeatStallWindow) {
		return nil
	}

	intent := &model.Intent{
		Kind:      model.IntentAlertHeartbeatStall,
		Reason:    fmt.Sprintf("D-REAM heartbeat stalled: no ready file updates in %s", e.cfg.HeartbeatStallWindow),
		Priority:  "high",
		CreatedAt: time.Now(),
	}
	e.lastIntent[intent.Kind] = time.Now()
	return intent
}

// ruleLockContention fires when a lock_contention(_high) event's value
// exceeds the configured threshold.
func (e *Engine) ruleLockContention(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindLockContention && ev.Kind != model.EventKindLockContentionHigh {
		return nil
	}

	value := factInt(ev.Facts, "value")
	if value <= e.cfg.LockContentionThreshold {
		return nil
	}

	return &model.Intent{
		Kind:   model.IntentSuggestLockOptimization,
		Reason: fmt.Sprintf("Lock contention spike detected: %d contentions", value),
		Facts: map[string]any{
			"contention_count": value,
			"metric":           factString(ev.Facts, "metric"),
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// ruleGPUOOM fires unconditionally on a gpu_oom event.
func (e *Engine) ruleGPUOOM(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindGPUOOM {
		return nil
	}
	return &model.Intent{
		Kind:   model.IntentAlertGPUOOM,
		Reason: "GPU out of memory error detected",
		Facts: map[string]any{
			"message": ev.Message,
			"unit":    ev.Unit,
		},
		Priority:  "high",
		CreatedAt: time.Now(),
	}
}

// ruleVLLMOOMGuard extracts the allocation deficit from a dream_error
// message matching the VLLM allocation pattern, computes a
// gpu_memory_utilization fix rounded up to the next 0.05 step and
// clamped to [0.60, 0.90], and either
// proposes the fix (trigger_dream) or escalates to manual review
// (alert_vllm_oom_unbounded) when the unclamped value would exceed the
// upper bound. Gated by a 1-hour cooldown to avoid spamming config
// tuning.
func (e *Engine) ruleVLLMOOMGuard(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindDreamError {
		return nil
	}

	match := vllmDeficitPattern.FindStringSubmatch(ev.Message)
	if match == nil {
		return nil
	}

	allocMB, _ := strconv.Atoi(match[1])
	needMB, _ := strconv.Atoi(match[2])
	deficitMB, _ := strconv.Atoi(match[3])

	if e.onCooldown(model.IntentTriggerDream, time.Hour) {
		return nil
	}

	totalMB := float64(e.cfg.VLLMTotalMemoryMB)
	currentUtil := float64(allocMB) / totalMB
	requiredAllocMB := float64(needMB) * 1.10
	targetUtil := requiredAllocMB / totalMB
	targetUtilStepped := roundToStep(targetUtil, 0.05)
	exceedsMax := targetUtilStepped > 0.90
	if targetUtilStepped > 0.90 {
		targetUtilStepped = 0.90
	}
	if targetUtilStepped < 0.60 {
		targetUtilStepped = 0.60
	}

	if exceedsMax {
		return &model.Intent{
			Kind: model.IntentAlertVLLMOOMUnbounded,
			Reason: fmt.Sprintf("VLLM OOM requires gpu_memory_utilization > max bound (need %.2f, max 0.90)",
				targetUtil),
			Facts: map[string]any{
				"message":       ev.Message,
				"deficit_mb":    deficitMB,
				"alloc_mb":      allocMB,
				"need_mb":       needMB,
				"computed_util": targetUtil,
				"max_bound":     0.90,
			},
			Priority:  "high",
			CreatedAt: time.Now(),
		}
	}

	return &model.Intent{
		Kind: model.IntentTriggerDream,
		Reason: fmt.Sprintf("VLLM OOM guard: deficit %dMB -> propose gpu_memory_utilization=%.2f",
			deficitMB, targetUtilStepped),
		Facts: map[string]any{
			"mode":      "config_tuning",
			"subsystem": "vllm",
			"seed_fix": map[string]any{
				"vllm.gpu_memory_utilization": targetUtilStepped,
			},
			"deficit_mb":       deficitMB,
			"alloc_mb":         allocMB,
			"need_mb":          needMB,
			"current_util_est": round2(currentUtil),
			"target_util":      round2(targetUtil),
			"unit":             ev.Unit,
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// rulePhaseTimeout fires on phase_duration_high.
func (e *Engine) rulePhaseTimeout(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindPhaseDurationHigh {
		return nil
	}
	duration := factFloat(ev.Facts, "value")
	return &model.Intent{
		Kind:   model.IntentSuggestPhaseOptimization,
		Reason: fmt.Sprintf("PHASE duration excessive: %.0fs (%.1fh)", duration, duration/3600),
		Facts: map[string]any{
			"duration_seconds": duration,
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// ruleDreamError catches dream_error events not matched by the more
// specific VLLM OOM guard above.
func (e *Engine) ruleDreamError(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindDreamError {
		return nil
	}
	return &model.Intent{
		Kind:   model.IntentSuggestDreamDiagnostic,
		Reason: "D-REAM error detected",
		Facts: map[string]any{
			"message": ev.Message,
			"unit":    ev.Unit,
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// ruleSystemdDisabled turns a disabled-unit observation into a
// low-priority audit question.
func (e *Engine) ruleSystemdDisabled(ev model.Event) *model.Intent {
	if ev.Kind != model.EventKindSystemdDisabled {
		return nil
	}
	unitType := factString(ev.Facts, "unit_type")
	if unitType == "" {
		unitType = "service"
	}
	return &model.Intent{
		Kind:   model.IntentCuriosityInvestigate,
		Reason: fmt.Sprintf("Disabled %s audit: %s", unitType, ev.Unit),
		Evidence: []string{
			fmt.Sprintf("Unit: %s", ev.Unit),
			fmt.Sprintf("Type: %s", unitType),
			"State: disabled",
			fmt.Sprintf("Audit timestamp: %s", ev.Timestamp),
		},
		Facts: map[string]any{
			"question":       fmt.Sprintf("What does %s do? Is it important to my immediate function? Should I have it enabled?", ev.Unit),
			"capability_key": "system_audit.configuration_optimization",
		},
		Priority:  "normal",
		CreatedAt: time.Now(),
	}
}

// roundToStep rounds v up to the next multiple of step; a value already
// on a multiple stays there (the small epsilon absorbs float error in
// v/step).
func roundToStep(v, step float64) float64 {
	return math.Ceil(v/step-1e-9) * step
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func factString(facts map[string]any, key string) string {
	if facts == nil {
		return ""
	}
	if v, ok := facts[key].(string); ok {
		return v
	}
	return ""
}

func factInt(facts map[string]any, key string) int {
	if facts == nil {
		return 0
	}
	switch v := facts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func factFloat(facts map[string]any, key string) float64 {
	if facts == nil {
		return 0
	}
	switch v := facts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
