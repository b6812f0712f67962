// Package ruleengine turns a stream of observer Events into Intents.
// It is ported from original_source/src/observability/observer/rules.py's
// RuleEngine: bounded per-kind history for pattern rules, a per-hash_key
// rate limiter, and a per-intent-kind cooldown tracker.
package ruleengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// rule is a pure function over the engine's state and one event; it
// returns nil when it doesn't match.
type rule func(*Engine, model.Event) *model.Intent

// Engine is the stateful rule evaluator. Construct with New; it is
// safe for concurrent use.
type Engine struct {
	cfg *config.RuleEngineConfig

	mu         sync.Mutex
	history    map[string][]model.Event // event kind -> ring buffer
	lastSeen   map[string]time.Time     // hash_key -> last processed
	lastIntent map[model.IntentKind]time.Time

	rules []rule
}

// New builds an Engine from its configuration. Rules are evaluated in
// the fixed order below on every call to Process — first match wins,
// mirroring the `rules` list built once per process() call in the
// original.
func New(cfg *config.RuleEngineConfig) *Engine {
	e := &Engine{
		cfg:        cfg,
		history:    make(map[string][]model.Event),
		lastSeen:   make(map[string]time.Time),
		lastIntent: make(map[model.IntentKind]time.Time),
	}
	// Heartbeat stall is evaluated out-of-band via CheckHeartbeatStall
	// (see its doc comment for why it cannot be a per-event rule).
	e.rules = []rule{
		(*Engine).ruleOperationalError,
		(*Engine).rulePromotionCluster,
		(*Engine).rulePhaseFailure,
		(*Engine).ruleLockContention,
		(*Engine).ruleGPUOOM,
		(*Engine).ruleVLLMOOMGuard,
		(*Engine).rulePhaseTimeout,
		(*Engine).ruleDreamError,
		(*Engine).ruleSystemdDisabled,
	}
	return e
}

// isOperationalOrCritical reports whether kind is one of the four error
// kinds that bypass rate limiting, per spec's "guarantee cascading
// failures are visible."
func isOperationalOrCritical(kind string) bool {
	switch kind {
	case model.EventKindErrorOperational, model.EventKindErrorCritical,
		model.EventKindErrorKernelOperational, model.EventKindErrorKernelCritical:
		return true
	default:
		return false
	}
}

// Process runs one Event through the rule engine, returning the first
// matching rule's Intent, or nil if no rule fired or the event was
// rate-limited.
func (e *Engine) Process(ev model.Event) *model.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendHistory(ev)
	e.pruneHistory()

	if e.isRateLimited(ev) {
		return nil
	}

	for _, r := range e.rules {
		if intent := r(e, ev); intent != nil {
			e.lastIntent[intent.Kind] = time.Now()
			slog.Info("rule triggered", "intent_kind", intent.Kind, "reason", intent.Reason)
			return intent
		}
	}
	return nil
}

func (e *Engine) appendHistory(ev model.Event) {
	h := e.history[ev.Kind]
	h = append(h, ev)
	cap := e.cfg.HistoryCapacity
	if cap <= 0 {
		cap = 100
	}
	if len(h) > cap {
		h = h[len(h)-cap:]
	}
	e.history[ev.Kind] = h
}

// retentionWindow returns how long kind's history must be kept: the
// longest window any rule reads that kind over. rulePromotionCluster
// reads PromotionWindow of promotion_new and CheckHeartbeatStall reads
// HeartbeatStallWindow of dream_heartbeat, both of which can exceed
// RateLimitWindow under default config, so a single engine-wide cutoff
// would prune events those rules still need to see. Everything else
// only needs enough history for the rate limiter itself.
func (e *Engine) retentionWindow(kind string) time.Duration {
	window := e.cfg.RateLimitWindow
	switch kind {
	case model.EventKindPromotionNew:
		if e.cfg.PromotionWindow > window {
			window = e.cfg.PromotionWindow
		}
	case model.EventKindDreamHeartbeat:
		if e.cfg.HeartbeatStallWindow > window {
			window = e.cfg.HeartbeatStallWindow
		}
	}
	return window
}

// pruneHistory removes events older than each kind's retention window,
// generalizing _prune_history's single cutoff so a kind read by a
// longer-window rule (see retentionWindow) isn't pruned down to the
// rate-limit window before that rule ever sees it.
func (e *Engine) pruneHistory() {
	now := time.Now()
	for kind, h := range e.history {
		cutoff := now.Add(-e.retentionWindow(kind))
		i := 0
		for i < len(h) && h[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			e.history[kind] = h[i:]
		}
	}
}

// isRateLimited mirrors _is_rate_limited: operational/critical kinds
// always pass through and leave the last-seen map untouched; everything
// else must wait 60s between repeats of the same hash_key.
func (e *Engine) isRateLimited(ev model.Event) bool {
	if isOperationalOrCritical(ev.Kind) {
		return false
	}

	key := ev.HashKey()
	last, seen := e.lastSeen[key]
	now := time.Now()

	if seen && now.Sub(last) < 60*time.Second {
		return true
	}

	e.lastSeen[key] = now
	return false
}

func (e *Engine) recentHistory(kind string, window time.Duration) []model.Event {
	cutoff := time.Now().Add(-window)
	h := e.history[kind]
	var out []model.Event
	for _, ev := range h {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

func (e *Engine) onCooldown(kind model.IntentKind, cooldown time.Duration) bool {
	last, ok := e.lastIntent[kind]
	if !ok {
		return false
	}
	return time.Since(last) < cooldown
}
