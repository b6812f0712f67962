// Package model holds the shared data types that flow between the
// observer, rule engine, router, investigation pool, regulator, and
// memory store. None of these types are ORM-generated; each is a plain
// struct with json tags, persisted either as a file (Intent,
// ProcessedQuestion) or as a Postgres row (MemoryEvent, VectorDoc) by
// the owning package.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Event is a single observation surfaced by one of the Event Observer's
// four sources. Kind is one of the fixed classification strings the
// rule engine matches on (see pkg/ruleengine).
type Event struct {
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Unit      string         `json:"unit,omitempty"`
	Path      string         `json:"path,omitempty"`
	Message   string         `json:"message,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Facts     map[string]any `json:"facts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HashKey identifies events that should be deduplicated against one
// another within the rule engine's rate-limit window. It intentionally
// omits Message/Timestamp/Facts: two events with the same source, kind,
// and (if present) path/unit are the "same" recurring condition.
func (e Event) HashKey() string {
	var b strings.Builder
	b.WriteString(e.Source)
	b.WriteByte(':')
	b.WriteString(e.Kind)
	if e.Path != "" {
		b.WriteByte(':')
		b.WriteString(e.Path)
	}
	if e.Unit != "" {
		b.WriteByte(':')
		b.WriteString(e.Unit)
	}
	return b.String()
}

// Event kind classification strings, ported from
// original_source/.../observer/sources.py's _classify_message and
// _classify_file. Kept as plain strings (not a Go enum type) since the
// rule engine, router, and investigator all match on them by value and
// new kinds are expected to be added without a package-wide type churn.
const (
	EventKindErrorKernelCritical    = "error_kernel_critical"
	EventKindErrorKernelOperational = "error_kernel_operational"
	EventKindErrorCritical          = "error_critical"
	EventKindErrorOperational       = "error_operational"
	EventKindDreamPromotion         = "dream_promotion"
	EventKindDreamGeneration        = "dream_generation"
	EventKindDreamError             = "dream_error"
	EventKindDreamHeartbeat         = "dream_heartbeat"
	EventKindPhaseComplete          = "phase_complete"
	EventKindPhaseTimeout           = "phase_timeout"
	EventKindPhaseError             = "phase_error"
	EventKindGPUOOM                 = "gpu_oom"
	EventKindLockContention         = "lock_contention"
	EventKindLockContentionHigh     = "lock_contention_high"
	EventKindPhaseDurationHigh      = "phase_duration_high"
	EventKindPromotionNew           = "promotion_new"
	EventKindPhaseSignal            = "phase_signal"
	EventKindSystemdDisabled        = "systemd_disabled"
)

// IntentKind enumerates the intents the rule engine may emit, one per
// row of spec.md §4.2's rule table.
type IntentKind string

const (
	IntentCuriosityInvestigate       IntentKind = "curiosity_investigate"
	IntentTriggerPhasePromotionCluster IntentKind = "trigger_phase_promotion_cluster"
	IntentSuggestPhaseDiagnostic     IntentKind = "suggest_phase_diagnostic"
	IntentAlertHeartbeatStall        IntentKind = "alert_heartbeat_stall"
	IntentSuggestLockOptimization    IntentKind = "suggest_lock_optimization"
	IntentAlertGPUOOM                IntentKind = "alert_gpu_oom"
	IntentTriggerDream               IntentKind = "trigger_dream"
	IntentAlertVLLMOOMUnbounded      IntentKind = "alert_vllm_oom_unbounded"
	IntentSuggestPhaseOptimization   IntentKind = "suggest_phase_optimization"
	IntentSuggestDreamDiagnostic     IntentKind = "suggest_dream_diagnostic"
)

// Intent is the rule engine's output: a proposed action derived from
// one or more correlated Events. Evidence carries the raw facts the
// rule matched on, suitable for hashing via EvidenceHash.
type Intent struct {
	Kind      IntentKind     `json:"kind"`
	Reason    string         `json:"reason"`
	Evidence  []string       `json:"evidence,omitempty"`
	Facts     map[string]any `json:"facts,omitempty"`
	Priority  string         `json:"priority,omitempty"` // "critical", "high", "normal", "low"
	CreatedAt time.Time      `json:"created_at"`
}

// Signal is what the Intent Router publishes onto the ChemBus. Topic
// mirrors the Q_*/AFFECT_* names from the external-interfaces section;
// Payload is signal-specific and left as a map for subscribers to
// type-assert the fields they need.
type Signal struct {
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Intensity float64        `json:"intensity,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CuriosityQuestion is the payload of a Q_CURIOSITY_INVESTIGATE signal,
// carried through the investigation worker pool end to end.
type CuriosityQuestion struct {
	QuestionID string         `json:"question_id"`
	Question   string         `json:"question"`
	Priority   string         `json:"priority"` // "critical", "high", "normal", "low"
	Source     string         `json:"source"`
	Facts      map[string]any `json:"facts,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// InvestigationRecord is one completed (or failed/timed-out)
// investigation, appended to the investigations log.
type InvestigationRecord struct {
	QuestionID      string    `json:"question_id"`
	ModuleName      string    `json:"module_name,omitempty"`
	Status          string    `json:"status"` // "completed", "failed" (timeouts included), "unsolvable"
	Evidence        []string  `json:"evidence,omitempty"`
	EvidenceHash    string    `json:"evidence_hash,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	ModelUsed       string    `json:"model_used,omitempty"`
	TokensUsed      int       `json:"tokens_used,omitempty"`
	QueueWaitTimeMS int64     `json:"queue_wait_time_ms"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// IsFailure implements the four-way failure predicate used to decide
// whether an investigation should be learned into the semantic
// evidence store: status isn't "completed", the record carries an
// "unsolvable" status, evidence is empty, or the evidence hash repeats
// the previous one recorded for the same question.
func (r InvestigationRecord) IsFailure(previousEvidenceHash string) bool {
	if r.Status != "completed" {
		return true
	}
	if r.Status == "unsolvable" {
		return true
	}
	if len(r.Evidence) == 0 {
		return true
	}
	if previousEvidenceHash != "" && r.EvidenceHash == previousEvidenceHash {
		return true
	}
	return false
}

// ProcessedQuestion is one line of the processed-questions log: a
// record that a given question has been handled, with the opaque
// intent_sha token from spec §9 ("investigated", "meta_skipped",
// "queue_full") preserved verbatim.
type ProcessedQuestion struct {
	QuestionID   string    `json:"question_id"`
	ProcessedAt  time.Time `json:"processed_at"`
	IntentSHA    string    `json:"intent_sha"`
	EvidenceHash string    `json:"evidence_hash,omitempty"`
}

// MemoryEvent is one row of the episodic memory store.
type MemoryEvent struct {
	ID             int64          `json:"id,omitempty"`
	EventType      string         `json:"event_type"`
	Source         string         `json:"source"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// KnownEventTypes is the fixed enumeration ConsistencyCheck validates
// MemoryEvent.EventType against.
var KnownEventTypes = map[string]bool{
	"observation":       true,
	"intent":            true,
	"investigation":     true,
	"regulation_action":  true,
	"consistency_check": true,
}

// VectorDoc is one row of the vector index: an embedding plus the
// metadata needed to detect staleness against the source file.
type VectorDoc struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Path       string    `json:"path,omitempty"`
	Embedding  []float32 `json:"embedding"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// EvidenceHash hashes a slice of evidence strings the same way across
// the rule engine, router, and investigation pool: sort, pipe-join,
// SHA-256, first 16 hex characters.
func EvidenceHash(evidence []string) string {
	sorted := append([]string(nil), evidence...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
