// Package investigator is the investigation worker pool: it consumes
// Q_CURIOSITY_INVESTIGATE signals off the Chemical Signal Bus, routes
// each question to the handler that matches its id prefix, enforces
// the priority/rate/concurrency/timeout gates, and records the outcome
// to the investigations log, the processed-questions index, and (on
// failure) the semantic evidence store.
package investigator

import (
	"context"
	"time"

	"github.com/kloros-systems/introspectd/pkg/chembus"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// QuestionData is a Q_CURIOSITY_INVESTIGATE signal's payload, decoded
// into a typed shape. Facts carries whatever the rule that produced
// the originating Intent attached (module_path, module_name,
// capability_key, custom_instructions, ...); handlers read what they
// need from it directly.
type QuestionData struct {
	QuestionID string
	Question   string
	Hypothesis string
	Priority   string
	Evidence   []string
	Facts      map[string]any
	CreatedAt  time.Time
}

// IsEmergency reports whether this question's priority bypasses the
// rate limiter and concurrency semaphore.
func (q QuestionData) IsEmergency() bool {
	return q.Priority == "critical" || q.Priority == "high"
}

// FactString returns Facts[key] as a string, or "" if absent or not a
// string.
func (q QuestionData) FactString(key string) string {
	if q.Facts == nil {
		return ""
	}
	s, _ := q.Facts[key].(string)
	return s
}

// toSignal builds the payload shape questionDataFromPayload decodes,
// used to republish decomposed sub-questions onto Q_CURIOSITY_LOW.
func (q QuestionData) toSignal(topic string) model.Signal {
	return model.Signal{
		Topic: topic,
		Payload: map[string]any{
			"question_id": q.QuestionID,
			"question":    q.Question,
			"hypothesis":  q.Hypothesis,
			"priority":    q.Priority,
			"evidence":    q.Evidence,
			"facts":       q.Facts,
		},
		CreatedAt: time.Now(),
	}
}

// questionDataFromPayload decodes a chembus Signal payload (as built by
// pkg/intent.Router's toSignal) into a QuestionData.
func questionDataFromPayload(payload map[string]any) QuestionData {
	q := QuestionData{
		QuestionID: stringField(payload, "question_id"),
		Question:   stringField(payload, "question"),
		Hypothesis: stringField(payload, "hypothesis"),
		Priority:   stringField(payload, "priority"),
		CreatedAt:  time.Now(),
	}
	if facts, ok := payload["facts"].(map[string]any); ok {
		q.Facts = facts
	}
	if ev, ok := payload["evidence"].([]string); ok {
		q.Evidence = ev
	} else if ev, ok := payload["evidence"].([]any); ok {
		for _, e := range ev {
			if s, ok := e.(string); ok {
				q.Evidence = append(q.Evidence, s)
			}
		}
	}
	return q
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// AnalysisResult is what a Handler produces for one question.
type AnalysisResult struct {
	Success      bool
	ModuleName   string
	Status       string // "completed", "failed", "unsolvable"
	Evidence     []string
	Tags         []string
	ModelUsed    string
	TokensUsed   int
	ErrorMessage string
}

// toRecord converts an AnalysisResult plus timing into the shared
// InvestigationRecord model, computing the evidence hash the same way
// the rule engine and router do.
func (r AnalysisResult) toRecord(questionID string, started, finished time.Time, queueWait time.Duration) model.InvestigationRecord {
	status := r.Status
	if status == "" {
		if r.Success {
			status = "completed"
		} else {
			status = "failed"
		}
	}
	if status == "completed" {
		for _, tag := range r.Tags {
			if tag == "unsolvable" {
				status = "unsolvable"
				break
			}
		}
	}
	return model.InvestigationRecord{
		QuestionID:      questionID,
		ModuleName:      r.ModuleName,
		Status:          status,
		Evidence:        r.Evidence,
		EvidenceHash:    model.EvidenceHash(r.Evidence),
		DurationMS:      finished.Sub(started).Milliseconds(),
		ModelUsed:       r.ModelUsed,
		TokensUsed:      r.TokensUsed,
		QueueWaitTimeMS: queueWait.Milliseconds(),
		StartedAt:       started,
		FinishedAt:      finished,
	}
}

// Handler investigates one question and returns its findings.
type Handler interface {
	Investigate(ctx context.Context, q QuestionData) (AnalysisResult, error)
}

// SemanticStore is the subset of pkg/memory.SemanticStore the pool
// depends on for failure learning.
type SemanticStore interface {
	RecordFailure(ctx context.Context, capabilityKey, reason string) error
}

// Bus is the subset of chembus.Bus the pool depends on: subscribing to
// incoming questions and publishing its own signals back out.
type Bus interface {
	Subscribe(topic, zooid, niche string, handler chembus.Handler) (unsubscribe func())
	Publish(topic string, sig model.Signal)
	SubscriberCount(topic string) int
}

// QueueDepther reports the current count of pending curiosity
// questions, used both for the max_queue_depth admission check and for
// the periodic METRICS_SUMMARY/BOTTLENECK_DETECTED reports. The pool
// itself implements this by counting in-flight + queued questions; spec
// §4.5 step 2 describes it as "pending question files", which on this
// in-process bus maps to the pool's own backlog rather than a directory
// listing (ChemBus has no on-disk mailbox to count).
type QueueDepther interface {
	QueueDepth() int
}

const (
	intentSHAInvestigated = "investigated"
	intentSHAMetaSkipped  = "meta_skipped"
	intentSHAQueueFull    = "queue_full"
)
