package investigator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// onSignal is the ChemBus delivery callback for Q_CURIOSITY_INVESTIGATE,
// grounded on _on_message. It performs the two cheap, synchronous
// admission checks (steps 1-2) and, once a question is accepted, hands
// it off to its own goroutine so a single slow investigation never
// blocks this subscriber's delivery queue — chembus.Bus dedicates one
// goroutine per subscriber, so onSignal itself must return quickly.
func (p *Pool) onSignal(ctx context.Context, sig model.Signal) {
	q := questionDataFromPayload(sig.Payload)
	if q.QuestionID == "" {
		slog.Warn("investigator: received question with no question_id, ignoring")
		return
	}

	// Step 1: meta-loop prevention.
	if p.isMetaQuestion(q.QuestionID) {
		slog.Info("investigator: skipping meta-question", "question_id", q.QuestionID)
		p.markProcessed(q.QuestionID, intentSHAMetaSkipped, model.EvidenceHash(q.Evidence))
		return
	}

	// Step 2: queue depth limiting.
	if depth := p.QueueDepth(); depth >= p.cfg.MaxQueueDepth {
		rejections := p.queueRejections.Add(1)
		slog.Warn("investigator: rejecting investigation, queue full",
			"question_id", q.QuestionID, "reason", describeQueueDepth(depth, p.cfg.MaxQueueDepth),
			"total_rejections", rejections)

		p.bus.Publish(topicInvestigationQueueFull, model.Signal{
			Topic:     topicInvestigationQueueFull,
			Intensity: 2.0,
			Payload: map[string]any{
				"queue_depth":          depth,
				"limit":                p.cfg.MaxQueueDepth,
				"rejected_question_id": q.QuestionID,
				"total_rejections":     rejections,
			},
			CreatedAt: time.Now(),
		})
		p.markProcessed(q.QuestionID, intentSHAQueueFull, model.EvidenceHash(q.Evidence))
		return
	}

	p.queueDepth.Add(1)
	emergency := q.IsEmergency()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.queueDepth.Add(-1)

		if emergency {
			slog.Warn("investigator: emergency investigation", "question_id", q.QuestionID, "priority", q.Priority)
			p.runInvestigation(ctx, q, true)
			return
		}

		// Step 3 (normal path): rate limit, then acquire a concurrency
		// slot from the fixed-size semaphore.
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		p.runInvestigation(ctx, q, false)
	}()
}

// runInvestigation carries out steps 4-10 for one accepted question.
func (p *Pool) runInvestigation(ctx context.Context, q QuestionData, emergency bool) {
	queueWait := time.Since(q.CreatedAt)

	// Step 4: relevance sanity check.
	if !p.isStillRelevant(q) {
		slog.Info("investigator: skipped, no longer relevant", "question_id", q.QuestionID)
		return
	}

	handler, ok := p.handlerFor(q)
	if !ok {
		slog.Error("investigator: no handler registered", "question_id", q.QuestionID)
		return
	}

	start := time.Now()
	timeout := p.timeoutFor(emergency)
	result, timedOut := investigateWithTimeout(ctx, handler, q, timeout)
	finished := time.Now()

	if timedOut {
		p.handleTimeout(q, start, finished, queueWait, timeout)
		return
	}

	rec := result.toRecord(q.QuestionID, start, finished, queueWait)
	if err := p.investigationsLog.Append(rec); err != nil {
		slog.Error("investigator: failed to log investigation", "error", err)
	}

	if rec.Status == "completed" {
		p.window.addCompleted()
	} else {
		p.window.addFailed()
	}

	p.learnFromOutcome(ctx, q, rec)
	p.publishComplete(rec)

	if rec.Status == "completed" {
		p.markProcessed(q.QuestionID, intentSHAInvestigated, rec.EvidenceHash)
	}

	slog.Info("investigator: investigation complete", "question_id", q.QuestionID, "status", rec.Status, "duration_ms", rec.DurationMS)
}

// handleTimeout implements step 6's timeout branch: the failed record
// is still logged and counted, then the question is decomposed into
// narrower sub-questions republished at lower priority.
func (p *Pool) handleTimeout(q QuestionData, start, finished time.Time, queueWait, timeout time.Duration) {
	slog.Error("investigator: investigation timed out", "question_id", q.QuestionID, "timeout", timeout)

	rec := model.InvestigationRecord{
		QuestionID:      q.QuestionID,
		Status:          "failed",
		DurationMS:      finished.Sub(start).Milliseconds(),
		QueueWaitTimeMS: queueWait.Milliseconds(),
		StartedAt:       start,
		FinishedAt:      finished,
	}
	if err := p.investigationsLog.Append(rec); err != nil {
		slog.Error("investigator: failed to log timed-out investigation", "error", err)
	}
	p.window.addFailed()

	subs := DecomposeTimedOut(q, p.cfg.ArchiveDir)
	if len(subs) == 0 {
		slog.Warn("investigator: no decomposition strategy for question type", "question_id", q.QuestionID)
		return
	}
	for _, sq := range subs {
		p.bus.Publish(topicQCuriosityLow, sq.toSignal(topicQCuriosityLow))
	}
	slog.Info("investigator: emitted decomposed sub-questions", "question_id", q.QuestionID, "count", len(subs))
}

// learnFromOutcome implements step 8: if the investigation fails per
// InvestigationRecord.IsFailure, and a capability_key is present, the
// reason is recorded into the semantic evidence store for future
// retrieval-time trust scoring.
func (p *Pool) learnFromOutcome(ctx context.Context, q QuestionData, rec model.InvestigationRecord) {
	if p.semantic == nil {
		return
	}

	previousHash := ""
	if p.processed.Seen(q.QuestionID, rec.EvidenceHash) {
		previousHash = rec.EvidenceHash
	}
	if !rec.IsFailure(previousHash) {
		return
	}

	capabilityKey := q.FactString("capability_key")
	if capabilityKey == "" {
		slog.Warn("investigator: no capability_key, skipping failure tracking", "question_id", q.QuestionID)
		return
	}

	reason := failureReason(rec, previousHash)
	if err := p.semantic.RecordFailure(ctx, capabilityKey, reason); err != nil {
		slog.Error("investigator: failed to record investigation failure", "error", err)
	}
}

func failureReason(rec model.InvestigationRecord, previousHash string) string {
	if rec.Status != "completed" {
		return fmt.Sprintf("investigation failed with status: %s", rec.Status)
	}
	if rec.Status == "unsolvable" {
		return "investigation marked as unsolvable"
	}
	if previousHash != "" && rec.EvidenceHash == previousHash {
		return fmt.Sprintf("investigation produced duplicate evidence (hash: %s)", rec.EvidenceHash)
	}
	if len(rec.Evidence) == 0 {
		return "investigation produced no evidence"
	}
	return "investigation failed: unknown reason"
}

// publishComplete implements step 9.
func (p *Pool) publishComplete(rec model.InvestigationRecord) {
	p.bus.Publish(topicQInvestigationComplete, model.Signal{
		Topic:     topicQInvestigationComplete,
		Intensity: 1.0,
		Payload: map[string]any{
			"question_id":        rec.QuestionID,
			"module_name":        rec.ModuleName,
			"status":             rec.Status,
			"duration_ms":        rec.DurationMS,
			"model_used":         rec.ModelUsed,
			"tokens_used":        rec.TokensUsed,
			"queue_wait_time_ms": rec.QueueWaitTimeMS,
		},
		CreatedAt: time.Now(),
	})
}

// markProcessed implements step 10.
func (p *Pool) markProcessed(questionID, intentSHA, evidenceHash string) {
	if err := p.processed.Record(questionID, intentSHA, evidenceHash); err != nil {
		slog.Error("investigator: failed to record processed question", "question_id", questionID, "error", err)
	}
}
