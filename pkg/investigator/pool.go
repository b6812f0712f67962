package investigator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/intent"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

const (
	topicQInvestigationComplete  = "Q_INVESTIGATION_COMPLETE"
	topicInvestigationQueueFull  = "INVESTIGATION_QUEUE_FULL"
	topicQCuriosityLow           = "Q_CURIOSITY_LOW"
)

// Pool is the investigation worker pool. Grounded on pkg/queue.WorkerPool
// feature-for-feature: it owns a stop channel, a WaitGroup, and an
// active-investigation count, but instead of polling Postgres rows it
// subscribes to one ChemBus topic and spawns one goroutine per accepted
// question (the same "claim, execute in its own goroutine, clean up"
// shape as Worker.pollAndProcess, adapted to a push subscription instead
// of a poll loop).
type Pool struct {
	cfg          config.InvestigatorConfig
	metaPrefixes []string
	bus          Bus
	registry     Registry
	investigationsLog *intent.AppendLog
	processed    *ProcessedIndex
	semantic     SemanticStore

	limiter *rate.Limiter
	sem     chan struct{}

	queueDepth      atomic.Int64
	queueRejections atomic.Int64

	window windowCounters

	unsubscribe func()
	cronStop    func()
	wg          sync.WaitGroup
	stopCh      chan struct{}
	stopOnce    sync.Once
}

type windowCounters struct {
	mu        sync.Mutex
	completed int
	failed    int
}

func (w *windowCounters) addCompleted() { w.mu.Lock(); w.completed++; w.mu.Unlock() }
func (w *windowCounters) addFailed()    { w.mu.Lock(); w.failed++; w.mu.Unlock() }
func (w *windowCounters) drain() (completed, failed int) {
	w.mu.Lock()
	completed, failed = w.completed, w.failed
	w.completed, w.failed = 0, 0
	w.mu.Unlock()
	return
}

// NewPool builds a Pool. semantic may be nil, disabling failure
// learning (matching the original's graceful degradation when
// SemanticEvidenceStore fails to initialize).
func NewPool(cfg *config.Config, bus Bus, registry Registry, semantic SemanticStore) (*Pool, error) {
	investigationsLog := intent.NewAppendLog(cfg.Paths.InvestigationsLog)
	processed, err := NewProcessedIndex(cfg.Paths.ProcessedQuestionsLog)
	if err != nil {
		return nil, err
	}

	delay := cfg.Investigator.MinDelayBetweenInvestigations
	if delay <= 0 {
		delay = time.Millisecond
	}
	maxConcurrent := cfg.Investigator.MaxConcurrentInvestigations
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Pool{
		cfg:               cfg.Investigator,
		metaPrefixes:      cfg.RuleEngine.MetaPrefixes,
		bus:               bus,
		registry:          registry,
		investigationsLog: investigationsLog,
		processed:         processed,
		semantic:          semantic,
		limiter:           rate.NewLimiter(rate.Every(delay), 1),
		sem:               make(chan struct{}, maxConcurrent),
		stopCh:            make(chan struct{}),
	}, nil
}

// QueueDepth implements QueueDepther: the count of questions accepted
// but not yet finished (queued for a semaphore slot, or in flight).
func (p *Pool) QueueDepth() int {
	return int(p.queueDepth.Load())
}

// Start subscribes to Q_CURIOSITY_INVESTIGATE and begins the periodic
// metrics reporter.
func (p *Pool) Start(ctx context.Context) error {
	p.unsubscribe = p.bus.Subscribe(intent.QCuriosityInvestigate, "investigator_pool", "introspection", func(sig model.Signal) {
		p.onSignal(ctx, sig)
	})
	p.cronStop = p.startMetricsReporter(ctx)
	return nil
}

// Stop unsubscribes from the bus, stops the metrics cron, and waits for
// in-flight investigations to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		if p.cronStop != nil {
			p.cronStop()
		}
	})
	p.wg.Wait()
}

// isStillRelevant implements the pre-investigation sanity check: only
// pattern.archive.* questions are checked (the only category the
// original actually gates), by requiring the backing archive file to
// exist, have changed within the last 5 minutes, and carry at least 3
// entries.
func (p *Pool) isStillRelevant(q QuestionData) bool {
	if !strings.HasPrefix(q.QuestionID, "pattern.archive.") {
		return true
	}
	category := strings.TrimPrefix(q.QuestionID, "pattern.archive.")
	archiveFile := filepath.Join(p.cfg.ArchiveDir, category+".jsonl")

	info, err := os.Stat(archiveFile)
	if err != nil {
		slog.Info("investigator: archive no longer exists, skipping", "category", category)
		return false
	}
	if time.Since(info.ModTime()) > 5*time.Minute {
		slog.Info("investigator: archive hasn't changed recently, issue likely resolved", "category", category)
		return false
	}

	data, err := os.ReadFile(archiveFile)
	if err != nil {
		return true
	}
	lines := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	if lines < 3 {
		slog.Info("investigator: archive not significant enough", "category", category, "entries", lines)
		return false
	}
	return true
}

func (p *Pool) isMetaQuestion(questionID string) bool {
	for _, prefix := range p.metaPrefixes {
		if strings.HasPrefix(questionID, prefix) {
			return true
		}
	}
	return false
}

// handlerFor resolves the registry entry for q, per spec §4.5 step 5.
func (p *Pool) handlerFor(q QuestionData) (Handler, bool) {
	name := SelectHandlerName(q.QuestionID)
	h, ok := p.registry[name]
	return h, ok
}

// timeoutFor returns the enforcement deadline for q, per spec §4.5
// step 6.
func (p *Pool) timeoutFor(emergency bool) time.Duration {
	if emergency {
		if p.cfg.EmergencyTimeout > 0 {
			return p.cfg.EmergencyTimeout
		}
		return 300 * time.Second
	}
	if p.cfg.NormalTimeout > 0 {
		return p.cfg.NormalTimeout
	}
	return 600 * time.Second
}

// investigateWithTimeout runs handler.Investigate on its own goroutine
// and enforces timeout independent of whether the handler itself
// respects ctx cancellation, mirroring _run_investigation_with_timeout's
// thread.join(timeout=...) pattern.
func investigateWithTimeout(ctx context.Context, h Handler, q QuestionData, timeout time.Duration) (AnalysisResult, bool) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result AnalysisResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.Investigate(tctx, q)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return AnalysisResult{Status: "failed", ErrorMessage: o.err.Error()}, false
		}
		return o.result, false
	case <-tctx.Done():
		return AnalysisResult{}, true
	}
}

func describeQueueDepth(depth, limit int) string {
	return fmt.Sprintf("queue depth %d exceeds limit %d", depth, limit)
}
