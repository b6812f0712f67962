package investigator

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/chembus"
	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

type fakeHandler struct {
	result AnalysisResult
	err    error
	calls  int
}

func (h *fakeHandler) Investigate(_ context.Context, _ QuestionData) (AnalysisResult, error) {
	h.calls++
	return h.result, h.err
}

type fakeBus struct {
	mu        sync.Mutex
	published []model.Signal
}

func (b *fakeBus) Subscribe(string, string, string, chembus.Handler) func() { return func() {} }

func (b *fakeBus) Publish(topic string, sig model.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, sig)
}

func (b *fakeBus) SubscriberCount(string) int { return 1 }

func (b *fakeBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, s := range b.published {
		out[i] = s.Topic
	}
	return out
}

type fakeSemanticStore struct {
	mu       sync.Mutex
	failures map[string]string
}

func (s *fakeSemanticStore) RecordFailure(_ context.Context, capabilityKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]string)
	}
	s.failures[capabilityKey] = reason
	return nil
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InvestigationsLog = filepath.Join(dir, "investigations.jsonl")
	cfg.Paths.ProcessedQuestionsLog = filepath.Join(dir, "processed.jsonl")
	cfg.Investigator.MaxQueueDepth = 2
	cfg.Investigator.MaxConcurrentInvestigations = 2
	cfg.Investigator.MinDelayBetweenInvestigations = time.Millisecond
	cfg.Investigator.NormalTimeout = time.Second
	cfg.Investigator.EmergencyTimeout = time.Second
	cfg.Investigator.ArchiveDir = filepath.Join(dir, "archives")
	return cfg
}

func countLines(t *testing.T, path string) int {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
	}
	return n
}

func TestOnSignalSkipsMetaQuestion(t *testing.T) {
	cfg := testConfig(t)
	bus := &fakeBus{}
	p, err := NewPool(cfg, bus, Registry{}, nil)
	require.NoError(t, err)

	sig := QuestionData{QuestionID: "meta.something", Question: "why?"}.toSignal(intentSignalTopicForTest)
	p.onSignal(context.Background(), sig)

	assert.Empty(t, bus.topics())
	assert.True(t, p.processed.Seen("meta.something", model.EvidenceHash(nil)))
}

const intentSignalTopicForTest = "Q_CURIOSITY_INVESTIGATE"

func TestOnSignalRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Investigator.MaxQueueDepth = 0
	bus := &fakeBus{}
	p, err := NewPool(cfg, bus, Registry{}, nil)
	require.NoError(t, err)

	sig := QuestionData{QuestionID: "discover.module.queue"}.toSignal(intentSignalTopicForTest)
	p.onSignal(context.Background(), sig)

	require.Len(t, bus.topics(), 1)
	assert.Equal(t, topicInvestigationQueueFull, bus.topics()[0])
	assert.True(t, p.processed.Seen("discover.module.queue", model.EvidenceHash(nil)))
}

func TestOnSignalNormalPathPublishesCompleteAndLogsInvestigation(t *testing.T) {
	cfg := testConfig(t)
	bus := &fakeBus{}
	h := &fakeHandler{result: AnalysisResult{Success: true, Status: "completed", Evidence: []string{"e1"}, ModelUsed: "local-heuristic"}}
	p, err := NewPool(cfg, bus, Registry{HandlerGeneric: h}, nil)
	require.NoError(t, err)

	sig := QuestionData{QuestionID: "curiosity.q1", Question: "what is this?", Priority: "normal", Evidence: []string{"seed"}}.toSignal(intentSignalTopicForTest)
	p.onSignal(context.Background(), sig)
	p.wg.Wait()

	assert.Equal(t, 1, h.calls)
	assert.Contains(t, bus.topics(), topicQInvestigationComplete)
	assert.Equal(t, 1, countLines(t, cfg.Paths.InvestigationsLog))
	assert.True(t, p.processed.Seen("curiosity.q1", model.EvidenceHash([]string{"e1"})))
}

func TestOnSignalEmergencyPathBypassesSemaphore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Investigator.MaxConcurrentInvestigations = 1
	bus := &fakeBus{}
	h := &fakeHandler{result: AnalysisResult{Success: true, Status: "completed", Evidence: []string{"e1"}}}
	p, err := NewPool(cfg, bus, Registry{HandlerGeneric: h}, nil)
	require.NoError(t, err)

	sig := QuestionData{QuestionID: "curiosity.urgent", Priority: "critical", Evidence: []string{"seed"}}.toSignal(intentSignalTopicForTest)
	p.onSignal(context.Background(), sig)
	p.wg.Wait()

	assert.Equal(t, 1, h.calls)
	assert.Contains(t, bus.topics(), topicQInvestigationComplete)
}

func TestOnSignalFailedInvestigationRecordsSemanticFailure(t *testing.T) {
	cfg := testConfig(t)
	bus := &fakeBus{}
	h := &fakeHandler{result: AnalysisResult{Status: "failed", ErrorMessage: "boom"}}
	sem := &fakeSemanticStore{}
	p, err := NewPool(cfg, bus, Registry{HandlerGeneric: h}, sem)
	require.NoError(t, err)

	sig := QuestionData{
		QuestionID: "curiosity.q2",
		Evidence:   []string{"seed"},
		Facts:      map[string]any{"capability_key": "self_healing.q2"},
	}.toSignal(intentSignalTopicForTest)
	p.onSignal(context.Background(), sig)
	p.wg.Wait()

	sem.mu.Lock()
	reason, ok := sem.failures["self_healing.q2"]
	sem.mu.Unlock()
	require.True(t, ok)
	assert.Contains(t, reason, "failed")
}

func TestIsStillRelevantGatesPatternArchiveQuestions(t *testing.T) {
	cfg := testConfig(t)
	bus := &fakeBus{}
	p, err := NewPool(cfg, bus, Registry{}, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.Investigator.ArchiveDir, 0o755))

	// Missing archive file: not relevant.
	assert.False(t, p.isStillRelevant(QuestionData{QuestionID: "pattern.archive.locks"}))

	// Fresh archive with >=3 entries: relevant.
	archivePath := filepath.Join(cfg.Investigator.ArchiveDir, "locks.jsonl")
	require.NoError(t, os.WriteFile(archivePath, []byte("{}\n{}\n{}\n"), 0o644))
	assert.True(t, p.isStillRelevant(QuestionData{QuestionID: "pattern.archive.locks"}))

	// Non-archive questions are always relevant.
	assert.True(t, p.isStillRelevant(QuestionData{QuestionID: "discover.module.foo"}))
}
