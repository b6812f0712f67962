package intent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

type fakeBus struct {
	mu            sync.Mutex
	published     []model.Signal
	subscriberFor map[string]int
}

func newFakeBus(subscribed ...string) *fakeBus {
	m := make(map[string]int)
	for _, topic := range subscribed {
		m[topic] = 1
	}
	return &fakeBus{subscriberFor: m}
}

func (f *fakeBus) Publish(topic string, sig model.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sig)
}

func (f *fakeBus) SubscriberCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriberFor[topic]
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeDeadLetter) Append(topic string, sig model.Signal, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, topic)
	return nil
}

func TestRouterExpandsCuriosityInvestigateIntoQuestion(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	bus := newFakeBus(QCuriosityInvestigate)
	dl := &fakeDeadLetter{}
	r := NewRouter(store, bus, dl)

	in := model.Intent{
		Kind:     model.IntentCuriosityInvestigate,
		Reason:   "CRITICAL SERVICE ERROR detected in kloros.service",
		Priority: "critical",
		Facts: map[string]any{
			"question":       "What caused this critical error?",
			"capability_key": "self_healing.critical_service_error",
		},
		CreatedAt: time.Now(),
	}

	require.NoError(t, r.Route(context.Background(), in))

	require.Len(t, bus.published, 1)
	assert.Equal(t, "What caused this critical error?", bus.published[0].Payload["question"])
	assert.NotEmpty(t, bus.published[0].Payload["question_id"])
	assert.Empty(t, dl.entries)

	remaining, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, remaining, "delivered intent file should be deleted")
}

func TestRouterDeadLettersWhenNoSubscribers(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	bus := newFakeBus() // no subscribers anywhere
	dl := &fakeDeadLetter{}
	r := NewRouter(store, bus, dl)

	in := model.Intent{Kind: model.IntentAlertGPUOOM, Priority: "high", CreatedAt: time.Now()}
	require.NoError(t, r.Route(context.Background(), in))

	assert.Empty(t, bus.published)
	require.Len(t, dl.entries, 1)
	assert.Equal(t, "ALERT_GPU_OOM", dl.entries[0])
}

func TestRouterProcessPendingDrainsLeftoverFiles(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	bus := newFakeBus("SUGGEST_LOCK_OPTIMIZATION")
	dl := &fakeDeadLetter{}

	// Simulate a crash between Save and delivery: write the file with a
	// plain store, never route it.
	_, err = store.Save(model.Intent{Kind: model.IntentSuggestLockOptimization, CreatedAt: time.Now()})
	require.NoError(t, err)

	r := NewRouter(store, bus, dl)
	require.NoError(t, r.ProcessPending(context.Background()))

	require.Len(t, bus.published, 1)
	remaining, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
