// Package chembus implements the Chemical Signal Bus: an in-process,
// at-most-once, topic-based publish/subscribe mechanism with no
// persistence or replay. It is the in-process generalization of
// pkg/events.ConnectionManager's subscriber-map concurrency shape
// (mutex-guarded map of subscribers per channel, snapshot-then-release
// before dispatch) applied to plain handler functions instead of
// WebSocket connections.
package chembus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// Handler processes one delivered Signal. It runs on the subscriber's
// own dedicated goroutine, so a slow or blocking Handler only delays
// that subscriber's own queue, never the publisher or other
// subscribers.
type Handler func(sig model.Signal)

// subscription holds one subscriber's delivery queue and worker.
type subscription struct {
	id      string
	zooid   string
	niche   string
	handler Handler
	queue   chan model.Signal
	done    chan struct{}
}

// Bus is the Chemical Signal Bus. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // topic -> subscriberID -> subscription
	queueDepth  int
}

// New creates a Bus whose per-subscriber queues are buffered to
// queueDepth signals. When a subscriber's queue is full, Publish drops
// the new signal for that subscriber (the queued ones are kept) rather
// than blocking, preserving the "Publish only enqueues" contract.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	return &Bus{
		subscribers: make(map[string]map[string]*subscription),
		queueDepth:  queueDepth,
	}
}

// Subscribe registers handler to receive every Signal published to
// topic. zooid and niche are carried as labels for logging/metrics only
// (per the glossary: they do not affect delivery semantics). The
// returned closer unsubscribes and blocks until the subscriber's
// in-flight handler invocation (if any) finishes.
func (b *Bus) Subscribe(topic, zooid, niche string, handler Handler) (unsubscribe func()) {
	sub := &subscription{
		id:      uuid.NewString(),
		zooid:   zooid,
		niche:   niche,
		handler: handler,
		queue:   make(chan model.Signal, b.queueDepth),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]*subscription)
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	slog.Debug("chembus subscribed", "topic", topic, "zooid", zooid, "niche", niche)

	return func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[topic]; ok {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
		b.mu.Unlock()
		close(sub.queue)
		<-sub.done
	}
}

// Publish delivers sig to every current subscriber of topic. It never
// blocks on a subscriber's handler: it snapshots the subscriber set
// under RLock, releases the lock, then enqueues onto each subscriber's
// own buffered channel. If a subscriber's queue is full, the signal is
// dropped for that subscriber and a warning is logged — at-most-once
// delivery, exactly as spec requires, with no backpressure on the
// publisher.
func (b *Bus) Publish(topic string, sig model.Signal) {
	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		select {
		case sub.queue <- sig:
		default:
			slog.Warn("chembus dropped signal: subscriber queue full",
				"topic", topic, "zooid", sub.zooid, "niche", sub.niche)
		}
	}
}

// SubscriberCount reports the number of active subscribers on topic,
// used by the Intent Router to detect topics nobody listens on, and by
// tests.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (s *subscription) run() {
	defer close(s.done)
	for sig := range s.queue {
		s.handler(sig)
	}
}
