package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
	"github.com/kloros-systems/introspectd/pkg/ruleengine"
)

// IntentSink receives the Intents the rule engine derives from observed
// Events. pkg/intent.Router implements this.
type IntentSink interface {
	Route(ctx context.Context, intent model.Intent) error
}

// Manager owns the four Sources, fans their output into one channel,
// drives it through the rule engine, and forwards resulting Intents to
// Sink. Grounded on pkg/events.ConnectionManager's fan-in shape, adapted
// from "many WebSocket readers" to "many event sources."
type Manager struct {
	sources []Source
	engine  *ruleengine.Engine
	sink    IntentSink

	eventCh chan model.Event

	heartbeatWindow time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a Manager from configuration, constructing all four
// Sources and the rule engine.
func NewManager(cfg *config.Config, sink IntentSink) *Manager {
	var sources []Source
	sources = append(sources, NewJournalSource(cfg.Observer.JournalUnits, false))
	sources = append(sources, NewJournalSource(nil, true))
	sources = append(sources, NewFileWatcherSource(cfg.Observer.WatchedPaths))
	sources = append(sources, NewSystemdAuditSource(cfg.Observer.SystemdAuditInterval))
	if cfg.Observer.MetricsEndpoint != "" {
		sources = append(sources, NewMetricsSource(cfg.Observer.MetricsEndpoint, cfg.Observer.MetricsScrapeInterval))
	}

	bufSize := cfg.Observer.EventChannelBuffer
	if bufSize <= 0 {
		bufSize = 256
	}

	return &Manager{
		sources:         sources,
		engine:          ruleengine.New(&cfg.RuleEngine),
		sink:            sink,
		eventCh:         make(chan model.Event, bufSize),
		heartbeatWindow: cfg.RuleEngine.HeartbeatStallWindow,
		stopCh:          make(chan struct{}),
	}
}

// Start launches every source goroutine, the dispatch loop, and the
// heartbeat-stall ticker.
func (m *Manager) Start(ctx context.Context) {
	for _, src := range m.sources {
		m.wg.Add(1)
		go func(s Source) {
			defer m.wg.Done()
			log := slog.With("source", s.Name())
			log.Info("observer source started")
			if err := s.Run(ctx, m.eventCh); err != nil {
				log.Error("observer source exited with error", "error", err)
			}
			log.Info("observer source stopped")
		}(src)
	}

	m.wg.Add(1)
	go m.dispatchLoop(ctx)

	if m.heartbeatWindow > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop(ctx)
	}
}

// Stop signals every goroutine to exit and waits for them. Safe to call
// multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev := <-m.eventCh:
			m.process(ctx, ev)
		}
	}
}

func (m *Manager) process(ctx context.Context, ev model.Event) {
	intent := m.engine.Process(ev)
	if intent == nil {
		return
	}
	if err := m.sink.Route(ctx, *intent); err != nil {
		slog.Error("failed to route intent", "intent_kind", intent.Kind, "error", err)
	}
}

// heartbeatLoop polls CheckHeartbeatStall on a ticker — see its doc
// comment for why this cannot be a per-event rule.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if intent := m.engine.CheckHeartbeatStall(); intent != nil {
				if err := m.sink.Route(ctx, *intent); err != nil {
					slog.Error("failed to route heartbeat-stall intent", "error", err)
				}
			}
		}
	}
}
