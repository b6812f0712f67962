package regulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

const (
	topicAffectMemoryPressure     = "AFFECT_MEMORY_PRESSURE"
	topicAffectContextOverflow    = "AFFECT_CONTEXT_OVERFLOW"
	topicAffectTaskFailurePattern = "AFFECT_TASK_FAILURE_PATTERN"
	topicAffectResourceStrain     = "AFFECT_RESOURCE_STRAIN"
	topicInvestigationThrottle    = "INVESTIGATION_THROTTLE_REQUEST"

	baselineMaxConcurrent = 4
	elevatedMaxConcurrent = 2
	criticalMaxConcurrent = 1
	criticalMinDelay      = 5 * time.Second
	decayCheckInterval    = 10 * time.Second
	decayAfter            = 60 * time.Second
)

// Regulator is the affective self-regulator. Its Start/Stop shape is
// grounded on pkg/cleanup.Service: a cancelable background loop plus a
// done channel Stop blocks on, generalized from a fixed ticker to one
// that also reacts to pressure signals arriving off the bus.
type Regulator struct {
	cfg     config.RegulatorConfig
	bus     Bus
	actions *ActionRunner
	sensor  *Sensor

	mu            sync.Mutex
	level         PressureLevel
	minDelay      time.Duration
	maxConcurrent int
	lastPressure  time.Time

	unsubs   []func()
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Regulator at baseline (NORMAL) pressure.
func New(cfg config.RegulatorConfig, bus Bus, store EventStore, brakeFile, actionLogPath string) *Regulator {
	r := &Regulator{
		cfg:           cfg,
		bus:           bus,
		minDelay:      cfg.BaselineDelay,
		maxConcurrent: baselineMaxConcurrent,
	}
	r.actions = newActionRunner(cfg, bus, store, brakeFile, actionLogPath)
	r.sensor = newSensor(cfg, bus)
	return r
}

// State returns a snapshot of the current pressure response.
func (r *Regulator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{Level: r.level, MinDelay: r.minDelay, MaxConcurrent: r.maxConcurrent}
}

// Start subscribes to the four AFFECT_* topics, starts the resource
// sensor, and launches the pressure-decay loop.
func (r *Regulator) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	for _, topic := range []string{
		topicAffectMemoryPressure,
		topicAffectContextOverflow,
		topicAffectTaskFailurePattern,
		topicAffectResourceStrain,
	} {
		topic := topic
		unsub := r.bus.Subscribe(topic, "regulator", "affective_actions", func(sig model.Signal) {
			r.onPressureSignal(ctx, topic, sig)
		})
		r.unsubs = append(r.unsubs, unsub)
	}

	r.sensor.Start(ctx)

	go r.decayLoop(ctx)

	slog.Info("regulator started", "baseline_delay", r.cfg.BaselineDelay, "max_delay", r.cfg.MaxDelay)
}

// Stop unsubscribes, stops the sensor, and waits for the decay loop to
// exit.
func (r *Regulator) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		for _, unsub := range r.unsubs {
			unsub()
		}
		r.sensor.Stop()
	})
	if r.done != nil {
		<-r.done
	}
	slog.Info("regulator stopped")
}

func (r *Regulator) decayLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(decayCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maybeDecay()
		}
	}
}

// maybeDecay drops the pressure level by one step once decayAfter has
// elapsed since the last pressure signal, per spec §4.6's "after 60s
// with no further pressure signal, decrement pressure level."
func (r *Regulator) maybeDecay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.level == Normal {
		return
	}
	if time.Since(r.lastPressure) < decayAfter {
		return
	}
	r.level--
	r.lastPressure = time.Now()
	r.applyLevelLocked()
	slog.Info("regulator pressure decayed", "level", r.level.String())
}

// onPressureSignal implements the severity-driven level transitions
// plus the cognitive-action dispatch, ported from handle_memory_pressure
// et al.
func (r *Regulator) onPressureSignal(ctx context.Context, topic string, sig model.Signal) {
	severity := stringField(sig.Payload, "severity")
	r.applyPressure(severity)

	if r.actions.emergencyBrakeActive() {
		slog.Warn("regulator: emergency brake active, skipping cognitive actions", "topic", topic)
		return
	}
	r.actions.dispatch(ctx, topic, sig.Payload)
}

func (r *Regulator) applyPressure(severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch severity {
	case "critical":
		r.level = Critical
	case "high":
		if r.level < Elevated {
			r.level = Elevated
		}
	}
	r.lastPressure = time.Now()
	r.applyLevelLocked()
}

// applyLevelLocked recomputes min_delay/max_concurrent from r.level,
// shared by both signal-driven promotion and decay-driven demotion so
// the two paths can never disagree on what a given level means.
func (r *Regulator) applyLevelLocked() {
	switch r.level {
	case Critical:
		r.minDelay = criticalMinDelay
		r.maxConcurrent = criticalMaxConcurrent
	case Elevated:
		r.minDelay = (r.cfg.BaselineDelay + r.cfg.MaxDelay) / 2
		r.maxConcurrent = elevatedMaxConcurrent
	default:
		r.minDelay = r.cfg.BaselineDelay
		r.maxConcurrent = baselineMaxConcurrent
	}

	r.bus.Publish(topicInvestigationThrottle, model.Signal{
		Topic:     topicInvestigationThrottle,
		Intensity: float64(r.level),
		Payload: map[string]any{
			"requested_concurrency": r.maxConcurrent,
			"requested_min_delay_s": r.minDelay.Seconds(),
			"pressure_level":        r.level.String(),
		},
		CreatedAt: time.Now(),
	})
}
