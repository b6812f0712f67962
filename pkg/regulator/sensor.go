package regulator

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// Sensor samples process RSS and host available memory on a ticker and
// synthesizes AFFECT_RESOURCE_STRAIN signals when either crosses its
// configured threshold. This supplements spec §4.6, which only
// specifies reaction to incoming pressure signals, with the sensing
// half a real self-regulator needs, grounded on
// cognitive_actions_subscriber.py's resource-sampling responsibilities
// (facts.swap_used_mb/memory_used_pct/thread_count).
type Sensor struct {
	cfg config.RegulatorConfig
	bus Bus
	pid int32

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSensor(cfg config.RegulatorConfig, bus Bus) *Sensor {
	return &Sensor{cfg: cfg, bus: bus, pid: int32(os.Getpid())}
}

// Start launches the sampling loop. A no-op if already started.
func (s *Sensor) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the sampling loop and waits for it to exit.
func (s *Sensor) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.done != nil {
		<-s.done
	}
}

func (s *Sensor) run(ctx context.Context) {
	defer close(s.done)
	interval := s.cfg.SensorInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sensor) sample() {
	var rss uint64
	if proc, err := process.NewProcess(s.pid); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			rss = info.RSS
		}
	} else {
		slog.Warn("regulator sensor: failed to read process handle", "error", err)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Warn("regulator sensor: failed to read host memory", "error", err)
		return
	}

	var swapUsedMB float64
	if swap, err := mem.SwapMemory(); err == nil {
		swapUsedMB = float64(swap.Used) / (1024 * 1024)
	}

	strained := false
	reasons := make([]string, 0, 2)
	if rss > 0 && rss > s.cfg.RSSThresholdBytes {
		strained = true
		reasons = append(reasons, "process RSS exceeds threshold")
	}
	if vm.Available < s.cfg.AvailableMemoryThresholdBytes {
		strained = true
		reasons = append(reasons, "available host memory below threshold")
	}
	if !strained {
		return
	}

	slog.Warn("regulator sensor: resource strain detected", "rss_bytes", rss, "available_bytes", vm.Available)
	s.bus.Publish(topicAffectResourceStrain, model.Signal{
		Topic:     topicAffectResourceStrain,
		Intensity: 1.5,
		Payload: map[string]any{
			"severity":           "high",
			"reasons":            reasons,
			"rss_bytes":          rss,
			"memory_used_pct":    vm.UsedPercent,
			"swap_used_mb":       swapUsedMB,
			"thread_count":       runtime.NumGoroutine(),
			"autonomous_actions": []string{"optimize performance"},
			"evidence":           reasons,
		},
		CreatedAt: time.Now(),
	})
}
