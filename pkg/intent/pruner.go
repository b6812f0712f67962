package intent

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Pruner runs Store.Prune on an hourly cron schedule, mirroring
// pkg/cleanup.Service's Start/Stop/cancel/done shape.
type Pruner struct {
	store *Store
	cron  *cron.Cron
	done  chan struct{}
}

// NewPruner builds a Pruner over store.
func NewPruner(store *Store) *Pruner {
	return &Pruner{store: store}
}

// Start launches the pruning loop: an immediate pass, then one every
// hour via cron's "@every 1h" schedule.
func (p *Pruner) Start(_ context.Context) {
	if p.cron != nil {
		return
	}
	p.store.Prune()

	p.cron = cron.New()
	if _, err := p.cron.AddFunc("@every 1h", p.store.Prune); err != nil {
		slog.Error("intent pruner: failed to schedule prune job", "error", err)
		p.cron = nil
		return
	}
	p.cron.Start()
	slog.Info("intent pruner started")
}

// Stop halts the cron scheduler and waits for any in-flight job.
func (p *Pruner) Stop() {
	if p.cron == nil {
		return
	}
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.cron = nil
	slog.Info("intent pruner stopped")
}
