package investigator

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

const (
	topicMetricsSummary     = "METRICS_SUMMARY"
	topicBottleneckDetected = "BOTTLENECK_DETECTED"
)

// startMetricsReporter schedules emitMetricsSummary on a
// MetricsSummaryInterval cadence, ported from _emit_metrics_summary's
// time.sleep(300) loop using the same robfig/cron scheduling idiom
// pkg/observer's systemd audit source uses
// (cron.Every(interval) + cron.FuncJob). The returned func stops the
// cron and blocks until any in-flight job finishes.
func (p *Pool) startMetricsReporter(ctx context.Context) func() {
	interval := p.cfg.MetricsSummaryInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}

	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		p.emitMetricsSummary(ctx)
	}))
	c.Start()

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
}

// emitMetricsSummary publishes the window's completed/failed counts
// plus current queue depth, and separately flags a bottleneck when the
// queue depth exceeds BottleneckQueueDepth.
func (p *Pool) emitMetricsSummary(ctx context.Context) {
	completed, failed := p.window.drain()
	depth := p.QueueDepth()

	p.bus.Publish(topicMetricsSummary, model.Signal{
		Topic: topicMetricsSummary,
		Payload: map[string]any{
			"daemon":                    "investigator",
			"window_duration_s":         int(p.cfg.MetricsSummaryInterval.Seconds()),
			"investigations_completed":  completed,
			"investigations_failed":     failed,
			"queue_depth_current":       depth,
		},
		CreatedAt: time.Now(),
	})

	threshold := p.cfg.BottleneckQueueDepth
	if threshold <= 0 {
		threshold = 50
	}
	if depth > threshold {
		slog.Warn("investigator: bottleneck detected", "queue_depth", depth, "threshold", threshold)
		p.bus.Publish(topicBottleneckDetected, model.Signal{
			Topic:     topicBottleneckDetected,
			Intensity: 2.0,
			Payload: map[string]any{
				"daemon":      "investigator",
				"issue":       "queue_buildup",
				"queue_depth": depth,
				"threshold":   threshold,
			},
			CreatedAt: time.Now(),
		})
	}
}
