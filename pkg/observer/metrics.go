package observer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/sony/gobreaker"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

const (
	lockContentionMetric   = "kloros_orchestrator_lock_contention_total"
	lockContentionBound    = 10.0
	phaseDurationMetric    = "kloros_phase_duration_seconds"
	phaseDurationBoundSecs = 7200.0
)

// MetricsSource scrapes a Prometheus text-format endpoint on a ticker and
// emits threshold-breach Events, mirroring _check_thresholds.
type MetricsSource struct {
	Endpoint string
	Interval time.Duration

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewMetricsSource builds a MetricsSource. A zero or negative interval
// means the source is idle (never scrapes), matching the original's
// "interval_s <= 0 disables scraping" behavior.
func NewMetricsSource(endpoint string, interval time.Duration) *MetricsSource {
	return &MetricsSource{
		Endpoint: endpoint,
		Interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker:  newSourceBreaker("metrics"),
	}
}

func (s *MetricsSource) Name() string { return "metrics" }

// Run scrapes s.Endpoint every s.Interval until ctx is cancelled.
func (s *MetricsSource) Run(ctx context.Context, out chan<- model.Event) error {
	if s.Interval <= 0 {
		slog.Info("metrics source idle: scrape interval <= 0")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scrapeOnce(ctx, out)
		}
	}
}

func (s *MetricsSource) scrapeOnce(ctx context.Context, out chan<- model.Event) {
	metrics, err := s.breaker.Execute(func() (any, error) {
		return s.scrape(ctx)
	})
	if err != nil {
		slog.Warn("metrics scrape failed", "error", err, "breaker_state", s.breaker.State().String())
		if s.breaker.State() == gobreaker.StateOpen {
			select {
			case out <- breakerTrippedEvent("metrics", "", err):
			case <-ctx.Done():
			}
		}
		return
	}

	for _, ev := range checkThresholds(metrics.(map[string]float64)) {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *MetricsSource) scrape(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, err
	}

	values := make(map[string]float64, len(families))
	for name, fam := range families {
		values[name] = firstMetricValue(fam)
	}
	return values, nil
}

func firstMetricValue(fam *dto.MetricFamily) float64 {
	if len(fam.Metric) == 0 {
		return 0
	}
	m := fam.Metric[0]
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	default:
		return 0
	}
}

// checkThresholds ports _check_thresholds: a configured gauge above a
// fixed bound becomes one Event.
func checkThresholds(metrics map[string]float64) []model.Event {
	var events []model.Event
	now := time.Now()

	if v := metrics[lockContentionMetric]; v > lockContentionBound {
		events = append(events, model.Event{
			Source:    "metrics",
			Kind:      model.EventKindLockContentionHigh,
			Facts:     map[string]any{"metric": "lock_contention", "value": v},
			Timestamp: now,
		})
	}
	if v := metrics[phaseDurationMetric]; v > phaseDurationBoundSecs {
		events = append(events, model.Event{
			Source:    "metrics",
			Kind:      model.EventKindPhaseDurationHigh,
			Facts:     map[string]any{"metric": "phase_duration", "value": v},
			Timestamp: now,
		})
	}
	return events
}
