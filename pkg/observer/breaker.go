package observer

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// newSourceBreaker builds a gobreaker.CircuitBreaker tuned for a source's
// external call (subprocess spawn, HTTP scrape): trips after 5 consecutive
// failures, stays open 30s before allowing a half-open probe. Failures
// seen through the breaker are turned into synthetic error_operational
// Events (see breakerTrippedEvent) rather than silently retried forever.
func newSourceBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// breakerTrippedEvent is the synthetic event a source publishes when its
// external call fails, so the failure itself becomes visible to the rule
// engine instead of disappearing into retry silence. The metrics source
// publishes it only while its breaker is open; the journal source after
// every failed tail, whatever the breaker state; the file watcher when
// it cannot start.
func breakerTrippedEvent(source, unit string, cause error) model.Event {
	return model.Event{
		Source:    source,
		Kind:      model.EventKindErrorOperational,
		Unit:      unit,
		Message:   "circuit breaker open: " + cause.Error(),
		Timestamp: time.Now(),
	}
}
