// Package regulator is the Affective Self-Regulator: it tracks system
// pressure (memory, context, task failures, resource strain), adapts
// the investigation worker pool's throttle targets in response, senses
// host/process resource pressure on its own ticker, and runs a small
// set of cognitive actions (context summarization, task archival,
// investigation throttling, performance analysis, failure-pattern
// analysis) to relieve that pressure.
package regulator

import (
	"context"
	"time"

	"github.com/kloros-systems/introspectd/pkg/chembus"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// PressureLevel is the regulator's three-state pressure enum, exactly
// spec §4.6's NORMAL/ELEVATED/CRITICAL.
type PressureLevel int

const (
	Normal PressureLevel = iota
	Elevated
	Critical
)

func (l PressureLevel) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case Elevated:
		return "ELEVATED"
	default:
		return "NORMAL"
	}
}

// Bus is the subset of chembus.Bus the regulator depends on.
type Bus interface {
	Subscribe(topic, zooid, niche string, handler chembus.Handler) (unsubscribe func())
	Publish(topic string, sig model.Signal)
}

// EventStore is the subset of pkg/memory.Store the cognitive actions
// depend on to persist and verify the events they produce.
type EventStore interface {
	StoreEvent(ctx context.Context, event model.MemoryEvent) (int64, error)
	VerifyStored(ctx context.Context, id int64) (bool, error)
}

// State is a point-in-time snapshot of the regulator's pressure
// response, exposed for health reporting and tests.
type State struct {
	Level         PressureLevel
	MinDelay      time.Duration
	MaxConcurrent int
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func stringSliceField(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func float64Field(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
