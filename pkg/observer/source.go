// Package observer hosts the Event Observer's four independent producers
// (journal, filesystem, metrics, systemd audit) and the manager that fans
// them into a single event channel for the rule engine.
package observer

import (
	"context"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// Source is implemented by each of the observer's producers. Run blocks
// until ctx is cancelled, publishing classified Events onto out. It must
// never block indefinitely on out: the manager sizes out generously, but
// a Source that ignores ctx cancellation would leak a goroutine.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- model.Event) error
}
