package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// QCuriosityInvestigate is the one ChemBus topic spec.md names
// explicitly as the expansion target for curiosity_investigate intents.
const QCuriosityInvestigate = "Q_CURIOSITY_INVESTIGATE"

// Publisher is the subset of chembus.Bus the Router depends on.
// SubscriberCount lets the Router tell an at-most-once "published to
// nobody" from an actual delivery, since Bus.Publish itself never
// returns an error (per ChemBus's non-blocking contract).
type Publisher interface {
	Publish(topic string, sig model.Signal)
	SubscriberCount(topic string) int
}

// DeadLetterWriter appends one line per signal the Router could not
// deliver. Implemented by DeadLetterLog.
type DeadLetterWriter interface {
	Append(topic string, sig model.Signal, cause error) error
}

// Router persists every Intent it is handed (so a crash never loses one)
// and then expands it into a ChemBus signal:
// curiosity_investigate becomes a Q_CURIOSITY_INVESTIGATE signal carrying
// the full CuriosityQuestion; every other kind publishes under a topic
// derived from its IntentKind, since spec.md's topic list is explicitly
// non-exhaustive and only curiosity_investigate names a concrete target.
type Router struct {
	store     *Store
	bus       Publisher
	deadLetter DeadLetterWriter
}

// NewRouter builds a Router over store, publishing through bus and
// recording undeliverable signals in deadLetter.
func NewRouter(store *Store, bus Publisher, deadLetter DeadLetterWriter) *Router {
	return &Router{store: store, bus: bus, deadLetter: deadLetter}
}

// Route implements observer.IntentSink: it persists the intent to disk.
// The intent is then processed (converted to a signal, then deleted)
// immediately in the same goroutine so routing latency stays low, while
// still surviving a crash between the two steps (the file remains on
// disk for the next ProcessPending pass).
func (r *Router) Route(ctx context.Context, in model.Intent) error {
	path, err := r.store.Save(in)
	if err != nil {
		return err
	}
	return r.processOne(ctx, path, in)
}

// ProcessPending drains every pending intent file in filename-timestamp
// order, converting each to a ChemBus signal and deleting it once
// delivered (or once the failure has been recorded to the dead letter
// log). Intended for startup recovery of intents left behind by a prior
// crash between Save and delivery.
func (r *Router) ProcessPending(ctx context.Context) error {
	paths, err := r.store.List()
	if err != nil {
		return err
	}
	for _, p := range paths {
		in, err := r.store.Load(p)
		if err != nil {
			slog.Warn("router: dropping unreadable intent file", "path", p, "error", err)
			_ = r.store.Delete(p)
			continue
		}
		if err := r.processOne(ctx, p, in); err != nil {
			slog.Warn("router: failed to process intent", "path", p, "error", err)
		}
	}
	return nil
}

func (r *Router) processOne(_ context.Context, path string, in model.Intent) error {
	sig := toSignal(in)
	topic := signalTopic(in)

	if r.bus.SubscriberCount(topic) == 0 {
		cause := fmt.Errorf("no subscribers for topic %s", topic)
		if err := r.deadLetter.Append(topic, sig, cause); err != nil {
			slog.Error("router: dead-letter write failed", "topic", topic, "error", err)
			return err
		}
	} else {
		r.bus.Publish(topic, sig)
	}
	return r.store.Delete(path)
}

// signalTopic maps an Intent to its ChemBus topic.
func signalTopic(in model.Intent) string {
	if in.Kind == model.IntentCuriosityInvestigate {
		return QCuriosityInvestigate
	}
	return strings.ToUpper(string(in.Kind))
}

// toSignal converts an Intent to a Signal. curiosity_investigate intents
// carry the full CuriosityQuestion shape in Payload; every other kind
// carries the intent's own facts plus its reason and evidence.
func toSignal(in model.Intent) model.Signal {
	if in.Kind == model.IntentCuriosityInvestigate {
		questionID := factString(in.Facts, "question_id")
		if questionID == "" {
			questionID = uuid.NewString()
		}
		q := model.CuriosityQuestion{
			QuestionID: questionID,
			Question:   factString(in.Facts, "question"),
			Priority:   in.Priority,
			Source:     factString(in.Facts, "capability_key"),
			Facts:      in.Facts,
			CreatedAt:  in.CreatedAt,
		}
		return model.Signal{
			Topic: QCuriosityInvestigate,
			Payload: map[string]any{
				"question_id":    q.QuestionID,
				"question":       q.Question,
				"priority":       q.Priority,
				"source":         q.Source,
				"facts":          q.Facts,
				"reason":         in.Reason,
				"evidence":       in.Evidence,
				"evidence_hash":  model.EvidenceHash(in.Evidence),
			},
			CreatedAt: time.Now(),
		}
	}

	return model.Signal{
		Topic: signalTopic(in),
		Payload: map[string]any{
			"reason":   in.Reason,
			"evidence": in.Evidence,
			"facts":    in.Facts,
			"priority": in.Priority,
		},
		CreatedAt: time.Now(),
	}
}

func factString(facts map[string]any, key string) string {
	if facts == nil {
		return ""
	}
	if v, ok := facts[key].(string); ok {
		return v
	}
	return ""
}
