package intent

import (
	"log/slog"
	"time"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// DeadLetterLog appends one JSON line per undeliverable signal to a
// fixed file path (failed_signals.jsonl in spec.md's filesystem layout).
// Safe for concurrent use.
type DeadLetterLog struct {
	log *AppendLog
}

// deadLetterEntry is one line of the dead-letter file.
type deadLetterEntry struct {
	Topic     string       `json:"topic"`
	Signal    model.Signal `json:"signal"`
	Error     string       `json:"error"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewDeadLetterLog opens (creating if necessary) the dead-letter file at
// path.
func NewDeadLetterLog(path string) *DeadLetterLog {
	return &DeadLetterLog{log: NewAppendLog(path)}
}

// Append writes one line describing a signal the Router could not
// deliver.
func (d *DeadLetterLog) Append(topic string, sig model.Signal, cause error) error {
	entry := deadLetterEntry{
		Topic:     topic,
		Signal:    sig,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	if err := d.log.Append(entry); err != nil {
		return err
	}
	slog.Warn("signal dead-lettered", "topic", topic, "cause", cause)
	return nil
}
