package intent

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/kloros-systems/introspectd/internal/ierrors"
)

// AppendLog appends one JSON-marshaled line per call to a fixed file
// path, creating it on first use. It is the shared primitive behind
// DeadLetterLog and is reused as-is by the investigation pool's
// investigations log and processed-questions log: every append-only
// JSONL file in spec.md's filesystem layout goes through this type.
type AppendLog struct {
	mu   sync.Mutex
	path string
}

// NewAppendLog opens (creating on first write if necessary) the JSONL
// file at path.
func NewAppendLog(path string) *AppendLog {
	return &AppendLog{path: path}
}

// Append marshals v and writes it as one line, opening the file in
// append mode so concurrent AppendLog values for different paths never
// contend and a single value's writes are mutex-serialized.
func (a *AppendLog) Append(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	line, err := json.Marshal(v)
	if err != nil {
		return ierrors.FailedTo("intent.AppendLog", "marshal entry", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ierrors.FailedTo("intent.AppendLog", "open log file", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return ierrors.FailedTo("intent.AppendLog", "write log entry", err)
	}
	return nil
}
