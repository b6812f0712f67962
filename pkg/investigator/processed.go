package investigator

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kloros-systems/introspectd/internal/ierrors"
	"github.com/kloros-systems/introspectd/pkg/intent"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// ProcessedIndex is the in-memory question-id -> set-of-evidence-hash
// index backing the "same id, same evidence hash => no-op" context-aware
// re-investigation rule. It is rebuilt from the processed-questions
// JSONL log at startup so the log stays the durable source of truth
// (spec §9's "keep the JSONL for audit, rebuild an in-memory index at
// startup") while a lookup during normal operation is O(1) instead of a
// full log scan.
type ProcessedIndex struct {
	mu  sync.RWMutex
	log *intent.AppendLog
	seen map[string]map[string]bool
}

// NewProcessedIndex opens the processed-questions log at path and
// rebuilds the in-memory index from its existing contents. A malformed
// line is skipped with a warning rather than aborting the rebuild.
func NewProcessedIndex(path string) (*ProcessedIndex, error) {
	idx := &ProcessedIndex{
		log:  intent.NewAppendLog(path),
		seen: make(map[string]map[string]bool),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, ierrors.FailedTo("investigator.ProcessedIndex", "open processed questions log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var pq model.ProcessedQuestion
		if err := json.Unmarshal(scanner.Bytes(), &pq); err != nil {
			continue
		}
		idx.markLocked(pq.QuestionID, pq.EvidenceHash)
	}
	return idx, nil
}

// Seen reports whether questionID has already been processed with this
// exact evidence hash.
func (idx *ProcessedIndex) Seen(questionID, evidenceHash string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.seen[questionID][evidenceHash]
}

// Record appends a ProcessedQuestion line and updates the in-memory
// index.
func (idx *ProcessedIndex) Record(questionID, intentSHA, evidenceHash string) error {
	idx.mu.Lock()
	idx.markLocked(questionID, evidenceHash)
	idx.mu.Unlock()

	return idx.log.Append(model.ProcessedQuestion{
		QuestionID:   questionID,
		ProcessedAt:  time.Now(),
		IntentSHA:    intentSHA,
		EvidenceHash: evidenceHash,
	})
}

func (idx *ProcessedIndex) markLocked(questionID, evidenceHash string) {
	if idx.seen[questionID] == nil {
		idx.seen[questionID] = make(map[string]bool)
	}
	idx.seen[questionID][evidenceHash] = true
}
