package investigator

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DecomposeTimedOut breaks a timed-out question into narrower
// sub-questions, ported from _decompose_timed_out_question. Timeout
// indicates too much context; the only decomposition strategy ported
// from the original is for pattern.archive.* questions (archive-wide
// "what changed" questions split into a unique-keys question and a
// temporal-onset question). Every other question id has no known
// decomposition strategy and yields nil, matching the original's
// "No decomposition strategy for question type" fallthrough.
func DecomposeTimedOut(q QuestionData, archiveDir string) []QuestionData {
	if !strings.HasPrefix(q.QuestionID, "pattern.archive.") {
		return nil
	}
	category := strings.TrimPrefix(q.QuestionID, "pattern.archive.")
	archiveFile := filepath.Join(archiveDir, category+".jsonl")
	capabilityKey := "curiosity.decomposed." + category

	base := []string{
		fmt.Sprintf("parent_question:%s", q.QuestionID),
		"decomposition_reason:timeout",
		fmt.Sprintf("archive_file:%s", archiveFile),
	}

	return []QuestionData{
		{
			QuestionID: fmt.Sprintf("decomposed.%s.unique_keys", q.QuestionID),
			Question:   fmt.Sprintf("What are the unique capability_keys in %s archive?", category),
			Hypothesis: fmt.Sprintf("DECOMPOSED_TIMEOUT_%s", strings.ToUpper(category)),
			Priority:   "low",
			Evidence:   append([]string(nil), base...),
			Facts:      map[string]any{"capability_key": capabilityKey},
		},
		{
			QuestionID: fmt.Sprintf("decomposed.%s.temporal", q.QuestionID),
			Question:   fmt.Sprintf("When did %s archiving activity begin?", category),
			Hypothesis: fmt.Sprintf("DECOMPOSED_TIMEOUT_%s", strings.ToUpper(category)),
			Priority:   "low",
			Evidence:   append([]string(nil), base...),
			Facts:      map[string]any{"capability_key": capabilityKey},
		},
	}
}
