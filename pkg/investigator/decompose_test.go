package investigator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeTimedOutIgnoresNonArchiveQuestions(t *testing.T) {
	subs := DecomposeTimedOut(QuestionData{QuestionID: "discover.module.foo"}, "/var/lib/introspectd/archives")
	assert.Nil(t, subs)
}

func TestDecomposeTimedOutBuildsTwoLowPrioritySubQuestions(t *testing.T) {
	subs := DecomposeTimedOut(QuestionData{QuestionID: "pattern.archive.lock_contention"}, "/var/lib/introspectd/archives")
	require.Len(t, subs, 2)

	for _, sq := range subs {
		assert.Equal(t, "low", sq.Priority)
		assert.Equal(t, "curiosity.decomposed.lock_contention", sq.Facts["capability_key"])
		assert.Contains(t, sq.Evidence, "parent_question:pattern.archive.lock_contention")
	}
	assert.Equal(t, "decomposed.pattern.archive.lock_contention.unique_keys", subs[0].QuestionID)
	assert.Equal(t, "decomposed.pattern.archive.lock_contention.temporal", subs[1].QuestionID)
}
