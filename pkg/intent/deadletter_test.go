package intent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

func TestDeadLetterLogAppendsOneLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed_signals.jsonl")
	d := NewDeadLetterLog(path)

	require.NoError(t, d.Append("ALERT_GPU_OOM", model.Signal{Topic: "ALERT_GPU_OOM"}, errors.New("no subscribers")))
	require.NoError(t, d.Append("Q_CURIOSITY_INVESTIGATE", model.Signal{Topic: "Q_CURIOSITY_INVESTIGATE"}, errors.New("bus unavailable")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ALERT_GPU_OOM")
	assert.Contains(t, lines[1], "Q_CURIOSITY_INVESTIGATE")
}
