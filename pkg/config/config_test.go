package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeUsesDefaultsWhenNoYAMLPresent(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 12288, cfg.RuleEngine.VLLMTotalMemoryMB)
	assert.Equal(t, 4, cfg.Investigator.MaxConcurrentInvestigations)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitializeMergesUserYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
rule_engine:
  vllm_total_memory_mb: 24576
investigator:
  max_concurrent_investigations: 8
  backend: remote_http
  remote_backend_url: "http://localhost:9100/analyze"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "introspectd.yaml"), []byte(yaml), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 24576, cfg.RuleEngine.VLLMTotalMemoryMB)
	assert.Equal(t, 8, cfg.Investigator.MaxConcurrentInvestigations)
	// Untouched defaults survive the merge.
	assert.Equal(t, 100, cfg.Investigator.MaxQueueDepth)
}

func TestInitializeRejectsRemoteBackendWithoutURL(t *testing.T) {
	dir := t.TempDir()
	yaml := "investigator:\n  backend: remote_http\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "introspectd.yaml"), []byte(yaml), 0o644))

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestInitializeRejectsEmergencyTimeoutExceedingNormal(t *testing.T) {
	dir := t.TempDir()
	yaml := "investigator:\n  normal_timeout: 10s\n  emergency_timeout: 20s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "introspectd.yaml"), []byte(yaml), 0o644))

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}
