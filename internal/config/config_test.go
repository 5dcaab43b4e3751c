package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/internal/config"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
agents:
  - agent_name: researcher
    instruction: "You research topics."
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, 10, cfg.Agents[0].MaxSteps)
	assert.Equal(t, 30, cfg.Agents[0].ToolCallTimeout)
	assert.Equal(t, 8, cfg.Agents[0].LoopWindowSize)
	assert.Equal(t, 3, cfg.Agents[0].LoopRepeatThresh)
	assert.Equal(t, "json", cfg.Agents[0].ParserVariant)
	assert.Equal(t, "in_memory", cfg.Backend.MessageStoreURL)
	assert.Equal(t, 4, cfg.Manager.WorkerPoolSize)
}

func TestLoadRequiresAgentName(t *testing.T) {
	path := writeTempConfig(t, `
agents:
  - instruction: "missing a name"
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("AGENTCORE_REDIS_URL", "redis://localhost:6379/0")
	path := writeTempConfig(t, `
backend:
  redis_url: "${AGENTCORE_REDIS_URL}"
agents:
  - agent_name: a
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Backend.RedisURL)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
