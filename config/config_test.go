package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakebot/keepsake/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keepsake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
system_prompt:
  bot_name: Nim
  user_name: Alice
  about: a companion
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "Nim", cfg.Prompt.BotName)
	assert.Equal(t, 50, cfg.Prompt.MaxSTM)
	assert.Equal(t, 10, cfg.Prompt.MaxLTM)
	assert.Equal(t, int64(4096), cfg.LLM.MaxTokens)
	assert.True(t, cfg.LLM.ToolsEnabled())
	assert.Equal(t, 5, cfg.Memory.RecallLimit)
	assert.Equal(t, "mock", cfg.Memory.Embedder)
	assert.Equal(t, 45, cfg.Freewill.IdleMinutes)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
system_prompt:
  bot_name: Nim
  user_name: Alice
  about: a companion for {user}
  max_stm: 30
  max_ltm: 5
  tone: warm
  likes: [coffee, rain]
  timezone: Europe/Berlin
llm:
  model: claude-sonnet-4-20250514
  max_tokens: 2048
  temperature: 0.8
  use_tools: false
  reason: true
  force_lowercase: true
memory:
  recall_limit: 3
  embedder: onnx
  model_path: /models/minilm.onnx
freewill:
  enabled: true
  idle_minutes: 30
listen: ":9090"
`))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Prompt.MaxSTM)
	assert.Equal(t, []string{"coffee", "rain"}, cfg.Prompt.Likes)
	assert.Equal(t, "Europe/Berlin", cfg.Prompt.Timezone)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.8, *cfg.LLM.Temperature, 0.001)
	assert.False(t, cfg.LLM.ToolsEnabled())
	assert.True(t, cfg.LLM.Reason)
	assert.True(t, cfg.LLM.ForceLowercase)
	assert.Equal(t, "onnx", cfg.Memory.Embedder)
	assert.True(t, cfg.Freewill.Enabled)
	assert.Equal(t, 30, cfg.Freewill.IdleMinutes)
	assert.Equal(t, ":9090", cfg.Listen)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing bot name", "system_prompt:\n  user_name: Alice\n  about: x\n"},
		{"missing user name", "system_prompt:\n  bot_name: Nim\n  about: x\n"},
		{"missing about", "system_prompt:\n  bot_name: Nim\n  user_name: Alice\n"},
		{"malformed yaml", "system_prompt: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeConfig(t, minimalConfig)

	store, err := config.NewStore(path, logger)
	require.NoError(t, err)

	before := store.Snapshot()
	assert.Equal(t, "Nim", before.Prompt.BotName)

	require.NoError(t, os.WriteFile(path, []byte(`
system_prompt:
  bot_name: Echo
  user_name: Alice
  about: a different persona
`), 0o644))
	require.NoError(t, store.Reload())

	after := store.Snapshot()
	assert.Equal(t, "Echo", after.Prompt.BotName)
	// a snapshot taken earlier is unaffected by the reload
	assert.Equal(t, "Nim", before.Prompt.BotName)
}

func TestStore_ReloadKeepsPreviousOnFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := writeConfig(t, minimalConfig)

	store, err := config.NewStore(path, logger)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("system_prompt: ["), 0o644))
	assert.Error(t, store.Reload())

	assert.Equal(t, "Nim", store.Snapshot().Prompt.BotName)
}
