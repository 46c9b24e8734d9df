// Package config loads and hot-reloads the YAML configuration file. The
// session registry takes a fresh snapshot whenever it builds a session, so
// config edits are observed at session-creation time rather than mid-use.
package config

import (
	"log/slog"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/prompt"
)

// Config is the full configuration file.
type Config struct {
	// Prompt is the persona configuration. Its long-term memory list is
	// runtime state and never appears in the file.
	Prompt prompt.Builder `yaml:"system_prompt"`

	LLM      LLMConfig      `yaml:"llm"`
	Memory   MemoryConfig   `yaml:"memory"`
	Freewill FreewillConfig `yaml:"freewill"`

	// Listen is the websocket gateway address.
	Listen string `yaml:"listen"`
}

// LLMConfig tunes the completion collaborator.
type LLMConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`

	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
	TopK        *int64   `yaml:"top_k,omitempty"`

	// UseTools offers memory_recall/memory_store to the model. Nil means
	// enabled.
	UseTools *bool `yaml:"use_tools,omitempty"`

	// Reason appends the reasoning protocol to the system prompt and
	// strips <think> blocks from replies.
	Reason bool `yaml:"reason"`

	// ForceLowercase lowercases every reply before delivery.
	ForceLowercase bool `yaml:"force_lowercase"`
}

// ToolsEnabled reports whether tool definitions should be offered.
func (c LLMConfig) ToolsEnabled() bool {
	return c.UseTools == nil || *c.UseTools
}

// MemoryConfig tunes the long-term memory pipeline.
type MemoryConfig struct {
	// RecallLimit is how many facts a recall returns.
	RecallLimit int `yaml:"recall_limit"`

	// Embedder selects the embedding collaborator: "mock" or "onnx".
	Embedder string `yaml:"embedder"`

	ModelPath     string `yaml:"model_path,omitempty"`
	TokenizerPath string `yaml:"tokenizer_path,omitempty"`
	OrtLibrary    string `yaml:"ort_library,omitempty"`
}

// FreewillConfig tunes proactive nudges.
type FreewillConfig struct {
	Enabled bool `yaml:"enabled"`

	// IdleMinutes is how long a user must stay silent before a nudge.
	IdleMinutes int `yaml:"idle_minutes"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Prompt.MaxSTM == 0 {
		c.Prompt.MaxSTM = 50
	}
	if c.Prompt.MaxLTM == 0 {
		c.Prompt.MaxLTM = 10
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.Memory.RecallLimit == 0 {
		c.Memory.RecallLimit = 5
	}
	if c.Memory.Embedder == "" {
		c.Memory.Embedder = "mock"
	}
	if c.Freewill.IdleMinutes == 0 {
		c.Freewill.IdleMinutes = 45
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
}

func (c *Config) validate() error {
	if c.Prompt.BotName == "" {
		return errors.New("system_prompt.bot_name is required")
	}
	if c.Prompt.UserName == "" {
		return errors.New("system_prompt.user_name is required")
	}
	if c.Prompt.About == "" {
		return errors.New("system_prompt.about is required")
	}
	return nil
}

// Store holds the latest configuration snapshot and re-reads the file on
// demand.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cur *Config
}

// NewStore loads the file once and keeps the result as the current snapshot.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, cur: cfg}, nil
}

// Reload re-reads the file. On failure the previous snapshot stays current.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()

	s.logger.Info("configuration reloaded", "path", s.path)
	return nil
}

// Snapshot returns a copy of the current configuration. Callers own the
// copy; later reloads do not affect it.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cur
}
