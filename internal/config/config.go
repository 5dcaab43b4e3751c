// Package config loads the configuration recognised by the core, as
// enumerated in §6: per-agent tuning, memory and loop-detector defaults,
// and backend-selection URLs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryMode selects the retention policy applied by the Message Store.
type MemoryMode string

const (
	MemorySlidingWindow MemoryMode = "sliding_window"
	MemoryTokenBudget   MemoryMode = "token_budget"
)

// MemoryConfig mirrors store.RetentionPolicy at the configuration boundary.
type MemoryConfig struct {
	Mode  MemoryMode `yaml:"mode"`
	Value int        `yaml:"value"`
}

// AgentConfig is one agent's configuration block.
type AgentConfig struct {
	Name              string       `yaml:"agent_name"`
	MaxSteps          int          `yaml:"max_steps"`
	ToolCallTimeout   int          `yaml:"tool_call_timeout"`
	RequestLimit      int          `yaml:"request_limit"`
	TotalTokensLimit  int          `yaml:"total_tokens_limit"`
	Memory            MemoryConfig `yaml:"memory_config"`
	LoopWindowSize    int          `yaml:"loop_window_size"`
	LoopRepeatThresh  int          `yaml:"loop_repeat_threshold"`
	Model             string       `yaml:"model"`
	Instruction       string       `yaml:"instruction"`
	ParserVariant     string       `yaml:"parser_variant"` // "json" or "xml"
}

// BackendConfig selects the Message Store and Event Store backends.
type BackendConfig struct {
	MessageStoreURL string `yaml:"message_store_url"`
	EventStoreKind  string `yaml:"event_store_kind"`
	RedisURL        string `yaml:"redis_url"`
}

// BackgroundManagerConfig tunes the Background Agent Manager.
type BackgroundManagerConfig struct {
	WorkerPoolSize    int `yaml:"worker_pool_size"`
	ShutdownGraceSecs int `yaml:"shutdown_grace_seconds"`
}

// Config is the top-level document loaded from YAML.
type Config struct {
	Agents    []AgentConfig           `yaml:"agents"`
	Backend   BackendConfig           `yaml:"backend"`
	Manager   BackgroundManagerConfig `yaml:"manager"`
}

const (
	defaultMaxSteps            = 10
	defaultToolCallTimeoutSecs = 30
	defaultLoopWindowSize      = 8
	defaultLoopRepeatThreshold = 3
	defaultWorkerPoolSize      = 4
	defaultShutdownGraceSecs   = 30
)

// Load reads and parses a YAML configuration file, expanding ${VAR}-style
// environment references and applying the §6 defaults to any field left
// unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.Manager.WorkerPoolSize <= 0 {
		c.Manager.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.Manager.ShutdownGraceSecs <= 0 {
		c.Manager.ShutdownGraceSecs = defaultShutdownGraceSecs
	}
	if c.Backend.MessageStoreURL == "" {
		c.Backend.MessageStoreURL = "in_memory"
	}
	if c.Backend.EventStoreKind == "" {
		c.Backend.EventStoreKind = "in_memory"
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			return fmt.Errorf("config: agents[%d].agent_name is required", i)
		}
		if a.MaxSteps <= 0 {
			a.MaxSteps = defaultMaxSteps
		}
		if a.ToolCallTimeout <= 0 {
			a.ToolCallTimeout = defaultToolCallTimeoutSecs
		}
		if a.LoopWindowSize <= 0 {
			a.LoopWindowSize = defaultLoopWindowSize
		}
		if a.LoopRepeatThresh <= 0 {
			a.LoopRepeatThresh = defaultLoopRepeatThreshold
		}
		if a.ParserVariant == "" {
			a.ParserVariant = "json"
		}
	}
	return nil
}

// ToolCallTimeoutDuration converts the agent's configured seconds field to
// a time.Duration for react.Config.
func (a AgentConfig) ToolCallTimeoutDuration() time.Duration {
	return time.Duration(a.ToolCallTimeout) * time.Second
}
