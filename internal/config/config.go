// Package config handles Keel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./keel.yaml, ~/.config/keel/keel.yaml, /etc/keel/keel.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"keel.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "keel", "keel.yaml"))
	}

	paths = append(paths, "/etc/keel/keel.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Keel configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Model        ModelConfig        `yaml:"model"`
	Embeddings   EmbeddingsConfig   `yaml:"embeddings"`
	Window       WindowConfig       `yaml:"window"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tools        ToolsConfig        `yaml:"tools"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8488
}

// ModelConfig defines the model invocation endpoint.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"` // Chat API base URL (default: http://localhost:11434)
	Name    string `yaml:"name"`     // Default model name
	// TimeoutSec bounds a single model invocation. Exceeding it yields a
	// model-timeout error distinct from tool and turn-level failures.
	// Default: 120.
	TimeoutSec int `yaml:"timeout_sec"`
}

// EmbeddingsConfig defines embedding generation settings. When disabled,
// memory retrieval falls back to a deterministic local embedder.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"base_url"` // Defaults to model.base_url
}

// WindowConfig controls the context window budget and compression.
type WindowConfig struct {
	// MaxTokens is the context window budget. Default: 8000.
	MaxTokens int `yaml:"max_tokens"`
	// TriggerRatio triggers compression at this fraction of MaxTokens.
	// Default: 0.7.
	TriggerRatio float64 `yaml:"trigger_ratio"`
	// KeepRecent is the number of most recent messages that are pinned
	// and never evicted. Default: 10.
	KeepRecent int `yaml:"keep_recent"`
	// Summarize enables the lossy summarization pass before eviction.
	Summarize bool `yaml:"summarize"`
}

// OrchestratorConfig bounds the per-turn loop.
type OrchestratorConfig struct {
	// MaxIterations is the hard cap on loop iterations per user turn.
	// Default: 12.
	MaxIterations int `yaml:"max_iterations"`
	// MaxViolations is the number of consecutive continuation-protocol
	// violations tolerated before a forced stop. Default: 3.
	MaxViolations int `yaml:"max_violations"`
	// MemoryResults caps retrieved memory records per turn. Default: 5.
	MemoryResults int `yaml:"memory_results"`
	// ArchiveResults caps retrieved archive chunks per turn. Default: 3.
	ArchiveResults int `yaml:"archive_results"`
}

// ToolsConfig controls tool execution.
type ToolsConfig struct {
	// TimeoutSec is the per-tool-call timeout. Default: 30.
	TimeoutSec int `yaml:"timeout_sec"`
	// Serial forces sequential tool execution even for calls with no
	// shared resource.
	Serial bool `yaml:"serial"`
	// CancelGraceSec bounds cooperative cancellation of in-flight tool
	// calls before they are force-abandoned. Default: 5.
	CancelGraceSec int `yaml:"cancel_grace_sec"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8488
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "http://localhost:11434"
	}
	if c.Model.Name == "" {
		c.Model.Name = "qwen2.5:14b"
	}
	if c.Model.TimeoutSec <= 0 {
		c.Model.TimeoutSec = 120
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Model.BaseURL
	}
	if c.Window.MaxTokens <= 0 {
		c.Window.MaxTokens = 8000
	}
	if c.Window.TriggerRatio <= 0 {
		c.Window.TriggerRatio = 0.7
	}
	if c.Window.KeepRecent <= 0 {
		c.Window.KeepRecent = 10
	}
	if c.Orchestrator.MaxIterations <= 0 {
		c.Orchestrator.MaxIterations = 12
	}
	if c.Orchestrator.MaxViolations <= 0 {
		c.Orchestrator.MaxViolations = 3
	}
	if c.Orchestrator.MemoryResults <= 0 {
		c.Orchestrator.MemoryResults = 5
	}
	if c.Orchestrator.ArchiveResults <= 0 {
		c.Orchestrator.ArchiveResults = 3
	}
	if c.Tools.TimeoutSec <= 0 {
		c.Tools.TimeoutSec = 30
	}
	if c.Tools.CancelGraceSec <= 0 {
		c.Tools.CancelGraceSec = 5
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Window.TriggerRatio >= 1.0 {
		return fmt.Errorf("window.trigger_ratio must be below 1.0 (got %g)", c.Window.TriggerRatio)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ModelTimeout returns the per-model-invocation timeout as a Duration.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-call timeout as a Duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutSec) * time.Second
}

// CancelGrace returns the tool cancellation grace period as a Duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Tools.CancelGraceSec) * time.Second
}
