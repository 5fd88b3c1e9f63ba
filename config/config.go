// Package config provides configuration loading and management for nanoclaw.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete nanoclaw configuration
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	Data      DataConfig      `yaml:"data"`
	Planner   PlannerConfig   `yaml:"planner"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	NATS      NATSConfig      `yaml:"nats"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// AssistantConfig names the assistant in chat
type AssistantConfig struct {
	// Name builds the trigger prefix @<name> for non-main groups
	Name string `yaml:"name"`
}

// DataConfig locates persistent state
type DataConfig struct {
	// Dir holds the router state documents, the proposal journal, and the
	// ipc tree
	Dir string `yaml:"dir"`
	// StorePath is the sqlite database for messages, chats, and tasks
	// (default: <dir>/nanoclaw.db)
	StorePath string `yaml:"store_path"`
}

// PlannerConfig configures the planning model calls
type PlannerConfig struct {
	// BaseURL is the OpenAI-compatible endpoint base (e.g. https://openrouter.ai/api/v1)
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates against BaseURL
	APIKey string `yaml:"api_key"`
	// CompletionModel handles ordinary turns
	CompletionModel string `yaml:"completion_model"`
	// ReasoningModel handles scheduled turns (falls back to CompletionModel)
	ReasoningModel string `yaml:"reasoning_model"`
	// RequireFreeModels rejects model ids without the ":free" suffix.
	// A pointer so layered merging can tell "set to false" from "absent".
	RequireFreeModels *bool `yaml:"require_free_models"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig configures dispatch to the runner
type WebhookConfig struct {
	// URL is the runner dispatch endpoint
	URL string `yaml:"url"`
	// Secret signs outbound envelopes
	Secret string `yaml:"secret"`
	// Timeout bounds the outbound POST
	Timeout time.Duration `yaml:"timeout"`
	// EnableApprovedExecution gates all dispatching; when false approved
	// actions are reported as skipped instead of sent. A pointer so layered
	// merging can tell "set to false" from "absent" (absent means enabled).
	EnableApprovedExecution *bool `yaml:"enable_approved_execution"`
}

// RunnerConfig configures the action runner service
type RunnerConfig struct {
	// Addr is the listen address (e.g. ":8790")
	Addr string `yaml:"addr"`
	// Secret gates the run management API
	Secret string `yaml:"secret"`
	// MaxParallel bounds grouped action concurrency
	MaxParallel int `yaml:"max_parallel"`
	// SSHUser is the login for remote shell actions
	SSHUser string `yaml:"ssh_user"`
	// SSHHosts maps logical target names to reachable addresses
	SSHHosts map[string]string `yaml:"ssh_hosts"`
	// ReadableMirrorURL renders pages for browser-mode fetch
	ReadableMirrorURL string `yaml:"readable_mirror_url"`
	// ImageEndpointURL describes images
	ImageEndpointURL string `yaml:"image_endpoint_url"`
	// VoiceEndpointURL transcribes voice notes
	VoiceEndpointURL string `yaml:"voice_endpoint_url"`
	// MediaBearerToken authenticates the media endpoints
	MediaBearerToken string `yaml:"media_bearer_token"`
	// OpencodeURL is the background code-task service
	OpencodeURL string `yaml:"opencode_url"`
}

// SchedulerConfig configures the periodic task loop
type SchedulerConfig struct {
	// Timezone evaluates cron expressions (default: UTC)
	Timezone string `yaml:"timezone"`
}

// NATSConfig configures the chat transport connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
}

// MemoryConfig configures note retrieval for planner prompts
type MemoryConfig struct {
	// NotesDir is the root of the notes tree (empty disables retrieval)
	NotesDir string `yaml:"notes_dir"`
	// Patterns are glob patterns relative to NotesDir (default: **/*.md)
	Patterns []string `yaml:"patterns"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name: "nanoclaw",
		},
		Data: DataConfig{
			Dir: "data",
		},
		Planner: PlannerConfig{
			BaseURL:         "http://localhost:11434/v1",
			CompletionModel: "qwen2.5:14b",
			Timeout:         3 * time.Minute,
		},
		Webhook: WebhookConfig{
			URL:     "http://localhost:8790/dispatch",
			Timeout: 10 * time.Second,
		},
		Runner: RunnerConfig{
			Addr:        ":8790",
			MaxParallel: 4,
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Assistant.Name == "" {
		return fmt.Errorf("assistant.name is required")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Planner.BaseURL == "" {
		return fmt.Errorf("planner.base_url is required")
	}
	if c.Planner.CompletionModel == "" {
		return fmt.Errorf("planner.completion_model is required")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook.timeout must be positive")
	}
	if c.Runner.MaxParallel <= 0 {
		return fmt.Errorf("runner.max_parallel must be positive")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone %q is invalid: %w", c.Scheduler.Timezone, err)
		}
	}
	return nil
}

// FreeModelsRequired reports the free-tier model policy; unset means off.
func (p PlannerConfig) FreeModelsRequired() bool {
	return p.RequireFreeModels != nil && *p.RequireFreeModels
}

// ExecutionEnabled reports the approved-execution gate; unset means enabled.
func (w WebhookConfig) ExecutionEnabled() bool {
	return w.EnableApprovedExecution == nil || *w.EnableApprovedExecution
}

// StorePath returns the sqlite database path, defaulting under the data dir.
func (c *Config) StorePath() string {
	if c.Data.StorePath != "" {
		return c.Data.StorePath
	}
	return filepath.Join(c.Data.Dir, "nanoclaw.db")
}

// IPCDir returns the ipc root under the data dir.
func (c *Config) IPCDir() string {
	return filepath.Join(c.Data.Dir, "ipc")
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Assistant
	if other.Assistant.Name != "" {
		c.Assistant.Name = other.Assistant.Name
	}

	// Data
	if other.Data.Dir != "" {
		c.Data.Dir = other.Data.Dir
	}
	if other.Data.StorePath != "" {
		c.Data.StorePath = other.Data.StorePath
	}

	// Planner
	if other.Planner.BaseURL != "" {
		c.Planner.BaseURL = other.Planner.BaseURL
	}
	if other.Planner.APIKey != "" {
		c.Planner.APIKey = other.Planner.APIKey
	}
	if other.Planner.CompletionModel != "" {
		c.Planner.CompletionModel = other.Planner.CompletionModel
	}
	if other.Planner.ReasoningModel != "" {
		c.Planner.ReasoningModel = other.Planner.ReasoningModel
	}
	if other.Planner.RequireFreeModels != nil {
		c.Planner.RequireFreeModels = other.Planner.RequireFreeModels
	}
	if other.Planner.Timeout != 0 {
		c.Planner.Timeout = other.Planner.Timeout
	}

	// Webhook
	if other.Webhook.URL != "" {
		c.Webhook.URL = other.Webhook.URL
	}
	if other.Webhook.Secret != "" {
		c.Webhook.Secret = other.Webhook.Secret
	}
	if other.Webhook.Timeout != 0 {
		c.Webhook.Timeout = other.Webhook.Timeout
	}
	if other.Webhook.EnableApprovedExecution != nil {
		c.Webhook.EnableApprovedExecution = other.Webhook.EnableApprovedExecution
	}

	// Runner
	if other.Runner.Addr != "" {
		c.Runner.Addr = other.Runner.Addr
	}
	if other.Runner.Secret != "" {
		c.Runner.Secret = other.Runner.Secret
	}
	if other.Runner.MaxParallel != 0 {
		c.Runner.MaxParallel = other.Runner.MaxParallel
	}
	if other.Runner.SSHUser != "" {
		c.Runner.SSHUser = other.Runner.SSHUser
	}
	if len(other.Runner.SSHHosts) > 0 {
		c.Runner.SSHHosts = other.Runner.SSHHosts
	}
	if other.Runner.ReadableMirrorURL != "" {
		c.Runner.ReadableMirrorURL = other.Runner.ReadableMirrorURL
	}
	if other.Runner.ImageEndpointURL != "" {
		c.Runner.ImageEndpointURL = other.Runner.ImageEndpointURL
	}
	if other.Runner.VoiceEndpointURL != "" {
		c.Runner.VoiceEndpointURL = other.Runner.VoiceEndpointURL
	}
	if other.Runner.MediaBearerToken != "" {
		c.Runner.MediaBearerToken = other.Runner.MediaBearerToken
	}
	if other.Runner.OpencodeURL != "" {
		c.Runner.OpencodeURL = other.Runner.OpencodeURL
	}

	// Scheduler
	if other.Scheduler.Timezone != "" {
		c.Scheduler.Timezone = other.Scheduler.Timezone
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Memory
	if other.Memory.NotesDir != "" {
		c.Memory.NotesDir = other.Memory.NotesDir
	}
	if len(other.Memory.Patterns) > 0 {
		c.Memory.Patterns = other.Memory.Patterns
	}
}
