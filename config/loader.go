package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "nanoclaw.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/nanoclaw"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes all environment variable overrides
	EnvPrefix = "NANOCLAW_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/nanoclaw/config.yaml)
// 3. Project config (nanoclaw.yaml in current or parent directories)
// 4. Environment variables (NANOCLAW_*)
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Environment variables override file values
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for nanoclaw.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// ApplyEnv overlays NANOCLAW_* environment variables onto the config. The
// loader runs it as its final layer; callers loading a file directly run it
// themselves so operator overrides are never dropped.
func ApplyEnv(c *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	setString("ASSISTANT_NAME", &c.Assistant.Name)
	setString("DATA_DIR", &c.Data.Dir)
	setString("STORE_PATH", &c.Data.StorePath)
	setString("PLANNER_BASE_URL", &c.Planner.BaseURL)
	setString("PLANNER_API_KEY", &c.Planner.APIKey)
	setString("COMPLETION_MODEL", &c.Planner.CompletionModel)
	setString("REASONING_MODEL", &c.Planner.ReasoningModel)
	setString("WEBHOOK_URL", &c.Webhook.URL)
	setString("WEBHOOK_SECRET", &c.Webhook.Secret)
	setString("RUNNER_ADDR", &c.Runner.Addr)
	setString("RUNNER_SECRET", &c.Runner.Secret)
	setString("SSH_USER", &c.Runner.SSHUser)
	setString("READABLE_MIRROR_URL", &c.Runner.ReadableMirrorURL)
	setString("IMAGE_ENDPOINT_URL", &c.Runner.ImageEndpointURL)
	setString("VOICE_ENDPOINT_URL", &c.Runner.VoiceEndpointURL)
	setString("MEDIA_BEARER_TOKEN", &c.Runner.MediaBearerToken)
	setString("OPENCODE_URL", &c.Runner.OpencodeURL)
	setString("SCHEDULER_TIMEZONE", &c.Scheduler.Timezone)
	setString("NATS_URL", &c.NATS.URL)
	setString("NOTES_DIR", &c.Memory.NotesDir)

	if v, ok := os.LookupEnv(EnvPrefix + "REQUIRE_FREE_MODELS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sREQUIRE_FREE_MODELS %q: %w", EnvPrefix, v, err)
		}
		c.Planner.RequireFreeModels = &b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "ENABLE_APPROVED_EXECUTION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sENABLE_APPROVED_EXECUTION %q: %w", EnvPrefix, v, err)
		}
		c.Webhook.EnableApprovedExecution = &b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "WEBHOOK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sWEBHOOK_TIMEOUT %q: %w", EnvPrefix, v, err)
		}
		c.Webhook.Timeout = d
	}
	if v, ok := os.LookupEnv(EnvPrefix + "PLANNER_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sPLANNER_TIMEOUT %q: %w", EnvPrefix, v, err)
		}
		c.Planner.Timeout = d
	}
	if v, ok := os.LookupEnv(EnvPrefix + "MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_PARALLEL %q: %w", EnvPrefix, v, err)
		}
		c.Runner.MaxParallel = n
	}

	return nil
}
