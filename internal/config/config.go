package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tutor configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// HTTP host
	Server ServerConfig `yaml:"server"`

	// LLM completion service and its retry policy
	LLM   LLMConfig   `yaml:"llm"`
	Retry RetryConfig `yaml:"retry"`

	// Link reading
	Web WebConfig `yaml:"web"`

	// Static image catalog
	Images ImagesConfig `yaml:"images"`

	// Tutoring script (system instruction and scenario texts)
	Script ScriptConfig `yaml:"script"`

	// State machine knobs and fixed messages
	Dialogue DialogueConfig `yaml:"dialogue"`
	Messages MessagesConfig `yaml:"messages"`

	// Persistence collaborator
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	Mode            string `yaml:"mode"` // gin mode: release, debug, test
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend      string `yaml:"backend"` // sqlite, firestore, memory
	DatabasePath string `yaml:"database_path"`
	ProjectID    string `yaml:"project_id"` // firestore
	DatabaseID   string `yaml:"database_id"`
	SyncAttempts int    `yaml:"sync_attempts"` // automatic attempts before a sync is left for the user to retry
}

// ValidBackends lists the supported persistence backends.
var ValidBackends = []string{"sqlite", "firestore", "memory"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "lateraltutor",

		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: "10s",
			Mode:            "release",
		},

		LLM:   DefaultLLMConfig(),
		Retry: DefaultRetryConfig(),

		Web: WebConfig{
			Enabled:   true,
			ReaderURL: "https://r.jina.ai/",
			Timeout:   "8s",
			MaxChars:  8000,
		},

		Images: ImagesConfig{
			Catalog: map[string]string{
				"IMG_CASE1": "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/1.png",
				"IMG_FINAL": "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/2.jpg",
			},
			OnboardingKey: "IMG_CASE1",
			AssessmentKey: "IMG_FINAL",
		},

		Script: DefaultScriptConfig(),

		Dialogue: DialogueConfig{
			MaxOffTopic:  3,
			StrictStages: false,
		},
		Messages: DefaultMessages(),

		Storage: StorageConfig{
			Backend:      "sqlite",
			DatabasePath: filepath.Join("data", "tutor.db"),
			SyncAttempts: 3,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.LLM.Temperature = ClampTemperature(cfg.LLM.Temperature)

	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openrouter"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if p := os.Getenv("TUTOR_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("TUTOR_MODEL"); m != "" {
		c.LLM.Model = m
	}

	if addr := os.Getenv("TUTOR_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}

	if backend := os.Getenv("TUTOR_STORAGE"); backend != "" {
		c.Storage.Backend = backend
	}
	if path := os.Getenv("TUTOR_DB_PATH"); path != "" {
		c.Storage.DatabasePath = path
	}
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" && c.Storage.ProjectID == "" {
		c.Storage.ProjectID = project
	}
}

// GetLLMTimeout returns the per-attempt completion timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetWebTimeout returns the link-reading timeout.
func (c *Config) GetWebTimeout() time.Duration {
	return parseDuration(c.Web.Timeout, 8*time.Second)
}

// GetShutdownTimeout returns the HTTP graceful shutdown budget.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Storage.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid storage backend: %s (valid: %v)", c.Storage.Backend, ValidBackends)
	}
	if c.Storage.Backend == "firestore" && c.Storage.ProjectID == "" {
		return fmt.Errorf("firestore backend requires storage.project_id (or GOOGLE_CLOUD_PROJECT)")
	}

	if c.Dialogue.MaxOffTopic < 1 {
		return fmt.Errorf("dialogue.max_off_topic must be at least 1, got %d", c.Dialogue.MaxOffTopic)
	}
	for _, key := range []string{c.Images.OnboardingKey, c.Images.AssessmentKey} {
		if _, ok := c.Images.Catalog[key]; !ok {
			return fmt.Errorf("image catalog is missing mandatory key %q", key)
		}
	}

	return nil
}
