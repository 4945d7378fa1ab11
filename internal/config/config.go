package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the fully-defaulted, validated configuration of the gateway.
// It is built once at startup by Load and treated as frozen afterwards.
type Config struct {
	// Server
	Addr                         string `yaml:"addr"`
	APIKey                       string `yaml:"api_key"`
	GinMode                      string `yaml:"gin_mode"`
	CORSAllowedOrigins           string `yaml:"cors_allowed_origins"`
	ServerShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`

	// Model exposed on /v1/models and accepted in requests.
	Model string `yaml:"model"`

	// Upstream
	UpstreamBaseURL           string `yaml:"upstream_base_url"`
	UpstreamChatPath          string `yaml:"upstream_chat_path"`
	UpstreamAppVersion        string `yaml:"upstream_app_version"`
	UpstreamTimeoutSeconds    int    `yaml:"upstream_timeout_seconds"`
	UpstreamPublicKeyArmored  string `yaml:"upstream_public_key"`
	UpstreamExternalTools     bool   `yaml:"upstream_external_tools"`
	RequestQueueSize          int    `yaml:"request_queue_size"`
	CustomToolsEnabled        bool   `yaml:"custom_tools_enabled"`
	DeterministicConversation bool   `yaml:"deterministic_conversations"`

	// Instructions
	DefaultInstructions    string `yaml:"default_instructions"`
	InjectInstructionsInto string `yaml:"inject_instructions_into"` // "first" or "last"

	// Conversation store
	MaxConversations int `yaml:"max_conversations"`

	// Sync engine
	SyncEnabled         bool   `yaml:"sync_enabled"`
	SyncBaseURL         string `yaml:"sync_base_url"`
	SyncDebounceSeconds int    `yaml:"sync_debounce_seconds"`
	SyncReconcileSpec   string `yaml:"sync_reconcile_spec"`
	SyncMasterKeyFile   string `yaml:"sync_master_key_file"`
	SyncPullOnStartup   bool   `yaml:"sync_pull_on_startup"`
	SyncHydrateMessages bool   `yaml:"sync_hydrate_messages"`

	// Auth collaborator
	AuthUID      string `yaml:"auth_uid"`
	AuthToken    string `yaml:"auth_token"`
	VaultPath    string `yaml:"vault_path"`
	VaultKeyFile string `yaml:"vault_key_file"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a config populated with every default value.
func Defaults() *Config {
	return &Config{
		Addr:                         "127.0.0.1:8917",
		GinMode:                      "release",
		CORSAllowedOrigins:           "http://localhost:3000",
		ServerShutdownTimeoutSeconds: 30,

		Model: "lumo",

		UpstreamBaseURL:        "https://lumo.proton.me/api",
		UpstreamChatPath:       "ai/v1/chat",
		UpstreamAppVersion:     "linux-lumo@1.0.0",
		UpstreamTimeoutSeconds: 60,
		RequestQueueSize:       32,
		CustomToolsEnabled:     true,

		InjectInstructionsInto: "first",

		MaxConversations: 128,

		SyncDebounceSeconds: 3,
		SyncReconcileSpec:   "@every 1m",
		SyncPullOnStartup:   true,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// environment-variable overrides, then validation.
func Load(path string) (*Config, error) {
	// Load .env file if it exists.
	_ = godotenv.Load(".env")

	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
	} else {
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeYAML(reader io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Addr = getEnvOrDefault("LUMO_ADDR", cfg.Addr)
	cfg.APIKey = getEnvOrDefault("LUMO_API_KEY", cfg.APIKey)
	cfg.GinMode = getEnvOrDefault("GIN_MODE", cfg.GinMode)

	cfg.UpstreamBaseURL = getEnvOrDefault("LUMO_UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	cfg.UpstreamAppVersion = getEnvOrDefault("LUMO_APP_VERSION", cfg.UpstreamAppVersion)
	cfg.UpstreamTimeoutSeconds = getEnvAsInt("LUMO_UPSTREAM_TIMEOUT_SECONDS", cfg.UpstreamTimeoutSeconds)

	cfg.AuthUID = getEnvOrDefault("LUMO_AUTH_UID", cfg.AuthUID)
	cfg.AuthToken = getEnvOrDefault("LUMO_AUTH_TOKEN", cfg.AuthToken)
	cfg.VaultPath = getEnvOrDefault("LUMO_VAULT_PATH", cfg.VaultPath)
	cfg.VaultKeyFile = getEnvOrDefault("LUMO_VAULT_KEY_FILE", cfg.VaultKeyFile)

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required; clients authenticate with it as a bearer token")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("upstream_base_url must not be empty")
	}
	if c.InjectInstructionsInto != "first" && c.InjectInstructionsInto != "last" {
		return fmt.Errorf("inject_instructions_into must be \"first\" or \"last\", got %q", c.InjectInstructionsInto)
	}
	if c.MaxConversations < 1 {
		return fmt.Errorf("max_conversations must be positive, got %d", c.MaxConversations)
	}
	if c.RequestQueueSize < 1 {
		return fmt.Errorf("request_queue_size must be positive, got %d", c.RequestQueueSize)
	}
	if c.SyncEnabled && c.SyncBaseURL == "" {
		return errors.New("sync_base_url is required when sync is enabled")
	}
	return nil
}

// UpstreamTimeout returns the upstream inactivity timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// SyncDebounce returns the sync debounce interval as a duration.
func (c *Config) SyncDebounce() time.Duration {
	return time.Duration(c.SyncDebounceSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
