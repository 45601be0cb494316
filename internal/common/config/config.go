// Package config provides configuration management for the Happy agent runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/happyagents/happy/internal/common/brand"
	apperrors "github.com/happyagents/happy/internal/common/errors"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ServerConfig holds coordination server client configuration.
type ServerConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	PushURL        string `mapstructure:"pushUrl"` // websocket endpoint; derived from baseUrl when empty
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
	WriteRetries   int    `mapstructure:"writeRetries"`   // CAS retry budget for artifact writes
}

// SessionConfig holds per-session startup configuration, seeded from the
// recognized environment variables.
type SessionConfig struct {
	TeamID         string `mapstructure:"teamId"`
	TeamName       string `mapstructure:"teamName"`
	Role           string `mapstructure:"role"`
	SessionName    string `mapstructure:"sessionName"`
	SessionPath    string `mapstructure:"sessionPath"`
	PermissionMode string `mapstructure:"permissionMode"`
	DesktopMCPURL  string `mapstructure:"desktopMcpUrl"`
	Model          string `mapstructure:"model"`
	FallbackModel  string `mapstructure:"fallbackModel"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds bounded team-message storage limits.
type StorageConfig struct {
	Root            string `mapstructure:"root"`            // defaults to <brand home>/teams
	HotCap          int    `mapstructure:"hotCap"`          // max messages in the hot jsonl file
	MaxAgeDays      int    `mapstructure:"maxAgeDays"`      // messages older than this are archived
	TeamBudgetBytes int64  `mapstructure:"teamBudgetBytes"` // total hot + archive budget per team
	MaxArchives     int    `mapstructure:"maxArchives"`     // archive file count cap per team
}

// ToolsConfig holds the embedded MCP tool server configuration.
type ToolsConfig struct {
	McpServerEnabled bool   `mapstructure:"mcpServerEnabled"`
	McpServerPort    int    `mapstructure:"mcpServerPort"`
	ExtraServerURL   string `mapstructure:"extraServerUrl"` // DESKTOP_MCP_URL passthrough
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig holds the local sqlite session store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // defaults to <brand home>/sessions.db
}

// RequestTimeoutDuration returns the server request timeout as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// MaxAge returns the storage max age as a time.Duration.
func (s *StorageConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeDays) * 24 * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HAPPY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.baseUrl", "https://api.happy.engineering")
	v.SetDefault("server.pushUrl", "")
	v.SetDefault("server.requestTimeout", 30)
	v.SetDefault("server.writeRetries", 2)

	v.SetDefault("session.teamId", "")
	v.SetDefault("session.teamName", "")
	v.SetDefault("session.role", "")
	v.SetDefault("session.sessionName", "")
	v.SetDefault("session.sessionPath", "")
	v.SetDefault("session.permissionMode", "")
	v.SetDefault("session.desktopMcpUrl", "")
	v.SetDefault("session.model", "")
	v.SetDefault("session.fallbackModel", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "happy-session")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("storage.root", "")
	v.SetDefault("storage.hotCap", 500)
	v.SetDefault("storage.maxAgeDays", 7)
	v.SetDefault("storage.teamBudgetBytes", int64(5*1024*1024))
	v.SetDefault("storage.maxArchives", 10)

	v.SetDefault("tools.mcpServerEnabled", true)
	v.SetDefault("tools.mcpServerPort", 0) // 0 = pick a free port
	v.SetDefault("tools.extraServerUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("database.path", "")
}

// Load reads configuration for the given brand from environment variables,
// config file, and defaults. Environment variables use the brand prefix
// (HAPPY_ or AHA_) with snake_case naming.
func Load(b brand.Brand) (*Config, error) {
	return LoadWithPath(b, "")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(b brand.Brand, configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(b.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := b.HomeDir(); err == nil {
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvOverrides(&cfg, b)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies the documented cross-brand environment variables.
// These are looked up under every brand prefix so HAPPY_ROOM_ID and
// AHA_ROOM_ID are interchangeable.
func applyEnvOverrides(cfg *Config, b brand.Brand) {
	if v := b.Env("ROOM_ID"); v != "" {
		cfg.Session.TeamID = v
	}
	if v := b.Env("ROOM_NAME"); v != "" {
		cfg.Session.TeamName = v
	}
	if v := b.Env("AGENT_ROLE"); v != "" {
		cfg.Session.Role = v
	}
	if v := b.Env("SESSION_NAME"); v != "" {
		cfg.Session.SessionName = v
	}
	if v := b.Env("SESSION_PATH"); v != "" {
		cfg.Session.SessionPath = v
	}
	if v := b.Env("PERMISSION_MODE"); v != "" {
		cfg.Session.PermissionMode = v
	}
	if v := b.Env("DESKTOP_MCP_URL"); v != "" {
		cfg.Session.DesktopMCPURL = v
		cfg.Tools.ExtraServerURL = v
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		errs = append(errs, "server.baseUrl is required")
	}
	if cfg.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.requestTimeout must be positive")
	}
	if cfg.Server.WriteRetries < 0 {
		errs = append(errs, "server.writeRetries must not be negative")
	}

	if cfg.Storage.HotCap <= 0 {
		errs = append(errs, "storage.hotCap must be positive")
	}
	if cfg.Storage.MaxAgeDays <= 0 {
		errs = append(errs, "storage.maxAgeDays must be positive")
	}
	if cfg.Storage.TeamBudgetBytes <= 0 {
		errs = append(errs, "storage.teamBudgetBytes must be positive")
	}
	if cfg.Storage.MaxArchives <= 0 {
		errs = append(errs, "storage.maxArchives must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return apperrors.BadConfig(strings.Join(errs, "; "))
	}

	return nil
}
