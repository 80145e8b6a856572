// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "skybot"
	DefaultPGSSLMode     = "disable"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultGeminiModel   = "gemini-1.5-flash"
	DefaultSweepInterval = "1h"
	DefaultReminderCron  = "* * * * *"
	DefaultSlackScopes   = "app_mentions:read,channels:history,channels:manage,channels:read,chat:write,im:history,im:write,users:read"
	DefaultSystemPrompt  = "You are a helpful, friendly assistant. Answer clearly and concisely."
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Slack     SlackConfig     `toml:"slack"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Cache     CacheConfig     `toml:"cache"`
	Reminders RemindersConfig `toml:"reminders"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP listen address and the accepted API keys.
type ServerConfig struct {
	Addr    string   `toml:"addr"`
	APIKeys []string `toml:"api_keys"`
}

// SlackConfig holds Slack app credentials. SigningSecret verifies inbound
// requests; ClientID/ClientSecret drive the oauth.v2.access install exchange
// and token refresh. RedirectURL and Scopes feed the install link.
type SlackConfig struct {
	SigningSecret string `toml:"signing_secret"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	RedirectURL   string `toml:"redirect_url"`
	Scopes        string `toml:"scopes"`
}

// OpenAIConfig holds the OpenAI completion backend settings. An empty APIKey
// leaves the provider unconfigured and it is skipped by the chain.
type OpenAIConfig struct {
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	SystemPrompt string `toml:"system_prompt"`
}

// GeminiConfig holds the Google Gemini completion backend settings.
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// CacheConfig holds the in-memory state sweep interval (Go duration string).
type CacheConfig struct {
	SweepInterval string `toml:"sweep_interval"`
}

// RemindersConfig holds the due-reminder poll schedule (cron expression).
type RemindersConfig struct {
	Schedule string `toml:"schedule"`
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Slack: SlackConfig{
			Scopes: DefaultSlackScopes,
		},
		OpenAI: OpenAIConfig{
			Model:        DefaultOpenAIModel,
			SystemPrompt: DefaultSystemPrompt,
		},
		Gemini: GeminiConfig{
			Model: DefaultGeminiModel,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Cache: CacheConfig{
			SweepInterval: DefaultSweepInterval,
		},
		Reminders: RemindersConfig{
			Schedule: DefaultReminderCron,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
