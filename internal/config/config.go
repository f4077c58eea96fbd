package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultBaseURL           = "https://api.twitterapi.io"
	DefaultCheckInterval     = 300
	DefaultMaxTweets         = 20
	DefaultMaxConcurrent     = 10
	DefaultFetchTimeout      = 30
	DefaultAnalyzerEndpoint  = "https://openrouter.ai/api/v1/chat/completions"
	DefaultAnalyzerModel     = "deepseek/deepseek-chat"
	DefaultAnalyzerTimeout   = 60
	DefaultDiscordTimeout    = 10
	DefaultDiscordRetries    = 3
	DefaultCooldownMinutes   = 15
	DefaultMaxQueueSize      = 10
	DefaultDrainInterval     = 30
	DefaultBuildModel        = "claude-sonnet-4-5-20250929"
	DefaultBuildMaxTokens    = 8192
	DefaultBuildTimeoutMin   = 10
	DefaultBuildIterations   = 20
	DefaultLedgerRetainDays  = 90
	DefaultAlertExpiryMin    = 60
	DefaultBulkThreshold     = 2
	DefaultPremiumThreshold  = 7
	DefaultUrgentThreshold   = 9
)

type Config struct {
	Twitter   TwitterConfig   `json:"twitter"`
	Database  DatabaseConfig  `json:"database"`
	Monitor   MonitorConfig   `json:"monitor"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Discord   DiscordConfig   `json:"discord"`
	Telegram  TelegramConfig  `json:"telegram"`
	Urgent    UrgentConfig    `json:"urgent"`
	Build     BuildConfig     `json:"build"`
	Retention RetentionConfig `json:"retention"`
}

type TwitterConfig struct {
	APIKey         string `json:"apiKey"`
	BaseURL        string `json:"baseUrl,omitempty"`
	MaxTweets      int    `json:"maxTweets"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver,omitempty"`
	// Path is the SQLite file; ignored for postgres.
	Path string `json:"path,omitempty"`
	// DSN is the postgres connection string; ignored for sqlite.
	DSN string `json:"dsn,omitempty"`
}

type MonitorConfig struct {
	IntervalSeconds       int        `json:"intervalSeconds"`
	MaxConcurrentAccounts int        `json:"maxConcurrentAccounts"`
	Thresholds            Thresholds `json:"thresholds"`
}

// Thresholds are the tier cut points: scores below Bulk are filtered,
// [Bulk, Premium) go to the bulk channel, [Premium, Urgent) to premium,
// and Urgent and above to the urgent path.
type Thresholds struct {
	Bulk    int `json:"bulk"`
	Premium int `json:"premium"`
	Urgent  int `json:"urgent"`
}

type AnalyzerConfig struct {
	Enabled        bool   `json:"enabled"`
	Endpoint       string `json:"endpoint,omitempty"`
	Model          string `json:"model,omitempty"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type DiscordConfig struct {
	BulkWebhook        string `json:"bulkWebhook"`
	PremiumWebhook     string `json:"premiumWebhook"`
	InterestingWebhook string `json:"interestingWebhook"`
	TimeoutSeconds     int    `json:"timeoutSeconds"`
	RetryAttempts      int    `json:"retryAttempts"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type UrgentConfig struct {
	Enabled              bool   `json:"enabled"`
	CooldownMinutes      int    `json:"cooldownMinutes"`
	MaxQueueSize         int    `json:"maxQueueSize"`
	DrainIntervalSeconds int    `json:"drainIntervalSeconds"`
	QueuePath            string `json:"queuePath,omitempty"`
}

type BuildConfig struct {
	Enabled           bool   `json:"enabled"`
	ProviderType      string `json:"providerType,omitempty"` // "anthropic" (default) or "openai"
	APIKey            string `json:"apiKey"`
	BaseURL           string `json:"baseUrl,omitempty"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	Workspace         string `json:"workspace"`
	TimeoutMinutes    int    `json:"timeoutMinutes"`
	MaxToolIterations int    `json:"maxToolIterations"`
}

type RetentionConfig struct {
	LedgerDays         int `json:"ledgerDays"`
	AlertExpiryMinutes int `json:"alertExpiryMinutes"`
}

func DefaultConfig() *Config {
	return &Config{
		Twitter: TwitterConfig{
			BaseURL:        DefaultBaseURL,
			MaxTweets:      DefaultMaxTweets,
			TimeoutSeconds: DefaultFetchTimeout,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(ConfigDir(), "data", "monitor.db"),
		},
		Monitor: MonitorConfig{
			IntervalSeconds:       DefaultCheckInterval,
			MaxConcurrentAccounts: DefaultMaxConcurrent,
			Thresholds: Thresholds{
				Bulk:    DefaultBulkThreshold,
				Premium: DefaultPremiumThreshold,
				Urgent:  DefaultUrgentThreshold,
			},
		},
		Analyzer: AnalyzerConfig{
			Enabled:        true,
			Endpoint:       DefaultAnalyzerEndpoint,
			Model:          DefaultAnalyzerModel,
			TimeoutSeconds: DefaultAnalyzerTimeout,
		},
		Discord: DiscordConfig{
			TimeoutSeconds: DefaultDiscordTimeout,
			RetryAttempts:  DefaultDiscordRetries,
		},
		Telegram: TelegramConfig{},
		Urgent: UrgentConfig{
			Enabled:              true,
			CooldownMinutes:      DefaultCooldownMinutes,
			MaxQueueSize:         DefaultMaxQueueSize,
			DrainIntervalSeconds: DefaultDrainInterval,
			QueuePath:            filepath.Join(ConfigDir(), "data", "urgent-queue.json"),
		},
		Build: BuildConfig{
			Model:             DefaultBuildModel,
			MaxTokens:         DefaultBuildMaxTokens,
			Workspace:         filepath.Join(ConfigDir(), "workspace"),
			TimeoutMinutes:    DefaultBuildTimeoutMin,
			MaxToolIterations: DefaultBuildIterations,
		},
		Retention: RetentionConfig{
			LedgerDays:         DefaultLedgerRetainDays,
			AlertExpiryMinutes: DefaultAlertExpiryMin,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".twitterbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("TWITTERAPI_KEY"); key != "" {
		cfg.Twitter.APIKey = key
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = path
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = dsn
	}
	if v := os.Getenv("CHECK_INTERVAL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.IntervalSeconds = parsed
		}
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.Analyzer.APIKey = key
	}
	if hook := os.Getenv("DISCORD_WEBHOOK_BULK"); hook != "" {
		cfg.Discord.BulkWebhook = hook
	}
	if hook := os.Getenv("DISCORD_WEBHOOK_PREMIUM"); hook != "" {
		cfg.Discord.PremiumWebhook = hook
	}
	if hook := os.Getenv("DISCORD_WEBHOOK_INTERESTING"); hook != "" {
		cfg.Discord.InterestingWebhook = hook
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
		cfg.Telegram.Enabled = true
	}
	if id := os.Getenv("TELEGRAM_CHAT_ID"); id != "" {
		if parsed, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Build.APIKey == "" {
		cfg.Build.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Build.APIKey == "" {
		cfg.Build.APIKey = key
		if cfg.Build.ProviderType == "" {
			cfg.Build.ProviderType = "openai"
		}
	}

	if cfg.Twitter.BaseURL == "" {
		cfg.Twitter.BaseURL = DefaultBaseURL
	}
	if cfg.Twitter.MaxTweets <= 0 {
		cfg.Twitter.MaxTweets = DefaultMaxTweets
	}
	if cfg.Twitter.TimeoutSeconds <= 0 {
		cfg.Twitter.TimeoutSeconds = DefaultFetchTimeout
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = DefaultCheckInterval
	}
	if cfg.Monitor.MaxConcurrentAccounts <= 0 {
		cfg.Monitor.MaxConcurrentAccounts = DefaultMaxConcurrent
	}
	if cfg.Urgent.CooldownMinutes <= 0 {
		cfg.Urgent.CooldownMinutes = DefaultCooldownMinutes
	}
	if cfg.Urgent.MaxQueueSize <= 0 {
		cfg.Urgent.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Urgent.DrainIntervalSeconds <= 0 {
		cfg.Urgent.DrainIntervalSeconds = DefaultDrainInterval
	}
	if cfg.Retention.LedgerDays <= 0 {
		cfg.Retention.LedgerDays = DefaultLedgerRetainDays
	}
	if cfg.Retention.AlertExpiryMinutes <= 0 {
		cfg.Retention.AlertExpiryMinutes = DefaultAlertExpiryMin
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
