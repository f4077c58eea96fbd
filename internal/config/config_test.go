package config

import (
	"os"
	"path/filepath"
	"testing"
)

// isolateHome points the config dir at a temp directory and clears the
// override variables so ambient environment never leaks into a test.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, v := range []string{
		"TWITTERAPI_KEY", "DATABASE_PATH", "DATABASE_URL", "CHECK_INTERVAL_SECONDS",
		"OPENROUTER_API_KEY", "DISCORD_WEBHOOK_BULK", "DISCORD_WEBHOOK_PREMIUM",
		"DISCORD_WEBHOOK_INTERESTING", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
	return home
}

func TestLoadConfigDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Twitter.BaseURL != DefaultBaseURL {
		t.Errorf("base url = %s", cfg.Twitter.BaseURL)
	}
	if cfg.Monitor.IntervalSeconds != DefaultCheckInterval {
		t.Errorf("interval = %d", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Monitor.Thresholds.Bulk != DefaultBulkThreshold ||
		cfg.Monitor.Thresholds.Premium != DefaultPremiumThreshold ||
		cfg.Monitor.Thresholds.Urgent != DefaultUrgentThreshold {
		t.Errorf("thresholds = %+v", cfg.Monitor.Thresholds)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %s", cfg.Database.Driver)
	}
	if cfg.Urgent.CooldownMinutes != DefaultCooldownMinutes || cfg.Urgent.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("urgent = %+v", cfg.Urgent)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".twitterbot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := `{
		"twitter": {"apiKey": "from-file"},
		"monitor": {"intervalSeconds": 60, "thresholds": {"bulk": 3, "premium": 6, "urgent": 8}}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Twitter.APIKey != "from-file" {
		t.Errorf("api key = %s", cfg.Twitter.APIKey)
	}
	if cfg.Monitor.IntervalSeconds != 60 {
		t.Errorf("interval = %d", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Monitor.Thresholds.Urgent != 8 {
		t.Errorf("urgent threshold = %d", cfg.Monitor.Thresholds.Urgent)
	}
	// Untouched sections keep their defaults.
	if cfg.Twitter.MaxTweets != DefaultMaxTweets {
		t.Errorf("max tweets = %d", cfg.Twitter.MaxTweets)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".twitterbot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := `{"twitter": {"apiKey": "from-file"}, "database": {"driver": "sqlite", "path": "/tmp/file.db"}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TWITTERAPI_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://bot@db/twitter")
	t.Setenv("CHECK_INTERVAL_SECONDS", "120")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100500")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Twitter.APIKey != "from-env" {
		t.Errorf("api key = %s", cfg.Twitter.APIKey)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://bot@db/twitter" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Monitor.IntervalSeconds != 120 {
		t.Errorf("interval = %d", cfg.Monitor.IntervalSeconds)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.ChatID != -100500 {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolateHome(t)

	cfg := DefaultConfig()
	cfg.Twitter.APIKey = "saved-key"
	cfg.Discord.BulkWebhook = "https://hook.test/bulk"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Twitter.APIKey != "saved-key" {
		t.Errorf("api key = %s", loaded.Twitter.APIKey)
	}
	if loaded.Discord.BulkWebhook != "https://hook.test/bulk" {
		t.Errorf("bulk webhook = %s", loaded.Discord.BulkWebhook)
	}
}
