package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/gateway"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/ratelimit"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "twitterbot",
	Short: "twitterbot - monitor Twitter accounts and route tweets by importance",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitor (polling loop + Telegram replies + maintenance)",
	RunE:  runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single monitoring cycle and exit",
	RunE:  runOnce,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor status",
	RunE:  runStatus,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage monitored accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <username> <channel-name>",
	Short: "Monitor a Twitter account, posting to the named channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountAdd,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Stop monitoring an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored accounts",
	RunE:  runAccountList,
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage Discord channels",
}

var channelAddCmd = &cobra.Command{
	Use:   "add <name> <webhook-url>",
	Short: "Register a Discord channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runChannelAdd,
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered channels",
	RunE:  runChannelList,
}

func init() {
	accountCmd.AddCommand(accountAddCmd, accountRemoveCmd, accountListCmd)
	channelCmd.AddCommand(channelAddCmd, channelListCmd)
	rootCmd.AddCommand(runCmd, onceCmd, onboardCmd, statusCmd, accountCmd, channelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadChecked() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Twitter.APIKey == "" {
		return nil, fmt.Errorf("twitter API key not set. Run 'twitterbot onboard' or set TWITTERAPI_KEY")
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadChecked()
	if err != nil {
		return err
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadChecked()
	if err != nil {
		return err
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.RunOnce(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set TWITTERAPI_KEY (twitterapi.io)")
	fmt.Println("  2. Set OPENROUTER_API_KEY for tweet scoring")
	fmt.Println("  3. Register a channel: twitterbot channel add main <webhook-url>")
	fmt.Println("  4. Add an account:    twitterbot account add elonmusk main")
	fmt.Println("  5. Start:             twitterbot run")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return err
	}
	accounts, err := st.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	counts, err := st.CountAlertsByState(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Config:    %s\n", config.ConfigPath())
	fmt.Printf("Database:  %s\n", describeDB(cfg.Database))
	fmt.Printf("Interval:  %ds\n", cfg.Monitor.IntervalSeconds)
	fmt.Printf("Channels:  %d\n", len(channels))
	fmt.Printf("Accounts:  %d active\n", len(accounts))
	// The queue snapshot on disk is the same state a running process sees.
	queue := ratelimit.NewQueue(cfg.Urgent)
	fmt.Printf("Urgent:    queued=%d cooldown=%s\n", queue.Len(), queue.CooldownRemaining().Round(time.Second))
	fmt.Printf("Telegram:  %s\n", enabledStr(cfg.Telegram.Enabled && cfg.Telegram.Token != ""))
	fmt.Printf("Analyzer:  %s\n", enabledStr(cfg.Analyzer.Enabled && cfg.Analyzer.APIKey != ""))
	fmt.Printf("Builder:   %s\n", enabledStr(cfg.Build.Enabled && cfg.Build.APIKey != ""))
	fmt.Printf("Alerts:    pending=%d awaiting=%d interesting=%d filtered=%d built=%d failed=%d\n",
		counts[model.StatePending], counts[model.StateAwaiting], counts[model.StateInteresting],
		counts[model.StateFiltered], counts[model.StateBuildOK], counts[model.StateBuildFailed])
	return nil
}

func describeDB(cfg config.DatabaseConfig) string {
	if cfg.Driver == "postgres" {
		return "postgres"
	}
	return cfg.Path
}

func enabledStr(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	username, channelName := args[0], args[1]

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	ch, err := st.ChannelByName(ctx, channelName)
	if err != nil {
		return fmt.Errorf("channel %q: %w", channelName, err)
	}
	id, err := st.AddAccount(ctx, username, ch.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Monitoring @%s -> #%s (id %d)\n", username, channelName, id)
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.DeactivateAccount(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Stopped monitoring @%s\n", args[0])
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	accounts, err := st.ListActiveAccounts(context.Background())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts monitored. Add one with 'twitterbot account add <username> <channel>'.")
		return nil
	}
	for _, ac := range accounts {
		mark := ac.LastTweetID
		if mark == "" {
			mark = "(unseeded)"
		}
		fmt.Printf("@%-20s channel=%-4s watermark=%s added=%s\n",
			ac.Username, strconv.FormatInt(ac.ChannelID, 10), mark,
			ac.AddedAt.Format(time.DateOnly))
	}
	return nil
}

func runChannelAdd(cmd *cobra.Command, args []string) error {
	name, webhook := args[0], args[1]

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	id, err := st.CreateChannel(context.Background(), name, webhook)
	if err != nil {
		return err
	}
	fmt.Printf("Registered channel #%s (id %d)\n", name, id)
	return nil
}

func runChannelList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	channels, err := st.ListChannels(context.Background())
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		fmt.Println("No channels registered. Add one with 'twitterbot channel add <name> <webhook-url>'.")
		return nil
	}
	for _, ch := range channels {
		state := "active"
		if !ch.Active {
			state = "inactive"
		}
		fmt.Printf("#%-16s id=%-4d %s %s\n", ch.Name, ch.ID, state, ch.CreatedAt.Format(time.DateOnly))
	}
	return nil
}
