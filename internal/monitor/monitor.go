// Package monitor runs the polling cycle: fetch new tweets for every
// active account, score them, and route each to its tier.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/discord"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/ratelimit"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/router"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/store"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/twitter"
)

// ErrAuthFatal stops the run loop: every account shares the one API key,
// so a rejected key cannot recover without operator action.
var ErrAuthFatal = errors.New("monitor: twitter auth failed, stopping")

// Fetcher pulls recent tweets for a username.
type Fetcher interface {
	FetchLatest(ctx context.Context, username string) ([]model.Tweet, error)
}

// Scorer rates a tweet. Implementations degrade rather than fail.
type Scorer interface {
	Analyze(ctx context.Context, username string, tweet model.Tweet) (model.Rating, error)
}

// Sender posts an embed to a Discord webhook.
type Sender interface {
	Send(ctx context.Context, webhookURL, username string, tweet model.Tweet, rating model.Rating, tier router.Tier) (discord.Status, error)
}

// CycleStats summarizes one full pass over the accounts.
type CycleStats struct {
	Accounts  int
	Fetched   int
	Delivered int
	Filtered  int
	Queued    int
	Dropped   int
	Errors    int
}

// Monitor owns the cycle loop. Accounts are checked concurrently under a
// semaphore; all cross-account state lives in the store or the urgent
// queue, both of which are safe for concurrent use.
type Monitor struct {
	store   store.Store
	fetcher Fetcher
	scorer  Scorer
	sender  Sender
	tiers   *router.Router
	queue   *ratelimit.Queue
	urgent  ratelimit.Deliverer

	discordCfg config.DiscordConfig
	interval   time.Duration
	maxWorkers int

	authFailed atomic.Bool
}

func New(st store.Store, fetcher Fetcher, scorer Scorer, sender Sender, tiers *router.Router,
	queue *ratelimit.Queue, urgent ratelimit.Deliverer, cfg *config.Config) *Monitor {
	interval := time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = config.DefaultCheckInterval * time.Second
	}
	workers := cfg.Monitor.MaxConcurrentAccounts
	if workers <= 0 {
		workers = config.DefaultMaxConcurrent
	}
	return &Monitor{
		store:      st,
		fetcher:    fetcher,
		scorer:     scorer,
		sender:     sender,
		tiers:      tiers,
		queue:      queue,
		urgent:     urgent,
		discordCfg: cfg.Discord,
		interval:   interval,
		maxWorkers: workers,
	}
}

// Run cycles until the context is cancelled or the API key is rejected.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[monitor] started, interval %s, max %d concurrent accounts", m.interval, m.maxWorkers)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		stats := m.RunCycle(ctx)
		log.Printf("[monitor] cycle done: %d accounts, %d new tweets, %d delivered, %d filtered, %d queued, %d dropped, %d errors",
			stats.Accounts, stats.Fetched, stats.Delivered, stats.Filtered, stats.Queued, stats.Dropped, stats.Errors)

		if m.authFailed.Load() {
			return ErrAuthFatal
		}
		select {
		case <-ctx.Done():
			log.Printf("[monitor] stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle checks every active account once.
func (m *Monitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats

	accounts, err := m.store.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("[monitor] list accounts: %v", err)
		stats.Errors++
		return stats
	}
	stats.Accounts = len(accounts)
	if len(accounts) == 0 {
		return stats
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.maxWorkers)
	)
	for _, ac := range accounts {
		if m.authFailed.Load() || ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ac model.AccountChannel) {
			defer wg.Done()
			defer func() { <-sem }()
			s := m.checkAccount(ctx, ac)
			mu.Lock()
			stats.Fetched += s.Fetched
			stats.Delivered += s.Delivered
			stats.Filtered += s.Filtered
			stats.Queued += s.Queued
			stats.Dropped += s.Dropped
			stats.Errors += s.Errors
			mu.Unlock()
		}(ac)
	}
	wg.Wait()
	return stats
}

func (m *Monitor) checkAccount(ctx context.Context, ac model.AccountChannel) CycleStats {
	var stats CycleStats

	tweets, err := m.fetcher.FetchLatest(ctx, ac.Username)
	if err != nil {
		switch {
		case errors.Is(err, twitter.ErrAuth):
			log.Printf("[monitor] api key rejected while checking @%s", ac.Username)
			m.authFailed.Store(true)
		case errors.Is(err, twitter.ErrNotFound):
			log.Printf("[monitor] @%s not found, deactivating", ac.Username)
			if derr := m.store.DeactivateAccount(ctx, ac.Username); derr != nil {
				log.Printf("[monitor] deactivate @%s: %v", ac.Username, derr)
			}
		case errors.Is(err, twitter.ErrRateLimited):
			log.Printf("[monitor] rate limited on @%s, skipping this cycle", ac.Username)
		default:
			log.Printf("[monitor] fetch @%s: %v", ac.Username, err)
		}
		stats.Errors++
		return stats
	}

	fresh := m.newTweets(ctx, ac, tweets)
	stats.Fetched = len(fresh)

	for _, tweet := range fresh {
		if ctx.Err() != nil {
			return stats
		}
		m.processTweet(ctx, ac, tweet, &stats)

		// The watermark moves forward no matter how delivery went; a
		// tweet is never re-scored on the next cycle.
		if _, err := m.store.AdvanceWatermark(ctx, ac.Username, tweet.ID); err != nil {
			log.Printf("[monitor] watermark @%s: %v", ac.Username, err)
			stats.Errors++
		}
	}
	return stats
}

// newTweets filters to tweets above the watermark, oldest first. On the
// very first check of an account the watermark is seeded at the newest
// tweet and nothing is emitted, so onboarding never floods a channel.
func (m *Monitor) newTweets(ctx context.Context, ac model.AccountChannel, tweets []model.Tweet) []model.Tweet {
	if len(tweets) == 0 {
		return nil
	}

	if ac.LastTweetID == "" {
		newest := tweets[0]
		for _, t := range tweets[1:] {
			if t.NumericID() > newest.NumericID() {
				newest = t
			}
		}
		if _, err := m.store.AdvanceWatermark(ctx, ac.Username, newest.ID); err != nil {
			log.Printf("[monitor] seed watermark @%s: %v", ac.Username, err)
		} else {
			log.Printf("[monitor] @%s watermark seeded at %s", ac.Username, newest.ID)
		}
		return nil
	}

	mark := ac.Watermark()
	fresh := make([]model.Tweet, 0, len(tweets))
	for _, t := range tweets {
		if t.NumericID() > mark {
			fresh = append(fresh, t)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	return fresh
}

func (m *Monitor) processTweet(ctx context.Context, ac model.AccountChannel, tweet model.Tweet, stats *CycleStats) {
	delivered, err := m.store.WasDelivered(ctx, tweet.ID, ac.ChannelID)
	if err != nil {
		log.Printf("[monitor] ledger check %s: %v", tweet.ID, err)
		stats.Errors++
		return
	}
	if delivered {
		return
	}

	rating, err := m.scorer.Analyze(ctx, ac.Username, tweet)
	if err != nil {
		// The scorer already substituted a neutral rating.
		stats.Errors++
	}
	if rerr := m.store.RecordRating(ctx, tweet.ID, ac.Username, ac.ChannelID, rating); rerr != nil {
		log.Printf("[monitor] record rating %s: %v", tweet.ID, rerr)
	}

	tier := m.tiers.TierFor(rating.Score)
	switch tier {
	case router.TierFilter:
		log.Printf("[monitor] filtered @%s tweet %s (score %d)", ac.Username, tweet.ID, rating.Score)
		stats.Filtered++

	case router.TierBulk, router.TierPremium:
		m.sendToDiscord(ctx, ac, tweet, rating, tier, stats)

	case router.TierUrgent:
		m.routeUrgent(ctx, ac, tweet, rating, stats)
	}
}

func (m *Monitor) webhookFor(ac model.AccountChannel, tier router.Tier) string {
	if tier == router.TierPremium {
		if m.discordCfg.PremiumWebhook != "" {
			return m.discordCfg.PremiumWebhook
		}
		return ac.WebhookURL
	}
	if ac.WebhookURL != "" {
		return ac.WebhookURL
	}
	return m.discordCfg.BulkWebhook
}

func (m *Monitor) sendToDiscord(ctx context.Context, ac model.AccountChannel, tweet model.Tweet, rating model.Rating, tier router.Tier, stats *CycleStats) {
	webhook := m.webhookFor(ac, tier)
	if webhook == "" {
		log.Printf("[monitor] no webhook for %s tier, dropping tweet %s", tier, tweet.ID)
		stats.Errors++
		return
	}

	status, err := m.sender.Send(ctx, webhook, ac.Username, tweet, rating, tier)
	switch status {
	case discord.StatusSent:
		if rerr := m.store.RecordDelivery(ctx, tweet.ID, ac.Username, ac.ChannelID, tweet.Text, tweet.CreatedAt); rerr != nil {
			log.Printf("[monitor] record delivery %s: %v", tweet.ID, rerr)
		}
		stats.Delivered++
	case discord.StatusNotFound:
		log.Printf("[monitor] webhook gone for channel %d, deactivating", ac.ChannelID)
		if derr := m.store.DeactivateChannel(ctx, ac.ChannelID); derr != nil {
			log.Printf("[monitor] deactivate channel %d: %v", ac.ChannelID, derr)
		}
		stats.Errors++
	default:
		log.Printf("[monitor] send tweet %s failed: %v", tweet.ID, err)
		stats.Errors++
	}
}

// routeUrgent offers the tweet to the rate limiter. A free slot means we
// deliver inline; otherwise the queue holds it for the drainer.
func (m *Monitor) routeUrgent(ctx context.Context, ac model.AccountChannel, tweet model.Tweet, rating model.Rating, stats *CycleStats) {
	// Ledger row first: urgent tweets are handled exactly once even when
	// delivery ends up queued.
	if err := m.store.RecordDelivery(ctx, tweet.ID, ac.Username, ac.ChannelID, tweet.Text, tweet.CreatedAt); err != nil {
		log.Printf("[monitor] record urgent delivery %s: %v", tweet.ID, err)
	}

	adm := m.queue.TryAdmit(ac.Username, tweet, rating)
	if adm.DeliverNow {
		if err := m.urgent.DeliverUrgent(ctx, adm.Entry); err != nil {
			log.Printf("[monitor] urgent delivery %s failed: %v", tweet.ID, err)
			stats.Errors++
			return
		}
		log.Printf("[monitor] urgent tweet %s from @%s delivered (score %d)", tweet.ID, ac.Username, rating.Score)
		stats.Delivered++
		return
	}

	if adm.Dropped {
		log.Printf("[monitor] urgent queue full, tweet %s (score %d) dropped", tweet.ID, rating.Score)
		stats.Dropped++
		return
	}
	if adm.Evicted != nil {
		log.Printf("[monitor] urgent queue full, evicted tweet %s (score %d)",
			adm.Evicted.Tweet.ID, adm.Evicted.Rating.Score)
	}
	log.Printf("[monitor] urgent tweet %s queued at position %d", tweet.ID, adm.Position)
	stats.Queued++
}

// Interval exposes the cycle period for status reporting.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Describe returns a one-line status summary.
func (m *Monitor) Describe() string {
	return fmt.Sprintf("interval=%s workers=%d", m.interval, m.maxWorkers)
}
