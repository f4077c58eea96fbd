// Package discord posts tweet embeds to channel webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/router"
)

// Status classifies a webhook delivery attempt. NotFound is surfaced
// separately because it means the webhook was deleted and the channel
// should be deactivated rather than retried forever.
type Status int

const (
	StatusSent Status = iota
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusNotFound:
		return "not-found"
	}
	return "failed"
}

const (
	maxEmbedText = 3900
	avatarURL    = "https://abs.twimg.com/icons/apple-touch-icon-192x192.png"
)

// Sender delivers embeds to Discord webhooks. Safe for concurrent use.
type Sender struct {
	retries int
	http    *http.Client
}

func NewSender(cfg config.DiscordConfig) *Sender {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultDiscordTimeout * time.Second
	}
	retries := cfg.RetryAttempts
	if retries <= 0 {
		retries = config.DefaultDiscordRetries
	}
	return &Sender{
		retries: retries,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send posts a scored tweet embed to the webhook for its tier.
func (s *Sender) Send(ctx context.Context, webhookURL, username string, tweet model.Tweet, rating model.Rating, tier router.Tier) (Status, error) {
	payload := buildPayload(username, tweet, rating, tier, "")
	return s.post(ctx, webhookURL, payload)
}

// Forward posts a tweet to a side channel with an operator note, used
// when a human marks an urgent alert as interesting.
func (s *Sender) Forward(ctx context.Context, webhookURL, username string, tweet model.Tweet, rating model.Rating, note string) (Status, error) {
	payload := buildPayload(username, tweet, rating, router.TierPremium, note)
	return s.post(ctx, webhookURL, payload)
}

func (s *Sender) post(ctx context.Context, webhookURL string, payload map[string]any) (Status, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return StatusFailed, fmt.Errorf("marshal embed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return StatusFailed, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return StatusFailed, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook request: %w", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			return StatusSent, nil
		case resp.StatusCode == http.StatusNotFound:
			return StatusNotFound, fmt.Errorf("webhook gone (404)")
		default:
			lastErr = fmt.Errorf("webhook status %d", resp.StatusCode)
		}
	}
	return StatusFailed, lastErr
}

var tierColors = map[router.Tier]int{
	router.TierBulk:    0x3498db,
	router.TierPremium: 0xf39c12,
	router.TierUrgent:  0xe74c3c,
}

var tierLabels = map[router.Tier]string{
	router.TierBulk:    "STANDARD",
	router.TierPremium: "PREMIUM",
	router.TierUrgent:  "URGENT",
}

func buildPayload(username string, tweet model.Tweet, rating model.Rating, tier router.Tier, note string) map[string]any {
	description := tweet.Text
	if len(description) > maxEmbedText {
		description = truncate(description, maxEmbedText-3) + "..."
	}
	if note != "" {
		description = note + "\n\n" + description
	}

	fields := []map[string]any{
		{"name": "Summary", "value": nonEmpty(truncate(rating.Summary, 256), "No summary"), "inline": false},
		{"name": "Likes", "value": formatCount(tweet.Likes), "inline": true},
		{"name": "Retweets", "value": formatCount(tweet.Retweets), "inline": true},
		{"name": "Replies", "value": formatCount(tweet.Replies), "inline": true},
	}
	if rating.Action != "" && rating.Action != model.ActionSend {
		fields = append(fields, map[string]any{
			"name": "AI Action", "value": strings.ToUpper(rating.Action), "inline": false,
		})
	}

	footer := "AI Analyzed"
	if rating.Reason != "" {
		footer = "AI: " + truncate(rating.Reason, 100)
	}

	embed := map[string]any{
		"author": map[string]any{
			"name":     fmt.Sprintf("@%s (%s)", username, tierLabels[tier]),
			"url":      "https://twitter.com/" + username,
			"icon_url": "https://unavatar.io/twitter/" + username,
		},
		"title":       fmt.Sprintf("Score: %d/10 | Category: %s", rating.Score, strings.ToUpper(nonEmpty(rating.Category, "unknown"))),
		"url":         tweet.URL,
		"description": description,
		"color":       tierColors[tier],
		"timestamp":   tweet.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		"fields":      fields,
		"footer":      map[string]any{"text": footer},
	}

	return map[string]any{
		"username":   "Twitter Monitor",
		"avatar_url": avatarURL,
		"embeds":     []map[string]any{embed},
	}
}

func formatCount(n int) string {
	switch {
	case n >= 1000000:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
