// Package analyzer scores tweets 1-10 through an OpenAI-compatible
// chat-completions endpoint.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

// Analyzer rates tweet importance. A failed or disabled analysis never
// blocks the pipeline; it degrades to a neutral rating instead.
type Analyzer struct {
	endpoint string
	modelID  string
	apiKey   string
	enabled  bool
	http     *http.Client
}

func New(cfg config.AnalyzerConfig) *Analyzer {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = config.DefaultAnalyzerEndpoint
	}
	modelID := cfg.Model
	if modelID == "" {
		modelID = config.DefaultAnalyzerModel
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultAnalyzerTimeout * time.Second
	}
	return &Analyzer{
		endpoint: endpoint,
		modelID:  modelID,
		apiKey:   cfg.APIKey,
		enabled:  cfg.Enabled && cfg.APIKey != "",
		http:     &http.Client{Timeout: timeout},
	}
}

// NeutralRating is the degraded verdict used when scoring fails: mid
// scale, so the tweet still reaches a channel without looking urgent.
func NeutralRating(tweet model.Tweet, reason string) model.Rating {
	return model.Rating{
		Score:    5,
		Category: "error",
		Action:   model.ActionSend,
		Summary:  truncate(tweet.Text, 100),
		Reason:   reason,
	}
}

// Analyze scores one tweet. It always returns a usable rating; the error
// is informational and accompanies the neutral fallback.
func (a *Analyzer) Analyze(ctx context.Context, username string, tweet model.Tweet) (model.Rating, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(tweet.Text)), "RT @") {
		return model.Rating{
			Score:    1,
			Category: "retweet",
			Action:   model.ActionFilter,
			Summary:  "Retweet - filtered",
			Reason:   "retweets are not original content",
		}, nil
	}

	if !a.enabled {
		return NeutralRating(tweet, "analyzer disabled"), nil
	}

	content, err := a.complete(ctx, buildPrompt(username, tweet))
	if err != nil {
		log.Printf("[analyzer] scoring @%s tweet %s failed: %v", username, tweet.ID, err)
		return NeutralRating(tweet, fmt.Sprintf("analysis failed: %v", err)), err
	}

	rating, err := parseRating(content, tweet)
	if err != nil {
		log.Printf("[analyzer] unparseable verdict for tweet %s: %v", tweet.ID, err)
		return NeutralRating(tweet, fmt.Sprintf("unparseable verdict: %v", err)), err
	}
	return rating, nil
}

func buildPrompt(username string, tweet model.Tweet) string {
	return fmt.Sprintf(`Analyze this tweet from @%s:

TWEET: %s

METRICS:
- Likes: %d
- Retweets: %d
- Replies: %d

Rate this tweet 1-10 based on IMPORTANCE and VALUE:

SCORING GUIDE:
1-3: Fluff, greetings, spam, "gm", "welcome", basic community chat
4-5: Minor updates, personal thoughts, low-impact announcements
6-7: Useful info, news, market commentary, decent insights
8-9: High-value alpha, breaking news, trading signals, major announcements
10: Critical alpha, life-changing info, major opportunities

Also classify:
- CATEGORY: bot | alpha | news | community | fluff | question | giveaway
- ACTION: send | filter | highlight | follow_user | build_bot

Respond in JSON format:
{
    "score": 7,
    "category": "alpha",
    "summary": "Brief 10-word summary",
    "action": "highlight",
    "reason": "Why this rating?"
}`, username, tweet.Text, tweet.Likes, tweet.Retweets, tweet.Replies)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       a.modelID,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("analyzer status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

func parseRating(content string, tweet model.Tweet) (model.Rating, error) {
	raw := content
	if m := jsonObjectRe.FindString(content); m != "" {
		raw = m
	}

	var verdict struct {
		Score    int    `json:"score"`
		Category string `json:"category"`
		Summary  string `json:"summary"`
		Action   string `json:"action"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return model.Rating{}, fmt.Errorf("parse verdict json: %w", err)
	}

	score := verdict.Score
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	rating := model.Rating{
		Score:    score,
		Category: verdict.Category,
		Action:   verdict.Action,
		Summary:  verdict.Summary,
		Reason:   verdict.Reason,
	}
	if rating.Category == "" {
		rating.Category = "unknown"
	}
	if rating.Action == "" {
		rating.Action = model.ActionSend
	}
	if rating.Summary == "" {
		rating.Summary = truncate(tweet.Text, 100)
	}
	return rating, nil
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
