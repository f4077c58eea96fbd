// Package twitter fetches recent tweets through the twitterapi.io proxy.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

var (
	// ErrAuth means the API key was rejected. Not retryable; the whole
	// run should stop rather than burn quota.
	ErrAuth = errors.New("twitter: invalid api key")
	// ErrNotFound means the user does not exist or was suspended.
	ErrNotFound = errors.New("twitter: user not found")
	// ErrRateLimited means retries were exhausted against a 429.
	ErrRateLimited = errors.New("twitter: rate limited")
)

const (
	lastTweetsPath = "/twitter/user/last_tweets"
	maxFetchTries  = 4
)

// Client calls twitterapi.io. Safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	maxTweets int
	http      *http.Client
}

func NewClient(cfg config.TwitterConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = config.DefaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout * time.Second
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		maxTweets: cfg.MaxTweets,
		http:      &http.Client{Timeout: timeout},
	}
}

// FetchLatest returns the user's most recent tweets, newest first as the
// API serves them. Transient failures (429, 5xx, network) are retried
// with exponential backoff; 401 and 404 fail immediately.
func (c *Client) FetchLatest(ctx context.Context, username string) ([]model.Tweet, error) {
	operation := func() ([]model.Tweet, error) {
		tweets, err := c.fetchOnce(ctx, username)
		if err != nil {
			if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return tweets, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second

	tweets, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxFetchTries))
	if err != nil {
		return nil, err
	}
	return tweets, nil
}

func (c *Client) fetchOnce(ctx context.Context, username string) ([]model.Tweet, error) {
	q := url.Values{}
	q.Set("userName", username)
	if c.maxTweets > 0 {
		q.Set("max_results", strconv.Itoa(c.maxTweets))
	}
	reqURL := c.baseURL + lastTweetsPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitter request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("user %s: %w", username, ErrRateLimited)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("twitter status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseTweets(body, username), nil
}

// apiTweet mirrors the wire shape. The proxy nests tweets either under
// data.tweets or directly under data.
type apiTweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`
	Metrics   struct {
		Likes    int `json:"like_count"`
		Retweets int `json:"retweet_count"`
		Replies  int `json:"reply_count"`
	} `json:"public_metrics"`
}

func parseTweets(body []byte, username string) []model.Tweet {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	raw := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		raw = envelope.Data
	}

	var list []apiTweet
	if err := json.Unmarshal(raw, &list); err != nil {
		var nested struct {
			Tweets []apiTweet `json:"tweets"`
		}
		if err := json.Unmarshal(raw, &nested); err != nil {
			log.Printf("[twitter] unparseable response for @%s", username)
			return nil
		}
		list = nested.Tweets
	}

	out := make([]model.Tweet, 0, len(list))
	for _, t := range list {
		if t.ID == "" || t.Text == "" {
			continue
		}
		tweet := model.Tweet{
			ID:       t.ID,
			Text:     t.Text,
			Likes:    t.Metrics.Likes,
			Retweets: t.Metrics.Retweets,
			Replies:  t.Metrics.Replies,
			URL:      t.URL,
		}
		if tweet.URL == "" {
			tweet.URL = fmt.Sprintf("https://twitter.com/%s/status/%s", username, t.ID)
		}
		if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
			tweet.CreatedAt = ts
		} else {
			tweet.CreatedAt = time.Now().UTC()
		}
		out = append(out, tweet)
	}
	return out
}
