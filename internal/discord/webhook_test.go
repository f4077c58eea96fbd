package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/router"
)

func testSender() *Sender {
	return NewSender(config.DiscordConfig{TimeoutSeconds: 5, RetryAttempts: 3})
}

func sampleTweet() model.Tweet {
	return model.Tweet{
		ID:        "1001",
		Text:      "launch day",
		URL:       "https://twitter.com/alice/status/1001",
		Likes:     1234,
		Retweets:  2,
		Replies:   5,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSendSuccess(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rating := model.Rating{Score: 8, Category: "alpha", Action: "highlight", Summary: "big launch", Reason: "major news"}
	status, err := testSender().Send(context.Background(), srv.URL, "alice", sampleTweet(), rating, router.TierPremium)
	if err != nil || status != StatusSent {
		t.Fatalf("status=%v err=%v", status, err)
	}

	embeds := body["embeds"].([]any)
	embed := embeds[0].(map[string]any)
	if got := embed["title"].(string); got != "Score: 8/10 | Category: ALPHA" {
		t.Errorf("title = %q", got)
	}
	author := embed["author"].(map[string]any)
	if got := author["name"].(string); got != "@alice (PREMIUM)" {
		t.Errorf("author = %q", got)
	}
	fields := embed["fields"].([]any)
	likes := fields[1].(map[string]any)
	if got := likes["value"].(string); got != "1.2k" {
		t.Errorf("likes field = %q", got)
	}
	// Non-send actions surface as an extra field.
	last := fields[len(fields)-1].(map[string]any)
	if last["name"] != "AI Action" || last["value"] != "HIGHLIGHT" {
		t.Errorf("action field = %+v", last)
	}
}

func TestSendGoneWebhookIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	status, err := testSender().Send(context.Background(), srv.URL, "alice", sampleTweet(), model.Rating{Score: 5}, router.TierBulk)
	if status != StatusNotFound || err == nil {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if calls != 1 {
		t.Errorf("404 retried %d times", calls)
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	status, err := testSender().Send(context.Background(), srv.URL, "alice", sampleTweet(), model.Rating{Score: 5}, router.TierBulk)
	if err != nil || status != StatusSent {
		t.Fatalf("status=%v err=%v calls=%d", status, err, calls)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	status, err := testSender().Send(context.Background(), srv.URL, "alice", sampleTweet(), model.Rating{Score: 5}, router.TierBulk)
	if status != StatusFailed || err == nil {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestForwardPrependsNote(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	status, err := testSender().Forward(context.Background(), srv.URL, "alice", sampleTweet(),
		model.Rating{Score: 9}, "Marked INTERESTING from Telegram")
	if err != nil || status != StatusSent {
		t.Fatalf("status=%v err=%v", status, err)
	}

	embed := body["embeds"].([]any)[0].(map[string]any)
	desc := embed["description"].(string)
	if !strings.HasPrefix(desc, "Marked INTERESTING from Telegram\n\n") {
		t.Errorf("description = %q", desc)
	}
}

func TestLongTweetTruncatedOnRuneBoundary(t *testing.T) {
	tweet := model.Tweet{Text: strings.Repeat("日本語", 700), CreatedAt: time.Now()}
	payload := buildPayload("alice", tweet, model.Rating{Score: 5}, router.TierBulk, "")

	embed := payload["embeds"].([]map[string]any)[0]
	desc := embed["description"].(string)
	if !utf8.ValidString(desc) {
		t.Errorf("description is not valid UTF-8: %q", desc[:40])
	}
	if !strings.HasSuffix(desc, "...") {
		t.Error("truncated description missing ellipsis")
	}
	if len(desc) > maxEmbedText {
		t.Errorf("description is %d bytes, want <= %d", len(desc), maxEmbedText)
	}
}

func TestFormatCount(t *testing.T) {
	cases := map[int]string{
		0:       "0",
		999:     "999",
		1234:    "1.2k",
		1100000: "1.1M",
	}
	for n, want := range cases {
		if got := formatCount(n); got != want {
			t.Errorf("formatCount(%d) = %q, want %q", n, got, want)
		}
	}
}
