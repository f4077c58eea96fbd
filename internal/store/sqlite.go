package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

// SQLite is the default single-file backend.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			webhook_url TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			channel_id INTEGER NOT NULL REFERENCES channels(id),
			last_tweet_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			added_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_channel ON monitored_accounts(channel_id)`,
		`CREATE TABLE IF NOT EXISTS sent_tweets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tweet_id TEXT NOT NULL,
			username TEXT NOT NULL,
			channel_id INTEGER NOT NULL,
			text TEXT,
			created_at TEXT,
			delivered_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sent_tweets_dedup ON sent_tweets(tweet_id, channel_id)`,
		`CREATE TABLE IF NOT EXISTS tweet_ratings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tweet_id TEXT NOT NULL,
			username TEXT NOT NULL,
			channel_id INTEGER NOT NULL,
			score INTEGER NOT NULL,
			category TEXT,
			summary TEXT,
			action TEXT,
			reason TEXT,
			rated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_lookup ON tweet_ratings(tweet_id, channel_id)`,
		`CREATE TABLE IF NOT EXISTS pending_actions (
			alert_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			tweet_json TEXT NOT NULL,
			rating_json TEXT NOT NULL,
			state TEXT NOT NULL,
			requirements TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_actions(state, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// timeLayout is fixed width so lexicographic ordering in SQL matches
// chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTS(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, v); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

func (s *SQLite) CreateChannel(ctx context.Context, name, webhookURL string) (int64, error) {
	if existing, err := s.ChannelByName(ctx, name); err == nil && existing != nil {
		return 0, fmt.Errorf("channel %q: %w", name, ErrDuplicate)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, webhook_url, created_at) VALUES (?, ?, ?)`,
		name, webhookURL, ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("channel id: %w", err)
	}
	return id, nil
}

func (s *SQLite) ChannelByName(ctx context.Context, name string) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, webhook_url, is_active, created_at FROM channels WHERE name = ?`, name)
	return scanChannel(row)
}

func scanChannel(row *sql.Row) (*model.Channel, error) {
	var (
		ch      model.Channel
		active  int
		created string
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.WebhookURL, &active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Active = active != 0
	ch.CreatedAt = parseTS(created)
	return &ch, nil
}

func (s *SQLite) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, webhook_url, is_active, created_at FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var (
			ch      model.Channel
			active  int
			created string
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.WebhookURL, &active, &created); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Active = active != 0
		ch.CreatedAt = parseTS(created)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLite) DeactivateChannel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AddAccount(ctx context.Context, username string, channelID int64) (int64, error) {
	var (
		id     int64
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, is_active FROM monitored_accounts WHERE username = ?`, username).Scan(&id, &active)
	switch {
	case err == nil && active != 0:
		return 0, fmt.Errorf("account %q: %w", username, ErrDuplicate)
	case err == nil:
		// Accounts are never hard-deleted; re-adding one revives it.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE monitored_accounts SET is_active = 1, channel_id = ? WHERE id = ?`,
			channelID, id); err != nil {
			return 0, fmt.Errorf("reactivate account: %w", err)
		}
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("check account: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_accounts (username, channel_id, added_at) VALUES (?, ?, ?)`,
		username, channelID, ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("account id: %w", err)
	}
	return id, nil
}

func (s *SQLite) ListActiveAccounts(ctx context.Context) ([]model.AccountChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.username, a.channel_id, COALESCE(a.last_tweet_id, ''), a.added_at, c.webhook_url
		 FROM monitored_accounts a
		 JOIN channels c ON c.id = a.channel_id
		 WHERE a.is_active = 1 AND c.is_active = 1
		 ORDER BY a.added_at`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []model.AccountChannel
	for rows.Next() {
		var (
			ac    model.AccountChannel
			added string
		)
		if err := rows.Scan(&ac.ID, &ac.Username, &ac.ChannelID, &ac.LastTweetID, &added, &ac.WebhookURL); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ac.Active = true
		ac.AddedAt = parseTS(added)
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (s *SQLite) DeactivateAccount(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_accounts SET is_active = 0 WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AdvanceWatermark(ctx context.Context, username, tweetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_accounts
		 SET last_tweet_id = ?
		 WHERE username = ?
		   AND (last_tweet_id IS NULL OR last_tweet_id = ''
		        OR CAST(last_tweet_id AS INTEGER) < CAST(? AS INTEGER))`,
		tweetID, username, tweetID)
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("watermark rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM monitored_accounts WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check account: %w", err)
	}
	return false, nil
}

func (s *SQLite) WasDelivered(ctx context.Context, tweetID string, channelID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sent_tweets WHERE tweet_id = ? AND channel_id = ?`,
		tweetID, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return true, nil
}

func (s *SQLite) RecordDelivery(ctx context.Context, tweetID, username string, channelID int64, text string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_tweets (tweet_id, username, channel_id, text, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tweet_id, channel_id) DO NOTHING`,
		tweetID, username, channelID, text, ts(createdAt), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *SQLite) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_tweets WHERE delivered_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) RecordRating(ctx context.Context, tweetID, username string, channelID int64, r model.Rating) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tweet_ratings (tweet_id, username, channel_id, score, category, summary, action, reason, rated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tweetID, username, channelID, r.Score, r.Category, r.Summary, r.Action, r.Reason, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("record rating: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAlert(ctx context.Context, a *model.PendingAction) error {
	tweetJSON, err := json.Marshal(a.Tweet)
	if err != nil {
		return fmt.Errorf("marshal tweet: %w", err)
	}
	ratingJSON, err := json.Marshal(a.Rating)
	if err != nil {
		return fmt.Errorf("marshal rating: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.Username, string(tweetJSON), string(ratingJSON),
		string(a.State), a.Requirements, a.Outcome, ts(a.CreatedAt), ts(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SQLite) AlertByID(ctx context.Context, alertID string) (*model.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at
		 FROM pending_actions WHERE alert_id = ?`, alertID)
	return scanAlert(row)
}

func (s *SQLite) LatestAwaitingAlert(ctx context.Context) (*model.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at
		 FROM pending_actions WHERE state = ? ORDER BY updated_at DESC LIMIT 1`,
		string(model.StateAwaiting))
	return scanAlert(row)
}

func scanAlert(row *sql.Row) (*model.PendingAction, error) {
	var (
		a                  model.PendingAction
		tweetJSON          string
		ratingJSON         string
		state              string
		createdAt, updated string
	)
	err := row.Scan(&a.AlertID, &a.Username, &tweetJSON, &ratingJSON, &state,
		&a.Requirements, &a.Outcome, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	if err := json.Unmarshal([]byte(tweetJSON), &a.Tweet); err != nil {
		return nil, fmt.Errorf("unmarshal tweet snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(ratingJSON), &a.Rating); err != nil {
		return nil, fmt.Errorf("unmarshal rating snapshot: %w", err)
	}
	a.State = model.AlertState(state)
	a.CreatedAt = parseTS(createdAt)
	a.UpdatedAt = parseTS(updated)
	return &a, nil
}

func (s *SQLite) TransitionAlert(ctx context.Context, alertID string, from, to model.AlertState, requirements, outcome string) error {
	// No transition ever leaves a terminal state, so a caller naming one
	// as `from` must be rejected before the CAS can match it.
	if from.Terminal() {
		return ErrTerminalState
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions
		 SET state = ?,
		     requirements = COALESCE(NULLIF(?, ''), requirements),
		     outcome = COALESCE(NULLIF(?, ''), outcome),
		     updated_at = ?
		 WHERE alert_id = ? AND state = ?`,
		string(to), requirements, outcome, ts(time.Now()), alertID, string(from))
	if err != nil {
		return fmt.Errorf("transition alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT state FROM pending_actions WHERE alert_id = ?`, alertID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check alert state: %w", err)
	}
	if model.AlertState(current).Terminal() {
		return ErrTerminalState
	}
	return ErrStateConflict
}

func (s *SQLite) CountAlertsByState(ctx context.Context) (map[model.AlertState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(1) FROM pending_actions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.AlertState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[model.AlertState(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) ExpireStaleAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions
		 SET state = ?, outcome = 'expired', updated_at = ?
		 WHERE state = ? AND created_at < ?`,
		string(model.StateFiltered), ts(time.Now()), string(model.StatePending), ts(before))
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	return res.RowsAffected()
}
