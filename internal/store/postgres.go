package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

// Postgres backs the store with a shared server, for deployments where
// several processes need the same ledger.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id BIGSERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			webhook_url TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_accounts (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			channel_id BIGINT NOT NULL REFERENCES channels(id),
			last_tweet_id TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			added_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_channel ON monitored_accounts(channel_id)`,
		`CREATE TABLE IF NOT EXISTS sent_tweets (
			id BIGSERIAL PRIMARY KEY,
			tweet_id TEXT NOT NULL,
			username TEXT NOT NULL,
			channel_id BIGINT NOT NULL,
			text TEXT,
			created_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sent_tweets_dedup ON sent_tweets(tweet_id, channel_id)`,
		`CREATE TABLE IF NOT EXISTS tweet_ratings (
			id BIGSERIAL PRIMARY KEY,
			tweet_id TEXT NOT NULL,
			username TEXT NOT NULL,
			channel_id BIGINT NOT NULL,
			score INT NOT NULL,
			category TEXT,
			summary TEXT,
			action TEXT,
			reason TEXT,
			rated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_lookup ON tweet_ratings(tweet_id, channel_id)`,
		`CREATE TABLE IF NOT EXISTS pending_actions (
			alert_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			tweet_json JSONB NOT NULL,
			rating_json JSONB NOT NULL,
			state TEXT NOT NULL,
			requirements TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_actions(state, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CreateChannel(ctx context.Context, name, webhookURL string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO channels (name, webhook_url, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING id`,
		name, webhookURL, time.Now().UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("channel %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert channel: %w", err)
	}
	return id, nil
}

func (p *Postgres) ChannelByName(ctx context.Context, name string) (*model.Channel, error) {
	var ch model.Channel
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, webhook_url, is_active, created_at FROM channels WHERE name = $1`,
		name).Scan(&ch.ID, &ch.Name, &ch.WebhookURL, &ch.Active, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return &ch, nil
}

func (p *Postgres) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, webhook_url, is_active, created_at FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var ch model.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.WebhookURL, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) DeactivateChannel(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE channels SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddAccount(ctx context.Context, username string, channelID int64) (int64, error) {
	var id int64
	// Accounts are never hard-deleted; re-adding an inactive one revives
	// it under the new channel binding. An active duplicate matches no
	// row and falls out as ErrNoRows.
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO monitored_accounts (username, channel_id, added_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE
		 SET is_active = TRUE, channel_id = EXCLUDED.channel_id
		 WHERE NOT monitored_accounts.is_active
		 RETURNING id`,
		username, channelID, time.Now().UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %q: %w", username, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

func (p *Postgres) ListActiveAccounts(ctx context.Context) ([]model.AccountChannel, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT a.id, a.username, a.channel_id, COALESCE(a.last_tweet_id, ''), a.added_at, c.webhook_url
		 FROM monitored_accounts a
		 JOIN channels c ON c.id = a.channel_id
		 WHERE a.is_active AND c.is_active
		 ORDER BY a.added_at`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []model.AccountChannel
	for rows.Next() {
		var ac model.AccountChannel
		if err := rows.Scan(&ac.ID, &ac.Username, &ac.ChannelID, &ac.LastTweetID, &ac.AddedAt, &ac.WebhookURL); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ac.Active = true
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (p *Postgres) DeactivateAccount(ctx context.Context, username string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE monitored_accounts SET is_active = FALSE WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AdvanceWatermark(ctx context.Context, username, tweetID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE monitored_accounts
		 SET last_tweet_id = $1
		 WHERE username = $2
		   AND (last_tweet_id IS NULL OR last_tweet_id = ''
		        OR last_tweet_id::bigint < $1::bigint)`,
		tweetID, username)
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
	err = p.db.QueryRowContext(ctx,
		`SELECT id FROM monitored_accounts WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check account: %w", err)
	}
	return false, nil
}

func (p *Postgres) WasDelivered(ctx context.Context, tweetID string, channelID int64) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM sent_tweets WHERE tweet_id = $1 AND channel_id = $2`,
		tweetID, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return true, nil
}

func (p *Postgres) RecordDelivery(ctx context.Context, tweetID, username string, channelID int64, text string, createdAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sent_tweets (tweet_id, username, channel_id, text, created_at, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tweet_id, channel_id) DO NOTHING`,
		tweetID, username, channelID, text, createdAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (p *Postgres) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sent_tweets WHERE delivered_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) RecordRating(ctx context.Context, tweetID, username string, channelID int64, r model.Rating) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tweet_ratings (tweet_id, username, channel_id, score, category, summary, action, reason, rated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tweetID, username, channelID, r.Score, r.Category, r.Summary, r.Action, r.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record rating: %w", err)
	}
	return nil
}

func (p *Postgres) CreateAlert(ctx context.Context, a *model.PendingAction) error {
	tweetJSON, err := json.Marshal(a.Tweet)
	if err != nil {
		return fmt.Errorf("marshal tweet: %w", err)
	}
	ratingJSON, err := json.Marshal(a.Rating)
	if err != nil {
		return fmt.Errorf("marshal rating: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO pending_actions (alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.AlertID, a.Username, tweetJSON, ratingJSON,
		string(a.State), a.Requirements, a.Outcome, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (p *Postgres) AlertByID(ctx context.Context, alertID string) (*model.PendingAction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at
		 FROM pending_actions WHERE alert_id = $1`, alertID)
	return p.scanAlert(row)
}

func (p *Postgres) LatestAwaitingAlert(ctx context.Context) (*model.PendingAction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT alert_id, username, tweet_json, rating_json, state, requirements, outcome, created_at, updated_at
		 FROM pending_actions WHERE state = $1 ORDER BY updated_at DESC LIMIT 1`,
		string(model.StateAwaiting))
	return p.scanAlert(row)
}

func (p *Postgres) scanAlert(row *sql.Row) (*model.PendingAction, error) {
	var (
		a          model.PendingAction
		tweetJSON  []byte
		ratingJSON []byte
		state      string
	)
	err := row.Scan(&a.AlertID, &a.Username, &tweetJSON, &ratingJSON, &state,
		&a.Requirements, &a.Outcome, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	if err := json.Unmarshal(tweetJSON, &a.Tweet); err != nil {
		return nil, fmt.Errorf("unmarshal tweet snapshot: %w", err)
	}
	if err := json.Unmarshal(ratingJSON, &a.Rating); err != nil {
		return nil, fmt.Errorf("unmarshal rating snapshot: %w", err)
	}
	a.State = model.AlertState(state)
	return &a, nil
}

func (p *Postgres) TransitionAlert(ctx context.Context, alertID string, from, to model.AlertState, requirements, outcome string) error {
	if from.Terminal() {
		return ErrTerminalState
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE pending_actions
		 SET state = $1,
		     requirements = COALESCE(NULLIF($2, ''), requirements),
		     outcome = COALESCE(NULLIF($3, ''), outcome),
		     updated_at = $4
		 WHERE alert_id = $5 AND state = $6`,
		string(to), requirements, outcome, time.Now().UTC(), alertID, string(from))
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
	err = p.db.QueryRowContext(ctx,
		`SELECT state FROM pending_actions WHERE alert_id = $1`, alertID).Scan(&current)
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

func (p *Postgres) CountAlertsByState(ctx context.Context) (map[model.AlertState]int, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *Postgres) ExpireStaleAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pending_actions
		 SET state = $1, outcome = 'expired', updated_at = $2
		 WHERE state = $3 AND created_at < $4`,
		string(model.StateFiltered), time.Now().UTC(), string(model.StatePending), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	return res.RowsAffected()
}
