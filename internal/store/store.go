package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState is returned when an alert transition is attempted
	// from a terminal state.
	ErrTerminalState = errors.New("alert in terminal state")
	// ErrStateConflict is returned when an alert transition's expected
	// current state does not match the stored one.
	ErrStateConflict = errors.New("alert state conflict")
	// ErrDuplicate is returned when a unique constraint is violated on
	// operator-facing inserts (channel or account names).
	ErrDuplicate = errors.New("already exists")
)

// Store is the durable state behind the monitor: accounts and their
// watermarks, the delivery ledger, rating audit rows, and pending actions.
//
// Watermark writes are monotonic and the ledger insert is idempotent, so
// concurrent cycle tasks need no external locking.
type Store interface {
	Close() error

	// Channels
	CreateChannel(ctx context.Context, name, webhookURL string) (int64, error)
	ChannelByName(ctx context.Context, name string) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
	DeactivateChannel(ctx context.Context, id int64) error

	// Accounts
	AddAccount(ctx context.Context, username string, channelID int64) (int64, error)
	ListActiveAccounts(ctx context.Context) ([]model.AccountChannel, error)
	DeactivateAccount(ctx context.Context, username string) error
	// AdvanceWatermark sets the account watermark to tweetID if and only
	// if it is greater than the stored value. Returns false when the
	// stored value already was greater or equal.
	AdvanceWatermark(ctx context.Context, username, tweetID string) (bool, error)

	// Delivery ledger
	WasDelivered(ctx context.Context, tweetID string, channelID int64) (bool, error)
	// RecordDelivery inserts a ledger row; a duplicate (tweetID, channelID)
	// is a benign no-op.
	RecordDelivery(ctx context.Context, tweetID, username string, channelID int64, text string, createdAt time.Time) error
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	// Rating audit
	RecordRating(ctx context.Context, tweetID, username string, channelID int64, r model.Rating) error

	// Pending actions
	CreateAlert(ctx context.Context, a *model.PendingAction) error
	AlertByID(ctx context.Context, alertID string) (*model.PendingAction, error)
	// LatestAwaitingAlert returns the most recently updated alert in the
	// awaiting_requirements state, or ErrNotFound.
	LatestAwaitingAlert(ctx context.Context) (*model.PendingAction, error)
	// TransitionAlert moves an alert from state `from` to `to`, recording
	// requirements and outcome. Fails with ErrTerminalState when the
	// stored state is terminal and ErrStateConflict when it differs from
	// `from` without being terminal.
	TransitionAlert(ctx context.Context, alertID string, from, to model.AlertState, requirements, outcome string) error
	CountAlertsByState(ctx context.Context) (map[model.AlertState]int, error)
	// ExpireStaleAlerts moves pending alerts created before the cutoff to
	// filtered with an "expired" outcome. Awaiting alerts are untouched.
	ExpireStaleAlerts(ctx context.Context, before time.Time) (int64, error)
}

// Open builds a Store from the configured driver.
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
