package model

import (
	"strconv"
	"time"
)

// Tweet is an immutable snapshot fetched from the source API. IDs are
// transported as strings but compare as integers (snowflake ordering).
type Tweet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Likes     int       `json:"likes"`
	Retweets  int       `json:"retweets"`
	Replies   int       `json:"replies"`
	URL       string    `json:"url"`
}

// NumericID parses the tweet ID for ordering. A malformed ID sorts first.
func (t Tweet) NumericID() int64 {
	n, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Channel is a registered Discord destination.
type Channel struct {
	ID         int64
	Name       string
	WebhookURL string
	Active     bool
	CreatedAt  time.Time
}

// Account is a monitored Twitter user bound to a primary channel.
// LastTweetID is the watermark: the highest tweet ID already processed,
// empty until the first cycle seeds it.
type Account struct {
	ID          int64
	Username    string
	ChannelID   int64
	LastTweetID string
	Active      bool
	AddedAt     time.Time
}

// Watermark returns the numeric watermark, 0 when unset.
func (a Account) Watermark() int64 {
	if a.LastTweetID == "" {
		return 0
	}
	n, err := strconv.ParseInt(a.LastTweetID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// AccountChannel joins an account with its channel's webhook for a cycle.
type AccountChannel struct {
	Account
	WebhookURL string
}

// Recommended actions the analyzer may attach to a rating.
const (
	ActionSend      = "send"
	ActionFilter    = "filter"
	ActionHighlight = "highlight"
	ActionFollow    = "follow_user"
	ActionBuildBot  = "build_bot"
)

// Rating is the analyzer verdict for a single tweet. Produced once,
// never mutated, persisted for audit.
type Rating struct {
	Score    int    `json:"score"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Summary  string `json:"summary"`
	Reason   string `json:"reason"`
}

// AlertState tracks a pending action through the reply workflow.
type AlertState string

const (
	StatePending     AlertState = "pending"
	StateInteresting AlertState = "interesting"
	StateFiltered    AlertState = "filtered"
	StateAwaiting    AlertState = "awaiting_requirements"
	StateBuildOK     AlertState = "build_succeeded"
	StateBuildFailed AlertState = "build_failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s AlertState) Terminal() bool {
	switch s {
	case StateInteresting, StateFiltered, StateBuildOK, StateBuildFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s AlertState) Valid() bool {
	switch s {
	case StatePending, StateInteresting, StateFiltered, StateAwaiting, StateBuildOK, StateBuildFailed:
		return true
	}
	return false
}

// PendingAction is a durable record of an urgent delivery awaiting a human
// decision. Only the reply processor mutates it after creation.
type PendingAction struct {
	AlertID      string
	Username     string
	Tweet        Tweet
	Rating       Rating
	State        AlertState
	Requirements string
	Outcome      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
