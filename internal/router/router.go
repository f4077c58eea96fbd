// Package router maps rating scores to delivery tiers.
package router

import (
	"fmt"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
)

// Tier is a delivery destination class.
type Tier int

const (
	TierFilter Tier = iota
	TierBulk
	TierPremium
	TierUrgent
)

func (t Tier) String() string {
	switch t {
	case TierFilter:
		return "filter"
	case TierBulk:
		return "bulk"
	case TierPremium:
		return "premium"
	case TierUrgent:
		return "urgent"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Router assigns every score in 1..10 to exactly one tier:
// scores below Bulk are dropped, [Bulk, Premium) go to the bulk channel,
// [Premium, Urgent) to premium, and Urgent and above to the urgent path.
type Router struct {
	thresholds config.Thresholds
}

func New(t config.Thresholds) (*Router, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	return &Router{thresholds: t}, nil
}

// Validate rejects threshold sets that would leave a score unroutable
// or make a band empty.
func Validate(t config.Thresholds) error {
	if t.Bulk < 1 || t.Bulk > 10 {
		return fmt.Errorf("bulk threshold %d out of range 1..10", t.Bulk)
	}
	if t.Bulk >= t.Premium {
		return fmt.Errorf("bulk threshold %d must be below premium %d", t.Bulk, t.Premium)
	}
	if t.Premium >= t.Urgent {
		return fmt.Errorf("premium threshold %d must be below urgent %d", t.Premium, t.Urgent)
	}
	if t.Urgent > 10 {
		return fmt.Errorf("urgent threshold %d out of range 1..10", t.Urgent)
	}
	return nil
}

// TierFor is total over all integers: scores are clamped into 1..10
// before banding, so a malformed score still routes somewhere.
func (r *Router) TierFor(score int) Tier {
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	switch {
	case score < r.thresholds.Bulk:
		return TierFilter
	case score < r.thresholds.Premium:
		return TierBulk
	case score < r.thresholds.Urgent:
		return TierPremium
	default:
		return TierUrgent
	}
}
