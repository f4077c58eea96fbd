package router

import (
	"testing"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
)

func defaultThresholds() config.Thresholds {
	return config.Thresholds{Bulk: 2, Premium: 7, Urgent: 9}
}

func TestTierForDefaultThresholds(t *testing.T) {
	r, err := New(defaultThresholds())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := map[int]Tier{
		1:  TierFilter,
		2:  TierBulk,
		3:  TierBulk,
		6:  TierBulk,
		7:  TierPremium,
		8:  TierPremium,
		9:  TierUrgent,
		10: TierUrgent,
	}
	for score, tier := range want {
		if got := r.TierFor(score); got != tier {
			t.Errorf("TierFor(%d) = %s, want %s", score, got, tier)
		}
	}
}

func TestTierForCoversEveryScore(t *testing.T) {
	r, err := New(defaultThresholds())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for score := 1; score <= 10; score++ {
		tier := r.TierFor(score)
		if tier < TierFilter || tier > TierUrgent {
			t.Errorf("TierFor(%d) = %v, outside known tiers", score, tier)
		}
	}
}

func TestTierForClampsOutOfRange(t *testing.T) {
	r, err := New(defaultThresholds())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.TierFor(-3); got != TierFilter {
		t.Errorf("TierFor(-3) = %s, want %s", got, TierFilter)
	}
	if got := r.TierFor(42); got != TierUrgent {
		t.Errorf("TierFor(42) = %s, want %s", got, TierUrgent)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name string
		t    config.Thresholds
	}{
		{"bulk zero", config.Thresholds{Bulk: 0, Premium: 7, Urgent: 9}},
		{"bulk above premium", config.Thresholds{Bulk: 8, Premium: 7, Urgent: 9}},
		{"premium equals urgent", config.Thresholds{Bulk: 2, Premium: 9, Urgent: 9}},
		{"urgent above ten", config.Thresholds{Bulk: 2, Premium: 7, Urgent: 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.t); err == nil {
				t.Errorf("Validate(%+v) accepted invalid thresholds", tc.t)
			}
		})
	}
}
