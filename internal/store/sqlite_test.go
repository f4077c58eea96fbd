package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *SQLite) int64 {
	t.Helper()
	ctx := context.Background()
	chID, err := s.CreateChannel(ctx, "main", "https://discord.test/hook")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := s.AddAccount(ctx, "alice", chID); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	return chID
}

func TestAdvanceWatermarkMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedAccount(t, s)

	moved, err := s.AdvanceWatermark(ctx, "alice", "100")
	if err != nil || !moved {
		t.Fatalf("first advance: moved=%v err=%v", moved, err)
	}
	moved, err = s.AdvanceWatermark(ctx, "alice", "200")
	if err != nil || !moved {
		t.Fatalf("forward advance: moved=%v err=%v", moved, err)
	}

	// Regressions and repeats are rejected without error.
	moved, err = s.AdvanceWatermark(ctx, "alice", "150")
	if err != nil {
		t.Fatalf("backward advance err: %v", err)
	}
	if moved {
		t.Error("watermark moved backward")
	}
	moved, err = s.AdvanceWatermark(ctx, "alice", "200")
	if err != nil || moved {
		t.Errorf("repeat advance: moved=%v err=%v", moved, err)
	}

	accounts, err := s.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if accounts[0].LastTweetID != "200" {
		t.Errorf("watermark = %s, want 200", accounts[0].LastTweetID)
	}
}

func TestAdvanceWatermarkUnknownAccount(t *testing.T) {
	s := testStore(t)
	_, err := s.AdvanceWatermark(context.Background(), "ghost", "1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeliveryLedgerExactlyOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	chID := seedAccount(t, s)

	created := time.Now().Add(-time.Hour)
	if err := s.RecordDelivery(ctx, "42", "alice", chID, "hello", created); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	// Duplicate insert is a no-op, not an error.
	if err := s.RecordDelivery(ctx, "42", "alice", chID, "hello", created); err != nil {
		t.Fatalf("duplicate RecordDelivery: %v", err)
	}

	delivered, err := s.WasDelivered(ctx, "42", chID)
	if err != nil || !delivered {
		t.Fatalf("WasDelivered(42) = %v, %v", delivered, err)
	}
	delivered, err = s.WasDelivered(ctx, "42", chID+1)
	if err != nil {
		t.Fatalf("WasDelivered other channel: %v", err)
	}
	if delivered {
		t.Error("ledger is per (tweet, channel); other channel must be undelivered")
	}
}

func TestPruneDeliveries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	chID := seedAccount(t, s)

	if err := s.RecordDelivery(ctx, "1", "alice", chID, "old", time.Now()); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	n, err := s.PruneDeliveries(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	delivered, _ := s.WasDelivered(ctx, "1", chID)
	if delivered {
		t.Error("pruned delivery still present")
	}
}

func TestDuplicateChannelAndAccount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedAccount(t, s)

	if _, err := s.CreateChannel(ctx, "main", "https://other.test"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate channel err = %v, want ErrDuplicate", err)
	}
	if _, err := s.AddAccount(ctx, "alice", 1); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate account err = %v, want ErrDuplicate", err)
	}
}

func TestDeactivatedAccountsExcluded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedAccount(t, s)

	if err := s.DeactivateAccount(ctx, "alice"); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}
	accounts, err := s.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("active accounts = %d, want 0", len(accounts))
	}
}

func TestReAddRevivesDeactivatedAccount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	chID := seedAccount(t, s)

	if err := s.DeactivateAccount(ctx, "alice"); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}
	id, err := s.AddAccount(ctx, "alice", chID)
	if err != nil {
		t.Fatalf("re-add deactivated account: %v", err)
	}
	if id == 0 {
		t.Error("re-add returned id 0")
	}

	accounts, err := s.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Username != "alice" {
		t.Fatalf("active accounts after revive = %+v", accounts)
	}

	// Once active again it is a duplicate like any other.
	if _, err := s.AddAccount(ctx, "alice", chID); !errors.Is(err, ErrDuplicate) {
		t.Errorf("re-add active account err = %v, want ErrDuplicate", err)
	}
}

func newAlert(id string) *model.PendingAction {
	now := time.Now().UTC()
	return &model.PendingAction{
		AlertID:   id,
		Username:  "alice",
		Tweet:     model.Tweet{ID: "9", Text: "urgent thing", CreatedAt: now},
		Rating:    model.Rating{Score: 9, Category: "alpha"},
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAlertRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateAlert(ctx, newAlert("a1")); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	got, err := s.AlertByID(ctx, "a1")
	if err != nil {
		t.Fatalf("AlertByID: %v", err)
	}
	if got.Tweet.Text != "urgent thing" || got.Rating.Score != 9 || got.State != model.StatePending {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := s.AlertByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alert err = %v, want ErrNotFound", err)
	}
}

func TestTransitionAlertCAS(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateAlert(ctx, newAlert("a1")); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	if err := s.TransitionAlert(ctx, "a1", model.StatePending, model.StateAwaiting, "", ""); err != nil {
		t.Fatalf("pending -> awaiting: %v", err)
	}

	// Wrong expected state on a non-terminal alert.
	err := s.TransitionAlert(ctx, "a1", model.StatePending, model.StateFiltered, "", "")
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("stale transition err = %v, want ErrStateConflict", err)
	}

	if err := s.TransitionAlert(ctx, "a1", model.StateAwaiting, model.StateBuildOK, "make it blue", "done"); err != nil {
		t.Fatalf("awaiting -> build_succeeded: %v", err)
	}

	// Terminal states accept nothing further, even when the caller names
	// the stored terminal state as the expected one.
	err = s.TransitionAlert(ctx, "a1", model.StateBuildOK, model.StateFiltered, "", "")
	if !errors.Is(err, ErrTerminalState) {
		t.Errorf("terminal transition err = %v, want ErrTerminalState", err)
	}
	if got, _ := s.AlertByID(ctx, "a1"); got.State != model.StateBuildOK {
		t.Errorf("terminal attempt mutated state to %s", got.State)
	}

	err = s.TransitionAlert(ctx, "nope", model.StatePending, model.StateFiltered, "", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown alert err = %v, want ErrNotFound", err)
	}

	got, _ := s.AlertByID(ctx, "a1")
	if got.Requirements != "make it blue" || got.Outcome != "done" {
		t.Errorf("requirements/outcome = %q/%q", got.Requirements, got.Outcome)
	}
}

func TestLatestAwaitingAlert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.LatestAwaitingAlert(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty awaiting err = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"a1", "a2"} {
		if err := s.CreateAlert(ctx, newAlert(id)); err != nil {
			t.Fatalf("CreateAlert %s: %v", id, err)
		}
	}
	if err := s.TransitionAlert(ctx, "a1", model.StatePending, model.StateAwaiting, "", ""); err != nil {
		t.Fatalf("a1 -> awaiting: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.TransitionAlert(ctx, "a2", model.StatePending, model.StateAwaiting, "", ""); err != nil {
		t.Fatalf("a2 -> awaiting: %v", err)
	}

	got, err := s.LatestAwaitingAlert(ctx)
	if err != nil {
		t.Fatalf("LatestAwaitingAlert: %v", err)
	}
	if got.AlertID != "a2" {
		t.Errorf("latest awaiting = %s, want a2", got.AlertID)
	}
}

func TestExpireStaleAlerts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := newAlert("old")
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	if err := s.CreateAlert(ctx, stale); err != nil {
		t.Fatalf("CreateAlert old: %v", err)
	}
	if err := s.CreateAlert(ctx, newAlert("fresh")); err != nil {
		t.Fatalf("CreateAlert fresh: %v", err)
	}
	// Awaiting alerts are never expired.
	waiting := newAlert("waiting")
	waiting.CreatedAt = time.Now().Add(-2 * time.Hour)
	if err := s.CreateAlert(ctx, waiting); err != nil {
		t.Fatalf("CreateAlert waiting: %v", err)
	}
	if err := s.TransitionAlert(ctx, "waiting", model.StatePending, model.StateAwaiting, "", ""); err != nil {
		t.Fatalf("waiting -> awaiting: %v", err)
	}

	n, err := s.ExpireStaleAlerts(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpireStaleAlerts: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d alerts, want 1", n)
	}

	old, _ := s.AlertByID(ctx, "old")
	if old.State != model.StateFiltered || old.Outcome != "expired" {
		t.Errorf("old alert state=%s outcome=%s", old.State, old.Outcome)
	}
	fresh, _ := s.AlertByID(ctx, "fresh")
	if fresh.State != model.StatePending {
		t.Errorf("fresh alert state = %s, want pending", fresh.State)
	}
	w, _ := s.AlertByID(ctx, "waiting")
	if w.State != model.StateAwaiting {
		t.Errorf("waiting alert state = %s, want awaiting_requirements", w.State)
	}
}

func TestCountAlertsByState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.CreateAlert(ctx, newAlert(id)); err != nil {
			t.Fatalf("CreateAlert %s: %v", id, err)
		}
	}
	if err := s.TransitionAlert(ctx, "a3", model.StatePending, model.StateFiltered, "", "dismissed"); err != nil {
		t.Fatalf("a3 -> filtered: %v", err)
	}

	counts, err := s.CountAlertsByState(ctx)
	if err != nil {
		t.Fatalf("CountAlertsByState: %v", err)
	}
	if counts[model.StatePending] != 2 || counts[model.StateFiltered] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
