package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

func testQueue(t *testing.T, maxSize int) (*Queue, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(config.UrgentConfig{
		CooldownMinutes: 15,
		MaxQueueSize:    maxSize,
	})
	q.now = func() time.Time { return now }
	return q, &now
}

func tw(id string) model.Tweet {
	return model.Tweet{ID: id, Text: "tweet " + id}
}

func TestTryAdmitDeliversWhenSlotFree(t *testing.T) {
	q, _ := testQueue(t, 10)

	adm := q.TryAdmit("alice", tw("1"), model.Rating{Score: 9})
	if !adm.DeliverNow {
		t.Fatal("expected immediate delivery on empty queue with no cooldown")
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
	if q.CooldownRemaining() == 0 {
		t.Error("immediate delivery should start a cooldown window")
	}
}

func TestTryAdmitQueuesDuringCooldown(t *testing.T) {
	q, now := testQueue(t, 10)
	q.TryAdmit("alice", tw("1"), model.Rating{Score: 9})

	adm := q.TryAdmit("bob", tw("2"), model.Rating{Score: 10})
	if adm.DeliverNow {
		t.Fatal("second admit during cooldown must queue")
	}
	if adm.Position != 1 {
		t.Errorf("position = %d, want 1", adm.Position)
	}

	// Queue not empty: even after cooldown lapses, new arrivals queue
	// behind held entries instead of jumping the line.
	*now = now.Add(20 * time.Minute)
	adm = q.TryAdmit("carol", tw("3"), model.Rating{Score: 9})
	if adm.DeliverNow {
		t.Fatal("admit with entries queued must not bypass the queue")
	}
}

func TestQueueOrdersByScoreThenArrival(t *testing.T) {
	q, _ := testQueue(t, 10)
	q.TryAdmit("x", tw("0"), model.Rating{Score: 9}) // consume free slot

	q.TryAdmit("a", tw("1"), model.Rating{Score: 9})
	q.TryAdmit("b", tw("2"), model.Rating{Score: 10})
	q.TryAdmit("c", tw("3"), model.Rating{Score: 9})

	got := q.Snapshot()
	wantOrder := []string{"2", "1", "3"}
	for i, id := range wantOrder {
		if got[i].Tweet.ID != id {
			t.Errorf("position %d = tweet %s, want %s", i, got[i].Tweet.ID, id)
		}
	}
}

func TestEvictionDropsLowestScoreOldestFirst(t *testing.T) {
	q, _ := testQueue(t, 2)
	q.TryAdmit("x", tw("0"), model.Rating{Score: 9}) // consume free slot

	q.TryAdmit("a", tw("1"), model.Rating{Score: 9})
	q.TryAdmit("b", tw("2"), model.Rating{Score: 9})

	adm := q.TryAdmit("c", tw("3"), model.Rating{Score: 10})
	if adm.Evicted == nil {
		t.Fatal("expected an eviction on overflow")
	}
	if adm.Evicted.Tweet.ID != "1" {
		t.Errorf("evicted tweet %s, want 1 (lowest score, oldest)", adm.Evicted.Tweet.ID)
	}
	if q.Len() != 2 {
		t.Errorf("queue length after eviction = %d, want 2", q.Len())
	}
}

func TestLowScoreArrivalDroppedByFullQueue(t *testing.T) {
	q, _ := testQueue(t, 2)
	q.TryAdmit("x", tw("0"), model.Rating{Score: 9}) // consume free slot

	q.TryAdmit("a", tw("1"), model.Rating{Score: 10})
	q.TryAdmit("b", tw("2"), model.Rating{Score: 10})

	// The newcomer scores below everything held, so it is its own
	// eviction victim and never enters the queue.
	adm := q.TryAdmit("c", tw("3"), model.Rating{Score: 8})
	if !adm.Dropped {
		t.Fatal("low-score arrival against a full queue must report Dropped")
	}
	if adm.DeliverNow || adm.Position != 0 {
		t.Errorf("dropped admission = %+v, want no delivery and no position", adm)
	}
	if q.Len() != 2 {
		t.Errorf("queue length after drop = %d, want 2", q.Len())
	}
	for _, e := range q.Snapshot() {
		if e.Tweet.ID == "3" {
			t.Error("dropped tweet still held in queue")
		}
	}
}

func TestPopReadyHonorsCooldown(t *testing.T) {
	q, now := testQueue(t, 10)
	q.TryAdmit("x", tw("0"), model.Rating{Score: 9})
	q.TryAdmit("a", tw("1"), model.Rating{Score: 9})

	if _, ok := q.PopReady(); ok {
		t.Fatal("PopReady during cooldown must return false")
	}

	*now = now.Add(16 * time.Minute)
	entry, ok := q.PopReady()
	if !ok {
		t.Fatal("PopReady after cooldown must release an entry")
	}
	if entry.Tweet.ID != "1" {
		t.Errorf("popped tweet %s, want 1", entry.Tweet.ID)
	}

	// Pop starts a fresh window.
	q.TryAdmit("b", tw("2"), model.Rating{Score: 9})
	if _, ok := q.PopReady(); ok {
		t.Fatal("PopReady immediately after a pop must respect the new cooldown")
	}
}

func TestQueueStateSurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")
	cfg := config.UrgentConfig{CooldownMinutes: 15, MaxQueueSize: 10, QueuePath: statePath}

	q1 := NewQueue(cfg)
	q1.TryAdmit("x", tw("0"), model.Rating{Score: 9})
	q1.TryAdmit("a", tw("1"), model.Rating{Score: 10})
	q1.TryAdmit("b", tw("2"), model.Rating{Score: 8})

	q2 := NewQueue(cfg)
	if q2.Len() != 2 {
		t.Fatalf("restored queue length = %d, want 2", q2.Len())
	}
	if q2.CooldownRemaining() == 0 {
		t.Error("cooldown must survive restart")
	}
	got := q2.Snapshot()
	if got[0].Tweet.ID != "1" || got[1].Tweet.ID != "2" {
		t.Errorf("restored order = [%s %s], want [1 2]", got[0].Tweet.ID, got[1].Tweet.ID)
	}
}

type recordingDeliverer struct {
	entries []Entry
	err     error
}

func (r *recordingDeliverer) DeliverUrgent(ctx context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestDrainerReleasesOnePerWindow(t *testing.T) {
	q, now := testQueue(t, 10)
	q.TryAdmit("x", tw("0"), model.Rating{Score: 9})
	q.TryAdmit("a", tw("1"), model.Rating{Score: 9})
	q.TryAdmit("b", tw("2"), model.Rating{Score: 9})

	rec := &recordingDeliverer{}
	d := NewDrainer(q, rec, time.Second)

	d.drainOne(context.Background())
	if len(rec.entries) != 0 {
		t.Fatal("drainer must not deliver during cooldown")
	}

	*now = now.Add(16 * time.Minute)
	d.drainOne(context.Background())
	d.drainOne(context.Background())
	if len(rec.entries) != 1 {
		t.Fatalf("delivered %d entries in one window, want 1", len(rec.entries))
	}
	if rec.entries[0].Tweet.ID != "1" {
		t.Errorf("delivered tweet %s, want 1", rec.entries[0].Tweet.ID)
	}
}
