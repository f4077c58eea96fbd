// Package ratelimit guards the urgent channel: at most one delivery per
// cooldown window, overflow held in a bounded priority queue.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

// Entry is one urgent tweet waiting for the channel to free up.
type Entry struct {
	Username string       `json:"username"`
	Tweet    model.Tweet  `json:"tweet"`
	Rating   model.Rating `json:"rating"`
	QueuedAt time.Time    `json:"queuedAt"`
	Seq      uint64       `json:"seq"`
}

// Admission is the outcome of offering an entry to the queue.
type Admission struct {
	// DeliverNow means the cooldown slot was free and has been reserved;
	// the caller must deliver the entry itself.
	DeliverNow bool
	// Dropped means the entry scored too low to displace anything in a
	// full queue and was discarded on arrival.
	Dropped bool
	// Position is the 1-based queue position when the entry was held.
	Position int
	// Evicted is the entry dropped to make room, if the queue was full.
	Evicted *Entry
	// Entry echoes the admitted entry with its sequence number set.
	Entry Entry
}

// Queue owns the cooldown clock. Every path that consumes the urgent
// channel goes through TryAdmit or PopReady, so the one-delivery-per-
// cooldown invariant holds without external coordination.
type Queue struct {
	mu           sync.Mutex
	cooldown     time.Duration
	maxSize      int
	statePath    string
	lastDelivery time.Time
	entries      []Entry
	seq          uint64
	now          func() time.Time
}

func NewQueue(cfg config.UrgentConfig) *Queue {
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = config.DefaultCooldownMinutes * time.Minute
	}
	maxSize := cfg.MaxQueueSize
	if maxSize <= 0 {
		maxSize = config.DefaultMaxQueueSize
	}
	q := &Queue{
		cooldown:  cooldown,
		maxSize:   maxSize,
		statePath: cfg.QueuePath,
		now:       time.Now,
	}
	q.load()
	return q
}

// TryAdmit offers an urgent tweet. When the cooldown slot is free and
// nothing is queued ahead, the slot is reserved immediately and the
// caller delivers; otherwise the entry is held, evicting the lowest-
// scored (oldest on ties) entry if the queue is full. A newcomer that
// loses that comparison is dropped outright.
func (q *Queue) TryAdmit(username string, tweet model.Tweet, rating model.Rating) Admission {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	entry := Entry{
		Username: username,
		Tweet:    tweet,
		Rating:   rating,
		QueuedAt: q.now(),
		Seq:      q.seq,
	}

	if len(q.entries) == 0 && !q.inCooldownLocked() {
		q.lastDelivery = q.now()
		q.saveLocked()
		return Admission{DeliverNow: true, Entry: entry}
	}

	q.entries = append(q.entries, entry)
	q.sortLocked()

	var evicted *Entry
	if len(q.entries) > q.maxSize {
		victim := q.evictionIndexLocked()
		e := q.entries[victim]
		evicted = &e
		q.entries = append(q.entries[:victim], q.entries[victim+1:]...)
	}
	q.saveLocked()

	// A full queue of higher scores evicts the newcomer itself.
	if evicted != nil && evicted.Seq == entry.Seq {
		return Admission{Dropped: true, Entry: entry}
	}

	pos := 0
	for i, e := range q.entries {
		if e.Seq == entry.Seq {
			pos = i + 1
			break
		}
	}
	return Admission{Position: pos, Evicted: evicted, Entry: entry}
}

// PopReady removes the highest-priority entry and starts a new cooldown
// window. Returns false while cooling down or empty.
func (q *Queue) PopReady() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.inCooldownLocked() {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	q.lastDelivery = q.now()
	q.saveLocked()
	return head, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CooldownRemaining returns zero when the next delivery may go out.
func (q *Queue) CooldownRemaining() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inCooldownLocked() {
		return 0
	}
	return q.lastDelivery.Add(q.cooldown).Sub(q.now())
}

// Snapshot returns the held entries in delivery order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) inCooldownLocked() bool {
	return !q.lastDelivery.IsZero() && q.now().Sub(q.lastDelivery) < q.cooldown
}

// sortLocked orders by score descending, then arrival order. The sort is
// stable over Seq so equal scores drain first-come first-served.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].Rating.Score != q.entries[j].Rating.Score {
			return q.entries[i].Rating.Score > q.entries[j].Rating.Score
		}
		return q.entries[i].Seq < q.entries[j].Seq
	})
}

// evictionIndexLocked picks the lowest score; among ties, the oldest.
func (q *Queue) evictionIndexLocked() int {
	victim := 0
	for i, e := range q.entries {
		v := q.entries[victim]
		if e.Rating.Score < v.Rating.Score ||
			(e.Rating.Score == v.Rating.Score && e.Seq < v.Seq) {
			victim = i
		}
	}
	return victim
}

type queueState struct {
	LastDelivery time.Time `json:"lastDelivery"`
	Seq          uint64    `json:"seq"`
	Entries      []Entry   `json:"entries"`
}

func (q *Queue) load() {
	if q.statePath == "" {
		return
	}
	data, err := os.ReadFile(q.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[ratelimit] read queue state: %v", err)
		}
		return
	}
	var state queueState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[ratelimit] corrupt queue state, starting fresh: %v", err)
		return
	}
	q.lastDelivery = state.LastDelivery
	q.seq = state.Seq
	q.entries = state.Entries
	q.sortLocked()
}

func (q *Queue) saveLocked() {
	if q.statePath == "" {
		return
	}
	state := queueState{
		LastDelivery: q.lastDelivery,
		Seq:          q.seq,
		Entries:      q.entries,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Printf("[ratelimit] marshal queue state: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(q.statePath), 0755); err != nil {
		log.Printf("[ratelimit] create state dir: %v", err)
		return
	}
	tmp := q.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Printf("[ratelimit] write queue state: %v", err)
		return
	}
	if err := os.Rename(tmp, q.statePath); err != nil {
		log.Printf("[ratelimit] replace queue state: %v", err)
	}
}

// String implements a compact status line for the operator CLI.
func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("queued=%d cooldown=%s", len(q.entries), q.cooldown)
}
