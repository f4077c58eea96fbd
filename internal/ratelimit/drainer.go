package ratelimit

import (
	"context"
	"log"
	"time"
)

// Deliverer performs the actual urgent delivery: creating the pending
// action and pushing the Telegram message.
type Deliverer interface {
	DeliverUrgent(ctx context.Context, e Entry) error
}

// Drainer releases held entries as cooldown windows open. The queue
// itself tracks the cooldown, so the drainer only has to poll.
type Drainer struct {
	queue    *Queue
	deliver  Deliverer
	interval time.Duration
}

func NewDrainer(queue *Queue, deliver Deliverer, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{queue: queue, deliver: deliver, interval: interval}
}

// Run polls until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("[drainer] started, interval %s", d.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[drainer] stopped")
			return
		case <-ticker.C:
			d.drainOne(ctx)
		}
	}
}

// drainOne pops at most one entry. Popping consumes the cooldown slot,
// so a failed delivery is dropped rather than retried; the next window
// goes to fresher content.
func (d *Drainer) drainOne(ctx context.Context) {
	entry, ok := d.queue.PopReady()
	if !ok {
		return
	}
	if err := d.deliver.DeliverUrgent(ctx, entry); err != nil {
		log.Printf("[drainer] urgent delivery for @%s tweet %s failed: %v",
			entry.Username, entry.Tweet.ID, err)
		return
	}
	log.Printf("[drainer] released queued urgent tweet %s from @%s (score %d)",
		entry.Tweet.ID, entry.Username, entry.Rating.Score)
}
