// Package maintenance runs the background housekeeping schedules:
// pruning old ledger rows and expiring unanswered alerts.
package maintenance

import (
	"context"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/store"
)

const (
	// Seconds-resolution cron expressions, matching rcron.WithSeconds.
	pruneSchedule  = "0 0 3 * * *"
	expireSchedule = "0 */5 * * * *"
)

type Service struct {
	store     store.Store
	retention config.RetentionConfig
	cron      *rcron.Cron
}

func NewService(st store.Store, retention config.RetentionConfig) *Service {
	return &Service{store: st, retention: retention}
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())

	if _, err := s.cron.AddFunc(pruneSchedule, func() { s.pruneLedger(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(expireSchedule, func() { s.expireAlerts(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("[maintenance] started (ledger retention %dd, alert expiry %dm)",
		s.retention.LedgerDays, s.retention.AlertExpiryMinutes)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Service) pruneLedger(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.retention.LedgerDays)
	n, err := s.store.PruneDeliveries(ctx, cutoff)
	if err != nil {
		log.Printf("[maintenance] prune ledger: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[maintenance] pruned %d ledger rows older than %s", n, cutoff.Format("2006-01-02"))
	}
}

// expireAlerts garbage-collects pending alerts nobody answered. Alerts
// already awaiting requirements are left alone; the operator committed
// to those.
func (s *Service) expireAlerts(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.retention.AlertExpiryMinutes) * time.Minute)
	n, err := s.store.ExpireStaleAlerts(ctx, cutoff)
	if err != nil {
		log.Printf("[maintenance] expire alerts: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[maintenance] expired %d unanswered alerts", n)
	}
}
