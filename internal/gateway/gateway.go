// Package gateway wires the monitor, the urgent queue, the Telegram
// reply loop, and maintenance into one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/alert"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/analyzer"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/build"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/discord"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/maintenance"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/monitor"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/notify"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/ratelimit"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/router"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/store"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/twitter"
)

// Options allow injecting fakes for testing
type Options struct {
	Store        store.Store
	BotFactory   notify.BotFactory
	BuildFactory build.RuntimeFactory
	SignalChan   chan os.Signal
}

type Gateway struct {
	cfg      *config.Config
	store    store.Store
	telegram *notify.Telegram
	alerts   *alert.Service
	builder  *build.Agent
	sender   *discord.Sender
	queue    *ratelimit.Queue
	drainer  *ratelimit.Drainer
	monitor  *monitor.Monitor
	maint    *maintenance.Service

	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	g.store = st

	tiers, err := router.New(cfg.Monitor.Thresholds)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("tier thresholds: %w", err)
	}

	g.sender = discord.NewSender(cfg.Discord)

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		factory := opts.BotFactory
		var tg *notify.Telegram
		if factory == nil {
			tg, err = notify.NewTelegram(cfg.Telegram)
		} else {
			tg, err = notify.NewTelegramWithFactory(cfg.Telegram, factory)
		}
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		g.telegram = tg
	}

	if cfg.Build.Enabled {
		if opts.BuildFactory != nil {
			g.builder = build.NewAgentWithFactory(cfg.Build, opts.BuildFactory)
		} else {
			g.builder = build.NewAgent(cfg.Build)
		}
	}

	var (
		forwarder alert.Forwarder
		notifier  alert.Notifier
		builder   alert.Builder
	)
	if cfg.Discord.InterestingWebhook != "" {
		forwarder = &interestingForwarder{sender: g.sender, webhook: cfg.Discord.InterestingWebhook}
	}
	if g.telegram != nil {
		notifier = g.telegram
	}
	if g.builder != nil {
		builder = g.builder
	}
	g.alerts = alert.NewService(st, forwarder, builder, notifier)

	g.queue = ratelimit.NewQueue(cfg.Urgent)
	deliverer := &urgentDeliverer{gateway: g}
	g.drainer = ratelimit.NewDrainer(g.queue, deliverer,
		time.Duration(cfg.Urgent.DrainIntervalSeconds)*time.Second)

	fetcher := twitter.NewClient(cfg.Twitter)
	scorer := analyzer.New(cfg.Analyzer)
	g.monitor = monitor.New(st, fetcher, scorer, g.sender, tiers, g.queue, deliverer, cfg)

	g.maint = maintenance.NewService(st, cfg.Retention)

	return g, nil
}

// interestingForwarder adapts the Discord sender to the alert service.
type interestingForwarder struct {
	sender  *discord.Sender
	webhook string
}

func (f *interestingForwarder) Forward(ctx context.Context, username string, tweet model.Tweet, rating model.Rating, note string) error {
	status, err := f.sender.Forward(ctx, f.webhook, username, tweet, rating, note)
	if status != discord.StatusSent {
		return err
	}
	return nil
}

// urgentDeliverer is the single urgent delivery path, shared by the
// monitor's immediate sends and the drainer. With Telegram unavailable
// it degrades to the premium Discord channel so urgent content is never
// silently dropped.
type urgentDeliverer struct {
	gateway *Gateway
}

func (u *urgentDeliverer) DeliverUrgent(ctx context.Context, e ratelimit.Entry) error {
	g := u.gateway

	if g.telegram == nil {
		webhook := g.cfg.Discord.PremiumWebhook
		if webhook == "" {
			return fmt.Errorf("urgent delivery: no telegram and no premium webhook")
		}
		status, err := g.sender.Send(ctx, webhook, e.Username, e.Tweet, e.Rating, router.TierUrgent)
		if status != discord.StatusSent {
			return fmt.Errorf("urgent fallback to discord: %w", err)
		}
		return nil
	}

	pending, err := g.alerts.Create(ctx, e.Username, e.Tweet, e.Rating)
	if err != nil {
		return err
	}
	return g.telegram.SendUrgent(ctx, pending.AlertID, e.Username, e.Tweet, e.Rating)
}

// Run starts everything and blocks until a signal arrives or the
// monitor hits a fatal error.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if g.telegram != nil {
		if err := g.telegram.Start(ctx); err != nil {
			return fmt.Errorf("start telegram: %w", err)
		}
		go g.replyLoop(ctx)
	}

	go g.drainer.Run(ctx)

	if err := g.maint.Start(ctx); err != nil {
		log.Printf("[gateway] maintenance start warning: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.monitor.Run(ctx)
	}()

	log.Printf("[gateway] running (%s)", g.monitor.Describe())

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	var runErr error
	select {
	case <-sigCh:
		log.Printf("[gateway] shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[gateway] monitor stopped: %v", err)
			runErr = err
		}
	}

	cancel()
	if err := g.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// RunOnce performs a single monitoring cycle and exits.
func (g *Gateway) RunOnce(ctx context.Context) error {
	if g.telegram != nil {
		if err := g.telegram.Start(ctx); err != nil {
			return fmt.Errorf("start telegram: %w", err)
		}
	}
	stats := g.monitor.RunCycle(ctx)
	log.Printf("[gateway] cycle done: %d accounts, %d new tweets, %d delivered, %d filtered, %d queued, %d errors",
		stats.Accounts, stats.Fetched, stats.Delivered, stats.Filtered, stats.Queued, stats.Errors)
	return g.Shutdown()
}

// replyLoop drives operator replies into the alert service. Builds run
// in their own goroutine so a long agent session never blocks button
// handling.
func (g *Gateway) replyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.telegram.Replies():
			if ev.Action != "" {
				g.handleButton(ctx, ev)
			} else {
				go g.handleText(ctx, ev)
			}
		}
	}
}

func (g *Gateway) handleButton(ctx context.Context, ev notify.ReplyEvent) {
	reply, err := g.alerts.HandleAction(ctx, ev.AlertID, ev.Action)
	switch {
	case err == nil:
		g.telegram.AnswerCallback(ev.CallbackID, ev.Action)
		if reply != "" {
			if nerr := g.telegram.Notify(ctx, reply); nerr != nil {
				log.Printf("[gateway] notify reply: %v", nerr)
			}
		}
	case errors.Is(err, store.ErrTerminalState):
		g.telegram.AnswerCallback(ev.CallbackID, "Already handled")
	case errors.Is(err, store.ErrNotFound):
		g.telegram.AnswerCallback(ev.CallbackID, "Unknown alert")
	default:
		log.Printf("[gateway] handle %s on %s: %v", ev.Action, ev.AlertID, err)
		g.telegram.AnswerCallback(ev.CallbackID, "Error")
	}
}

func (g *Gateway) handleText(ctx context.Context, ev notify.ReplyEvent) {
	reply, err := g.alerts.HandleText(ctx, "", ev.Text)
	if err != nil {
		if errors.Is(err, alert.ErrNoAwaitingAlert) {
			return
		}
		log.Printf("[gateway] requirements reply: %v", err)
		if nerr := g.telegram.Notify(ctx, fmt.Sprintf("Build error: %v", err)); nerr != nil {
			log.Printf("[gateway] notify build error: %v", nerr)
		}
		return
	}
	if reply != "" {
		if nerr := g.telegram.Notify(ctx, reply); nerr != nil {
			log.Printf("[gateway] notify build result: %v", nerr)
		}
	}
}

func (g *Gateway) Shutdown() error {
	if g.telegram != nil {
		g.telegram.Stop()
	}
	if g.builder != nil {
		g.builder.Close()
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}
