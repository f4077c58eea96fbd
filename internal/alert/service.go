// Package alert drives the pending-action workflow: an urgent tweet is
// parked as an alert, a human replies INTERESTING, NOTHING, or BUILD,
// and BUILD collects free-text requirements before handing off to the
// build agent. All state lives in the store so replies survive restarts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/store"
)

// Reply actions carried in Telegram callback data.
const (
	ActionInteresting = "INTERESTING"
	ActionNothing     = "NOTHING"
	ActionBuild       = "BUILD"
)

// DefaultRequirements replaces an empty or "default" requirements reply.
const DefaultRequirements = "no customization"

var (
	// ErrUnknownAction is returned for callback actions outside the
	// three-button set.
	ErrUnknownAction = errors.New("unknown alert action")
	// ErrNoAwaitingAlert is returned when a free-text reply arrives but
	// no alert is waiting for requirements.
	ErrNoAwaitingAlert = errors.New("no alert awaiting requirements")
)

// Forwarder reposts an interesting tweet to its side channel.
type Forwarder interface {
	Forward(ctx context.Context, username string, tweet model.Tweet, rating model.Rating, note string) error
}

// Builder turns a pending action plus requirements into an artifact.
type Builder interface {
	Build(ctx context.Context, action *model.PendingAction, requirements string) (string, error)
}

// Notifier pushes plain progress messages back to the operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Service owns alert lifecycle transitions. Store-level compare-and-swap
// makes concurrent replies to the same alert safe: one wins, the rest
// get a typed rejection.
type Service struct {
	store     store.Store
	forwarder Forwarder
	builder   Builder
	notifier  Notifier
}

func NewService(st store.Store, fw Forwarder, b Builder, n Notifier) *Service {
	return &Service{store: st, forwarder: fw, builder: b, notifier: n}
}

// Create registers a new pending alert for an urgent tweet.
func (s *Service) Create(ctx context.Context, username string, tweet model.Tweet, rating model.Rating) (*model.PendingAction, error) {
	now := time.Now().UTC()
	action := &model.PendingAction{
		AlertID:   uuid.NewString(),
		Username:  username,
		Tweet:     tweet,
		Rating:    rating,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAlert(ctx, action); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	log.Printf("[alert] created %s for @%s tweet %s (score %d)",
		action.AlertID, username, tweet.ID, rating.Score)
	return action, nil
}

// HandleAction applies a button reply to an alert and returns the text
// to show the operator. Replies to terminal or unknown alerts fail with
// store.ErrTerminalState or store.ErrNotFound.
func (s *Service) HandleAction(ctx context.Context, alertID, action string) (string, error) {
	switch action {
	case ActionInteresting:
		return s.markInteresting(ctx, alertID)
	case ActionNothing:
		return s.markNothing(ctx, alertID)
	case ActionBuild:
		return s.requestRequirements(ctx, alertID)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (s *Service) markInteresting(ctx context.Context, alertID string) (string, error) {
	alert, err := s.store.AlertByID(ctx, alertID)
	if err != nil {
		return "", fmt.Errorf("alert %s: %w", alertID, err)
	}
	if err := s.store.TransitionAlert(ctx, alertID, model.StatePending, model.StateInteresting, "", "forwarded"); err != nil {
		return "", fmt.Errorf("alert %s: %w", alertID, err)
	}

	if s.forwarder != nil {
		note := "Marked INTERESTING from Telegram"
		if err := s.forwarder.Forward(ctx, alert.Username, alert.Tweet, alert.Rating, note); err != nil {
			log.Printf("[alert] forward %s failed: %v", alertID, err)
		}
	}
	log.Printf("[alert] %s marked interesting", alertID)
	return fmt.Sprintf("Saved tweet from @%s as interesting", alert.Username), nil
}

func (s *Service) markNothing(ctx context.Context, alertID string) (string, error) {
	if err := s.store.TransitionAlert(ctx, alertID, model.StatePending, model.StateFiltered, "", "dismissed"); err != nil {
		return "", fmt.Errorf("alert %s: %w", alertID, err)
	}
	log.Printf("[alert] %s dismissed", alertID)
	return "Dismissed", nil
}

func (s *Service) requestRequirements(ctx context.Context, alertID string) (string, error) {
	if err := s.store.TransitionAlert(ctx, alertID, model.StatePending, model.StateAwaiting, "", ""); err != nil {
		return "", fmt.Errorf("alert %s: %w", alertID, err)
	}
	log.Printf("[alert] %s awaiting requirements", alertID)
	return "BUILD selected. Reply with your requirements, or say \"default\".", nil
}

// HandleText routes a free-text reply to the alert awaiting requirements
// and runs the build. With an empty alertID the most recently updated
// awaiting alert is used, which is how a reply finds its alert after a
// restart.
func (s *Service) HandleText(ctx context.Context, alertID, text string) (string, error) {
	var (
		alert *model.PendingAction
		err   error
	)
	if alertID != "" {
		alert, err = s.store.AlertByID(ctx, alertID)
	} else {
		alert, err = s.store.LatestAwaitingAlert(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNoAwaitingAlert
		}
	}
	if err != nil {
		return "", fmt.Errorf("route requirements: %w", err)
	}
	if alert.State != model.StateAwaiting {
		return "", fmt.Errorf("alert %s: %w", alert.AlertID, store.ErrStateConflict)
	}

	requirements := normalizeRequirements(text)
	return s.runBuild(ctx, alert, requirements)
}

func (s *Service) runBuild(ctx context.Context, alert *model.PendingAction, requirements string) (string, error) {
	if s.builder == nil {
		if err := s.store.TransitionAlert(ctx, alert.AlertID, model.StateAwaiting, model.StateBuildFailed, requirements, "builder not configured"); err != nil {
			return "", err
		}
		return "", fmt.Errorf("builder not configured")
	}

	log.Printf("[alert] building %s with requirements %q", alert.AlertID, requirements)
	artifact, buildErr := s.builder.Build(ctx, alert, requirements)

	if buildErr != nil {
		outcome := fmt.Sprintf("build failed: %v", buildErr)
		if err := s.store.TransitionAlert(ctx, alert.AlertID, model.StateAwaiting, model.StateBuildFailed, requirements, outcome); err != nil {
			return "", fmt.Errorf("record build failure: %w", err)
		}
		s.notify(ctx, fmt.Sprintf("Build failed for @%s: %v", alert.Username, buildErr))
		return "", fmt.Errorf("build alert %s: %w", alert.AlertID, buildErr)
	}

	if err := s.store.TransitionAlert(ctx, alert.AlertID, model.StateAwaiting, model.StateBuildOK, requirements, artifact); err != nil {
		return "", fmt.Errorf("record build success: %w", err)
	}

	// The source tweet goes to the interesting channel too, tagged with
	// what the build produced.
	if s.forwarder != nil {
		note := "Build completed: " + artifact
		if err := s.forwarder.Forward(ctx, alert.Username, alert.Tweet, alert.Rating, note); err != nil {
			log.Printf("[alert] forward built %s failed: %v", alert.AlertID, err)
		}
	}

	msg := fmt.Sprintf("Build finished for @%s: %s", alert.Username, artifact)
	s.notify(ctx, msg)
	return msg, nil
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		log.Printf("[alert] notify failed: %v", err)
	}
}

func normalizeRequirements(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, "default") {
		return DefaultRequirements
	}
	return trimmed
}
