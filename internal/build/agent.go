// Package build runs the agent that turns a BUILD reply into a working
// bot skeleton in the workspace.
package build

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	sdkmodel "github.com/cexll/agentsdk-go/pkg/model"

	"github.com/jaromngmt-hub/twitter-api-bot/internal/config"
	"github.com/jaromngmt-hub/twitter-api-bot/internal/model"
)

const systemPrompt = `You are a bot-building assistant. You receive a tweet
describing a bot or automation idea plus operator requirements. Create a
minimal working implementation in the workspace: source files, a README
with run instructions, and sensible defaults for anything unspecified.
Finish with a one-line summary naming the project directory you created.`

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg config.BuildConfig) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg config.BuildConfig) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.ProviderType {
	case "openai":
		provider = &sdkmodel.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &sdkmodel.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Agent drives one build session per BUILD reply. The runtime is created
// lazily on first use so a missing API key only fails when a build is
// actually requested.
type Agent struct {
	cfg     config.BuildConfig
	factory RuntimeFactory

	mu      sync.Mutex
	runtime Runtime
}

func NewAgent(cfg config.BuildConfig) *Agent {
	return NewAgentWithFactory(cfg, DefaultRuntimeFactory)
}

func NewAgentWithFactory(cfg config.BuildConfig, factory RuntimeFactory) *Agent {
	return &Agent{cfg: cfg, factory: factory}
}

func (a *Agent) getRuntime() (Runtime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtime != nil {
		return a.runtime, nil
	}
	if !a.cfg.Enabled {
		return nil, fmt.Errorf("build agent disabled")
	}
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("build api key not configured")
	}
	rt, err := a.factory(a.cfg)
	if err != nil {
		return nil, err
	}
	a.runtime = rt
	return rt, nil
}

// Build runs the agent against the alert's tweet plus the operator's
// requirements and returns a short artifact description.
func (a *Agent) Build(ctx context.Context, action *model.PendingAction, requirements string) (string, error) {
	rt, err := a.getRuntime()
	if err != nil {
		return "", err
	}

	timeout := time.Duration(a.cfg.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = config.DefaultBuildTimeoutMin * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Build the bot described in this tweet.

TWEET from @%s:
%s

OPERATOR REQUIREMENTS:
%s`, action.Username, action.Tweet.Text, requirements)

	log.Printf("[build] starting session for alert %s", action.AlertID)
	resp, err := rt.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: "build-" + action.AlertID,
	})
	if err != nil {
		return "", fmt.Errorf("agent run: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("agent returned no result")
	}

	summary := summarize(resp.Result.Output)
	log.Printf("[build] alert %s finished: %s", action.AlertID, summary)
	return summary, nil
}

func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtime != nil {
		a.runtime.Close()
		a.runtime = nil
	}
}

// summarize keeps the last non-empty line, where the agent is told to
// put its one-line result.
func summarize(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			if len(line) > 300 {
				line = line[:300]
			}
			return line
		}
	}
	return "build completed"
}
