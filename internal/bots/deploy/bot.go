// Package deploy runs deployments for the bot manager.
//
// A deployment is either simulated (dry run) or delegated to a Deployer,
// normally the HTTP deployer in deployer.go. The bot keeps a bounded history
// of finished deployments and reports the latest one in its health checks.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studiobot/internal/bot"
	logx "studiobot/pkg/logx"
)

const (
	TypeAuto      = "auto"
	TypeManual    = "manual"
	TypeScheduled = "scheduled"

	EnvPreview    = "preview"
	EnvProduction = "production"

	// HistoryLimit bounds the in-memory deployment history.
	HistoryLimit = 50
)

type Input struct {
	Type        string `json:"type"`
	Trigger     string `json:"trigger,omitempty"`
	Environment string `json:"environment,omitempty"`
	Force       bool   `json:"force,omitempty"`
	DryRun      bool   `json:"dryRun,omitempty"`
}

func (in *Input) SetDefaults() {
	if in.Environment == "" {
		in.Environment = EnvProduction
	}
}

func (in *Input) Validate() error {
	return errors.Join(
		bot.OneOf("type", in.Type, TypeAuto, TypeManual, TypeScheduled),
		bot.OneOf("environment", in.Environment, EnvPreview, EnvProduction),
	)
}

// Readiness is the verdict of the pre-deployment checks.
type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Record is one entry of the deployment history.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  string    `json:"executionId"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Type         string    `json:"type"`
	Environment  string    `json:"environment"`
	Trigger      string    `json:"trigger,omitempty"`
	Status       string    `json:"status"`
	URL          string    `json:"url,omitempty"`
	DurationMS   int64     `json:"duration"`
	Error        string    `json:"error,omitempty"`
}

// Result is returned on success.
type Result struct {
	Deployment  string    `json:"deployment"`
	Type        string    `json:"type"`
	Environment string    `json:"environment"`
	Trigger     string    `json:"trigger,omitempty"`
	DryRun      bool      `json:"dryRun"`
	Readiness   Readiness `json:"readinessCheck"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
}

// Config configures the deployment bot.
type Config struct {
	// AppEnv is the environment this process runs in; production deploys are
	// refused from "development".
	AppEnv string
}

type Bot struct {
	deployer Deployer
	cfg      Config
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	history []Record
}

func NewBot(d Deployer, cfg Config, log logx.Logger, now func() time.Time) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Bot{deployer: d, cfg: cfg, log: log, now: now}
}

// Factory builds the deployment kind. A nil deployer still allows dry runs.
func Factory(d Deployer, cfg Config) bot.Factory {
	return func(deps bot.Deps) (bot.Instance, error) {
		b := NewBot(d, cfg, deps.Log, deps.Now)
		return bot.New[Input](deps.Kind, b, deps.Options()), nil
	}
}

func (b *Bot) Process(ctx context.Context, in Input, executionID string) (any, error) {
	log := b.log.With(
		logx.String("execution_id", executionID),
		logx.String("type", in.Type),
		logx.String("environment", in.Environment),
		logx.String("trigger", in.Trigger),
	)
	log.Info("deploy.started", logx.Bool("dry_run", in.DryRun), logx.Bool("force", in.Force))

	ready := b.Readiness(in.Environment)
	if !ready.Ready && !in.Force {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, ready.Reason)
	}

	res := Result{
		Deployment:  "simulated",
		Type:        in.Type,
		Environment: in.Environment,
		Trigger:     in.Trigger,
		DryRun:      in.DryRun,
		Readiness:   ready,
	}
	if in.DryRun {
		return res, nil
	}
	if b.deployer == nil {
		return nil, ErrNoDeployer
	}

	start := b.now()
	out, err := b.deployer.Deploy(ctx, Request{
		Type:        in.Type,
		Trigger:     in.Trigger,
		Environment: in.Environment,
		ExecutionID: executionID,
	})
	rec := Record{
		Timestamp:    start,
		ExecutionID:  executionID,
		DeploymentID: out.DeploymentID,
		Type:         in.Type,
		Environment:  in.Environment,
		Trigger:      in.Trigger,
		Status:       bot.StatusSuccess,
		URL:          out.URL,
		DurationMS:   b.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		rec.Status = bot.StatusError
		rec.Error = err.Error()
		b.remember(rec)
		log.Error("deploy.failed", logx.String("deployment_id", out.DeploymentID), logx.Err(err))
		return nil, err
	}
	b.remember(rec)
	log.Info("deploy.completed", logx.String("deployment_id", out.DeploymentID), logx.String("url", out.URL))

	res.Deployment = out.Status
	res.Outcome = &out
	return res, nil
}

// Readiness reports whether a deployment to env may start.
func (b *Bot) Readiness(env string) Readiness {
	if env == EnvProduction && b.cfg.AppEnv == "development" {
		return Readiness{Reason: "cannot deploy to production from development environment"}
	}
	return Readiness{Ready: true}
}

func (b *Bot) remember(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, r)
	if n := len(b.history); n > HistoryLimit {
		b.history = append(b.history[:0:0], b.history[n-HistoryLimit:]...)
	}
}

// History returns finished deployments, oldest first.
func (b *Bot) History() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.history...)
}

// LastDeployment returns the most recent finished deployment.
func (b *Bot) LastDeployment() (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return Record{}, false
	}
	return b.history[len(b.history)-1], true
}

func (b *Bot) CheckHealth(context.Context) (map[string]any, error) {
	checks := map[string]any{
		"deployer":          b.deployer != nil,
		"deploymentHistory": len(b.History()),
	}
	if last, ok := b.LastDeployment(); ok {
		checks["lastDeployment"] = last
	}
	return checks, nil
}
