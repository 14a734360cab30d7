package autodeploy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"studiobot/internal/bot"
	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const (
	DefaultDelay       = 30 * time.Second
	DefaultMaxPerHour  = 5
	DefaultEnvironment = "production"

	window = time.Hour
)

// Trigger outcomes, also used as metric labels.
const (
	OutcomeQueued      = "queued"
	OutcomeDisabled    = "disabled"
	OutcomeNotListed   = "not_listed"
	OutcomeRateLimited = "rate_limited"
	OutcomePending     = "pending"
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
)

// DefaultTriggers maps bot types to the actions that warrant a deployment.
func DefaultTriggers() map[string][]string {
	return map[string][]string{
		"database": {"schema_change", "migration", "cleanup", "maintenance"},
		"content":  {"content_update", "seo_change"},
		"lead":     {"lead_processing", "quote_update"},
	}
}

type Config struct {
	Enabled     bool
	Delay       time.Duration
	MaxPerHour  int
	Environment string
	Triggers    map[string][]string
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = DefaultMaxPerHour
	}
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.Triggers == nil {
		c.Triggers = DefaultTriggers()
	}
	return c
}

// Executor runs the deployment bot; *manager.Manager satisfies it.
type Executor interface {
	Execute(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error)
}

// AuditLog receives auto_deploy_success / auto_deploy_failure rows.
type AuditLog interface {
	AppendBotLog(ctx context.Context, e storage.BotLog) error
}

type Metrics interface {
	ObserveAutoDeploy(outcome string)
}

type Option func(*Trigger)

func WithAuditLog(a AuditLog) Option         { return func(t *Trigger) { t.audit = a } }
func WithBus(b eventbus.Bus) Option          { return func(t *Trigger) { t.bus = b } }
func WithLogger(l logx.Logger) Option        { return func(t *Trigger) { t.log = l } }
func WithMetrics(m Metrics) Option           { return func(t *Trigger) { t.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(t *Trigger) { t.now = now } }
func WithContext(ctx context.Context) Option { return func(t *Trigger) { t.base = ctx } }

type pending struct {
	queuedAt time.Time
	dueAt    time.Time
	metadata map[string]any
	timer    *time.Timer
}

// Trigger queues deployments in response to bot actions.
type Trigger struct {
	exec    Executor
	audit   AuditLog
	bus     eventbus.Bus
	log     logx.Logger
	metrics Metrics
	now     func() time.Time
	base    context.Context

	mu          sync.Mutex
	cfg         Config
	pending     map[string]*pending
	count       int
	windowStart time.Time
	stopped     bool
	wg          sync.WaitGroup
}

func New(cfg Config, exec Executor, opts ...Option) *Trigger {
	t := &Trigger{
		exec:    exec,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		base:    context.Background(),
		pending: map[string]*pending{},
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if t.bus == nil {
		t.bus = eventbus.Nop()
	}
	t.windowStart = t.now()
	return t
}

// Key identifies a pending deployment.
func Key(botType, action string) string { return botType + ":" + action }

// Trigger queues a deployment for (botType, action) unless auto-deploy is
// disabled, the pair is not in the trigger table, the hourly cap is reached,
// or the same pair is already pending. It reports whether one was queued.
func (t *Trigger) Trigger(botType, action string, metadata map[string]any) bool {
	key := Key(botType, action)

	t.mu.Lock()
	outcome := t.admitLocked(botType, action, key)
	if outcome != OutcomeQueued {
		t.mu.Unlock()
		t.log.Debug("autodeploy.skipped", logx.String("trigger", key), logx.String("reason", outcome))
		t.observe(outcome)
		return false
	}
	now := t.now()
	p := &pending{
		queuedAt: now,
		dueAt:    now.Add(t.cfg.Delay),
		metadata: maps.Clone(metadata),
	}
	t.pending[key] = p
	t.wg.Add(1)
	p.timer = time.AfterFunc(t.cfg.Delay, func() { t.run(key, p) })
	delay := t.cfg.Delay
	t.mu.Unlock()

	t.log.Info("autodeploy.queued", logx.String("trigger", key), logx.Duration("delay", delay))
	t.observe(OutcomeQueued)
	t.bus.Publish(eventbus.Event{Type: eventbus.DeployQueued, Time: now, Data: map[string]any{
		"trigger": key,
		"dueAt":   p.dueAt,
	}})
	return true
}

func (t *Trigger) admitLocked(botType, action, key string) string {
	switch {
	case t.stopped || !t.cfg.Enabled:
		return OutcomeDisabled
	case !slices.Contains(t.cfg.Triggers[botType], action):
		return OutcomeNotListed
	}
	t.rollWindowLocked()
	if t.count >= t.cfg.MaxPerHour {
		t.log.Warn("autodeploy.rate_limited", logx.Int("max_per_hour", t.cfg.MaxPerHour))
		return OutcomeRateLimited
	}
	if _, ok := t.pending[key]; ok {
		return OutcomePending
	}
	return OutcomeQueued
}

// rollWindowLocked advances the window anchor by whole hours once at least
// one hour has passed, resetting the counter.
func (t *Trigger) rollWindowLocked() {
	elapsed := t.now().Sub(t.windowStart)
	if elapsed < window {
		return
	}
	t.windowStart = t.windowStart.Add(elapsed.Truncate(window))
	t.count = 0
}

func (t *Trigger) run(key string, p *pending) {
	defer t.wg.Done()

	t.mu.Lock()
	env := t.cfg.Environment
	t.mu.Unlock()

	in := bot.Input{
		"type":        "auto",
		"trigger":     key,
		"environment": env,
		"dryRun":      false,
	}
	start := t.now()
	t.log.Info("autodeploy.executing", logx.String("trigger", key), logx.String("environment", env))
	res, err := t.execute(in)
	if err == nil && !res.Success {
		err = fmt.Errorf("deployment for %s reported failure", key)
	}

	t.mu.Lock()
	delete(t.pending, key)
	if err == nil {
		t.rollWindowLocked()
		t.count++
	}
	count := t.count
	t.mu.Unlock()

	data := map[string]any{
		"trigger":   key,
		"metadata":  p.metadata,
		"timestamp": t.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		data["error"] = errhandler.SafeMessage(err)
		t.log.Error("autodeploy.failed", logx.String("trigger", key), logx.Duration("took", t.now().Sub(start)), logx.Err(err))
		t.record("auto_deploy_failure", storage.LogError, data)
		t.observe(OutcomeFailed)
		t.bus.Publish(eventbus.Event{Type: eventbus.DeployFailed, Data: data})
		return
	}
	data["result"] = res
	t.log.Info("autodeploy.succeeded",
		logx.String("trigger", key),
		logx.String("execution_id", res.ExecutionID),
		logx.Int("count", count),
	)
	t.record("auto_deploy_success", storage.LogSuccess, data)
	t.observe(OutcomeSucceeded)
	t.bus.Publish(eventbus.Event{Type: eventbus.DeployDone, Data: data})
}

// execute shields the timer goroutine from executor panics.
func (t *Trigger) execute(in bot.Input) (res bot.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deployment panicked: %v", r)
		}
	}()
	return t.exec.Execute(t.base, bot.KindDeployment, in)
}

func (t *Trigger) record(action, status string, data map[string]any) {
	if t.audit == nil {
		return
	}
	err := t.audit.AppendBotLog(t.base, storage.BotLog{
		BotType:   string(bot.KindDeployment),
		Action:    action,
		Status:    status,
		Data:      data,
		CreatedAt: t.now(),
	})
	if err != nil {
		t.log.Warn("autodeploy.audit_failed", logx.String("action", action), logx.Err(err))
	}
}

func (t *Trigger) observe(outcome string) {
	if t.metrics != nil {
		t.metrics.ObserveAutoDeploy(outcome)
	}
}

func (t *Trigger) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Enabled && !t.stopped
}

// SetEnabled toggles auto-deploy. Already queued deployments still run.
func (t *Trigger) SetEnabled(v bool) {
	t.mu.Lock()
	t.cfg.Enabled = v
	t.mu.Unlock()
	t.log.Info("autodeploy.toggled", logx.Bool("enabled", v))
}

// Apply swaps the config. The counter, window and queued deployments carry over.
func (t *Trigger) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
	t.log.Info("autodeploy.config_applied",
		logx.Bool("enabled", cfg.Enabled),
		logx.Int("max_per_hour", t.cfg.MaxPerHour),
		logx.Duration("delay", t.cfg.Delay),
	)
}

// Stop cancels queued deployments and rejects new triggers. It waits for a
// deployment that is already executing, bounded by ctx.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	t.stopped = true
	cancelled := 0
	for key, p := range t.pending {
		if p.timer.Stop() {
			t.wg.Done()
			delete(t.pending, key)
			cancelled++
		}
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.log.Warn("autodeploy.stop_timeout")
	}
	t.log.Info("autodeploy.stopped", logx.Int("cancelled", cancelled))
}

type PendingInfo struct {
	Key      string         `json:"key"`
	QueuedAt time.Time      `json:"timestamp"`
	DueAt    time.Time      `json:"scheduledTime"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Status struct {
	Enabled         bool                `json:"enabled"`
	Pending         []PendingInfo       `json:"pendingDeployments"`
	DeploymentCount int                 `json:"deploymentCount"`
	MaxPerHour      int                 `json:"maxDeploymentsPerHour"`
	WindowStart     time.Time           `json:"lastDeploymentReset"`
	NextReset       time.Time           `json:"nextReset"`
	DelayMS         int64               `json:"deploymentDelay"`
	Environment     string              `json:"environment"`
	Triggers        map[string][]string `json:"triggers"`
}

func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindowLocked()

	st := Status{
		Enabled:         t.cfg.Enabled && !t.stopped,
		Pending:         make([]PendingInfo, 0, len(t.pending)),
		DeploymentCount: t.count,
		MaxPerHour:      t.cfg.MaxPerHour,
		WindowStart:     t.windowStart,
		NextReset:       t.windowStart.Add(window),
		DelayMS:         t.cfg.Delay.Milliseconds(),
		Environment:     t.cfg.Environment,
		Triggers:        make(map[string][]string, len(t.cfg.Triggers)),
	}
	for k, v := range t.cfg.Triggers {
		st.Triggers[k] = slices.Clone(v)
	}
	for key, p := range t.pending {
		st.Pending = append(st.Pending, PendingInfo{Key: key, QueuedAt: p.queuedAt, DueAt: p.dueAt, Metadata: p.metadata})
	}
	sort.Slice(st.Pending, func(i, j int) bool { return st.Pending[i].Key < st.Pending[j].Key })
	return st
}
