package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studiobot/internal/bot"
	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	logx "studiobot/pkg/logx"
)

const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// ErrorSink receives every processing failure. It must not panic.
type ErrorSink interface {
	Handle(ctx context.Context, err error, c errhandler.Context) errhandler.Envelope
}

// Metrics receives breaker transitions and rejections.
type Metrics interface {
	bot.Metrics
	SetBreakerState(kind bot.Kind, state string)
	ObserveRejection(kind bot.Kind, reason string)
}

// BotConfig holds per-kind overrides. Zero fields inherit the manager defaults.
type BotConfig struct {
	// Timeout is the watchdog deadline around Process.
	Timeout        time.Duration
	Threshold      int
	BreakerTimeout time.Duration
}

// Event is the payload of bot.* and breaker.* bus events.
type Event struct {
	BotType     bot.Kind `json:"botType"`
	ExecutionID string   `json:"executionId,omitempty"`
	Status      string   `json:"status"`
	DurationMS  int64    `json:"durationMs,omitempty"`
	Error       string   `json:"error,omitempty"`
	Breaker     State    `json:"breaker"`
	Failures    int      `json:"failures"`
}

type entry struct {
	kind         bot.Kind
	factory      bot.Factory
	cfg          BotConfig
	registeredAt time.Time

	initMu   sync.Mutex
	instance bot.Instance

	mu       sync.Mutex
	br       breaker
	disabled bool
}

type Option func(*Manager)

func WithThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

func WithBreakerTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithBotTimeout sets the default watchdog deadline for every bot.
func WithBotTimeout(d time.Duration) Option { return func(m *Manager) { m.botTimeout = d } }

func WithErrorSink(s ErrorSink) Option      { return func(m *Manager) { m.errors = s } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithMetrics(mt Metrics) Option         { return func(m *Manager) { m.metrics = mt } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns one instance per registered kind and guards each kind with
// its own circuit breaker. Kinds never share locks on the execution path.
type Manager struct {
	threshold  int
	timeout    time.Duration
	botTimeout time.Duration

	errors  ErrorSink
	bus     eventbus.Bus
	log     logx.Logger
	metrics Metrics
	now     func() time.Time

	mu    sync.RWMutex
	bots  map[bot.Kind]*entry
	order []bot.Kind
}

func New(opts ...Option) *Manager {
	m := &Manager{
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
		now:       time.Now,
		bots:      map[bot.Kind]*entry{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.bus == nil {
		m.bus = eventbus.Nop()
	}
	if m.errors == nil {
		m.errors = errhandler.New(errhandler.WithLogger(m.log))
	}
	return m
}

// Register adds kind with its factory. The instance is created on first use.
func (m *Manager) Register(kind bot.Kind, factory bot.Factory, cfg BotConfig) error {
	if !kind.Valid() {
		return fmt.Errorf("register %q: unknown bot kind", kind)
	}
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", kind)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = m.threshold
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[kind]; ok {
		return fmt.Errorf("%s: %w", kind, ErrAlreadyRegistered)
	}
	m.bots[kind] = &entry{
		kind:         kind,
		factory:      factory,
		cfg:          cfg,
		registeredAt: m.now(),
		br:           newBreaker(threshold, timeout),
	}
	m.order = append(m.order, kind)
	m.log.Info("bot.registered",
		logx.String("bot", string(kind)),
		logx.Int("threshold", threshold),
		logx.Duration("breaker_timeout", timeout),
	)
	if m.metrics != nil {
		m.metrics.SetBreakerState(kind, string(StateClosed))
	}
	return nil
}

func (m *Manager) IsRegistered(kind bot.Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bots[kind]
	return ok
}

func (m *Manager) lookup(kind bot.Kind) (*entry, error) {
	m.mu.RLock()
	e := m.bots[kind]
	m.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%s: %w", kind, ErrNotRegistered)
	}
	return e, nil
}

// instance returns the entry's live instance, creating it once.
func (m *Manager) instance(e *entry) (bot.Instance, error) {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.instance != nil {
		return e.instance, nil
	}
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = m.botTimeout
	}
	var metrics bot.Metrics = bot.NopMetrics()
	if m.metrics != nil {
		metrics = m.metrics
	}
	inst, err := e.factory(bot.Deps{
		Kind:    e.kind,
		Log:     m.log,
		Metrics: metrics,
		Timeout: timeout,
		Now:     m.now,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bot: %w", e.kind, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("create %s bot: factory returned nil", e.kind)
	}
	e.instance = inst
	return inst, nil
}

// Execute runs kind through its circuit breaker. Processing failures are
// passed to the error sink and returned unchanged; rejections (circuit open,
// disabled, already running, caller canceled) are returned without touching
// the breaker.
func (m *Manager) Execute(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error) {
	e, err := m.lookup(kind)
	if err != nil {
		return bot.Result{}, err
	}
	inst, err := m.instance(e)
	if err != nil {
		return bot.Result{}, err
	}

	e.mu.Lock()
	if e.disabled {
		e.mu.Unlock()
		m.reject(kind, "disabled")
		return bot.Result{}, fmt.Errorf("%s: %w", kind, ErrBotDisabled)
	}
	prev := e.br.state
	ok, retryIn := e.br.allow(m.now())
	state := e.br.state
	e.mu.Unlock()

	if !ok {
		m.reject(kind, "circuit_open")
		return bot.Result{}, &CircuitOpenError{Kind: kind, RetryIn: retryIn}
	}
	if prev != state {
		m.log.Info("breaker.half_open", logx.String("bot", string(kind)))
		m.setBreakerMetric(kind, state)
	}

	res, err := inst.Execute(ctx, in)
	if err != nil && bot.IsCapacity(err) {
		m.reject(kind, "already_running")
		return bot.Result{}, err
	}
	// The caller went away; the bot did not fail.
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		m.reject(kind, "caller_canceled")
		return bot.Result{}, err
	}

	e.mu.Lock()
	now := m.now()
	var changed bool
	if err == nil {
		changed = e.br.success(now)
	} else {
		changed = e.br.failure(now)
	}
	snap := e.br.snapshot()
	e.mu.Unlock()

	if err == nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.BotCompleted, Time: now, Data: Event{
			BotType:     kind,
			ExecutionID: res.ExecutionID,
			Status:      bot.StatusSuccess,
			DurationMS:  res.DurationMS,
			Breaker:     snap.State,
		}})
		if changed {
			m.log.Info("breaker.closed", logx.String("bot", string(kind)))
			m.setBreakerMetric(kind, snap.State)
			m.bus.Publish(eventbus.Event{Type: eventbus.BreakerClosed, Time: now, Data: Event{BotType: kind, Status: string(snap.State), Breaker: snap.State}})
		}
		return res, nil
	}

	var executionID string
	var durationMS int64
	if last, ok := inst.LastExecution(); ok {
		executionID = last.ExecutionID
		durationMS = last.DurationMS
	}
	if changed {
		m.log.Warn("breaker.opened",
			logx.String("bot", string(kind)),
			logx.Int("failures", snap.Failures),
			logx.Int("threshold", snap.Threshold),
		)
		m.setBreakerMetric(kind, snap.State)
		m.bus.Publish(eventbus.Event{Type: eventbus.BreakerOpened, Time: now, Data: Event{
			BotType: kind, Status: string(snap.State), Breaker: snap.State, Failures: snap.Failures,
		}})
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.BotFailed, Time: now, Data: Event{
		BotType:     kind,
		ExecutionID: executionID,
		Status:      bot.StatusError,
		DurationMS:  durationMS,
		Error:       errhandler.SafeMessage(err),
		Breaker:     snap.State,
		Failures:    snap.Failures,
	}})
	m.errors.Handle(ctx, err, errhandler.Context{
		BotType:      kind,
		ExecutionID:  executionID,
		Input:        in,
		BreakerState: string(snap.State),
		FailureCount: snap.Failures,
	})
	return bot.Result{}, err
}

func (m *Manager) reject(kind bot.Kind, reason string) {
	m.log.Debug("bot.rejected", logx.String("bot", string(kind)), logx.String("reason", reason))
	if m.metrics != nil {
		m.metrics.ObserveRejection(kind, reason)
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.BotRejected, Data: Event{BotType: kind, Status: reason}})
}

func (m *Manager) setBreakerMetric(kind bot.Kind, s State) {
	if m.metrics != nil {
		m.metrics.SetBreakerState(kind, string(s))
	}
}

// ResetCircuitBreaker forces kind's breaker closed. Safe to call on a closed breaker.
func (m *Manager) ResetCircuitBreaker(kind bot.Kind) error {
	e, err := m.lookup(kind)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.br.state
	e.br.reset()
	e.mu.Unlock()

	m.log.Info("breaker.reset", logx.String("bot", string(kind)), logx.String("from", string(prev)))
	m.setBreakerMetric(kind, StateClosed)
	m.bus.Publish(eventbus.Event{Type: eventbus.BreakerReset, Data: Event{BotType: kind, Status: string(StateClosed), Breaker: StateClosed}})
	return nil
}

// Disable makes Execute reject kind until Enable is called.
func (m *Manager) Disable(kind bot.Kind) error { return m.setDisabled(kind, true) }

func (m *Manager) Enable(kind bot.Kind) error { return m.setDisabled(kind, false) }

func (m *Manager) setDisabled(kind bot.Kind, v bool) error {
	e, err := m.lookup(kind)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.disabled = v
	e.mu.Unlock()
	m.log.Info("bot.admin", logx.String("bot", string(kind)), logx.Bool("disabled", v))
	return nil
}

// Registration describes a registered kind.
type Registration struct {
	BotType      bot.Kind        `json:"botType"`
	RegisteredAt time.Time       `json:"registeredAt"`
	Instantiated bool            `json:"instantiated"`
	Disabled     bool            `json:"disabled"`
	Circuit      BreakerSnapshot `json:"circuitBreaker"`
}

// Registered lists kinds in registration order.
func (m *Manager) Registered() []Registration {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, k := range m.order {
		entries = append(entries, m.bots[k])
	}
	m.mu.RUnlock()

	out := make([]Registration, 0, len(entries))
	for _, e := range entries {
		e.initMu.Lock()
		inst := e.instance != nil
		e.initMu.Unlock()
		e.mu.Lock()
		out = append(out, Registration{
			BotType:      e.kind,
			RegisteredAt: e.registeredAt,
			Instantiated: inst,
			Disabled:     e.disabled,
			Circuit:      e.br.snapshot(),
		})
		e.mu.Unlock()
	}
	return out
}

// Shutdown drops every live instance. Registrations and breakers are kept.
// It does not interrupt executions already in flight.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.bots))
	for _, e := range m.bots {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.initMu.Lock()
		if e.instance != nil {
			if c, ok := e.instance.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
					m.log.Warn("bot.close_failed", logx.String("bot", string(e.kind)), logx.Err(err))
				}
			}
			e.instance = nil
			n++
		}
		e.initMu.Unlock()
	}
	m.log.Info("manager.shutdown", logx.Int("instances", n))
}
