package errhandler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"studiobot/internal/bot"
	logx "studiobot/pkg/logx"
)

// Context describes where an error came from.
type Context struct {
	BotType      bot.Kind
	ExecutionID  string
	Input        bot.Input
	BreakerState string
	FailureCount int
}

type Envelope struct {
	Success bool `json:"success"`
	Error   Body `json:"error"`
}

type Body struct {
	Message     string    `json:"message"`
	Code        string    `json:"code"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"executionId,omitempty"`
}

// Alert is sent for critical errors.
type Alert struct {
	Severity    Severity
	BotType     bot.Kind
	ExecutionID string
	Code        string
	Message     string
	Breaker     string
	Failures    int
	Timestamp   time.Time
}

// Alerter delivers critical alerts. Implementations should not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type Metrics interface {
	ObserveError(kind bot.Kind, severity string)
}

// Pattern counts warning-level errors per bot and code.
type Pattern struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

type Option func(*Handler)

func WithLogger(log logx.Logger) Option { return func(h *Handler) { h.log = log } }
func WithAlerter(a Alerter) Option      { return func(h *Handler) { h.alerter = a } }
func WithMetrics(m Metrics) Option      { return func(h *Handler) { h.metrics = m } }
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler is the terminal sink for bot failures. Handle never panics.
type Handler struct {
	log     logx.Logger
	alerter Alerter
	metrics Metrics
	now     func() time.Time

	mu       sync.Mutex
	patterns map[string]*Pattern
	critical map[bot.Kind]int
}

func New(opts ...Option) *Handler {
	h := &Handler{
		now:      time.Now,
		patterns: map[string]*Pattern{},
		critical: map[bot.Kind]int{},
	}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	return h
}

// Handle classifies err, performs the severity side effects and returns the
// client-facing envelope.
func (h *Handler) Handle(ctx context.Context, err error, c Context) (env Envelope) {
	now := h.now()
	env = Envelope{}.fill(genericMessage, CodeUnknown, SeverityStandard, now, c.ExecutionID)

	defer func() {
		if rec := recover(); rec != nil {
			logx.NewConsole("error").Error("errhandler.panic",
				logx.Any("panic", rec),
				logx.String("bot", string(c.BotType)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	if err == nil {
		err = errors.New("unknown error")
	}
	sev := Classify(err)
	code := Code(err)
	env = env.fill(SafeMessage(err), code, sev, now, c.ExecutionID)

	log := h.log.With(
		logx.String("bot", string(c.BotType)),
		logx.String("execution_id", c.ExecutionID),
		logx.String("code", code),
		logx.String("severity", string(sev)),
		logx.String("breaker", c.BreakerState),
		logx.Int("failures", c.FailureCount),
		logx.Int("input_keys", len(c.Input)),
	)

	switch sev {
	case SeverityCritical:
		log.Error("error.critical", logx.Err(err))
		h.mu.Lock()
		h.critical[c.BotType]++
		h.mu.Unlock()
		h.sendAlert(ctx, log, Alert{
			Severity:    sev,
			BotType:     c.BotType,
			ExecutionID: c.ExecutionID,
			Code:        code,
			Message:     env.Error.Message,
			Breaker:     c.BreakerState,
			Failures:    c.FailureCount,
			Timestamp:   now,
		})
	case SeverityWarning:
		log.Warn("error.warning", logx.Err(err))
		h.track(fmt.Sprintf("%s:%s", c.BotType, code), now)
	default:
		log.Error("error.standard", logx.Err(err))
	}

	if h.metrics != nil {
		h.metrics.ObserveError(c.BotType, string(sev))
	}
	return env
}

func (e Envelope) fill(msg, code string, sev Severity, at time.Time, executionID string) Envelope {
	e.Success = false
	e.Error = Body{Message: msg, Code: code, Severity: sev, Timestamp: at, ExecutionID: executionID}
	return e
}

func (h *Handler) sendAlert(ctx context.Context, log logx.Logger, a Alert) {
	if h.alerter == nil {
		return
	}
	if err := h.alerter.Alert(ctx, a); err != nil {
		log.Warn("error.alert_failed", logx.Err(err))
	}
}

func (h *Handler) track(key string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.patterns[key]
	if !ok {
		p = &Pattern{Key: key, FirstSeen: at}
		h.patterns[key] = p
	}
	p.Count++
	p.LastSeen = at
}

// Patterns returns the tracked warning patterns, most frequent first.
func (h *Handler) Patterns() []Pattern {
	h.mu.Lock()
	out := make([]Pattern, 0, len(h.patterns))
	for _, p := range h.patterns {
		out = append(out, *p)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	return out
}

// CriticalFailures returns how many critical errors were recorded for kind.
func (h *Handler) CriticalFailures(kind bot.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.critical[kind]
}
