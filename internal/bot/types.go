package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "studiobot/pkg/logx"
)

// Kind identifies a bot variant. The set is closed; the manager resolves
// each kind to exactly one instance through a factory.
type Kind string

const (
	KindDatabase   Kind = "database"
	KindDeployment Kind = "deployment"
	KindLead       Kind = "lead"
)

// Kinds lists every known kind in registration order.
func Kinds() []Kind { return []Kind{KindDatabase, KindDeployment, KindLead} }

func (k Kind) Valid() bool {
	switch k {
	case KindDatabase, KindDeployment, KindLead:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind accepts the kind name case-insensitively, with an optional "bot" suffix.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "bot")
	s = strings.TrimSuffix(s, "-")
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown bot kind %q", s)
	}
	return k, nil
}

// Input is the loosely typed payload accepted at the orchestration boundary.
// Each bot decodes it strictly into its own input struct.
type Input map[string]any

const (
	StatusSuccess = "success"
	StatusError   = "error"

	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Result is the success envelope returned by Execute.
type Result struct {
	Success     bool          `json:"success"`
	ExecutionID string        `json:"executionId"`
	Data        any           `json:"data"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Execution is the most recent run of a bot instance.
type Execution struct {
	ExecutionID string        `json:"executionId"`
	StartedAt   time.Time     `json:"timestamp"`
	Status      string        `json:"status"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Stats are cumulative counters since the instance was created.
type Stats struct {
	Total       uint64        `json:"totalExecutions"`
	Succeeded   uint64        `json:"successfulExecutions"`
	Failed      uint64        `json:"failedExecutions"`
	AvgDuration time.Duration `json:"-"`
	AvgMS       int64         `json:"averageDuration"`
}

type Health struct {
	BotType       Kind           `json:"botType"`
	Status        string         `json:"status"`
	LastExecution *Execution     `json:"lastExecution,omitempty"`
	Running       bool           `json:"isRunning"`
	Checks        map[string]any `json:"checks,omitempty"`
	Stats         Stats          `json:"metrics"`
	Error         string         `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Instance is what the manager holds for each registered kind.
type Instance interface {
	Kind() Kind
	Execute(ctx context.Context, in Input) (Result, error)
	HealthCheck(ctx context.Context) Health
	LastExecution() (Execution, bool)
	Running() bool
}

// Processor is the unit of work a bot implements. Returning an error is the
// only failure path; the runner records it and hands it back unchanged.
type Processor[T any] interface {
	Process(ctx context.Context, in T, executionID string) (any, error)
}

// ProcessFunc adapts a function to Processor.
type ProcessFunc[T any] func(ctx context.Context, in T, executionID string) (any, error)

func (f ProcessFunc[T]) Process(ctx context.Context, in T, executionID string) (any, error) {
	return f(ctx, in, executionID)
}

// Defaulter is implemented by input structs (pointer receiver) that fill defaults
// after decoding.
type Defaulter interface{ SetDefaults() }

// Validator is implemented by input structs (pointer receiver) with constraints
// beyond their field types.
type Validator interface{ Validate() error }

// HealthChecker may be implemented by a Processor to contribute checks.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (map[string]any, error)
}

// Metrics receives execution outcomes. Implementations must be concurrency safe.
type Metrics interface {
	ObserveExecution(kind Kind, status string, d time.Duration)
	SetRunning(kind Kind, running bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveExecution(Kind, string, time.Duration) {}
func (nopMetrics) SetRunning(Kind, bool)                        {}

// NopMetrics discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

// Deps is what the manager hands to a Factory when it instantiates a kind.
type Deps struct {
	Kind    Kind
	Log     logx.Logger
	Metrics Metrics
	// Timeout is the watchdog deadline for Process; 0 disables it.
	Timeout time.Duration
	Now     func() time.Time
}

// Options converts Deps into Runner options.
func (d Deps) Options() Options {
	return Options{Timeout: d.Timeout, Log: d.Log, Metrics: d.Metrics, Now: d.Now}
}

// Factory builds the single instance of a kind.
type Factory func(d Deps) (Instance, error)
