package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "studiobot/pkg/logx"
)

// Options configures a Runner. Zero values are usable.
type Options struct {
	// Timeout is the watchdog deadline around Process. 0 disables it.
	Timeout time.Duration
	Log     logx.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Runner wraps a Processor with the execution contract shared by every bot:
// single-flight guard, input validation, watchdog, panic recovery, timing,
// and the lastExecution snapshot.
type Runner[T any] struct {
	kind    Kind
	proc    Processor[T]
	timeout time.Duration
	log     logx.Logger
	metrics Metrics
	now     func() time.Time

	running atomic.Bool

	mu    sync.RWMutex
	last  *Execution
	stats Stats
	total time.Duration
}

func New[T any](kind Kind, proc Processor[T], opt Options) *Runner[T] {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Metrics == nil {
		opt.Metrics = NopMetrics()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Runner[T]{
		kind:    kind,
		proc:    proc,
		timeout: opt.Timeout,
		log:     opt.Log.With(logx.String("bot", string(kind))),
		metrics: opt.Metrics,
		now:     opt.Now,
	}
}

func (r *Runner[T]) Kind() Kind    { return r.kind }
func (r *Runner[T]) Running() bool { return r.running.Load() }

func (r *Runner[T]) LastExecution() (Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Execution{}, false
	}
	return *r.last, true
}

// NewExecutionID returns "<kind>_<unix millis>_<8 hex chars>".
func NewExecutionID(kind Kind, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s", kind, at.UnixMilli(), uuid.NewString()[:8])
}

// Execute runs the bot once. A concurrent call fails immediately with
// ErrAlreadyRunning. Failures are recorded and returned unchanged.
func (r *Runner[T]) Execute(ctx context.Context, raw Input) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("bot.rejected", logx.String("reason", "already running"))
		return Result{}, fmt.Errorf("%s: %w", r.kind, ErrAlreadyRunning)
	}
	r.metrics.SetRunning(r.kind, true)
	owned := true
	defer func() {
		if owned {
			r.release()
		}
	}()

	start := r.now()
	id := NewExecutionID(r.kind, start)
	log := r.log.With(logx.String("execution_id", id))

	in, err := Decode[T](r.kind, raw)
	if err != nil {
		r.record(id, start, r.now().Sub(start), err)
		log.Warn("bot.invalid_input", logx.Err(err))
		return Result{}, err
	}

	log.Info("bot.started")
	data, detached, err := r.run(ctx, in, id, log)
	if detached {
		// the process goroutine releases the guard when it returns
		owned = false
	}
	dur := r.now().Sub(start)
	r.record(id, start, dur, err)

	if err != nil {
		log.Error("bot.failed", logx.Duration("dur", dur), logx.Err(err))
		return Result{}, err
	}
	log.Info("bot.completed", logx.Duration("dur", dur))
	return Result{
		Success:     true,
		ExecutionID: id,
		Data:        data,
		Duration:    dur,
		DurationMS:  dur.Milliseconds(),
		Timestamp:   r.now(),
	}, nil
}

func (r *Runner[T]) release() {
	r.running.Store(false)
	r.metrics.SetRunning(r.kind, false)
}

// run invokes Process under the watchdog. When the deadline fires first the
// caller gets an error right away, detached is true, and the guard stays held
// until Process actually returns.
func (r *Runner[T]) run(ctx context.Context, in T, id string, log logx.Logger) (data any, detached bool, err error) {
	if r.timeout <= 0 {
		data, err = r.invoke(ctx, in, id, log)
		return data, false, err
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	var settled atomic.Bool

	go func() {
		defer cancel()
		d, e := r.invoke(wctx, in, id, log)
		if settled.CompareAndSwap(false, true) {
			done <- outcome{d, e}
			return
		}
		log.Warn("bot.late_return", logx.Err(e))
		r.release()
	}()

	select {
	case o := <-done:
		return o.data, false, o.err
	case <-wctx.Done():
		if !settled.CompareAndSwap(false, true) {
			o := <-done
			return o.data, false, o.err
		}
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		log.Error("bot.watchdog", logx.Duration("timeout", r.timeout))
		return nil, true, fmt.Errorf("%w after %s: %w", ErrWatchdogTimeout, r.timeout, context.DeadlineExceeded)
	}
}

func (r *Runner[T]) invoke(ctx context.Context, in T, id string, log logx.Logger) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
			log.Error("bot.panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return r.proc.Process(ctx, in, id)
}

func (r *Runner[T]) record(id string, start time.Time, dur time.Duration, err error) {
	ex := &Execution{
		ExecutionID: id,
		StartedAt:   start,
		Status:      StatusSuccess,
		Duration:    dur,
		DurationMS:  dur.Milliseconds(),
	}
	if err != nil {
		ex.Status = StatusError
		ex.Error = err.Error()
	}

	r.mu.Lock()
	r.last = ex
	r.stats.Total++
	if err != nil {
		r.stats.Failed++
	} else {
		r.stats.Succeeded++
	}
	r.total += dur
	r.stats.AvgDuration = r.total / time.Duration(r.stats.Total)
	r.stats.AvgMS = r.stats.AvgDuration.Milliseconds()
	r.mu.Unlock()

	r.metrics.ObserveExecution(r.kind, ex.Status, dur)
}

// HealthCheck never fails; problems are reported as status=unhealthy.
func (r *Runner[T]) HealthCheck(ctx context.Context) Health {
	h := Health{
		BotType:   r.kind,
		Running:   r.Running(),
		Timestamp: r.now(),
	}
	r.mu.RLock()
	if r.last != nil {
		cp := *r.last
		h.LastExecution = &cp
	}
	h.Stats = r.stats
	r.mu.RUnlock()

	checks, err := r.checkHealth(ctx)
	if err != nil {
		h.Status = HealthUnhealthy
		h.Error = err.Error()
		return h
	}
	h.Status = HealthHealthy
	h.Checks = checks
	return h
}

func (r *Runner[T]) checkHealth(ctx context.Context) (checks map[string]any, err error) {
	hc, ok := any(r.proc).(HealthChecker)
	if !ok {
		return map[string]any{"basic": true}, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	checks, err = hc.CheckHealth(ctx)
	if err == nil && checks == nil {
		checks = map[string]any{"basic": true}
	}
	return checks, err
}

// IsCapacity reports whether err is a rejection rather than a processing failure.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}
