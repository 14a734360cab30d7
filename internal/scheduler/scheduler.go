package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"studiobot/internal/bot"
	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	"studiobot/internal/manager"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const activityBotType = "scheduler"

type Option func(*Scheduler)

// WithBots sets the kinds Start registers when the manager lacks them.
func WithBots(b map[bot.Kind]BotSpec) Option { return func(s *Scheduler) { s.bots = b } }

// WithTasks replaces DefaultTasks.
func WithTasks(t []Task) Option             { return func(s *Scheduler) { s.defs = t } }
func WithActivityLog(a ActivityLog) Option  { return func(s *Scheduler) { s.activity = a } }
func WithBus(b eventbus.Bus) Option         { return func(s *Scheduler) { s.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(s *Scheduler) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type taskState struct {
	task Task
	expr *Expr

	entryID cron.EntryID
	running atomic.Bool

	mu           sync.Mutex
	runs         uint64
	failures     uint64
	lastRun      time.Time
	lastStatus   string
	lastDuration time.Duration
	lastErr      string
}

type Scheduler struct {
	mgr      Manager
	activity ActivityLog
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	bots     map[bot.Kind]BotSpec
	defs     []Task

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	loc    *time.Location
	gen    uint64
	base   context.Context
	tasks  map[string]*taskState
	order  []string
	parsed error
}

func New(cfg Config, mgr Manager, opts ...Option) *Scheduler {
	s := &Scheduler{
		mgr:  mgr,
		cfg:  cfg,
		now:  time.Now,
		defs: DefaultTasks(),
		base: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.rebuildLocked()
	return s
}

// rebuildLocked resolves defs against cfg. Counters survive for tasks that
// keep their name.
func (s *Scheduler) rebuildLocked() {
	prev := s.tasks
	s.tasks = make(map[string]*taskState, len(s.defs))
	s.order = s.order[:0]
	var errs []error
	for _, d := range s.defs {
		over := s.cfg.Tasks[d.Name]
		if over.Disabled {
			continue
		}
		if sp := strings.TrimSpace(over.Spec); sp != "" {
			d.Spec = sp
		}
		expr, err := ParseCron(d.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", d.Name, err))
			continue
		}
		st := &taskState{task: d, expr: expr}
		if old := prev[d.Name]; old != nil {
			old.mu.Lock()
			st.runs, st.failures = old.runs, old.failures
			st.lastRun, st.lastStatus = old.lastRun, old.lastStatus
			st.lastDuration, st.lastErr = old.lastDuration, old.lastErr
			old.mu.Unlock()
		}
		s.tasks[d.Name] = st
		s.order = append(s.order, d.Name)
	}
	s.parsed = errors.Join(errs...)
}

// Start registers missing bots and schedules every enabled task. It is a
// no-op when already running or when scheduling is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.log.Debug("scheduler.already_running")
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler.disabled")
		return nil
	}
	if s.parsed != nil {
		s.logActivity(ctx, "startup_failed", storage.LogError, map[string]any{"error": s.parsed.Error()})
		return s.parsed
	}
	if err := s.registerBots(); err != nil {
		s.log.Error("scheduler.start_failed", logx.Err(err))
		s.logActivity(ctx, "startup_failed", storage.LogError, map[string]any{"error": err.Error()})
		return err
	}

	s.base = context.WithoutCancel(ctx)
	s.loc = s.location()
	s.startLocked()

	s.log.Info("scheduler.started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.order)))
	s.logActivity(ctx, "started", storage.LogSuccess, map[string]any{"tasksScheduled": len(s.order)})
	return nil
}

func (s *Scheduler) registerBots() error {
	kinds := make([]bot.Kind, 0, len(s.bots))
	for k := range s.bots {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		if s.mgr.IsRegistered(k) {
			continue
		}
		spec := s.bots[k]
		if err := s.mgr.Register(k, spec.Factory, spec.Config); err != nil && !errors.Is(err, manager.ErrAlreadyRegistered) {
			return fmt.Errorf("register %s: %w", k, err)
		}
	}
	return nil
}

func (s *Scheduler) startLocked() {
	s.gen++
	gen := s.gen
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, name := range s.order {
		st := s.tasks[name]
		st.entryID = s.c.Schedule(st.expr, cron.FuncJob(func() { s.fire(gen, st) }))
		s.log.Debug("scheduler.task_scheduled",
			logx.String("task", name),
			logx.String("cron", st.task.Spec),
			logx.String("description", st.task.Description),
		)
	}
	s.c.Start()
}

// stopLocked detaches the cron instance. Bumping gen makes any tick that was
// already dispatched return without running.
func (s *Scheduler) stopLocked() *cron.Cron {
	c := s.c
	if c == nil {
		return nil
	}
	s.c = nil
	s.gen++
	for _, name := range s.order {
		st := s.tasks[name]
		c.Remove(st.entryID)
		st.entryID = 0
	}
	return c
}

// Stop removes every scheduled entry. It does not wait for tasks that are
// already executing; no new firing starts after Stop returns.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.stopLocked()
	n := len(s.order)
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Stop()
	s.log.Info("scheduler.stopped", logx.Int("tasks", n))
	s.logActivity(ctx, "stopped", storage.LogSuccess, map[string]any{"tasksStopped": n})
}

// Apply swaps the config. A running scheduler is restarted so new specs,
// disabled tasks and timezone take effect.
func (s *Scheduler) Apply(cfg Config) error {
	if err := validate(s.defs, cfg); err != nil {
		s.log.Warn("scheduler.apply_invalid", logx.Err(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.c != nil
	if c := s.stopLocked(); c != nil {
		c.Stop()
	}
	s.cfg = cfg
	s.rebuildLocked()
	if running && cfg.Enabled {
		s.loc = s.location()
		s.startLocked()
		s.log.Info("scheduler.reloaded", logx.Int("tasks", len(s.order)))
	}
	return nil
}

// validate parses every enabled task spec in cfg.
func validate(defs []Task, cfg Config) error {
	var errs []error
	for _, d := range defs {
		over := cfg.Tasks[d.Name]
		if over.Disabled {
			continue
		}
		spec := d.Spec
		if sp := strings.TrimSpace(over.Spec); sp != "" {
			spec = sp
		}
		if _, err := ParseCron(spec); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("scheduler.bad_timezone", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// fire is the cron callback. It never propagates a failure.
func (s *Scheduler) fire(gen uint64, st *taskState) {
	s.mu.Lock()
	live := s.c != nil && s.gen == gen
	ctx := s.base
	s.mu.Unlock()
	if !live {
		return
	}
	_, _ = s.run(ctx, st, "cron")
}

// TriggerTask runs name now and returns its outcome. The scheduler does not
// have to be started.
func (s *Scheduler) TriggerTask(ctx context.Context, name string) (bot.Result, error) {
	s.mu.Lock()
	st := s.tasks[name]
	s.mu.Unlock()
	if st == nil {
		return bot.Result{}, fmt.Errorf("%q: %w", name, ErrUnknownTask)
	}
	s.log.Info("scheduler.task_triggered", logx.String("task", name))
	return s.run(ctx, st, "manual")
}

func (s *Scheduler) run(ctx context.Context, st *taskState, source string) (res bot.Result, err error) {
	name := st.task.Name
	start := s.now()
	st.running.Store(true)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
			s.log.Error("scheduler.task_panic",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
		dur := s.now().Sub(start)
		st.running.Store(false)
		s.finish(ctx, st, source, start, dur, err)
	}()

	s.log.Info("scheduler.task_started", logx.String("task", name), logx.String("source", source))
	s.logActivity(ctx, "task_started", storage.LogInfo, map[string]any{
		"taskName":    name,
		"description": st.task.Description,
		"source":      source,
	})

	return s.mgr.Execute(ctx, st.task.Bot, cloneInput(st.task.Input))
}

func (s *Scheduler) finish(ctx context.Context, st *taskState, source string, start time.Time, dur time.Duration, err error) {
	name := st.task.Name
	status := bot.StatusSuccess
	var msg string
	if err != nil {
		status = bot.StatusError
		msg = errhandler.SafeMessage(err)
	}

	st.mu.Lock()
	st.runs++
	if err != nil {
		st.failures++
	}
	st.lastRun = start
	st.lastStatus = status
	st.lastDuration = dur
	st.lastErr = msg
	st.mu.Unlock()

	data := map[string]any{"taskName": name, "duration": dur.Milliseconds(), "source": source}
	if err != nil {
		data["error"] = msg
		s.log.Error("scheduler.task_failed",
			logx.String("task", name),
			logx.Duration("took", dur),
			logx.Err(err),
		)
		s.logActivity(ctx, "task_failed", storage.LogError, data)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: data})
		return
	}
	s.log.Info("scheduler.task_completed", logx.String("task", name), logx.Duration("took", dur))
	s.logActivity(ctx, "task_completed", storage.LogSuccess, data)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: data})
}

// logActivity writes a scheduler row. Failures are logged and dropped.
func (s *Scheduler) logActivity(ctx context.Context, action, status string, data map[string]any) {
	if s.activity == nil {
		return
	}
	err := s.activity.AppendBotLog(ctx, storage.BotLog{
		BotType:   activityBotType,
		Action:    action,
		Status:    status,
		Data:      data,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Warn("scheduler.activity_log_failed", logx.String("action", action), logx.Err(err))
	}
}

// Status reports every enabled task with its next and previous firing.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{
		Running:    s.c != nil,
		Enabled:    s.cfg.Enabled,
		TotalTasks: len(s.order),
		Tasks:      make([]TaskInfo, 0, len(s.order)),
	}
	loc := s.loc
	if loc == nil {
		loc = s.location()
	}
	out.Timezone = loc.String()

	now := s.now().In(loc)
	for _, name := range s.order {
		st := s.tasks[name]
		ti := TaskInfo{
			Name:        name,
			Spec:        st.task.Spec,
			Description: st.task.Description,
			Bot:         st.task.Bot,
			Scheduled:   s.c != nil,
			Running:     st.running.Load(),
		}
		if s.c != nil {
			e := s.c.Entry(st.entryID)
			ti.Next, ti.Prev = e.Next, e.Prev
		}
		if ti.Next.IsZero() {
			ti.Next = st.expr.Next(now)
		}
		st.mu.Lock()
		ti.Runs, ti.Failures = st.runs, st.failures
		ti.LastRun, ti.LastStatus = st.lastRun, st.lastStatus
		ti.LastDurationMS = st.lastDuration.Milliseconds()
		ti.LastError = st.lastErr
		st.mu.Unlock()
		out.Tasks = append(out.Tasks, ti)
	}
	return out
}
