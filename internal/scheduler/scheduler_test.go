package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiobot/internal/bot"
	"studiobot/internal/manager"
	"studiobot/internal/storage"
)

type call struct {
	kind bot.Kind
	in   bot.Input
}

type fakeManager struct {
	mu         sync.Mutex
	registered map[bot.Kind]bool
	calls      []call
	exec       func(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error)
}

func newFakeManager() *fakeManager {
	return &fakeManager{registered: map[bot.Kind]bool{}}
}

func (f *fakeManager) IsRegistered(kind bot.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[kind]
}

func (f *fakeManager) Register(kind bot.Kind, _ bot.Factory, _ manager.BotConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered[kind] {
		return manager.ErrAlreadyRegistered
	}
	f.registered[kind] = true
	return nil
}

func (f *fakeManager) Execute(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{kind: kind, in: in})
	exec := f.exec
	f.mu.Unlock()
	if exec != nil {
		return exec(ctx, kind, in)
	}
	return bot.Result{Success: true, ExecutionID: "database_1_abc", Data: "done"}, nil
}

func (f *fakeManager) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var fixedNow = time.Date(2025, 3, 5, 10, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, cfg Config, mgr Manager, opts ...Option) (*Scheduler, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	opts = append([]Option{WithActivityLog(store), WithClock(func() time.Time { return fixedNow })}, opts...)
	s := New(cfg, mgr, opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, store
}

func actions(t *testing.T, store *storage.Memory) []string {
	t.Helper()
	logs, err := store.ListBotLogs(context.Background(), storage.BotLogFilter{BotType: "scheduler"})
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, logs[i].Action)
	}
	return out
}

func TestStartDisabledIsNoop(t *testing.T) {
	mgr := newFakeManager()
	s, _ := newTestScheduler(t, Config{Enabled: false}, mgr,
		WithBots(map[bot.Kind]BotSpec{bot.KindDatabase: {}}))

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Running())
	assert.False(t, mgr.IsRegistered(bot.KindDatabase))
}

func TestStartRegistersMissingBotsAndIsIdempotent(t *testing.T) {
	mgr := newFakeManager()
	mgr.registered[bot.KindLead] = true
	s, store := newTestScheduler(t, Config{Enabled: true, Timezone: "UTC"}, mgr,
		WithBots(map[bot.Kind]BotSpec{bot.KindDatabase: {}, bot.KindDeployment: {}, bot.KindLead: {}}))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.True(t, mgr.IsRegistered(bot.KindDatabase))
	assert.True(t, mgr.IsRegistered(bot.KindDeployment))

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "UTC", st.Timezone)
	assert.Equal(t, 4, st.TotalTasks)
	for _, ti := range st.Tasks {
		assert.True(t, ti.Scheduled, ti.Name)
		assert.False(t, ti.Next.IsZero(), ti.Name)
	}
	assert.Equal(t, []string{"started"}, actions(t, store))
}

func TestTriggerTaskSuccess(t *testing.T) {
	mgr := newFakeManager()
	s, store := newTestScheduler(t, Config{Enabled: true, Timezone: "UTC"}, mgr)

	res, err := s.TriggerTask(context.Background(), TaskDailyCleanup)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Data)

	calls := mgr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, bot.KindDatabase, calls[0].kind)
	assert.Equal(t, "cleanup", calls[0].in["type"])
	assert.Equal(t, map[string]any{"dryRun": false, "includeAnalytics": false}, calls[0].in["options"])

	assert.Equal(t, []string{"task_started", "task_completed"}, actions(t, store))

	var info TaskInfo
	for _, ti := range s.Status().Tasks {
		if ti.Name == TaskDailyCleanup {
			info = ti
		}
	}
	assert.EqualValues(t, 1, info.Runs)
	assert.Zero(t, info.Failures)
	assert.Equal(t, bot.StatusSuccess, info.LastStatus)
	assert.Equal(t, fixedNow, info.LastRun)
	assert.False(t, info.Scheduled)
	assert.Equal(t, time.Date(2025, 3, 6, 2, 0, 0, 0, time.UTC), info.Next)
}

func TestTriggerTaskInputIsCopied(t *testing.T) {
	mgr := newFakeManager()
	mgr.exec = func(_ context.Context, _ bot.Kind, in bot.Input) (bot.Result, error) {
		in["type"] = "mutated"
		in["options"].(map[string]any)["dryRun"] = true
		return bot.Result{Success: true}, nil
	}
	s, _ := newTestScheduler(t, Config{}, mgr)

	_, err := s.TriggerTask(context.Background(), TaskMonthlyMaintenance)
	require.NoError(t, err)
	_, err = s.TriggerTask(context.Background(), TaskMonthlyMaintenance)
	require.NoError(t, err)

	assert.Len(t, mgr.Calls(), 2)
	for _, task := range s.defs {
		if task.Name == TaskMonthlyMaintenance {
			assert.Equal(t, "maintenance", task.Input["type"])
			assert.Equal(t, false, task.Input["options"].(map[string]any)["dryRun"])
		}
	}
}

func TestTriggerTaskFailureIsReturned(t *testing.T) {
	boom := errors.New("database unreachable")
	mgr := newFakeManager()
	mgr.exec = func(context.Context, bot.Kind, bot.Input) (bot.Result, error) {
		return bot.Result{}, boom
	}
	s, store := newTestScheduler(t, Config{}, mgr)

	_, err := s.TriggerTask(context.Background(), TaskWeeklyAnalytics)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"task_started", "task_failed"}, actions(t, store))

	logs, err := store.ListBotLogs(context.Background(), storage.BotLogFilter{Action: "task_failed"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, storage.LogError, logs[0].Status)
	data := logs[0].Data.(map[string]any)
	assert.Equal(t, "database unreachable", data["error"])
	assert.Equal(t, TaskWeeklyAnalytics, data["taskName"])
}

func TestTriggerTaskRecoversPanic(t *testing.T) {
	mgr := newFakeManager()
	mgr.exec = func(context.Context, bot.Kind, bot.Input) (bot.Result, error) {
		panic("nil map write")
	}
	s, _ := newTestScheduler(t, Config{}, mgr)

	var err error
	require.NotPanics(t, func() {
		_, err = s.TriggerTask(context.Background(), TaskHourlyHealthCheck)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, s.tasks[TaskHourlyHealthCheck].running.Load())
}

func TestTriggerUnknownTask(t *testing.T) {
	s, _ := newTestScheduler(t, Config{}, newFakeManager())
	_, err := s.TriggerTask(context.Background(), "nightly-nothing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskOverrides(t *testing.T) {
	cfg := Config{Enabled: true, Tasks: map[string]TaskConfig{
		TaskDailyCleanup:      {Spec: "30 4 * * *"},
		TaskHourlyHealthCheck: {Disabled: true},
	}}
	s, _ := newTestScheduler(t, cfg, newFakeManager())

	st := s.Status()
	assert.Equal(t, 3, st.TotalTasks)
	for _, ti := range st.Tasks {
		assert.NotEqual(t, TaskHourlyHealthCheck, ti.Name)
		if ti.Name == TaskDailyCleanup {
			assert.Equal(t, "30 4 * * *", ti.Spec)
		}
	}
	_, err := s.TriggerTask(context.Background(), TaskHourlyHealthCheck)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestInvalidSpecFailsStart(t *testing.T) {
	cfg := Config{Enabled: true, Tasks: map[string]TaskConfig{TaskDailyCleanup: {Spec: "0 25 * * *"}}}
	s, store := newTestScheduler(t, cfg, newFakeManager())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), TaskDailyCleanup)
	assert.False(t, s.Running())
	assert.Equal(t, []string{"startup_failed"}, actions(t, store))
}

func TestApply(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Enabled: true, Timezone: "UTC"}, newFakeManager())
	require.NoError(t, s.Start(context.Background()))

	bad := Config{Enabled: true, Tasks: map[string]TaskConfig{TaskWeeklyAnalytics: {Spec: "nope"}}}
	require.Error(t, s.Apply(bad))
	assert.True(t, s.Running(), "invalid config keeps the current schedule")

	good := Config{Enabled: true, Timezone: "UTC", Tasks: map[string]TaskConfig{TaskWeeklyAnalytics: {Spec: "0 6 * * 1"}}}
	require.NoError(t, s.Apply(good))
	assert.True(t, s.Running())
	for _, ti := range s.Status().Tasks {
		if ti.Name == TaskWeeklyAnalytics {
			assert.Equal(t, "0 6 * * 1", ti.Spec)
			assert.True(t, ti.Scheduled)
		}
	}
}

func TestStopWhileTaskInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	mgr := newFakeManager()
	mgr.exec = func(context.Context, bot.Kind, bot.Input) (bot.Result, error) {
		close(entered)
		<-release
		return bot.Result{Success: true}, nil
	}
	s, _ := newTestScheduler(t, Config{Enabled: true}, mgr)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerTask(context.Background(), TaskDailyCleanup)
		done <- err
	}()
	<-entered

	require.NotPanics(t, func() { s.Stop(context.Background()) })
	assert.False(t, s.Running())

	close(release)
	assert.NoError(t, <-done)
}

func TestNoFiringAfterStop(t *testing.T) {
	mgr := newFakeManager()
	s, _ := newTestScheduler(t, Config{Enabled: true}, mgr)
	require.NoError(t, s.Start(context.Background()))

	s.mu.Lock()
	gen := s.gen
	st := s.tasks[TaskDailyCleanup]
	s.mu.Unlock()

	// A tick dispatched before Stop but delivered after it must not run.
	s.Stop(context.Background())
	s.fire(gen, st)
	assert.Empty(t, mgr.Calls())

	// Restarting bumps the generation again; the stale tick stays dead.
	require.NoError(t, s.Start(context.Background()))
	s.fire(gen, st)
	assert.Empty(t, mgr.Calls())
}

func TestFireRunsWhenLive(t *testing.T) {
	mgr := newFakeManager()
	s, _ := newTestScheduler(t, Config{Enabled: true}, mgr)
	require.NoError(t, s.Start(context.Background()))

	s.mu.Lock()
	gen := s.gen
	st := s.tasks[TaskHourlyHealthCheck]
	s.mu.Unlock()

	s.fire(gen, st)
	calls := mgr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "health-check", calls[0].in["type"])
}
