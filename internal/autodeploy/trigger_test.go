package autodeploy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiobot/internal/bot"
	"studiobot/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeExec struct {
	mu    sync.Mutex
	calls []bot.Input
	n     atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeExec) Execute(_ context.Context, kind bot.Kind, in bot.Input) (bot.Result, error) {
	if kind != bot.KindDeployment {
		return bot.Result{}, errors.New("unexpected kind " + string(kind))
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	f.n.Add(1)
	if f.err != nil {
		return bot.Result{}, f.err
	}
	return bot.Result{Success: true, ExecutionID: "deployment_1_x"}, nil
}

func newTrigger(t *testing.T, cfg Config, exec Executor) (*Trigger, *fakeClock, *storage.Memory) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	if cfg.Delay == 0 {
		cfg.Delay = 5 * time.Millisecond
	}
	tr := New(cfg, exec, WithClock(clk.Now), WithAuditLog(store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tr.Stop(ctx)
	})
	return tr, clk, store
}

func waitIdle(t *testing.T, tr *Trigger) {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.Status().Pending) == 0 }, 2*time.Second, time.Millisecond)
}

// auditRows waits until n rows with action exist; the row is written after
// the pending marker is cleared.
func auditRows(t *testing.T, store *storage.Memory, action string, n int) []storage.BotLog {
	t.Helper()
	var logs []storage.BotLog
	require.Eventually(t, func() bool {
		var err error
		logs, err = store.ListBotLogs(context.Background(), storage.BotLogFilter{Action: action})
		return err == nil && len(logs) == n
	}, 2*time.Second, time.Millisecond)
	return logs
}

func TestTriggerRejections(t *testing.T) {
	exec := &fakeExec{}

	t.Run("disabled", func(t *testing.T) {
		tr, _, _ := newTrigger(t, Config{Enabled: false}, exec)
		assert.False(t, tr.Trigger("database", "cleanup", nil))
	})
	t.Run("not listed", func(t *testing.T) {
		tr, _, _ := newTrigger(t, Config{Enabled: true}, exec)
		assert.False(t, tr.Trigger("database", "analytics", nil))
		assert.False(t, tr.Trigger("scheduler", "cleanup", nil))
	})
	t.Run("custom table", func(t *testing.T) {
		tr, _, _ := newTrigger(t, Config{Enabled: true, Triggers: map[string][]string{"lead": {"score"}}}, exec)
		assert.False(t, tr.Trigger("database", "cleanup", nil))
		assert.True(t, tr.Trigger("lead", "score", nil))
	})
}

func TestDebounceCoalescesSamePair(t *testing.T) {
	exec := &fakeExec{}
	tr, _, store := newTrigger(t, Config{Enabled: true, Delay: 50 * time.Millisecond}, exec)

	require.True(t, tr.Trigger("database", "cleanup", map[string]any{"expiredQuotes": 3}))
	assert.False(t, tr.Trigger("database", "cleanup", nil), "same pair is pending")
	assert.True(t, tr.Trigger("database", "maintenance", nil), "other pairs are independent")

	st := tr.Status()
	require.Len(t, st.Pending, 2)
	assert.Equal(t, "database:cleanup", st.Pending[0].Key)
	assert.Equal(t, 3, st.Pending[0].Metadata["expiredQuotes"])
	assert.Equal(t, st.Pending[0].QueuedAt.Add(50*time.Millisecond), st.Pending[0].DueAt)

	waitIdle(t, tr)
	assert.EqualValues(t, 2, exec.n.Load())
	assert.Equal(t, 2, tr.Status().DeploymentCount)

	exec.mu.Lock()
	in := exec.calls[0]
	exec.mu.Unlock()
	assert.Equal(t, "auto", in["type"])
	assert.Equal(t, "production", in["environment"])
	assert.Contains(t, []any{"database:cleanup", "database:maintenance"}, in["trigger"])

	logs := auditRows(t, store, "auto_deploy_success", 2)
	assert.Equal(t, "deployment", logs[0].BotType)

	// Pending cleared: the pair can be queued again.
	assert.True(t, tr.Trigger("database", "cleanup", nil))
}

func TestFailureDoesNotCount(t *testing.T) {
	exec := &fakeExec{err: errors.New("vercel returned 500")}
	tr, _, store := newTrigger(t, Config{Enabled: true}, exec)

	require.True(t, tr.Trigger("lead", "quote_update", nil))
	waitIdle(t, tr)
	assert.Zero(t, tr.Status().DeploymentCount)

	logs := auditRows(t, store, "auto_deploy_failure", 1)
	assert.Equal(t, storage.LogError, logs[0].Status)
	assert.Equal(t, "vercel returned 500", logs[0].Data.(map[string]any)["error"])
}

func TestHourlyCap(t *testing.T) {
	exec := &fakeExec{}
	tr, clk, _ := newTrigger(t, Config{Enabled: true, MaxPerHour: 2}, exec)

	for _, action := range []string{"cleanup", "maintenance"} {
		require.True(t, tr.Trigger("database", action, nil))
		waitIdle(t, tr)
	}
	assert.Equal(t, 2, tr.Status().DeploymentCount)
	assert.False(t, tr.Trigger("database", "migration", nil), "cap reached")

	// Still inside the fixed window.
	clk.Advance(59 * time.Minute)
	assert.False(t, tr.Trigger("database", "migration", nil))

	// The window boundary has passed: counter resets lazily.
	clk.Advance(time.Minute)
	assert.True(t, tr.Trigger("database", "migration", nil))
	waitIdle(t, tr)
	st := tr.Status()
	assert.Equal(t, 1, st.DeploymentCount)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), st.WindowStart)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), st.NextReset)
}

func TestWindowAnchoredAtStart(t *testing.T) {
	tr, clk, _ := newTrigger(t, Config{Enabled: true}, &fakeExec{})
	clk.Advance(3*time.Hour + 25*time.Minute)
	st := tr.Status()
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), st.WindowStart)
}

func TestSetEnabledAndApply(t *testing.T) {
	exec := &fakeExec{}
	tr, _, _ := newTrigger(t, Config{Enabled: false}, exec)
	assert.False(t, tr.Enabled())

	tr.SetEnabled(true)
	assert.True(t, tr.Enabled())
	require.True(t, tr.Trigger("database", "cleanup", nil))
	waitIdle(t, tr)

	tr.Apply(Config{Enabled: true, MaxPerHour: 1, Delay: 5 * time.Millisecond, Environment: "staging"})
	st := tr.Status()
	assert.Equal(t, 1, st.MaxPerHour)
	assert.Equal(t, "staging", st.Environment)
	assert.Equal(t, 1, st.DeploymentCount, "counter survives reload")
	assert.False(t, tr.Trigger("database", "migration", nil))
}

func TestStopCancelsQueued(t *testing.T) {
	exec := &fakeExec{}
	tr, _, _ := newTrigger(t, Config{Enabled: true, Delay: time.Hour}, exec)
	require.True(t, tr.Trigger("database", "cleanup", nil))

	tr.Stop(context.Background())
	assert.Empty(t, tr.Status().Pending)
	assert.False(t, tr.Enabled())
	assert.False(t, tr.Trigger("database", "migration", nil))
	assert.Zero(t, exec.n.Load())
}

func TestStopWaitsForRunningDeployment(t *testing.T) {
	exec := &fakeExec{block: make(chan struct{})}
	tr, _, _ := newTrigger(t, Config{Enabled: true}, exec)
	require.True(t, tr.Trigger("database", "cleanup", nil))

	// Let the timer fire and block inside Execute.
	time.Sleep(30 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		tr.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a deployment was executing")
	case <-time.After(20 * time.Millisecond):
	}
	close(exec.block)
	<-stopped
	assert.EqualValues(t, 1, exec.n.Load())
}
