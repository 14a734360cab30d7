package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleMessages(t *testing.T) {
	r := &recorder{}
	n := Notifier{notify: r.notify}

	_, err := n.Ready()
	require.NoError(t, err)
	_, err = n.Status("3 bots registered")
	require.NoError(t, err)
	_, err = n.Stopping()
	require.NoError(t, err)

	assert.Equal(t, []string{"READY=1", "STATUS=3 bots registered", "STOPPING=1"}, r.states)
}

func TestRunWatchdogHonoursHealth(t *testing.T) {
	r := &recorder{}
	n := Notifier{notify: r.notify}

	var healthy sync.Mutex
	ok := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.RunWatchdog(ctx, 5*time.Millisecond, func() bool {
			healthy.Lock()
			defer healthy.Unlock()
			return ok
		})
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, r.count("WATCHDOG=1"))

	healthy.Lock()
	ok = true
	healthy.Unlock()
	assert.Eventually(t, func() bool { return r.count("WATCHDOG=1") > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunWatchdogDisabled(t *testing.T) {
	assert.NoError(t, Notifier{}.RunWatchdog(context.Background(), 0, nil))
}

func TestOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	sent, err := Notifier{}.Ready()
	assert.NoError(t, err)
	assert.False(t, sent)
	assert.Zero(t, WatchdogInterval())
}
