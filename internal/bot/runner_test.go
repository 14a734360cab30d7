package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Message string `json:"message"`
	Repeat  int    `json:"repeat,omitempty"`
}

func (in *echoInput) SetDefaults() {
	if in.Repeat == 0 {
		in.Repeat = 1
	}
}

func (in *echoInput) Validate() error {
	if in.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

func newEcho(fn func(ctx context.Context, in echoInput) (any, error), opt Options) *Runner[echoInput] {
	return New[echoInput](KindLead, ProcessFunc[echoInput](func(ctx context.Context, in echoInput, _ string) (any, error) {
		return fn(ctx, in)
	}), opt)
}

func TestExecuteSuccessEnvelope(t *testing.T) {
	r := newEcho(func(_ context.Context, in echoInput) (any, error) {
		return in.Repeat, nil
	}, Options{})

	res, err := r.Execute(context.Background(), Input{"message": "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Data)
	assert.Regexp(t, `^lead_\d+_[0-9a-f]{8}$`, res.ExecutionID)

	last, ok := r.LastExecution()
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, last.Status)
	assert.Equal(t, res.ExecutionID, last.ExecutionID)
	assert.False(t, r.Running())
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	called := false
	r := newEcho(func(context.Context, echoInput) (any, error) {
		called = true
		return nil, nil
	}, Options{})

	_, err := r.Execute(context.Background(), Input{"message": ""})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "invalid input for lead")

	_, err = r.Execute(context.Background(), Input{"message": "x", "unknown": true})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	assert.False(t, called)
	last, ok := r.LastExecution()
	require.True(t, ok)
	assert.Equal(t, StatusError, last.Status)
}

func TestExecuteReturnsOriginalError(t *testing.T) {
	boom := errors.New("boom")
	r := newEcho(func(context.Context, echoInput) (any, error) { return nil, boom }, Options{})

	_, err := r.Execute(context.Background(), Input{"message": "x"})
	assert.Same(t, boom, err)
	assert.False(t, r.Running())

	h := r.HealthCheck(context.Background())
	assert.EqualValues(t, 1, h.Stats.Failed)
	require.NotNil(t, h.LastExecution)
	assert.Equal(t, "boom", h.LastExecution.Error)
}

func TestExecuteIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32

	r := newEcho(func(context.Context, echoInput) (any, error) {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		close(entered)
		<-release
		concurrent.Add(-1)
		return "done", nil
	}, Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Execute(context.Background(), Input{"message": "first"})
		assert.NoError(t, err)
	}()
	<-entered

	for i := 0; i < 5; i++ {
		_, err := r.Execute(context.Background(), Input{"message": "again"})
		require.ErrorIs(t, err, ErrAlreadyRunning)
		assert.True(t, IsCapacity(err))
	}
	assert.True(t, r.Running())

	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, maxConcurrent.Load())
	assert.False(t, r.Running())
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := newEcho(func(context.Context, echoInput) (any, error) { panic("kaboom") }, Options{})

	_, err := r.Execute(context.Background(), Input{"message": "x"})
	require.ErrorIs(t, err, ErrPanic)
	assert.False(t, r.Running())
}

func TestWatchdogHoldsGuardUntilProcessReturns(t *testing.T) {
	unblock := make(chan struct{})
	returned := make(chan struct{})
	r := newEcho(func(ctx context.Context, _ echoInput) (any, error) {
		<-unblock
		defer close(returned)
		return nil, ctx.Err()
	}, Options{Timeout: 20 * time.Millisecond})

	_, err := r.Execute(context.Background(), Input{"message": "x"})
	require.ErrorIs(t, err, ErrWatchdogTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Still held: process has not returned.
	assert.True(t, r.Running())
	_, err = r.Execute(context.Background(), Input{"message": "x"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(unblock)
	<-returned
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
}

type checkingProc struct{ err error }

func (p checkingProc) Process(context.Context, echoInput, string) (any, error) { return nil, nil }
func (p checkingProc) CheckHealth(context.Context) (map[string]any, error) {
	if p.err != nil {
		return nil, p.err
	}
	return map[string]any{"store": true}, nil
}

func TestHealthCheck(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	plain := newEcho(func(context.Context, echoInput) (any, error) { return nil, nil }, Options{Now: func() time.Time { return now }})
	h := plain.HealthCheck(context.Background())
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, map[string]any{"basic": true}, h.Checks)
	assert.Equal(t, now, h.Timestamp)
	assert.Nil(t, h.LastExecution)

	ok := New[echoInput](KindDatabase, checkingProc{}, Options{})
	assert.Equal(t, map[string]any{"store": true}, ok.HealthCheck(context.Background()).Checks)

	bad := New[echoInput](KindDatabase, checkingProc{err: errors.New("store down")}, Options{})
	h = bad.HealthCheck(context.Background())
	assert.Equal(t, HealthUnhealthy, h.Status)
	assert.Equal(t, "store down", h.Error)
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"lead", KindLead, true},
		{"LeadBot", KindLead, true},
		{" database ", KindDatabase, true},
		{"deployment-bot", KindDeployment, true},
		{"content", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			k, err := ParseKind(tc.in)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, k)
		})
	}
}
