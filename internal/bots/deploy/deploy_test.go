package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiobot/internal/bot"
	logx "studiobot/pkg/logx"
)

type fakeAPI struct {
	srv     *httptest.Server
	polls   atomic.Int32
	mu      sync.Mutex
	created []map[string]any
	auth    string
	// states are returned by successive status polls; the last one repeats.
	states []string
}

func newFakeAPI(t *testing.T, states ...string) *fakeAPI {
	t.Helper()
	api := &fakeAPI{states: states}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deployments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		api.created = append(api.created, body)
		api.auth = r.Header.Get("Authorization")
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"dpl_1","url":"studio-abc.example.app","readyState":"QUEUED"}`)
	})
	mux.HandleFunc("GET /deployments/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := int(api.polls.Add(1)) - 1
		state := api.states[min(n, len(api.states)-1)]
		w.Header().Set("Content-Type", "application/json")
		if state == StateError {
			_, _ = fmt.Fprintf(w, `{"id":%q,"readyState":"ERROR","error":{"code":"BUILD_FAILED","message":"build step exited 1"}}`, r.PathValue("id"))
			return
		}
		_, _ = fmt.Fprintf(w, `{"id":%q,"url":"studio.example.app","readyState":%q}`, r.PathValue("id"), state)
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) deployer(maxWait time.Duration) *HTTPDeployer {
	return NewHTTPDeployer(HTTPConfig{
		BaseURL:      a.srv.URL + "/",
		Token:        "secret-token",
		Project:      "studio",
		PollInterval: time.Millisecond,
		MaxWait:      maxWait,
	})
}

func TestHTTPDeployerPollsUntilReady(t *testing.T) {
	api := newFakeAPI(t, StateBuilding, StateBuilding, StateReady)

	out, err := api.deployer(time.Second).Deploy(context.Background(), Request{
		Type: TypeAuto, Trigger: "database:cleanup", Environment: EnvProduction, ExecutionID: "deployment_1_x",
	})
	require.NoError(t, err)
	assert.Equal(t, "dpl_1", out.DeploymentID)
	assert.Equal(t, StateReady, out.Status)
	assert.Equal(t, "studio.example.app", out.URL)
	assert.EqualValues(t, 3, api.polls.Load())

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.created, 1)
	assert.Equal(t, "production", api.created[0]["target"])
	assert.Equal(t, "database:cleanup", api.created[0]["trigger"])
	assert.Equal(t, "studio", api.created[0]["name"])
	assert.Equal(t, "Bearer secret-token", api.auth)
}

func TestHTTPDeployerRemoteError(t *testing.T) {
	api := newFakeAPI(t, StateBuilding, StateError)
	_, err := api.deployer(time.Second).Deploy(context.Background(), Request{Type: TypeManual, Environment: EnvPreview})
	require.ErrorIs(t, err, ErrDeployFailed)
	assert.Contains(t, err.Error(), "build step exited 1")
}

func TestHTTPDeployerTimeout(t *testing.T) {
	api := newFakeAPI(t, StateBuilding)
	_, err := api.deployer(20*time.Millisecond).Deploy(context.Background(), Request{Type: TypeManual, Environment: EnvPreview})
	require.ErrorIs(t, err, ErrDeployTimeout)
}

func TestHTTPDeployerTimeoutDuringStatusCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deployments", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"dpl_1","readyState":"QUEUED"}`)
	})
	mux.HandleFunc("GET /deployments/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewHTTPDeployer(HTTPConfig{BaseURL: srv.URL, PollInterval: time.Millisecond, MaxWait: 50 * time.Millisecond})
	_, err := d.Deploy(context.Background(), Request{Type: TypeManual, Environment: EnvPreview})
	require.ErrorIs(t, err, ErrDeployTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = d.Deploy(ctx, Request{Type: TypeManual, Environment: EnvPreview})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeployTimeout, "caller cancellation is not a timeout")
}

func TestHTTPDeployerRejectedCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, `{"error":{"code":"forbidden","message":"not authorized for project"}}`)
	}))
	defer srv.Close()

	_, err := NewHTTPDeployer(HTTPConfig{BaseURL: srv.URL}).Deploy(context.Background(), Request{Type: TypeManual})
	require.ErrorIs(t, err, ErrDeployFailed)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "not authorized for project")
}

type stubDeployer struct {
	calls atomic.Int32
	out   Outcome
	err   error
}

func (s *stubDeployer) Deploy(context.Context, Request) (Outcome, error) {
	s.calls.Add(1)
	return s.out, s.err
}

func newDeployBot(t *testing.T, d Deployer, cfg Config) (bot.Instance, *Bot) {
	t.Helper()
	b := NewBot(d, cfg, logx.Nop(), nil)
	return bot.New[Input](bot.KindDeployment, b, bot.Options{}), b
}

func TestInputValidation(t *testing.T) {
	in, err := bot.Decode[Input](bot.KindDeployment, bot.Input{"type": TypeAuto, "trigger": "lead:quote_update"})
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, in.Environment)

	for _, raw := range []bot.Input{
		{},
		{"type": "nightly"},
		{"type": TypeManual, "environment": "staging"},
		{"type": TypeManual, "region": "eu"},
	} {
		_, err := bot.Decode[Input](bot.KindDeployment, raw)
		assert.True(t, bot.IsValidation(err), "input %v", raw)
	}
}

func TestDryRunSkipsDeployer(t *testing.T) {
	d := &stubDeployer{}
	inst, b := newDeployBot(t, d, Config{})

	res, err := inst.Execute(context.Background(), bot.Input{"type": TypeManual, "dryRun": true})
	require.NoError(t, err)
	out := res.Data.(Result)
	assert.Equal(t, "simulated", out.Deployment)
	assert.True(t, out.DryRun)
	assert.True(t, out.Readiness.Ready)
	assert.Zero(t, d.calls.Load())
	assert.Empty(t, b.History())
}

func TestProductionBlockedFromDevelopment(t *testing.T) {
	d := &stubDeployer{out: Outcome{DeploymentID: "dpl_2", Status: StateReady}}
	inst, _ := newDeployBot(t, d, Config{AppEnv: "development"})

	_, err := inst.Execute(context.Background(), bot.Input{"type": TypeAuto})
	require.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, d.calls.Load())

	_, err = inst.Execute(context.Background(), bot.Input{"type": TypeAuto, "environment": EnvPreview})
	require.NoError(t, err)

	_, err = inst.Execute(context.Background(), bot.Input{"type": TypeAuto, "force": true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestDeploymentRecordedInHistory(t *testing.T) {
	d := &stubDeployer{out: Outcome{DeploymentID: "dpl_3", Status: StateReady, URL: "studio.example.app"}}
	inst, b := newDeployBot(t, d, Config{})

	res, err := inst.Execute(context.Background(), bot.Input{"type": TypeAuto, "trigger": "database:cleanup"})
	require.NoError(t, err)
	out := res.Data.(Result)
	assert.Equal(t, StateReady, out.Deployment)
	require.NotNil(t, out.Outcome)
	assert.Equal(t, "dpl_3", out.Outcome.DeploymentID)

	last, ok := b.LastDeployment()
	require.True(t, ok)
	assert.Equal(t, "dpl_3", last.DeploymentID)
	assert.Equal(t, "database:cleanup", last.Trigger)
	assert.Equal(t, bot.StatusSuccess, last.Status)
	assert.Equal(t, res.ExecutionID, last.ExecutionID)

	d.err = errors.New("connect: connection refused")
	_, err = inst.Execute(context.Background(), bot.Input{"type": TypeManual})
	require.Error(t, err)
	last, _ = b.LastDeployment()
	assert.Equal(t, bot.StatusError, last.Status)
	assert.Equal(t, "connect: connection refused", last.Error)

	h := inst.HealthCheck(context.Background())
	assert.Equal(t, bot.HealthHealthy, h.Status)
	assert.Equal(t, 2, h.Checks["deploymentHistory"])
}

func TestHistoryIsBounded(t *testing.T) {
	b := NewBot(nil, Config{}, logx.Nop(), nil)
	for i := range HistoryLimit + 7 {
		b.remember(Record{DeploymentID: fmt.Sprintf("dpl_%d", i)})
	}
	h := b.History()
	require.Len(t, h, HistoryLimit)
	assert.Equal(t, "dpl_7", h[0].DeploymentID)
	assert.Equal(t, fmt.Sprintf("dpl_%d", HistoryLimit+6), h[len(h)-1].DeploymentID)
}

func TestMissingDeployer(t *testing.T) {
	inst, err := Factory(nil, Config{})(bot.Deps{Kind: bot.KindDeployment})
	require.NoError(t, err)
	_, err = inst.Execute(context.Background(), bot.Input{"type": TypeManual})
	require.ErrorIs(t, err, ErrNoDeployer)

	_, err = inst.Execute(context.Background(), bot.Input{"type": TypeManual, "dryRun": true})
	require.NoError(t, err)
}
