package adminapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiobot/internal/autodeploy"
	"studiobot/internal/bot"
	"studiobot/internal/manager"
	"studiobot/internal/metrics"
	"studiobot/internal/scheduler"
	logx "studiobot/pkg/logx"
)

type echoInput struct {
	Message string `json:"message"`
	Fail    bool   `json:"fail,omitempty"`
}

func (in *echoInput) Validate() error {
	if in.Message == "" {
		return errors.New("message: required")
	}
	return nil
}

type harness struct {
	mgr     *manager.Manager
	sched   *scheduler.Scheduler
	deploy  *autodeploy.Trigger
	handler http.Handler
	block   chan struct{}
	calls   atomic.Int32
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	h := &harness{}
	col := metrics.NewCollector()
	h.mgr = manager.New(manager.WithThreshold(2), manager.WithBreakerTimeout(time.Minute), manager.WithMetrics(col))
	factory := func(d bot.Deps) (bot.Instance, error) {
		return bot.New[echoInput](d.Kind, bot.ProcessFunc[echoInput](func(_ context.Context, in echoInput, _ string) (any, error) {
			h.calls.Add(1)
			if h.block != nil {
				<-h.block
			}
			if in.Fail {
				return nil, errors.New("quote table is locked")
			}
			return map[string]string{"echo": in.Message}, nil
		}), d.Options()), nil
	}
	require.NoError(t, h.mgr.Register(bot.KindLead, factory, manager.BotConfig{}))
	require.NoError(t, h.mgr.Register(bot.KindDatabase, factory, manager.BotConfig{}))

	h.sched = scheduler.New(scheduler.Config{Enabled: true}, h.mgr, scheduler.WithTasks([]scheduler.Task{{
		Name:  "echo-task",
		Spec:  "*/5 * * * *",
		Bot:   bot.KindDatabase,
		Input: bot.Input{"message": "tick"},
	}}))
	h.deploy = autodeploy.New(autodeploy.Config{Enabled: false}, h.mgr)
	t.Cleanup(func() { h.deploy.Stop(context.Background()) })

	h.handler = Router(Deps{
		Bots:       h.mgr,
		Scheduler:  h.sched,
		AutoDeploy: h.deploy,
		Metrics:    col.Handler(),
		Token:      token,
		Now:        func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) },
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, hdr ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope: %v", body)
	assert.Equal(t, false, body["success"])
	code, _ := e["code"].(string)
	return code
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"echo": "hi"}, body["data"])
	assert.NotEmpty(t, body["executionId"])
}

func TestExecuteValidationIs400(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	rec, _ = h.do(t, http.MethodPost, "/bots/lead/execute", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.calls.Load())
}

func TestUnknownKindIs404(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodPost, "/bots/content/execute", `{"message":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "BOT_NOT_FOUND", errorCode(t, body))

	rec, _ = h.do(t, http.MethodGet, "/bots/deployment/health", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "valid kind but not registered")
}

func TestCircuitOpenIs503WithRetryAfter(t *testing.T) {
	h := newHarness(t, "")
	for range 2 {
		rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x","fail":true}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "quote table is locked", body["error"].(map[string]any)["message"])
	}

	rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CIRCUIT_OPEN", errorCode(t, body))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 2, h.calls.Load())

	rec, _ = h.do(t, http.MethodPost, "/bots/lead/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlreadyRunningIs409(t *testing.T) {
	h := newHarness(t, "")
	h.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"slow"}`)
	}()
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, time.Second, time.Millisecond)

	rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_RUNNING", errorCode(t, body))

	close(h.block)
	<-done
}

func TestDisableEnable(t *testing.T) {
	h := newHarness(t, "")
	rec, _ := h.do(t, http.MethodPost, "/bots/lead/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BOT_DISABLED", errorCode(t, body))

	rec, _ = h.do(t, http.MethodPost, "/bots/lead/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthRoutes(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manager.SystemHealthy, body["status"])

	rec, body = h.do(t, http.MethodGet, "/bots/lead/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lead", body["botType"])

	rec, body = h.do(t, http.MethodGet, "/bots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["bots"], 2)
}

func TestSchedulerRoutes(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodGet, "/scheduler", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["totalTasks"])

	rec, body = h.do(t, http.MethodPost, "/scheduler/tasks/echo-task/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"echo": "tick"}, body["data"])

	rec, body = h.do(t, http.MethodPost, "/scheduler/tasks/nope/trigger", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TASK_NOT_FOUND", errorCode(t, body))
}

func TestAutoDeployToggle(t *testing.T) {
	h := newHarness(t, "")
	rec, body := h.do(t, http.MethodPost, "/autodeploy/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["enabled"])
	assert.True(t, h.deploy.Enabled())

	rec, body = h.do(t, http.MethodPost, "/autodeploy/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])
}

func TestBearerToken(t *testing.T) {
	h := newHarness(t, "s3cret")
	rec, body := h.do(t, http.MethodGet, "/bots", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, body))

	rec, _ = h.do(t, http.MethodGet, "/bots", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/bots", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "healthz stays open")
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, "")
	h.do(t, http.MethodPost, "/bots/lead/execute", `{"message":"x"}`)
	rec, _ := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `studiobot_bot_executions_total{kind="lead",status="success"} 1`)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, Deps{}, logx.Nop())
	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/debug/pprof/cmdline")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestServerRefusesPublicBindWithoutToken(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-s.Ready():
		t.Fatal("server should not listen")
	case <-time.After(100 * time.Millisecond):
	}
}
