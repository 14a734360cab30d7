package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func quietConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "studiobot.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"error","console":false}}`), 0o600))
	return p
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestRunExecutesBot(t *testing.T) {
	out, err := execute(t, "run", "database", "--config", quietConfig(t), "--input", `{"type":"health-check"}`)
	require.NoError(t, err)

	var res struct {
		Success     bool   `json:"success"`
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Contains(t, res.ExecutionID, "database_")
}

func TestRunRejectsBadArguments(t *testing.T) {
	_, err := execute(t, "run", "content", "--config", quietConfig(t))
	require.Error(t, err)

	_, err = execute(t, "run", "lead", "--config", quietConfig(t), "--input", `[1,2]`)
	require.Error(t, err)

	_, err = execute(t, "run", "database", "--config", quietConfig(t), "--input", `{"type":"vacuum"}`)
	require.Error(t, err)
}

func TestTriggerRunsTask(t *testing.T) {
	out, err := execute(t, "trigger", "hourly-health-check", "--config", quietConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)

	_, err = execute(t, "trigger", "nightly-backup", "--config", quietConfig(t))
	require.Error(t, err)
}

func TestHealthQueriesAdminAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/bots/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "health", "--config", "", "--addr", srv.URL, "--token", "s3cret")
	require.NoError(t, err)
	assert.Contains(t, out, `"healthy"`)

	_, err = execute(t, "health", "--config", "", "--addr", srv.URL, "--token", "wrong")
	require.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8088", baseURL("127.0.0.1:8088"))
	assert.Equal(t, "http://127.0.0.1:9000", baseURL(":9000"))
	assert.Equal(t, "https://ops.example.com", baseURL("https://ops.example.com/"))
}
