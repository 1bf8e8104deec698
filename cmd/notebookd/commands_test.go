package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/notebookd/pkg/client"
)

type stubAPI struct {
	mu    sync.Mutex
	start map[string]any
	saved map[string]any
	fail  bool
}

func (s *stubAPI) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	running := client.Status{Running: true, State: "running", PID: 77, URL: "http://127.0.0.1:8888/lab", UptimeSeconds: 90, RestartCount: 1}
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&s.start)
		if s.fail {
			write(w, client.Result{Message: "readiness timed out", ErrorKind: "readiness_timeout", Status: client.Status{State: "failed", LastError: "readiness timed out"}})
			return
		}
		write(w, client.Result{Success: true, Message: "notebook server running", Status: running})
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) { write(w, running) })
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) { write(w, client.Health{OK: true}) })
	mux.HandleFunc("GET /api/config", func(w http.ResponseWriter, _ *http.Request) {
		write(w, map[string]any{"success": true, "config": map[string]string{"port": "9000", "python": "/usr/bin/python3"}})
	})
	mux.HandleFunc("POST /api/config", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&s.saved)
		write(w, map[string]any{"success": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCommand(url string, asJSON bool) (command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return command{global: &GlobalFlags{APIUrl: url + "/api/", APITimeout: 2 * time.Second, JSON: asJSON}, out: out}, out
}

func TestStartSendsOverrides(t *testing.T) {
	api := &stubAPI{}
	srv := api.server(t)
	c, out := newCommand(srv.URL, false)

	err := c.Start(context.Background(), StartFlags{
		Port: 8890, Args: `--ServerApp.base_url "/nb/"`, Env: []string{"A=1"}, UseNotebook: true, UseNotebookSet: true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(8890), api.start["port"])
	assert.Equal(t, true, api.start["useNotebook"])
	assert.Equal(t, []any{"--ServerApp.base_url", "/nb/"}, api.start["args"])
	assert.Contains(t, out.String(), "state:")
	assert.Contains(t, out.String(), "http://127.0.0.1:8888/lab")
	assert.Contains(t, out.String(), "1m30s")
}

func TestStartOmitsUnsetNotebookFlag(t *testing.T) {
	api := &stubAPI{}
	srv := api.server(t)
	c, _ := newCommand(srv.URL, false)
	require.NoError(t, c.Start(context.Background(), StartFlags{}))
	assert.NotContains(t, api.start, "useNotebook")
}

func TestStartFailureIsAnError(t *testing.T) {
	api := &stubAPI{fail: true}
	srv := api.server(t)
	c, out := newCommand(srv.URL, false)
	err := c.Start(context.Background(), StartFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readiness_timeout")
	assert.Contains(t, out.String(), "last error:")
}

func TestStartRejectsBadArgs(t *testing.T) {
	c, _ := newCommand("http://127.0.0.1:1", false)
	assert.Error(t, c.Start(context.Background(), StartFlags{Args: `"unterminated`}))
}

func TestStatusJSON(t *testing.T) {
	srv := (&stubAPI{}).server(t)
	c, out := newCommand(srv.URL, true)
	require.NoError(t, c.Status(context.Background(), StatusFlags{}))
	var st client.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, 77, st.PID)
}

func TestHealthAndConfig(t *testing.T) {
	api := &stubAPI{}
	srv := api.server(t)
	c, out := newCommand(srv.URL, false)

	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, "ok\n", out.String())

	out.Reset()
	require.NoError(t, c.ConfigGet(context.Background()))
	assert.Contains(t, out.String(), "port")
	assert.Contains(t, out.String(), "9000")

	require.NoError(t, c.ConfigSet(context.Background(), []string{"port=9001", "theme=dark"}))
	assert.Equal(t, map[string]any{"port": "9001", "theme": "dark"}, api.saved)

	assert.Error(t, c.ConfigSet(context.Background(), []string{"novalue"}))
}

func TestAPIURLFromConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "n.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \"127.0.0.1:7000\"\nbase_path = \"/nb-api\"\n"), 0o644))
	c := command{global: &GlobalFlags{ConfigPath: p}}
	assert.Equal(t, "http://127.0.0.1:7000/nb-api", c.apiURL())

	c.global.APIUrl = "http://example:1/api/"
	assert.Equal(t, "http://example:1/api", c.apiURL())
}
