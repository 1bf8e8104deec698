package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mu       sync.Mutex
	status   Status
	lastBody map[string]any
	polls    atomic.Int32
	saved    map[string]any
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusOK, Health{OK: true})
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		f.polls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		write(w, http.StatusOK, f.status)
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastBody = body
		if p, ok := body["port"].(float64); ok && p < 1024 {
			write(w, http.StatusBadRequest, Result{Message: "invalid port: too low", ErrorKind: "configuration", Status: f.status})
			return
		}
		f.status = Status{Running: true, State: "running", PID: 10, Port: 8888, Seq: f.status.Seq + 1}
		write(w, http.StatusOK, Result{Success: true, Status: f.status})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.status = Status{State: "stopped", Seq: f.status.Seq + 1}
		write(w, http.StatusOK, Result{Success: true, Status: f.status})
	})
	mux.HandleFunc("POST /api/restart", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastBody = body
		write(w, http.StatusOK, Result{Success: false, Message: "gave up", ErrorKind: "unexpected_exit", Status: Status{State: "failed"}})
	})
	mux.HandleFunc("GET /api/detect", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("python") == "/bad" {
			write(w, http.StatusOK, detectResponse{Message: "not found"})
			return
		}
		write(w, http.StatusOK, detectResponse{Success: true, Info: &PythonInfo{Executable: "/usr/bin/python3", Version: "3.11.4"}})
	})
	mux.HandleFunc("GET /api/config", func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusOK, configResponse{Success: true, Config: map[string]string{"port": "9000"}})
	})
	mux.HandleFunc("POST /api/config", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.saved = body
		f.mu.Unlock()
		write(w, http.StatusOK, configResponse{Success: true})
	})
	mux.HandleFunc("GET /api/broken", func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusInternalServerError, ErrorResponse{Error: "boom"})
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeDaemon) {
	t.Helper()
	f := &fakeDaemon{status: Status{State: "stopped"}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second}), f
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, defaultBaseURL, cfg.BaseURL)
	c := New(Config{})
	assert.Equal(t, defaultBaseURL, c.baseURL)
}

func TestHealthAndReachability(t *testing.T) {
	c, _ := newTestClient(t)
	assert.True(t, c.IsReachable(context.Background()))

	dead := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	assert.False(t, dead.IsReachable(context.Background()))
}

func TestStartStopRestart(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()

	nb := true
	res, err := c.Start(ctx, StartRequest{Port: 8888, UseNotebook: &nb})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "running", res.Status.State)
	assert.Equal(t, float64(8888), f.lastBody["port"])
	assert.Equal(t, true, f.lastBody["useNotebook"])

	res, err = c.Restart(ctx, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "unexpected_exit", res.ErrorKind)
	assert.Empty(t, f.lastBody)

	res, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", res.Status.State)
}

func TestStartConfigurationErrorIsAPIError(t *testing.T) {
	c, _ := newTestClient(t)
	res, err := c.Start(context.Background(), StartRequest{Port: 80})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.Contains(t, err.Error(), "invalid port")
	assert.Equal(t, "configuration", res.ErrorKind)
}

func TestErrorResponse(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.do(context.Background(), http.MethodGet, "/broken", nil, nil)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.Status)
	assert.Equal(t, "boom", ae.Message)

	err = c.do(context.Background(), http.MethodGet, "/missing", nil, nil)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
}

func TestDetectAndConfig(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()

	info, err := c.Detect(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "3.11.4", info.Version)

	_, err = c.Detect(ctx, "/bad")
	assert.ErrorContains(t, err, "not found")

	kv, err := c.LoadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9000", kv["port"])

	require.NoError(t, c.SaveConfig(ctx, map[string]any{"port": 9001}))
	assert.Equal(t, float64(9001), f.saved["port"])
}

func TestWatchEmitsChangesOnly(t *testing.T) {
	c, f := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Watch(ctx, 10*time.Millisecond)
	first := <-ch
	assert.Equal(t, "stopped", first.State)

	// several polls with no change produce nothing
	require.Eventually(t, func() bool { return f.polls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	select {
	case st := <-ch:
		t.Fatalf("unexpected snapshot %+v", st)
	default:
	}

	_, err := c.Start(ctx, StartRequest{})
	require.NoError(t, err)
	select {
	case st := <-ch:
		assert.Equal(t, "running", st.State)
	case <-time.After(2 * time.Second):
		t.Fatal("change not observed")
	}

	cancel()
	for range ch {
	}
}
