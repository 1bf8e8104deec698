package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/status"
	"github.com/loykin/notebookd/internal/supervisor"
)

type fakeSup struct {
	mu       sync.Mutex
	snap     status.Snapshot
	starts   []resolver.LaunchConfig
	restarts []*resolver.LaunchConfig
	stops    int
	last     *resolver.LaunchConfig
	startErr error
	// starting makes Start report an in-flight start instead of spawning
	starting bool
}

func (f *fakeSup) Start(_ context.Context, cfg resolver.LaunchConfig) (status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, cfg)
	if f.starting {
		f.snap = status.Snapshot{State: status.Starting, PID: 41}
		return f.snap, nil
	}
	if f.startErr != nil {
		f.snap = status.Snapshot{State: status.Failed, LastError: f.startErr.Error()}
		return f.snap, f.startErr
	}
	f.last = &cfg
	f.snap = status.Snapshot{Running: true, State: status.Running, PID: 42, Port: cfg.Port, URL: cfg.URL()}
	return f.snap, nil
}

func (f *fakeSup) Stop(context.Context) status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.snap = status.Snapshot{State: status.Stopped}
	return f.snap
}

func (f *fakeSup) Restart(_ context.Context, cfg *resolver.LaunchConfig) (status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, cfg)
	use := f.last
	if cfg != nil {
		use = cfg
	}
	if use == nil {
		return f.snap, supervisor.ErrNoConfig
	}
	f.last = use
	f.snap = status.Snapshot{Running: true, State: status.Running, PID: 43, Port: use.Port, URL: use.URL()}
	return f.snap, nil
}

func (f *fakeSup) Status() status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSup) Health() status.Health { return status.Health{OK: true} }

func (f *fakeSup) LaunchConfig() (resolver.LaunchConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return resolver.LaunchConfig{}, false
	}
	return *f.last, true
}

type mapSettings map[string]string

func (m mapSettings) All(context.Context) (map[string]string, error) { return m, nil }

type brokenSettings struct{}

func (brokenSettings) All(context.Context) (map[string]string, error) {
	return nil, errors.New("db locked")
}

func stubPython(t *testing.T) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}
	dir := t.TempDir()
	py := filepath.Join(dir, "python3")
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return py, dir
}

func TestStartResolvesAndStarts(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{snap: status.Snapshot{State: status.Stopped}}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	res := svc.Start(context.Background(), resolver.Request{Port: 9999})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, status.Running, res.Status.State)
	assert.Equal(t, 9999, res.Status.Port)
	assert.Equal(t, "http://127.0.0.1:9999/lab", res.Status.URL)
	require.Len(t, sup.starts, 1)
	assert.Equal(t, py, sup.starts[0].Executable)
}

func TestStartConfigurationErrorLeavesStateAlone(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{snap: status.Snapshot{State: status.Stopped}}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	res := svc.Start(context.Background(), resolver.Request{Port: 80})
	assert.False(t, res.Success)
	assert.Equal(t, "configuration", res.ErrorKind)
	assert.Equal(t, status.Stopped, res.Status.State)
	assert.Contains(t, res.Message, "port")
	assert.Empty(t, sup.starts)

	res = svc.Start(context.Background(), resolver.Request{WorkingDir: filepath.Join(dir, "missing")})
	assert.False(t, res.Success)
	assert.Equal(t, "configuration", res.ErrorKind)
	assert.Empty(t, sup.starts)
}

func TestStartFailureCarriesKind(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{startErr: &supervisor.SpawnError{Err: supervisor.ErrPortInUse}}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	res := svc.Start(context.Background(), resolver.Request{})
	assert.False(t, res.Success)
	assert.Equal(t, "spawn", res.ErrorKind)
	assert.Equal(t, status.Failed, res.Status.State)
}

func TestStartCallerTimeoutIsPending(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{startErr: context.DeadlineExceeded}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	res := svc.Start(context.Background(), resolver.Request{})
	assert.False(t, res.Success)
	assert.Equal(t, "pending", res.ErrorKind)
}

func TestStopAlwaysSucceeds(t *testing.T) {
	sup := &fakeSup{snap: status.Snapshot{State: status.Failed}}
	svc := New(sup, resolver.Defaults{}, nil, nil)
	res := svc.Stop(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, status.Stopped, res.Status.State)
	assert.Equal(t, 1, sup.stops)
}

func TestRestartReusesLastConfig(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	require.True(t, svc.Start(context.Background(), resolver.Request{Port: 9000}).Success)
	res := svc.Restart(context.Background(), nil)
	require.True(t, res.Success, res.Message)
	require.Len(t, sup.restarts, 1)
	assert.Nil(t, sup.restarts[0])
	assert.Equal(t, 9000, res.Status.Port)
}

func TestRestartWithoutHistoryResolvesDefaults(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir, Port: 9100}, nil, nil)

	res := svc.Restart(context.Background(), nil)
	require.True(t, res.Success, res.Message)
	require.Len(t, sup.restarts, 1)
	require.NotNil(t, sup.restarts[0])
	assert.Equal(t, 9100, sup.restarts[0].Port)
}

func TestRestartWithRequestOverrides(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)
	require.True(t, svc.Start(context.Background(), resolver.Request{}).Success)

	nb := true
	res := svc.Restart(context.Background(), &resolver.Request{UseNotebook: &nb})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "http://127.0.0.1:8888/tree", res.Status.URL)
}

func TestSavedSettingsFillDefaults(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{}
	settings := mapSettings{
		KeyPort:             "9200",
		KeyPythonExecutable: py,
		KeyWorkingDir:       dir,
		KeyUseNotebook:      "true",
		KeyArgs:             `--ServerApp.base_url="/nb/"`,
	}
	svc := New(sup, resolver.Defaults{PythonExecutable: "/nonexistent"}, settings, nil)

	res := svc.Start(context.Background(), resolver.Request{})
	require.True(t, res.Success, res.Message)
	cfg := sup.starts[0]
	assert.Equal(t, 9200, cfg.Port)
	assert.True(t, cfg.UseNotebook)
	assert.Contains(t, cfg.Args, "--ServerApp.base_url=/nb/")

	// explicit request values beat saved ones
	res = svc.Restart(context.Background(), &resolver.Request{Port: 9300})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 9300, res.Status.Port)
}

func TestBrokenSettingsFallBack(t *testing.T) {
	py, dir := stubPython(t)
	svc := New(&fakeSup{}, resolver.Defaults{PythonExecutable: py, WorkingDir: dir, Port: 9400}, brokenSettings{}, nil)
	d := svc.Defaults(context.Background())
	assert.Equal(t, 9400, d.Port)
}

func TestHealthAndStatusPassThrough(t *testing.T) {
	sup := &fakeSup{snap: status.Snapshot{State: status.Failed, LastError: "boom"}}
	svc := New(sup, resolver.Defaults{}, nil, nil)
	assert.True(t, svc.Health().OK)
	assert.Equal(t, "boom", svc.Status().LastError)
}

func TestStartMessageFollowsState(t *testing.T) {
	py, dir := stubPython(t)
	sup := &fakeSup{snap: status.Snapshot{State: status.Stopped}}
	svc := New(sup, resolver.Defaults{PythonExecutable: py, WorkingDir: dir}, nil, nil)

	res := svc.Start(context.Background(), resolver.Request{Port: 9999})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "notebook server running at http://127.0.0.1:9999/lab", res.Message)

	sup.mu.Lock()
	sup.starting = true
	sup.mu.Unlock()
	res = svc.Start(context.Background(), resolver.Request{Port: 9999})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, status.Starting, res.Status.State)
	assert.Equal(t, "notebook server is starting, not ready yet", res.Message)
	assert.NotContains(t, res.Message, "running at")
}
