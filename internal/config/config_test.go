package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "gin", cfg.Server.Engine)
	assert.Equal(t, 8888, cfg.Notebook.Port)
	assert.Equal(t, "127.0.0.1", cfg.Notebook.Host)
	assert.True(t, cfg.Notebook.InheritEnv)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.ReadinessTimeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.CheckInterval)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.FatalExitWindow)
	assert.Equal(t, 3, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, "any", cfg.Supervisor.Readiness)
	assert.Equal(t, "memory", cfg.Settings.DSN)
	assert.Equal(t, 64, cfg.History.Buffer)
	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "notebookd.toml", `
[server]
listen = "127.0.0.1:9999"
engine = "echo"

[notebook]
port = 8890
python = "/usr/bin/python3"
use_notebook = true
args = ["--ServerApp.base_url=/nb/"]
env = ["A=1"]

[supervisor]
readiness = "tcp"
check_interval = "2s"
max_restarts = 0
grace_period = "750ms"

[log]
level = "debug"
  [log.file]
  dir = "/var/log/notebookd"

[history]
enabled = true
sinks = ["sqlite:///tmp/h.db"]

[metrics]
enabled = true
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, "echo", cfg.Server.Engine)
	assert.Equal(t, 8890, cfg.Notebook.Port)
	assert.True(t, cfg.Notebook.UseNotebook)
	assert.Equal(t, []string{"--ServerApp.base_url=/nb/"}, cfg.Notebook.Args)
	assert.Equal(t, "tcp", cfg.Supervisor.Readiness)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.CheckInterval)
	assert.Equal(t, 0, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.GracePeriod)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/notebookd", cfg.Log.File.Dir)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, cfg.History.Sinks)
	assert.True(t, cfg.Metrics.Enabled)
	// untouched keys keep defaults
	assert.Equal(t, "/api", cfg.Server.BasePath)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "notebookd.yaml", "notebook:\n  port: 9001\nsupervisor:\n  readiness_timeout: 20s\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Notebook.Port)
	assert.Equal(t, 20*time.Second, cfg.Supervisor.ReadinessTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOTEBOOKD_NOTEBOOK_PORT", "9555")
	t.Setenv("NOTEBOOKD_SUPERVISOR_MAX_RESTARTS", "7")
	t.Setenv("NOTEBOOKD_SERVER_ENGINE", "echo")
	p := writeFile(t, "c.toml", "[notebook]\nport = 9000\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.Notebook.Port)
	assert.Equal(t, 7, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, "echo", cfg.Server.Engine)
}

func TestValidateCollectsErrors(t *testing.T) {
	p := writeFile(t, "bad.toml", `
[server]
engine = "fiber"
[notebook]
port = 80
env = ["NOEQUALS"]
[supervisor]
readiness = "psychic"
marker = "("
max_restarts = -1
[log]
level = "loud"
`)
	_, err := Load(p)
	require.Error(t, err)
	for _, want := range []string{"engine", "port", "readiness", "marker", "max_restarts", "loud", "notebook.env"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLaunchDefaultsMergesEnvFiles(t *testing.T) {
	f := writeFile(t, "app.env", "# comment\nexport A=from-file\nB=\"quoted\"\n\n")
	cfg := Default()
	cfg.Notebook.EnvFiles = []string{f}
	cfg.Notebook.Env = []string{"A=inline"}
	cfg.Notebook.Python = "/opt/py/bin/python"

	d, err := cfg.LaunchDefaults()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=from-file", "B=quoted", "A=inline"}, d.Env)
	assert.Equal(t, "/opt/py/bin/python", d.PythonExecutable)
	assert.Equal(t, 8888, d.Port)
	assert.True(t, d.InheritEnv)

	cfg.Notebook.EnvFiles = []string{filepath.Join(t.TempDir(), "nope.env")}
	_, err = cfg.LaunchDefaults()
	assert.Error(t, err)
}

func TestLoadEnvFileRejectsGarbage(t *testing.T) {
	f := writeFile(t, "bad.env", "JUSTAKEY\n")
	_, err := LoadEnvFile(f)
	assert.ErrorContains(t, err, "line 1")
}

func TestCompiledMarker(t *testing.T) {
	assert.Nil(t, SupervisorConfig{}.CompiledMarker())
	re := SupervisorConfig{Marker: `Jupyter Server .* is running`}.CompiledMarker()
	require.NotNil(t, re)
	assert.True(t, re.MatchString("Jupyter Server 2.14 is running at:"))
}
