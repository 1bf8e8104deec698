// Package config loads the daemon configuration from a file (TOML, YAML or
// JSON by extension) with NOTEBOOKD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/notebookd/internal/env"
	"github.com/loykin/notebookd/internal/logger"
	"github.com/loykin/notebookd/internal/probe"
	"github.com/loykin/notebookd/internal/resolver"
)

const EnvPrefix = "NOTEBOOKD"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Notebook   NotebookConfig   `mapstructure:"notebook"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.Config    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Settings   SettingsConfig   `mapstructure:"settings"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// Engine is "gin" or "echo".
	Engine string `mapstructure:"engine"`
}

// NotebookConfig holds launch defaults; a start request may override each.
type NotebookConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Python      string   `mapstructure:"python"`
	WorkingDir  string   `mapstructure:"working_dir"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	UseNotebook bool     `mapstructure:"use_notebook"`
	InheritEnv  bool     `mapstructure:"inherit_env"`
	AutoStart   bool     `mapstructure:"autostart"`
}

type SupervisorConfig struct {
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	FatalExitWindow  time.Duration `mapstructure:"fatal_exit_window"`
	MaxRestarts      int           `mapstructure:"max_restarts"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	MaxRestartDelay  time.Duration `mapstructure:"max_restart_delay"`
	// Readiness is tcp, marker or any.
	Readiness string `mapstructure:"readiness"`
	Marker    string `mapstructure:"marker"`
	PIDFile   string `mapstructure:"pidfile"`
}

// MetricsConfig enables Prometheus collectors and the /metrics route. Child
// CPU and memory are sampled on every liveness check.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Sinks are DSNs: sqlite://, postgres://, clickhouse://.
	Sinks  []string `mapstructure:"sinks"`
	Buffer int      `mapstructure:"buffer"`
}

type SettingsConfig struct {
	// DSN is "memory", a sqlite path or a postgres URL.
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.engine", "gin")

	v.SetDefault("notebook.host", resolver.DefaultHost)
	v.SetDefault("notebook.port", resolver.DefaultPort)
	v.SetDefault("notebook.python", "")
	v.SetDefault("notebook.working_dir", "")
	v.SetDefault("notebook.args", []string{})
	v.SetDefault("notebook.env", []string{})
	v.SetDefault("notebook.env_files", []string{})
	v.SetDefault("notebook.use_notebook", false)
	v.SetDefault("notebook.inherit_env", true)
	v.SetDefault("notebook.autostart", false)

	v.SetDefault("supervisor.readiness_timeout", "10s")
	v.SetDefault("supervisor.grace_period", "5s")
	v.SetDefault("supervisor.check_interval", "5s")
	v.SetDefault("supervisor.fatal_exit_window", "3s")
	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.restart_delay", "1s")
	v.SetDefault("supervisor.max_restart_delay", "10s")
	v.SetDefault("supervisor.readiness", string(probe.ModeAny))
	v.SetDefault("supervisor.marker", "")
	v.SetDefault("supervisor.pidfile", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 64)

	v.SetDefault("settings.dsn", "memory")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides,
// unvalidated.
func Default() Config {
	var c Config
	_ = newViper().Unmarshal(&c)
	return c
}

// Load reads path (optional) on top of the defaults and validates the
// result.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if err := resolver.ValidatePort(c.Notebook.Port); err != nil {
		errs = append(errs, err)
	}
	switch c.Server.Engine {
	case "gin", "echo":
	default:
		errs = append(errs, fmt.Errorf("server.engine must be gin or echo, got %q", c.Server.Engine))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if _, err := probe.ParseMode(c.Supervisor.Readiness); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.readiness: %w", err))
	}
	if c.Supervisor.Marker != "" {
		if _, err := regexp.Compile(c.Supervisor.Marker); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.marker: %w", err))
		}
	}
	if c.Supervisor.MaxRestarts < 0 {
		errs = append(errs, errors.New("supervisor.max_restarts must not be negative"))
	}
	if c.Supervisor.CheckInterval > 0 && c.Supervisor.CheckInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("supervisor.check_interval must be at least 100ms"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := env.Parse(c.Notebook.Env); err != nil {
		errs = append(errs, fmt.Errorf("notebook.env: %w", err))
	}
	return errors.Join(errs...)
}

// LaunchDefaults returns the resolver defaults, with env_files read in order
// and the inline env list applied last.
func (c Config) LaunchDefaults() (resolver.Defaults, error) {
	var vars []string
	for _, p := range c.Notebook.EnvFiles {
		kv, err := LoadEnvFile(p)
		if err != nil {
			return resolver.Defaults{}, fmt.Errorf("env file %s: %w", p, err)
		}
		vars = append(vars, kv...)
	}
	vars = append(vars, c.Notebook.Env...)
	return resolver.Defaults{
		Host:             c.Notebook.Host,
		Port:             c.Notebook.Port,
		PythonExecutable: c.Notebook.Python,
		WorkingDir:       c.Notebook.WorkingDir,
		Args:             c.Notebook.Args,
		Env:              vars,
		UseNotebook:      c.Notebook.UseNotebook,
		InheritEnv:       c.Notebook.InheritEnv,
	}, nil
}

// CompiledMarker compiles the readiness marker; nil means the built-in one.
func (s SupervisorConfig) CompiledMarker() *regexp.Regexp {
	if s.Marker == "" {
		return nil
	}
	return regexp.MustCompile(s.Marker)
}

// LoadEnvFile parses a .env file of KEY=VALUE lines into entries in file
// order. Blank lines and lines starting with # are skipped, as is an
// optional "export " prefix.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", n+1)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, k+"="+v)
	}
	return out, nil
}
