// Package resolver turns a start request into a validated launch configuration
// for the notebook server.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/notebookd/internal/env"
)

const (
	DefaultPort = 8888
	DefaultHost = "127.0.0.1"
	MinPort     = 1024
	MaxPort     = 65535
)

// ConfigurationError reports a request that was rejected before anything was
// spawned.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Request carries caller overrides. Zero values fall back to Defaults.
type Request struct {
	Port             int      `json:"port,omitempty"`
	PythonExecutable string   `json:"pythonExecutable,omitempty"`
	WorkingDir       string   `json:"workingDir,omitempty"`
	Args             []string `json:"args,omitempty"`
	Env              []string `json:"env,omitempty"`
	UseNotebook      *bool    `json:"useNotebook,omitempty"`
	OpenFile         string   `json:"openFile,omitempty"`
}

// IsZero reports whether r overrides nothing.
func (r Request) IsZero() bool {
	return r.Port == 0 && r.PythonExecutable == "" && r.WorkingDir == "" &&
		len(r.Args) == 0 && len(r.Env) == 0 && r.UseNotebook == nil && r.OpenFile == ""
}

// Defaults come from the daemon configuration.
type Defaults struct {
	Host             string
	Port             int
	PythonExecutable string
	WorkingDir       string
	Args             []string
	Env              []string
	UseNotebook      bool
	InheritEnv       bool
}

// LaunchConfig is everything the supervisor needs to spawn the server.
type LaunchConfig struct {
	Executable  string
	Args        []string
	WorkDir     string
	Env         []string
	Host        string
	Port        int
	UseNotebook bool
	// Path is the URL path the UI should open (/lab, /tree or an open-file path).
	Path string
}

// URL is the address the notebook UI is served on once ready.
func (c LaunchConfig) URL() string {
	return "http://" + c.Addr() + c.Path
}

// Addr is host:port used by the readiness probe.
func (c LaunchConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Resolve validates req against d. The only side effects are filesystem
// existence checks and PATH lookups. The port is never substituted: the
// default applies only when req.Port is zero.
func Resolve(req Request, d Defaults) (LaunchConfig, error) {
	var lc LaunchConfig

	lc.Host = d.Host
	if lc.Host == "" {
		lc.Host = DefaultHost
	}
	lc.Port = req.Port
	if lc.Port == 0 {
		lc.Port = d.Port
	}
	if lc.Port == 0 {
		lc.Port = DefaultPort
	}
	if err := ValidatePort(lc.Port); err != nil {
		return LaunchConfig{}, err
	}

	exe := firstNonEmpty(req.PythonExecutable, d.PythonExecutable)
	path, err := LookupExecutable(exe)
	if err != nil {
		return LaunchConfig{}, err
	}
	lc.Executable = path

	dir, err := resolveWorkDir(firstNonEmpty(req.WorkingDir, d.WorkingDir))
	if err != nil {
		return LaunchConfig{}, err
	}
	lc.WorkDir = dir

	lc.UseNotebook = d.UseNotebook
	if req.UseNotebook != nil {
		lc.UseNotebook = *req.UseNotebook
	}
	lc.Path = "/lab"
	if lc.UseNotebook {
		lc.Path = "/tree"
	}

	var defaultURL string
	if req.OpenFile != "" {
		rel, err := resolveOpenFile(dir, req.OpenFile)
		if err != nil {
			return LaunchConfig{}, err
		}
		defaultURL = lc.Path + "/" + rel
		lc.Path = defaultURL
	}

	module := "jupyterlab"
	if lc.UseNotebook {
		module = "notebook"
	}
	lc.Args = []string{
		"-m", module,
		"--ServerApp.port=" + strconv.Itoa(lc.Port),
		"--ServerApp.ip=" + lc.Host,
		"--ServerApp.port_retries=0",
		"--ServerApp.open_browser=False",
		"--ServerApp.allow_origin=*",
		"--ServerApp.disable_check_xsrf=True",
		"--ServerApp.token=",
		"--ServerApp.password=",
		"--ServerApp.root_dir=" + dir,
	}
	if defaultURL != "" {
		lc.Args = append(lc.Args, "--ServerApp.default_url="+defaultURL)
	}
	lc.Args = append(lc.Args, d.Args...)
	lc.Args = append(lc.Args, req.Args...)

	extra, err := env.Parse(append(append([]string(nil), d.Env...), req.Env...))
	if err != nil {
		return LaunchConfig{}, &ConfigurationError{Field: "env", Reason: "malformed entry", Err: err}
	}
	base := env.New()
	if d.InheritEnv {
		base = env.FromOS()
	}
	lab := "yes"
	if lc.UseNotebook {
		lab = "no"
	}
	base = base.WithSet("JUPYTER_ENABLE_LAB", lab).WithPathPrefix(filepath.Dir(path))
	lc.Env = base.Merge(env.FromMap(extra))

	return lc, nil
}

// ValidatePort rejects ports outside the unprivileged range.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return &ConfigurationError{
			Field:  "port",
			Reason: fmt.Sprintf("%d outside %d-%d", port, MinPort, MaxPort),
		}
	}
	return nil
}

// LookupExecutable resolves exe to an absolute path. An empty exe searches
// PATH for python3 then python.
func LookupExecutable(exe string) (string, error) {
	if exe == "" {
		for _, name := range []string{"python3", "python"} {
			if p, err := exec.LookPath(name); err == nil {
				return absOr(p), nil
			}
		}
		return "", &ConfigurationError{Field: "pythonExecutable", Reason: "no python3 or python on PATH"}
	}
	if !strings.ContainsRune(exe, filepath.Separator) && !strings.ContainsRune(exe, '/') {
		p, err := exec.LookPath(exe)
		if err != nil {
			return "", &ConfigurationError{Field: "pythonExecutable", Reason: "not found on PATH", Err: err}
		}
		return absOr(p), nil
	}
	fi, err := os.Stat(exe)
	if err != nil {
		return "", &ConfigurationError{Field: "pythonExecutable", Reason: "not found", Err: err}
	}
	if fi.IsDir() {
		return "", &ConfigurationError{Field: "pythonExecutable", Reason: exe + " is a directory"}
	}
	if !isExecutable(fi) {
		return "", &ConfigurationError{Field: "pythonExecutable", Reason: exe + " is not executable"}
	}
	return absOr(exe), nil
}

func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", &ConfigurationError{Field: "workingDir", Reason: "cannot determine current directory", Err: err}
		}
		dir = wd
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", &ConfigurationError{Field: "workingDir", Reason: "not found", Err: err}
	}
	if !fi.IsDir() {
		return "", &ConfigurationError{Field: "workingDir", Reason: dir + " is not a directory"}
	}
	return absOr(dir), nil
}

// resolveOpenFile returns the slash-separated path of file relative to dir.
func resolveOpenFile(dir, file string) (string, error) {
	p := file
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", &ConfigurationError{Field: "openFile", Reason: "not found", Err: err}
	}
	if !fi.Mode().IsRegular() {
		return "", &ConfigurationError{Field: "openFile", Reason: file + " is not a regular file"}
	}
	rel, err := filepath.Rel(dir, absOr(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ConfigurationError{Field: "openFile", Reason: file + " is outside the working directory"}
	}
	return filepath.ToSlash(rel), nil
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

func absOr(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
