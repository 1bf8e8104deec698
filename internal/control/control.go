// Package control is the command surface shared by every transport: it
// resolves launch requests, drives the supervisor and shapes replies.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/status"
	"github.com/loykin/notebookd/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the control surface uses.
type Supervisor interface {
	Start(ctx context.Context, cfg resolver.LaunchConfig) (status.Snapshot, error)
	Stop(ctx context.Context) status.Snapshot
	Restart(ctx context.Context, cfg *resolver.LaunchConfig) (status.Snapshot, error)
	Status() status.Snapshot
	Health() status.Health
	LaunchConfig() (resolver.LaunchConfig, bool)
}

// SettingsReader supplies saved launcher settings. Keys it understands are
// listed in SettingKeys.
type SettingsReader interface {
	All(ctx context.Context) (map[string]string, error)
}

// Saved setting keys that feed a launch request.
const (
	KeyPort             = "port"
	KeyPythonExecutable = "pythonExecutable"
	KeyWorkingDir       = "workingDir"
	KeyUseNotebook      = "useNotebook"
	KeyArgs             = "args"
)

var SettingKeys = []string{KeyPort, KeyPythonExecutable, KeyWorkingDir, KeyUseNotebook, KeyArgs}

// Result is the reply to every command.
type Result struct {
	Success   bool            `json:"success"`
	Status    status.Snapshot `json:"status"`
	Message   string          `json:"message,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

type Service struct {
	sup      Supervisor
	defaults resolver.Defaults
	settings SettingsReader
	log      *slog.Logger
}

// New builds a Service. settings may be nil.
func New(sup Supervisor, defaults resolver.Defaults, settings SettingsReader, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{sup: sup, defaults: defaults, settings: settings, log: log.With("component", "control")}
}

// Start resolves req and starts the server. A configuration problem is
// reported without touching the supervisor.
func (s *Service) Start(ctx context.Context, req resolver.Request) Result {
	cfg, err := s.resolve(ctx, req)
	if err != nil {
		return s.reply(s.sup.Status(), err, "")
	}
	snap, err := s.sup.Start(ctx, cfg)
	return s.reply(snap, err, describe(snap))
}

// Stop always succeeds.
func (s *Service) Stop(ctx context.Context) Result {
	snap := s.sup.Stop(ctx)
	return Result{Success: true, Status: snap, Message: "notebook server stopped"}
}

// Restart restarts with req when given, otherwise with the last launch
// configuration, or the resolved defaults when nothing was launched yet.
func (s *Service) Restart(ctx context.Context, req *resolver.Request) Result {
	var cfg *resolver.LaunchConfig
	_, launched := s.sup.LaunchConfig()
	if req != nil || !launched {
		var r resolver.Request
		if req != nil {
			r = *req
		}
		c, err := s.resolve(ctx, r)
		if err != nil {
			return s.reply(s.sup.Status(), err, "")
		}
		cfg = &c
	}
	snap, err := s.sup.Restart(ctx, cfg)
	msg := describe(snap)
	if snap.State == status.Running {
		msg = "notebook server restarted at " + snap.URL
	}
	return s.reply(snap, err, msg)
}

func (s *Service) Status() status.Snapshot { return s.sup.Status() }

func (s *Service) Health() status.Health { return s.sup.Health() }

// Defaults returns the launch defaults with saved settings applied.
func (s *Service) Defaults(ctx context.Context) resolver.Defaults {
	d := s.defaults
	if s.settings == nil {
		return d
	}
	kv, err := s.settings.All(ctx)
	if err != nil {
		s.log.Warn("saved settings unavailable", "error", err)
		return d
	}
	if v := kv[KeyPort]; v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			d.Port = p
		} else {
			s.log.Warn("ignoring saved port", "value", v)
		}
	}
	if v := kv[KeyPythonExecutable]; v != "" {
		d.PythonExecutable = v
	}
	if v := kv[KeyWorkingDir]; v != "" {
		d.WorkingDir = v
	}
	if v := kv[KeyUseNotebook]; v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			d.UseNotebook = b
		}
	}
	if v := strings.TrimSpace(kv[KeyArgs]); v != "" {
		args, err := resolver.SplitArgs(v)
		if err != nil {
			s.log.Warn("ignoring saved args", "error", err)
		} else {
			d.Args = append(append([]string(nil), d.Args...), args...)
		}
	}
	return d
}

func (s *Service) resolve(ctx context.Context, req resolver.Request) (resolver.LaunchConfig, error) {
	cfg, err := resolver.Resolve(req, s.Defaults(ctx))
	if err != nil {
		s.log.Warn("launch request rejected", "error", err)
	}
	return cfg, err
}

// describe words a successful reply after the state it left behind. A start
// that found the server already starting returns before it is reachable.
func describe(snap status.Snapshot) string {
	switch snap.State {
	case status.Running:
		return "notebook server running at " + snap.URL
	case status.Starting, status.Restarting:
		return "notebook server is " + snap.State.String() + ", not ready yet"
	}
	return "notebook server is " + snap.State.String()
}

func (s *Service) reply(snap status.Snapshot, err error, okMsg string) Result {
	if err == nil {
		return Result{Success: true, Status: snap, Message: okMsg}
	}
	r := Result{Status: snap, Message: err.Error(), ErrorKind: supervisor.Kind(err)}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// the operation carries on in the supervisor
		r.Message = fmt.Sprintf("still in progress: %v", err)
		r.ErrorKind = "pending"
	}
	return r
}
