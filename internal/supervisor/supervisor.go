// Package supervisor owns the lifecycle of the single notebook server
// process: spawn, readiness, liveness, bounded automatic restarts and
// graceful-then-forced termination.
//
// Every mutation happens on one goroutine that selects over a command
// channel and a liveness ticker, so caller commands and crash handling never
// interleave. Readers get the last published snapshot and never wait.
//
// State machine:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Running -> Restarting -> Starting -> Running        (manual restart)
//	Running -> Starting -> Running | Failed             (automatic restart)
//
// Starting is published without a pid while a respawn is pending: after the
// old child is released and before the new one is spawned.
//	Starting -> Failed, Failed -> Starting | Stopped
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/notebookd/internal/history"
	"github.com/loykin/notebookd/internal/metrics"
	"github.com/loykin/notebookd/internal/pidfile"
	"github.com/loykin/notebookd/internal/probe"
	"github.com/loykin/notebookd/internal/process"
	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/status"
)

type Supervisor struct {
	opts Options
	log  *slog.Logger
	pub  *status.Publisher
	sf   singleflight.Group

	cmdChan    chan command
	doneChan   chan struct{}
	closeOnce  sync.Once
	usage      atomic.Pointer[metrics.Usage]
	lastConfig atomic.Pointer[resolver.LaunchConfig]

	// Owned by the run goroutine.
	state        status.State
	proc         process.Handle
	cfg          *resolver.LaunchConfig
	spawnedAt    time.Time
	startedAt    *time.Time
	restartCount int
	lastError    string
	diag         *probe.Diagnostics
	outputs      []io.Closer
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action commandAction
	cfg    *resolver.LaunchConfig
	reply  chan result
}

type result struct {
	snap status.Snapshot
	err  error
}

// New creates a Supervisor in the Stopped state and starts its loop.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger.With("component", "supervisor"),
		pub:      status.NewPublisher(),
		cmdChan:  make(chan command),
		doneChan: make(chan struct{}),
		state:    status.Stopped,
	}
	metrics.SetState(status.Stopped.String())
	go s.run()
	return s
}

// Start spawns the server with cfg and waits for readiness. It is a no-op
// returning the current snapshot while a server is starting or running;
// concurrent callers share one spawn. ctx only bounds how long the caller
// waits: the operation itself runs to completion.
func (s *Supervisor) Start(ctx context.Context, cfg resolver.LaunchConfig) (status.Snapshot, error) {
	if inFlight(s.pub.Load().State) {
		return s.Status(), nil
	}
	return s.collapse(ctx, "start", command{action: actionStart, cfg: &cfg})
}

// Stop terminates the server. It always ends Stopped and never fails; kill
// problems are logged.
func (s *Supervisor) Stop(ctx context.Context) status.Snapshot {
	snap, _ := s.collapse(ctx, "stop", command{action: actionStop})
	return snap
}

// Restart stops and starts the server as one operation. A nil cfg reuses the
// last launch configuration. Concurrent restarts collapse into one. The
// automatic restart budget is left untouched.
func (s *Supervisor) Restart(ctx context.Context, cfg *resolver.LaunchConfig) (status.Snapshot, error) {
	return s.collapse(ctx, "restart", command{action: actionRestart, cfg: cfg})
}

// Status returns the latest snapshot without blocking.
func (s *Supervisor) Status() status.Snapshot {
	snap := s.pub.Load()
	if snap.State == status.Running {
		if u := s.usage.Load(); u != nil {
			snap.CPUPercent = u.CPUPercent
			snap.RSSBytes = u.RSSBytes
		}
	}
	return snap
}

// Health reports whether the supervisor loop is alive. It does not look at
// the child.
func (s *Supervisor) Health() status.Health {
	select {
	case <-s.doneChan:
		return status.Health{OK: false}
	default:
		return status.Health{OK: true}
	}
}

// Subscribe streams every published snapshot; see status.Publisher.
func (s *Supervisor) Subscribe(buf int) (<-chan status.Snapshot, func()) {
	return s.pub.Subscribe(buf)
}

// LaunchConfig returns the configuration of the last start attempt.
func (s *Supervisor) LaunchConfig() (resolver.LaunchConfig, bool) {
	if c := s.lastConfig.Load(); c != nil {
		return *c, true
	}
	return resolver.LaunchConfig{}, false
}

// Close stops the server and ends the loop. Safe to call more than once.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		_ = s.exec(command{action: actionShutdown})
		<-s.doneChan
	})
	return nil
}

// Done is closed once the supervisor loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

func inFlight(st status.State) bool {
	return st == status.Starting || st == status.Running || st == status.Restarting
}

func (s *Supervisor) collapse(ctx context.Context, key string, cmd command) (status.Snapshot, error) {
	ch := s.sf.DoChan(key, func() (any, error) {
		r := s.exec(cmd)
		return r.snap, r.err
	})
	select {
	case r := <-ch:
		snap, _ := r.Val.(status.Snapshot)
		return snap, r.Err
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

func (s *Supervisor) exec(cmd command) result {
	cmd.reply = make(chan result, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return result{snap: s.Status(), err: ErrClosed}
	}
	return <-cmd.reply
}

// run is the state machine (single goroutine, no races on owned fields).
func (s *Supervisor) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.cmdChan:
			if cmd.action == actionShutdown {
				if s.state != status.Stopped {
					s.handleStop()
				}
				cmd.reply <- result{snap: s.Status()}
				return
			}
			cmd.reply <- s.handleCommand(cmd)
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) handleCommand(cmd command) result {
	switch cmd.action {
	case actionStart:
		return s.handleStart(*cmd.cfg)
	case actionStop:
		return s.handleStop()
	case actionRestart:
		return s.handleRestart(cmd.cfg)
	}
	return result{snap: s.Status(), err: fmt.Errorf("unknown command %d", cmd.action)}
}

func (s *Supervisor) handleStart(cfg resolver.LaunchConfig) result {
	if inFlight(s.state) {
		return result{snap: s.Status()}
	}
	s.restartCount = 0
	s.lastError = ""
	if err := s.launch(cfg); err != nil {
		s.fail(err)
		return result{snap: s.Status(), err: err}
	}
	s.log.Info("notebook server running", "pid", s.proc.PID(), "url", cfg.URL())
	s.emit(history.EventStarted, s.proc, "")
	return result{snap: s.Status()}
}

func (s *Supervisor) handleStop() result {
	switch s.state {
	case status.Stopped:
	case status.Failed:
		s.restartCount = 0
		s.setState(status.Stopped)
	default:
		s.stopChild()
	}
	return result{snap: s.Status()}
}

func (s *Supervisor) handleRestart(cfg *resolver.LaunchConfig) result {
	if cfg == nil {
		cfg = s.cfg
	}
	if cfg == nil {
		return result{snap: s.Status(), err: ErrNoConfig}
	}
	if s.state != status.Running {
		return s.handleStart(*cfg)
	}

	old := s.proc
	s.setState(status.Restarting)
	s.terminate(old)
	s.emit(history.EventStopped, old, "")
	metrics.IncRestart(false)
	s.releaseChild()
	s.setState(status.Starting)

	if err := s.launch(*cfg); err != nil {
		s.fail(err)
		return result{snap: s.Status(), err: err}
	}
	s.log.Info("notebook server restarted", "pid", s.proc.PID())
	s.emit(history.EventRestarted, s.proc, "")
	return result{snap: s.Status()}
}

// stopChild moves a live child through Stopping to Stopped.
func (s *Supervisor) stopChild() {
	h := s.proc
	s.setState(status.Stopping)
	forced := s.terminate(h)
	metrics.IncStop(forced)
	s.emit(history.EventStopped, h, "")
	s.restartCount = 0
	s.releaseChild()
	s.setState(status.Stopped)
	s.log.Info("notebook server stopped", "forced", forced)
}

// checkLiveness runs on every tick; it is the only place an unexpected exit
// is noticed.
func (s *Supervisor) checkLiveness() {
	if s.state != status.Running || s.proc == nil {
		return
	}
	h := s.proc
	if !process.Exited(h) {
		if s.opts.Sampler != nil {
			if u, err := s.opts.Sampler.Sample(h.PID()); err == nil {
				s.usage.Store(&u)
			}
		}
		return
	}

	exitErr := s.exitError(h)
	s.log.Warn("notebook server exited unexpectedly", "pid", h.PID(), "code", exitErr.Code, "fatal", exitErr.Fatal)
	s.lastError = exitErr.Error()
	s.emit(history.EventCrashed, h, s.lastError)
	s.releaseChild()

	if exitErr.Fatal {
		s.fail(exitErr)
		return
	}
	s.autoRestart(exitErr)
}

// autoRestart respawns the last configuration until it is ready, the error
// turns fatal or the budget runs out.
func (s *Supervisor) autoRestart(cause error) {
	cfg := *s.cfg
	last := cause
	for attempt := 1; ; attempt++ {
		if s.restartCount >= s.opts.MaxRestarts {
			s.fail(fmt.Errorf("gave up after %d automatic restarts: %w", s.restartCount, last))
			return
		}
		s.restartCount++
		metrics.IncRestart(true)
		// no child exists until launch spawns one
		s.setState(status.Starting)
		if attempt > 1 {
			time.Sleep(Backoff(attempt-1, s.opts.RestartDelay, s.opts.MaxRestartDelay))
		}
		err := s.launch(cfg)
		if err == nil {
			s.log.Info("notebook server restarted automatically", "pid", s.proc.PID(), "restarts", s.restartCount)
			s.emit(history.EventRestarted, s.proc, "")
			return
		}
		last = err
		s.lastError = err.Error()
		s.log.Warn("automatic restart failed", "attempt", s.restartCount, "error", err)
		if !Transient(err) {
			s.fail(err)
			return
		}
	}
}

// launch spawns cfg and waits for readiness. On success the state is
// Running. On failure no child is left behind and the caller settles the
// state.
func (s *Supervisor) launch(cfg resolver.LaunchConfig) error {
	s.cfg = &cfg
	s.lastConfig.Store(&cfg)
	s.reapOrphan()

	if s.opts.PortInUse != nil && s.opts.PortInUse(cfg.Addr()) {
		return &SpawnError{Err: fmt.Errorf("%s: %w", cfg.Addr(), ErrPortInUse)}
	}

	marker := probe.NewMarker(s.opts.Marker)
	diag := &probe.Diagnostics{}
	stdout := []io.Writer{marker}
	stderr := []io.Writer{marker, diag}
	if s.opts.OutputWriters != nil {
		ow, ew, err := s.opts.OutputWriters()
		if err != nil {
			s.log.Warn("child output logging disabled", "error", err)
		}
		if ow != nil {
			stdout = append(stdout, bestEffort{ow})
			s.outputs = append(s.outputs, ow)
		}
		if ew != nil {
			stderr = append(stderr, bestEffort{ew})
			s.outputs = append(s.outputs, ew)
		}
	}

	h, err := s.opts.Backend.Spawn(process.Launch{
		Executable: cfg.Executable,
		Args:       cfg.Args,
		WorkDir:    cfg.WorkDir,
		Env:        cfg.Env,
		Stdout:     io.MultiWriter(stdout...),
		Stderr:     io.MultiWriter(stderr...),
	})
	if err != nil {
		s.closeOutputs()
		return &SpawnError{Err: err}
	}
	s.proc = h
	s.diag = diag
	s.spawnedAt = time.Now()
	s.setState(status.Starting)
	if err := pidfile.Write(s.opts.PIDFile, h.PID(), cfg.Port); err != nil {
		s.log.Warn("write pidfile", "path", s.opts.PIDFile, "error", err)
	}
	s.log.Debug("spawned notebook server", "pid", h.PID(), "exe", cfg.Executable, "addr", cfg.Addr())

	if err := s.awaitReady(h, cfg, marker); err != nil {
		s.kill(h)
		s.releaseChild()
		return err
	}

	now := time.Now()
	s.startedAt = &now
	metrics.ObserveReadiness(now.Sub(s.spawnedAt).Seconds())
	metrics.IncStart()
	s.setState(status.Running)
	return nil
}

func (s *Supervisor) awaitReady(h process.Handle, cfg resolver.LaunchConfig, m *probe.Marker) error {
	deadline := time.NewTimer(s.opts.ReadinessTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.ProbeInterval)
	defer tick.Stop()

	var markerReady <-chan struct{}
	if s.opts.Readiness.UsesMarker() {
		markerReady = m.Ready()
	}
	useTCP := s.opts.Readiness.UsesTCP()

	for {
		select {
		case <-h.Done():
			return s.exitError(h)
		case <-markerReady:
			return nil
		case <-tick.C:
			if useTCP && probe.Dial(context.Background(), cfg.Addr(), s.opts.ProbeInterval) == nil {
				return nil
			}
		case <-deadline.C:
			return &ReadinessTimeoutError{Timeout: s.opts.ReadinessTimeout, Addr: cfg.Addr(), Hint: s.diag.Hint(), ErrorLines: s.diag.Count()}
		}
	}
}

// exitError classifies the exit of h by its lifetime, measured up to the
// moment it was reaped rather than when the exit was noticed.
func (s *Supervisor) exitError(h process.Handle) *UnexpectedExitError {
	end := h.ExitedAt()
	if end.IsZero() {
		end = time.Now()
	}
	up := end.Sub(s.spawnedAt)
	if up < 0 {
		up = 0
	}
	code := h.ExitCode()
	e := &UnexpectedExitError{
		Code:   code,
		Uptime: up,
		Fatal:  code > 0 && up < s.opts.FatalExitWindow,
		Err:    h.ExitErr(),
	}
	if s.diag != nil {
		e.Hint = s.diag.Hint()
		e.ErrorLines = s.diag.Count()
	}
	return e
}

// terminate asks h to exit, escalating to a kill after the grace period.
// It reports whether the kill was needed.
func (s *Supervisor) terminate(h process.Handle) bool {
	if h == nil || process.Exited(h) {
		return false
	}
	if err := h.Terminate(); err != nil {
		s.log.Warn("graceful termination signal failed", "pid", h.PID(), "error", err)
	}
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.Done():
		return false
	case <-grace.C:
	}
	s.log.Warn("escalating to kill", "error", &TerminationTimeoutError{PID: h.PID(), Grace: s.opts.GracePeriod})
	s.kill(h)
	return true
}

func (s *Supervisor) kill(h process.Handle) {
	if process.Exited(h) {
		return
	}
	if err := h.Kill(); err != nil {
		s.log.Error("kill notebook server", "pid", h.PID(), "error", err)
	}
	select {
	case <-h.Done():
	case <-time.After(s.opts.KillWait):
		s.log.Error("notebook server did not exit after kill", "pid", h.PID())
	}
}

// fail settles a failed operation into Failed.
func (s *Supervisor) fail(err error) {
	s.releaseChild()
	s.lastError = err.Error()
	metrics.IncFailure(Kind(err))
	s.setState(status.Failed)
	s.emit(history.EventFailed, nil, s.lastError)
	s.log.Error("notebook server failed", "error", err, "restarts", s.restartCount)
}

// releaseChild forgets the current child and its resources. The caller
// publishes the next state.
func (s *Supervisor) releaseChild() {
	if s.proc != nil {
		if err := pidfile.Remove(s.opts.PIDFile); err != nil {
			s.log.Warn("remove pidfile", "error", err)
		}
	}
	s.proc = nil
	s.startedAt = nil
	s.closeOutputs()
	s.usage.Store(nil)
	if s.opts.Sampler != nil {
		s.opts.Sampler.Reset()
	}
}

func (s *Supervisor) closeOutputs() {
	for _, c := range s.outputs {
		_ = c.Close()
	}
	s.outputs = nil
}

// reapOrphan terminates a server recorded in the pidfile by a previous
// daemon that is still alive.
func (s *Supervisor) reapOrphan() {
	if s.opts.PIDFile == "" {
		return
	}
	rec, err := pidfile.Read(s.opts.PIDFile)
	if err != nil {
		return
	}
	if !pidfile.Alive(rec) {
		_ = pidfile.Remove(s.opts.PIDFile)
		return
	}
	s.log.Warn("terminating orphaned notebook server", "pid", rec.PID, "port", rec.Port)
	_ = process.Signal(rec.PID, false)
	deadline := time.Now().Add(s.opts.GracePeriod)
	for pidfile.Alive(rec) && time.Now().Before(deadline) {
		time.Sleep(s.opts.ProbeInterval)
	}
	if pidfile.Alive(rec) {
		_ = process.Signal(rec.PID, true)
	}
	_ = pidfile.Remove(s.opts.PIDFile)
}

func (s *Supervisor) setState(to status.State) {
	from := s.state
	s.state = to
	metrics.RecordTransition(from.String(), to.String())
	snap := s.pub.Publish(s.snapshot())
	s.log.Debug("state transition", "from", from, "to", to, "pid", snap.PID)
}

func (s *Supervisor) snapshot() status.Snapshot {
	snap := status.Snapshot{
		State:        s.state,
		RestartCount: s.restartCount,
		LastError:    s.lastError,
	}
	if s.state.HasPID() && s.proc != nil {
		snap.PID = s.proc.PID()
		snap.Port = s.cfg.Port
	}
	if s.state == status.Running {
		snap.URL = s.cfg.URL()
		if s.startedAt != nil {
			t := *s.startedAt
			snap.StartedAt = &t
		}
	}
	return snap
}

func (s *Supervisor) emit(t history.EventType, h process.Handle, errText string) {
	if s.opts.History == nil {
		return
	}
	e := history.Event{
		Type:         t,
		State:        s.state.String(),
		RestartCount: s.restartCount,
		Error:        errText,
	}
	if s.cfg != nil {
		e.Port = s.cfg.Port
	}
	if h != nil {
		e.PID = h.PID()
		if process.Exited(h) {
			e.ExitCode = h.ExitCode()
		}
	}
	s.opts.History.Emit(e)
}

// bestEffort keeps a failing log file from stalling the child's output pipe.
type bestEffort struct{ w io.Writer }

func (b bestEffort) Write(p []byte) (int, error) {
	_, _ = b.w.Write(p)
	return len(p), nil
}
