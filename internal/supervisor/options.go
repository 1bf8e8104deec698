package supervisor

import (
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/loykin/notebookd/internal/history"
	"github.com/loykin/notebookd/internal/metrics"
	"github.com/loykin/notebookd/internal/probe"
	"github.com/loykin/notebookd/internal/process"
)

const (
	DefaultReadinessTimeout = 10 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultCheckInterval    = 5 * time.Second
	DefaultFatalExitWindow  = 3 * time.Second
	DefaultMaxRestarts      = 3
	DefaultRestartDelay     = time.Second
	DefaultMaxRestartDelay  = 10 * time.Second
	DefaultProbeInterval    = 100 * time.Millisecond
	DefaultKillWait         = 2 * time.Second
)

// Options configures a Supervisor. Start from DefaultOptions; zero durations
// are replaced by defaults, MaxRestarts is used as given (0 disables
// automatic restarts).
type Options struct {
	Backend process.Backend
	Logger  *slog.Logger

	ReadinessTimeout time.Duration
	GracePeriod      time.Duration
	CheckInterval    time.Duration
	// FatalExitWindow: a non-zero exit this soon after spawn is not retried.
	FatalExitWindow time.Duration
	MaxRestarts     int
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	ProbeInterval   time.Duration
	KillWait        time.Duration

	Readiness probe.Mode
	Marker    *regexp.Regexp

	// PIDFile, when set, records the child so an orphan left by a crashed
	// daemon is terminated before the next spawn.
	PIDFile string
	// OutputWriters opens sinks for the child's stdout and stderr per spawn.
	OutputWriters func() (io.WriteCloser, io.WriteCloser, error)
	// PortInUse guards against spawning onto a port someone else holds.
	PortInUse func(addr string) bool

	History *history.Dispatcher
	Sampler *metrics.Sampler
}

func DefaultOptions() Options {
	return Options{
		Backend:          process.OS{},
		ReadinessTimeout: DefaultReadinessTimeout,
		GracePeriod:      DefaultGracePeriod,
		CheckInterval:    DefaultCheckInterval,
		FatalExitWindow:  DefaultFatalExitWindow,
		MaxRestarts:      DefaultMaxRestarts,
		RestartDelay:     DefaultRestartDelay,
		MaxRestartDelay:  DefaultMaxRestartDelay,
		ProbeInterval:    DefaultProbeInterval,
		KillWait:         DefaultKillWait,
		Readiness:        probe.ModeAny,
		PortInUse:        probe.PortInUse,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Backend == nil {
		o.Backend = d.Backend
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	setDur(&o.ReadinessTimeout, d.ReadinessTimeout)
	setDur(&o.GracePeriod, d.GracePeriod)
	setDur(&o.CheckInterval, d.CheckInterval)
	setDur(&o.FatalExitWindow, d.FatalExitWindow)
	setDur(&o.RestartDelay, d.RestartDelay)
	setDur(&o.MaxRestartDelay, d.MaxRestartDelay)
	setDur(&o.ProbeInterval, d.ProbeInterval)
	setDur(&o.KillWait, d.KillWait)
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.Readiness == "" {
		o.Readiness = probe.ModeAny
	}
	return o
}

func setDur(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
