// Package history exports notebook server lifecycle events to external
// stores for later analysis.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventStopped   EventType = "stopped"
	EventCrashed   EventType = "crashed"
	EventRestarted EventType = "restarted"
	EventFailed    EventType = "failed"
)

// Event is one lifecycle transition of the supervised server.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	PID          int       `json:"pid"`
	Port         int       `json:"port"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code"`
	Error        string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher delivers events to sinks from a single background goroutine so
// the supervisor never waits on a database.
type Dispatcher struct {
	sinks   []Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

const defaultSendTimeout = 5 * time.Second

// NewDispatcher starts delivery to sinks. buf bounds queued events; when
// full, new events are dropped with a warning.
func NewDispatcher(log *slog.Logger, buf int, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if buf <= 0 {
		buf = 64
	}
	d := &Dispatcher{sinks: sinks, ch: make(chan Event, buf), log: log, timeout: defaultSendTimeout}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Emit queues e, filling ID and OccurredAt when unset. Safe on a nil
// Dispatcher and after Close.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.log.Warn("history queue full, dropping event", "type", e.Type, "id", e.ID)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
		for _, s := range d.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
