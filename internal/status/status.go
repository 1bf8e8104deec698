// Package status holds the supervised server's state and publishes immutable
// snapshots of it to readers that must never block on a running operation.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Restarting
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := Stopped; c <= Failed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	*s = Stopped
	return nil
}

// HasPID reports whether a process handle exists in this state.
func (s State) HasPID() bool {
	switch s {
	case Starting, Running, Restarting, Stopping:
		return true
	}
	return false
}

// Snapshot is a point-in-time view. It is never mutated after Publish.
type Snapshot struct {
	Running      bool       `json:"running"`
	State        State      `json:"state"`
	PID          int        `json:"pid,omitempty"`
	Port         int        `json:"port,omitempty"`
	URL          string     `json:"url,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Uptime       float64    `json:"uptimeSeconds,omitempty"`
	RestartCount int        `json:"restartCount"`
	LastError    string     `json:"lastError,omitempty"`
	CPUPercent   float64    `json:"cpuPercent,omitempty"`
	RSSBytes     uint64     `json:"rssBytes,omitempty"`
	// Seq increases with every published change.
	Seq uint64 `json:"seq"`
}

// At returns a copy with the uptime computed for now.
func (s Snapshot) At(now time.Time) Snapshot {
	if s.StartedAt != nil && s.State == Running {
		s.Uptime = now.Sub(*s.StartedAt).Seconds()
	} else {
		s.Uptime = 0
	}
	return s
}

type Health struct {
	OK bool `json:"ok"`
}

// Publisher stores the latest snapshot behind an atomic pointer and fans it
// out to subscribers without ever blocking the writer.
type Publisher struct {
	cur atomic.Pointer[Snapshot]

	// mu serialises writers and guards subs; readers only touch cur.
	mu   sync.Mutex
	seq  uint64
	subs map[int]chan Snapshot
	next int
}

func NewPublisher() *Publisher {
	p := &Publisher{subs: map[int]chan Snapshot{}}
	p.cur.Store(&Snapshot{State: Stopped})
	return p
}

// Publish stores s (assigning its Seq) and notifies subscribers. A slow
// subscriber loses intermediate snapshots but always receives the newest
// one it has room for.
func (p *Publisher) Publish(s Snapshot) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	s.Seq = p.seq
	s.Running = s.State == Running
	p.cur.Store(&s)
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
			// drop the oldest queued snapshot to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	return s
}

// Load returns the latest snapshot with uptime computed at call time.
func (p *Publisher) Load() Snapshot {
	return p.cur.Load().At(time.Now())
}

// Subscribe returns a channel receiving every published snapshot (buffered
// by buf, minimum 1) and a cancel func that closes it.
func (p *Publisher) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
