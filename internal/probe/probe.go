// Package probe decides whether a freshly spawned server is reachable.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Mode selects which signal confirms readiness.
type Mode string

const (
	ModeTCP    Mode = "tcp"    // a TCP connect to host:port succeeds
	ModeMarker Mode = "marker" // a line of child output matches the marker
	ModeAny    Mode = "any"    // whichever happens first
)

// ParseMode accepts "", tcp, marker and any; empty means any.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAny:
		return ModeAny, nil
	case ModeTCP:
		return ModeTCP, nil
	case ModeMarker:
		return ModeMarker, nil
	}
	return "", fmt.Errorf("unknown readiness mode %q", s)
}

func (m Mode) UsesTCP() bool    { return m == ModeTCP || m == ModeAny || m == "" }
func (m Mode) UsesMarker() bool { return m == ModeMarker || m == ModeAny || m == "" }

// DefaultMarker matches the line Jupyter prints once the server is listening.
var DefaultMarker = regexp.MustCompile(`(?i)(jupyter server .* is running at|is running at:|http://[^ ]+:\d+/(lab|tree))`)

// ErrPortInUse means something already accepts connections on the port.
var ErrPortInUse = errors.New("port already in use")

// Dial attempts one TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return c.Close()
}

// PortInUse reports whether addr already accepts TCP connections.
func PortInUse(addr string) bool {
	return Dial(context.Background(), addr, 200*time.Millisecond) == nil
}

// Marker is an io.Writer that scans written output line by line and closes
// Ready the first time a line matches.
type Marker struct {
	re    *regexp.Regexp
	mu    sync.Mutex
	buf   []byte
	once  sync.Once
	ready chan struct{}
}

// maxLine bounds the partial line kept between writes.
const maxLine = 64 * 1024

func NewMarker(re *regexp.Regexp) *Marker {
	if re == nil {
		re = DefaultMarker
	}
	return &Marker{re: re, ready: make(chan struct{})}
}

func (m *Marker) Ready() <-chan struct{} { return m.ready }

func (m *Marker) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, p...)
	for {
		i := bytes.IndexByte(m.buf, '\n')
		if i < 0 {
			break
		}
		m.check(m.buf[:i])
		m.buf = m.buf[i+1:]
	}
	if len(m.buf) > maxLine {
		m.check(m.buf)
		m.buf = m.buf[:0]
	}
	return len(p), nil
}

func (m *Marker) check(line []byte) {
	if m.re.Match(line) {
		m.once.Do(func() { close(m.ready) })
	}
}
