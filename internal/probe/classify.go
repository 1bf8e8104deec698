package probe

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
)

var errorKeywords = []string{"error:", "exception", "traceback", "failed", "fatal"}

// Classify reports whether a line of child output looks like an error.
// It is a heuristic used only for diagnostics.
func Classify(line string) bool {
	l := strings.ToLower(line)
	if strings.Contains(l, "warning") && !strings.Contains(l, "error:") {
		return false
	}
	for _, k := range errorKeywords {
		if strings.Contains(l, k) {
			return true
		}
	}
	return false
}

// Diagnostics is an io.Writer that counts error-looking lines and keeps the
// most recent one as a hint.
type Diagnostics struct {
	mu    sync.Mutex
	buf   []byte
	last  string
	count atomic.Int64
}

func (d *Diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if line != "" && Classify(line) {
			d.count.Add(1)
			d.last = line
		}
	}
	if len(d.buf) > maxLine {
		d.buf = d.buf[:0]
	}
	return len(p), nil
}

// Hint returns the last error-looking line, or "".
func (d *Diagnostics) Hint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Count returns how many error-looking lines were seen.
func (d *Diagnostics) Count() int64 { return d.count.Load() }
