// Package pidfile records the supervised server's pid together with its start
// time so a later daemon can recognise (and clean up) an orphan without
// mistaking a reused pid for it.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is the decoded content of a pidfile.
type Record struct {
	PID       int   `json:"-"`
	StartUnix int64 `json:"start_unix,omitempty"`
	Port      int   `json:"port,omitempty"`
}

// Write stores pid and its start time. The first line is the bare pid so the
// file stays readable by plain tools.
func Write(path string, pid, port int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(Record{StartUnix: StartUnix(pid), Port: port})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read parses path. A missing file returns os.ErrNotExist.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(first))
	}
	var rec Record
	if rest = strings.TrimSpace(rest); rest != "" {
		// meta is optional; a bad line still yields the pid
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// Remove deletes path, ignoring a missing file.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether rec still names the process that wrote it: the pid
// exists and its start time matches the recorded one. A record without a
// start time, or a process whose start time cannot be read, is never trusted.
func Alive(rec Record) bool {
	if rec.PID <= 0 || rec.StartUnix <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(rec.PID))
	if err != nil || !ok {
		return false
	}
	if StartUnix(rec.PID) != rec.StartUnix {
		return false
	}
	return !zombie(rec.PID)
}

func zombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}
