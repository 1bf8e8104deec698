// Package env composes the environment handed to the notebook server.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env is an immutable environment builder. Each With* call returns a copy.
type Env struct {
	base       Var // inherited environment (usually the daemon's own)
	vars       Var // launcher-wide overrides
	pathPrefix []string
}

// New returns an empty Env that does not inherit the OS environment.
func New() *Env {
	return &Env{base: Var{}, vars: Var{}}
}

// FromOS returns an Env seeded with the current process environment.
func FromOS() *Env {
	e := New()
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.base[k] = v
		}
	}
	return e
}

func (e *Env) clone() *Env {
	c := &Env{base: make(Var, len(e.base)), vars: make(Var, len(e.vars))}
	for k, v := range e.base {
		c.base[k] = v
	}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	c.pathPrefix = append([]string(nil), e.pathPrefix...)
	return c
}

// WithSet returns a copy with K=V applied on top of the base.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithPathPrefix returns a copy that prepends dirs to PATH. Empty entries
// are skipped.
func (e *Env) WithPathPrefix(dirs ...string) *Env {
	c := e.clone()
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			c.pathPrefix = append(c.pathPrefix, d)
		}
	}
	return c
}

// Lookup reports the composed value of k without per-launch overrides.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

// Merge composes the final environment list:
// base, then launcher-wide vars, then perLaunch ("K=V") overrides, then PATH
// prefixes. ${VAR} references are expanded once against the composed map.
// The result is sorted for stable output.
func (e *Env) Merge(perLaunch []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perLaunch))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perLaunch {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	if len(e.pathPrefix) > 0 {
		parts := append([]string(nil), e.pathPrefix...)
		if cur := m["PATH"]; cur != "" {
			parts = append(parts, cur)
		}
		m["PATH"] = strings.Join(parts, string(filepath.ListSeparator))
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse validates "KEY=VALUE" entries and returns them as a map.
func Parse(kvs []string) (Var, error) {
	m := make(Var, len(kvs))
	for i, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("env[%d] %q: must be KEY=VALUE", i, kv)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("env[%d]: empty key", i)
		}
		m[k] = v
	}
	return m, nil
}

// FromMap renders m as sorted "K=V" entries.
func FromMap(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
