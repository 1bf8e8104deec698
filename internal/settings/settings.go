// Package settings persists the launcher's flat key-value settings.
package settings

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("setting not found")

// Store is a flat string key-value repository.
type Store interface {
	All(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, key string) (string, error)
	// Save upserts every pair in kv in one transaction.
	Save(ctx context.Context, kv map[string]string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewFromDSN selects a Store from dsn:
//   - "" or "memory": in-process map
//   - "postgres://..." / "postgresql://...": Postgres through pgx
//   - "sqlite://<path>" or a bare path: SQLite
func NewFromDSN(ctx context.Context, dsn string) (Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "" || ld == "memory" || ld == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return OpenSQL(ctx, "pgx", d)
	case strings.HasPrefix(ld, "sqlite://"):
		return OpenSQL(ctx, "sqlite", d[len("sqlite://"):])
	}
	return OpenSQL(ctx, "sqlite", d)
}

type Memory struct {
	mu sync.RWMutex
	kv map[string]string
}

func NewMemory() *Memory { return &Memory{kv: map[string]string{}} }

func (m *Memory) All(context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.kv))
	for k, v := range m.kv {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Save(_ context.Context, kv map[string]string) error {
	if err := validate(kv); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.kv[k] = v
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) Close() error { return nil }

// Keys returns the keys of kv in order.
func Keys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validate(kv map[string]string) error {
	for k := range kv {
		if strings.TrimSpace(k) == "" {
			return errors.New("empty setting key")
		}
	}
	return nil
}
