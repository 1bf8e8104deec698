package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS notebook_settings(
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

type row struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// SQL stores settings in SQLite or Postgres. Placeholders are written with
// '?' and rebound for the driver.
type SQL struct {
	db *sqlx.DB
}

// OpenSQL connects with driver ("sqlite" or "pgx") and creates the table.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("empty settings dsn")
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create settings table: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) All(ctx context.Context) (map[string]string, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM notebook_settings`); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT value FROM notebook_settings WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQL) Save(ctx context.Context, kv map[string]string) error {
	if err := validate(kv); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	q := tx.Rebind(`INSERT INTO notebook_settings(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	now := time.Now().UTC()
	for _, k := range Keys(kv) {
		if _, err := tx.ExecContext(ctx, q, k, kv[k], now); err != nil {
			return fmt.Errorf("save setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM notebook_settings WHERE key = ?`), key)
	return err
}

func (s *SQL) Close() error { return s.db.Close() }
