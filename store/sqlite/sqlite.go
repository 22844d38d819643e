/*
Package sqlite provides a SQLite-backed key-value store.

PURPOSE:
  Persists the courier app's state (wallet ledger, balance, earnings,
  processed delivery ids, delivery board, payout destinations) in a single
  file on the device. Values are opaque bytes; each package encodes its own.

KEY TABLES:
  kv: key -> value, plus the last write time

WRITE SEMANTICS:
  Set is an upsert of the whole value inside one statement, so a reader
  never sees a half-written list. There is no partial update.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/courier.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  w := wallet.New(store)

SEE ALSO:
  - wallet/store.go: Store contract
  - wallet/store/memory.go: In-memory implementation for testing
  - store/redis: Shared backend for demo environments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
)

// Store implements wallet.Store on a SQLite table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to create database directory")
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open database")
	}
	if dbPath == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// KEY-VALUE
// =============================================================================

// Get returns the stored value, or nil when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "sqlite get %s", key)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "sqlite set %s", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return pkgerrors.Wrapf(err, "sqlite delete %s", key)
	}
	return nil
}

// Keys lists stored keys starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sqlite list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pkgerrors.Wrap(err, "sqlite scan key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
