// Package snapshot provides a best-effort SQLite store for update
// snapshots. The in-memory ledger remains the source of truth; snapshot
// failures are logged and never fatal.
package snapshot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/propsync/backend/internal/logging"
)

// Store persists keyed JSON values with a TTL for external inspection.
type Store struct {
	db *sql.DB

	// Prepared statement cache; statements are prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Open opens (or creates) the snapshot database under dataDir.
// The database is opened with WAL mode and a single writer, matching
// SQLite's concurrency model.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "snapshots.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &Store{db: db}, nil
}

// prepare gets or creates a prepared statement from the cache.
func (s *Store) prepare(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Put writes a snapshot value with a TTL. Fire-and-forget: errors are
// logged, never returned to the ledger path.
func (s *Store) Put(key string, value []byte, ttlSeconds int64) {
	now := time.Now().Unix()

	stmt, err := s.prepare(`INSERT INTO snapshots (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`)
	if err != nil {
		logging.Warn("Snapshot prepare failed", map[string]interface{}{"key": key, "error": err.Error()})
		return
	}

	if _, err := stmt.Exec(key, string(value), now+ttlSeconds, now); err != nil {
		logging.Warn("Snapshot write failed", map[string]interface{}{"key": key, "error": err.Error()})
		return
	}

	// Opportunistic purge of expired rows.
	s.purgeExpired(now)
}

// Get reads a live snapshot value; returns false when absent or expired.
func (s *Store) Get(key string) ([]byte, bool) {
	stmt, err := s.prepare(`SELECT value FROM snapshots WHERE key = ? AND expires_at > ?`)
	if err != nil {
		logging.Warn("Snapshot prepare failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}

	var value string
	err = stmt.QueryRow(key, time.Now().Unix()).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logging.Warn("Snapshot read failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}
	return []byte(value), true
}

func (s *Store) purgeExpired(now int64) {
	stmt, err := s.prepare(`DELETE FROM snapshots WHERE expires_at <= ?`)
	if err != nil {
		return
	}
	if _, err := stmt.Exec(now); err != nil {
		logging.Debug("Snapshot purge failed", map[string]interface{}{"error": err.Error()})
	}
}

// Close closes cached statements and the database.
func (s *Store) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}
