package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// SQL-BACKED STORE
// One kv_entries table keyed by (namespace, k). Concurrency is handled by
// database-level locking; transient lock errors are retried with bounded
// exponential backoff.
// ============================================================================

const createKVSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
    namespace VARCHAR(512) NOT NULL,
    k VARCHAR(512) NOT NULL,
    value_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (namespace, k)
)`

const createKVIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv_entries(namespace)`

// maxWriteAttempts bounds retries of lock-contended writes.
const maxWriteAttempts = 3

// SQLStore implements Store on a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an open database connection and ensures the schema
// exists. Supported dialects: postgres, mysql, sqlite (sqlite3 accepted).
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// WAL mode keeps readers unblocked by the single writer.
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)

	s, err := NewSQLStore(db, "sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	for _, stmt := range []string{createKVSchemaSQL, createKVIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get returns the raw JSON value for the key.
func (s *SQLStore) Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, error) {
	query := `SELECT value_json FROM kv_entries WHERE namespace = ? AND k = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var raw string
	err := s.db.QueryRowContext(ctx, query, ns.String(), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return json.RawMessage(raw), nil
}

// Put upserts the value under the key, retrying transient lock errors.
func (s *SQLStore) Put(ctx context.Context, ns Namespace, key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, key, err)
	}

	query := s.upsertQuery()
	now := time.Now().UTC()
	return s.execWithRetry(ctx, query, ns.String(), key, string(raw), now, now)
}

// Delete removes the key; absent keys are ignored.
func (s *SQLStore) Delete(ctx context.Context, ns Namespace, key string) error {
	query := `DELETE FROM kv_entries WHERE namespace = ? AND k = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	return s.execWithRetry(ctx, query, ns.String(), key)
}

// List returns the sorted keys in the namespace with the given prefix.
func (s *SQLStore) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	query := `SELECT k FROM kv_entries WHERE namespace = ? AND k LIKE ? ESCAPE '\' ORDER BY k`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, ns.String(), escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list %s: %w", ns, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// execWithRetry runs a write, retrying lock contention up to
// maxWriteAttempts times with exponential backoff.
func (s *SQLStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if _, execErr := s.db.ExecContext(ctx, query, args...); execErr != nil {
			if !isTransientLockError(execErr) {
				return struct{}{}, backoff.Permanent(execErr)
			}
			return struct{}{}, execErr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(maxWriteAttempts))
	return err
}

// upsertQuery returns the dialect-specific insert-or-update statement.
func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO kv_entries (namespace, k, value_json, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5)
                ON CONFLICT (namespace, k) DO UPDATE SET value_json = $3, updated_at = $5`
	case "mysql":
		return `INSERT INTO kv_entries (namespace, k, value_json, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), updated_at = VALUES(updated_at)`
	default: // sqlite
		return `INSERT INTO kv_entries (namespace, k, value_json, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT (namespace, k) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`
	}
}

// convertToPostgresPlaceholders rewrites ? placeholders as $1, $2, ...
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeLike escapes LIKE metacharacters so prefixes match literally.
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return raw, nil
	}
}

// isTransientLockError matches lock contention that a short retry can clear.
func isTransientLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		// sqlite SQLITE_BUSY / SQLITE_LOCKED
		"database is locked",
		"database table is locked",
		// postgres 40P01
		"deadlock detected",
		// mysql 1213 / 1205
		"try restarting transaction",
		"lock wait timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ Store = (*SQLStore)(nil)
