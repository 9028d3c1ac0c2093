// Package opstate is a small namespaced key-value store for state that
// should survive a daemon restart: the last confirmed network, stream
// history, and the provisioning log. It is not configuration; the env
// file and daemon.yaml stay the source of truth for settings.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file inside the data directory.
const FileName = "state.db"

// Namespaces used by the daemon.
const (
	Connectivity = "connectivity"
	Stream       = "stream"
	Provision    = "provision"
	Daemon       = "daemon"
)

// Store is a namespaced key-value store backed by SQLite. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return NewStore(filepath.Join(dataDir, FileName))
}

// NewStore opens the database at dbPath, creating the schema on first
// use. ":memory:" gives a private in-memory store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The daemon and a concurrent provision run share the file; one
	// connection per process keeps the in-memory case coherent too.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS kv (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value for namespace/key, or "" if absent.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Updated returns when namespace/key was last written. The zero time
// means the key is absent.
func (s *Store) Updated(namespace, key string) (time.Time, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT updated_at FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Set writes value, replacing any previous one.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Absent keys are not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes every key in namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns every key/value in namespace. The map is non-nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Bucket is a view of one namespace. It satisfies the recorder
// interfaces of the supervisor and the stream manager.
type Bucket struct {
	store     *Store
	namespace string
}

// Namespace returns a view of ns.
func (s *Store) Namespace(ns string) *Bucket {
	return &Bucket{store: s, namespace: ns}
}

// Name returns the namespace.
func (b *Bucket) Name() string { return b.namespace }

// Get returns the value for key, or "".
func (b *Bucket) Get(key string) (string, error) { return b.store.Get(b.namespace, key) }

// Set writes key.
func (b *Bucket) Set(key, value string) error { return b.store.Set(b.namespace, key, value) }

// Delete removes key.
func (b *Bucket) Delete(key string) error { return b.store.Delete(b.namespace, key) }

// List returns every key in the namespace.
func (b *Bucket) List() (map[string]string, error) { return b.store.List(b.namespace) }
