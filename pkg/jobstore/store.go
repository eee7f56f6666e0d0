package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config locates the job database.
type Config struct {
	// Path is a local filesystem path to the job database.
	// If set, it is converted into a libsql-compatible DSN (file:<path>).
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not already present.
	AuthToken string
}

// Store is the durable job queue.
//
// Store is safe for concurrent use. Every mutating operation is a single SQL
// statement (or a single transaction), so row-level changes are atomic.
type Store struct {
	db          *sql.DB
	now         func() time.Time
	busyRetries int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at/started_at/completed_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBusyRetries sets how many times a statement is retried when SQLite
// reports the database as busy or locked.
func WithBusyRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.busyRetries = n
		}
	}
}

// New wraps an already-migrated database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		now:         time.Now,
		busyRetries: defaultBusyRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open opens the database described by cfg, applies the schema, and returns
// a ready Store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return New(db, opts...), nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("job store path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}
	if strings.HasPrefix(path, "libsql:") {
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

// configureLocalSQLite pins local databases to one connection with WAL and a
// busy timeout. The scheduler, the HTTP API and the sweeps all write through
// the same handle, so a single connection serializes them cleanly.
func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}
	if dsn == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// busy_timeout goes first so the journal switch waits on other openers.
	var busyTimeout int
	if err := retryBusy(ctx, defaultBusyRetries, func() error {
		return db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout)
	}); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	var journalMode string
	if err := retryBusy(ctx, defaultBusyRetries, func() error {
		return db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode)
	}); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
