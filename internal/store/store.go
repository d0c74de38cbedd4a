package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/replica/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added created_at index on crr_changes for retention-day lookups
// 2 - Added crr_inbox for batches accepted from peers but not yet applied
const currentSchemaVersion = 2

// Meta keys.
const (
	metaSiteID     = "site_id"
	metaDBVersion  = "db_version"
	metaNextSeq    = "next_seq"
	metaSyncCursor = "sync_cursor"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a row does not exist or has been deleted.
	ErrNotFound = errors.New("row not found")

	// ErrRowExists is returned when inserting a primary key that is live.
	ErrRowExists = errors.New("row already exists")

	// ErrTableNotReplicated is returned for writes or incoming records that
	// target a table that was never passed to MarkReplicated.
	ErrTableNotReplicated = errors.New("table is not replicated")

	// ErrNotInitialized is returned when writing before Initialize.
	ErrNotInitialized = errors.New("store not initialized")
)

// StorageInitError reports a failure to open or prepare the replica store.
// It is fatal: callers abort startup rather than retry.
type StorageInitError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageInitError) Error() string {
	return fmt.Sprintf("storage init: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageInitError) Unwrap() error {
	return e.Err
}

// IsStorageInitError checks if err is a StorageInitError.
func IsStorageInitError(err error) bool {
	var e *StorageInitError
	return errors.As(err, &e)
}

// CommitInfo describes a committed local write transaction.
// Version is zero when the transaction changed nothing.
type CommitInfo struct {
	Version uint64
	Records int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCommitHook registers fn to run after every local write transaction
// that advanced the version.
func WithCommitHook(fn func(CommitInfo)) Option {
	return func(s *Store) { s.hooks = append(s.hooks, fn) }
}

// Store is a replica: the current row state of every tracked table plus the
// replay log of changes.
type Store struct {
	reader

	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	site  ir.SiteID
	hooks []func(CommitInfo)
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
// Any failure is returned as a *StorageInitError.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StorageInitError{Path: path, Op: "open", Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageInitError{Path: path, Op: "connect", Err: err}
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Reads inside a write transaction must go through the Tx.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, &StorageInitError{Path: path, Op: "pragmas", Err: err}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, &StorageInitError{Path: path, Op: "schema", Err: err}
	}

	s := &Store{
		reader: reader{q: db},
		db:     db,
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize loads the replica's site identity, creating it on first use.
//
// If siteID is nil and no identity is stored, a fresh one is generated and
// persisted. A non-nil siteID that differs from the stored one is an error:
// a replica never changes identity.
func (s *Store) Initialize(ctx context.Context, siteID *ir.SiteID) (ir.SiteID, error) {
	stored, ok, err := getMeta(ctx, s.db, metaSiteID)
	if err != nil {
		return ir.SiteID{}, &StorageInitError{Path: s.path, Op: "read site id", Err: err}
	}

	var site ir.SiteID
	switch {
	case ok:
		site, err = ir.ParseSiteID(stored)
		if err != nil {
			return ir.SiteID{}, &StorageInitError{Path: s.path, Op: "read site id", Err: err}
		}
		if siteID != nil && *siteID != site {
			return ir.SiteID{}, &StorageInitError{
				Path: s.path,
				Op:   "initialize",
				Err:  fmt.Errorf("store belongs to site %s, not %s", site, *siteID),
			}
		}
	case siteID != nil:
		site = *siteID
	default:
		site, err = ir.NewSiteID()
		if err != nil {
			return ir.SiteID{}, &StorageInitError{Path: s.path, Op: "initialize", Err: err}
		}
	}

	if !ok {
		if err := setMeta(ctx, s.db, metaSiteID, site.String()); err != nil {
			return ir.SiteID{}, &StorageInitError{Path: s.path, Op: "persist site id", Err: err}
		}
		s.logger.Info("replica initialized", "site_id", site.String(), "path", s.path)
	}

	s.mu.Lock()
	s.site = site
	s.mu.Unlock()
	return site, nil
}

// SiteID returns the replica's identity, or the zero id before Initialize.
func (s *Store) SiteID() ir.SiteID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.site
}

// OnCommit registers fn to run after every local write transaction that
// advanced the version. Hooks run synchronously on the writer's goroutine
// and must not write to the store.
func (s *Store) OnCommit(fn func(CommitInfo)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// MarkReplicated enables change tracking for table. It is idempotent.
func (s *Store) MarkReplicated(ctx context.Context, table string) error {
	if err := validateName("table", table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crr_tables (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, table, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark replicated %s: %w", table, err)
	}
	return nil
}

// ReplicatedTables returns the tracked tables in name order.
func (s *Store) ReplicatedTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM crr_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// CurrentVersion returns the replica's logical clock.
func (s *Store) CurrentVersion(ctx context.Context) (uint64, error) {
	v, err := getMetaUint(ctx, s.db, metaDBVersion)
	if err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return v, nil
}

// Cursor returns the persisted sync cursor (last version exchanged).
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	v, err := getMetaUint(ctx, s.db, metaSyncCursor)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return v, nil
}

// SetCursor advances the sync cursor. It never moves backwards: a lower
// version than the stored one is ignored.
func (s *Store) SetCursor(ctx context.Context, version uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crr_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(crr_meta.value AS INTEGER)
	`, metaSyncCursor, strconv.FormatUint(version, 10))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
// auto_vacuum must precede table creation to take effect on new files.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA auto_vacuum = INCREMENTAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the created_at index used by OldestVersionSince.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_crr_changes_created
		ON crr_changes(created_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the inbound batch queue.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS crr_inbox (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id    TEXT NOT NULL UNIQUE,
			origin      BLOB NOT NULL,
			records     TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMeta(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM crr_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

func getMetaUint(ctx context.Context, q queryer, key string) (uint64, error) {
	value, ok, err := getMeta(ctx, q, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return n, nil
}

func setMeta(ctx context.Context, q queryer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO crr_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is empty", kind)
	}
	if name == ir.DeleteSentinel {
		return fmt.Errorf("%s name %q is reserved", kind, name)
	}
	return nil
}
