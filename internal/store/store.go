package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on provenance.output_hash
const currentSchemaVersion = 1

const (
	manifestFile = "manifest.db"
	walFileName  = "wal.log"
	objectsDir   = "objects"
	boltFile     = "segments.bolt"
)

// Backend selects where segments are stored.
type Backend string

const (
	BackendBadger Backend = "badger"
	BackendBolt   Backend = "bolt"
	BackendMemory Backend = "memory"
)

// Config holds store configuration.
type Config struct {
	// Dir holds the manifest database, the WAL and the object store.
	// Must be empty for the memory backend and set for the others.
	Dir string

	// Backend is the segment object store. Default: badger.
	Backend Backend

	// SyncWrites makes the object store fsync every segment write. The WAL
	// is always fsynced before a commit returns.
	SyncWrites bool

	// CompactInterval is how often the background compactor folds WAL
	// records into segments and manifests. Zero disables it; Compact can
	// still be called directly.
	CompactInterval time.Duration

	// Logger receives store and object store logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns production defaults for a store rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		Backend:         BackendBadger,
		SyncWrites:      true,
		CompactInterval: 30 * time.Second,
	}
}

// InMemoryConfig returns a store that keeps everything in memory. Nothing
// survives Close; useful for tests and one-shot CLI runs.
func InMemoryConfig() Config {
	return Config{Backend: BackendMemory}
}

// Store is the durable home of graph versions.
//
// Commits append a WAL record and move the in-memory head; the compactor
// later writes the version's segments to the object store and its
// manifest to SQLite, then drops the record from the WAL. Readers never
// take the commit lock, so compaction does not block them.
//
// Thread-safety: All methods are safe for concurrent use.
type Store struct {
	cfg     Config
	db      *sql.DB
	objects ObjectStore
	wal     *wal
	logger  *slog.Logger
	metrics *metrics.Metrics

	// commitMu serializes commits and WAL rewrites.
	commitMu sync.Mutex
	// compactMu allows one compaction pass at a time.
	compactMu sync.Mutex

	mu       sync.RWMutex
	head     *graph.Ref
	versions map[ir.Hash]*graph.Ref
	pending  []pendingVersion
	walOnly  map[ir.Hash]*ir.Patch
	segCache map[ir.Hash]*graph.Segment
	closed   bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// pendingVersion is a committed version that so far exists only in the WAL.
type pendingVersion struct {
	ref   *graph.Ref
	patch *ir.Patch
}

// Open opens or creates a store, verifies the materialized head and
// replays the WAL on top of it.
//
// A hash mismatch anywhere on the load path is an INTEGRITY_ERROR and the
// store refuses to open.
func Open(cfg Config) (*Store, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendBadger
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	walPath := ""
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Dir, err)
		}
		dsn = filepath.Join(cfg.Dir, manifestFile)
		walPath = filepath.Join(cfg.Dir, walFileName)
	}

	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}

	objects, err := openObjects(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	w, err := openWAL(walPath)
	if err != nil {
		objects.Close()
		db.Close()
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		db:       db,
		objects:  objects,
		wal:      w,
		logger:   logger,
		metrics:  cfg.Metrics,
		versions: map[ir.Hash]*graph.Ref{},
		walOnly:  map[ir.Hash]*ir.Patch{},
		segCache: map[ir.Hash]*graph.Segment{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := s.load(context.Background()); err != nil {
		s.wal.close()
		s.objects.Close()
		s.db.Close()
		return nil, err
	}

	if cfg.CompactInterval > 0 {
		go s.runCompactor(cfg.CompactInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendMemory:
		if c.Dir != "" {
			return fmt.Errorf("memory backend does not take a directory (got %q)", c.Dir)
		}
	case BackendBadger, BackendBolt:
		if c.Dir == "" {
			return fmt.Errorf("%s backend requires a directory", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.CompactInterval < 0 {
		return fmt.Errorf("negative compaction interval %s", c.CompactInterval)
	}
	return nil
}

// Close stops the compactor and releases all resources. Versions not yet
// compacted stay in the WAL and are replayed by the next Open.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		<-s.done

		s.compactMu.Lock()
		defer s.compactMu.Unlock()
		s.commitMu.Lock()
		defer s.commitMu.Unlock()
		s.closeErr = errors.Join(s.wal.close(), s.objects.Close(), s.db.Close())
	})
	return s.closeErr
}

// Dir returns the store directory, empty for an in-memory store.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// openDB opens the manifest database and applies pragmas and migrations.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (the graph WAL carries durability)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; one connection also keeps
	// a :memory: database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
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

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes provenance by output version for ProvenanceOf.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_provenance_output
		ON provenance(output_hash)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
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
