package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Options configures the SQLite connections.
type Options struct {
	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration
	// ReadConns is the size of the read connection pool.
	ReadConns int
}

// DefaultOptions returns the default connection options.
func DefaultOptions() Options {
	return Options{
		BusyTimeout: 5 * time.Second,
		ReadConns:   4,
	}
}

// Store is the SQLite-backed index. It implements InstanceStore,
// IndexDataStore, ExtendedQueryTagStore, ReindexCheckpointStore,
// ChangeFeedStore and QueryStore over a single database.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	clockMu sync.RWMutex
	now     func() time.Time
	log     zerolog.Logger
}

// Open opens (creating if needed) the index database at dbPath.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = DefaultOptions().ReadConns
	}
	params := fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", opts.BusyTimeout.Milliseconds())

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+params)
	if err != nil {
		return nil, fmt.Errorf("indexstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
		log:    logging.Component("indexstore"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexstore: failed to initialize schema: %w", err)
	}

	// Read connection pool: WAL readers see the last committed snapshot
	readDB, err := sql.Open("sqlite3", dbPath+params+"&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("indexstore: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(opts.ReadConns)
	readDB.SetMaxIdleConns(opts.ReadConns)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// SetClock overrides the time source. Tests use it to control cleanup due times.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	s.now = now
	s.clockMu.Unlock()
}

func (s *Store) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// write runs fn in a single write transaction. Every store mutation goes
// through here so a multi-row change is applied entirely or not at all.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx, s.clock()); err != nil {
		return storeError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeError(op, err)
	}
	return nil
}

// storeError leaves typed and context errors as they are, maps SQLite
// contention to Transient, and wraps everything else with the operation name.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *ierrors.IndexError
	if errors.As(err, &ie) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return ierrors.Transient(ierrors.CodeStoreUnavailable, "indexstore: "+op, err)
	}
	return fmt.Errorf("indexstore: failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// inClause returns "?, ?, ?" for n placeholders.
func inClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(vals []int64, prefix ...interface{}) []interface{} {
	args := make([]interface{}, 0, len(prefix)+len(vals))
	args = append(args, prefix...)
	for _, v := range vals {
		args = append(args, v)
	}
	return args
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
