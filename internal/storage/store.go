// Package storage owns the schema and every read/write over feeds,
// items and subscriptions. Each exported operation runs inside a single
// transaction: begin, apply, commit on success, rollback on any error.
// Isolation is delegated to SQLite's writer serialization; callers
// never need application-level locking.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config controls how the sqlite database is opened.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is the transactional state store shared by the command
// frontend, the fetch scheduler and the notification dispatcher. The
// embedded *sql.DB is the connection pool; each caller borrows a
// connection per transaction instead of the original design's hidden
// per-thread connection map.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// Open opens (creating if needed) the sqlite database at cfg.Path,
// applies pragmas and runs the schema migrations.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Pragmas go in the DSN so the pool applies them to every
	// connection it opens; foreign_keys in particular is per-connection
	// and cannot be flipped inside a transaction.
	dsn := "file:" + cfg.Path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers: one per
	// loop plus the frontend.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(3)

	s := &Store{db: db, log: log, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction: commit on nil return, rollback
// and propagate on error. Every store operation goes through here so a
// read-check-then-write sequence is atomic with respect to the other
// loops.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// IsConstraint reports whether err is a SQLite constraint violation
// (duplicate primary key, foreign key restriction, ...).
func IsConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Primary code 19 (SQLITE_CONSTRAINT) covers all extended
	// constraint codes.
	return se.Code()&0xff == 19
}

func scanNullInt64(v sql.NullInt64) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}
