// Package sqlite implements the relational store on SQLite via the
// ncruces WASM driver (no CGO). One database file holds notes, links,
// the durable queue, usage accounting and the security audit trail.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/text/unicode/norm"

	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

// Store is the SQLite-backed relational store.
type Store struct {
	db   *sql.DB
	path string

	// ftsEnabled is fixed at open time. When the engine lacks FTS5 the
	// substring fallback serves full-text queries.
	ftsEnabled bool
}

var _ storage.Store = (*Store)(nil)

// Options tune store opening.
type Options struct {
	// AllowChecksumMismatch skips migration checksum verification.
	// Operator override for databases recovered from backups.
	AllowChecksumMismatch bool
}

// Open opens (creating if absent) the database at path, applies
// pending migrations and probes FTS5 availability.
func Open(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to open database: %w", err))
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's
	// writers; WAL still allows external readers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, types.NewStoreTransient(fmt.Errorf("failed to reach database: %w", err))
	}
	if err := RunMigrations(db, opts.AllowChecksumMismatch); err != nil {
		_ = db.Close()
		return nil, types.NewStoreCorrupt(err)
	}

	s := &Store{db: db, path: path}
	if _, err := db.Exec(ftsSchema); err == nil {
		s.ftsEnabled = true
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// UnderlyingDB exposes the shared handle for sibling components that
// keep tables in the same file.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// FTSEnabled reports whether the FTS5 index is active.
func (s *Store) FTSEnabled() bool { return s.ftsEnabled }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// execer is the common surface of *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx adapts *sql.Tx to the storage.Transaction interface.
type sqliteTx struct {
	tx *sql.Tx
	s  *Store
}

var _ storage.Transaction = (*sqliteTx)(nil)

func (t *sqliteTx) CreateNote(ctx context.Context, note *types.Note) error {
	return createNote(ctx, t.tx, t.s.ftsEnabled, note)
}

func (t *sqliteTx) UpdateNote(ctx context.Context, note *types.Note) error {
	return updateNote(ctx, t.tx, t.s.ftsEnabled, note)
}

func (t *sqliteTx) GetNote(ctx context.Context, id string) (*types.Note, error) {
	return getNote(ctx, t.tx, id)
}

func (t *sqliteTx) ReplaceLinks(ctx context.Context, fromID string, links []*types.Link) error {
	return replaceLinks(ctx, t.tx, fromID, links)
}

func (t *sqliteTx) ResolvePendingLinks(ctx context.Context, normTitle, toID string) (int, error) {
	return resolvePendingLinks(ctx, t.tx, normTitle, toID)
}

// RunInTransaction runs fn inside a single transaction. The _txlock
// DSN option makes every transaction BEGIN IMMEDIATE, taking the write
// lock up front so concurrent writers queue instead of failing late.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqliteTx{tx: tx, s: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to commit: %w", err))
	}
	committed = true
	return nil
}

// Timestamps are stored as UTC RFC 3339 text with a fixed-width
// fractional part so string comparisons in SQL order correctly;
// RFC3339Nano trims trailing zeros and would not.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeFmt) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeFmt, s); err == nil {
		return t, nil
	}
	// Rows written before the fixed-width format carry a trimmed
	// fractional part.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Rows written by SQLite itself (CURRENT_TIMESTAMP defaults) use
	// the plain datetime form.
	return time.Parse("2006-01-02 15:04:05", s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NormalizeTitle maps a title to its lookup key: NFKC-normalized,
// lowercased, with whitespace runs collapsed to single spaces. Titles
// and link targets compare equal iff their keys match.
func NormalizeTitle(title string) string {
	title = norm.NFKC.String(title)
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
