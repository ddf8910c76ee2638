// Package storage defines the interface for the relational note store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/inkporter/inkporter/internal/types"
)

// ErrNotFound is returned when a note does not exist or is tombstoned.
var ErrNotFound = errors.New("note not found")

// SearchHit is one full-text result. Rank is 1-based within the
// result list; Score is backend-specific (bm25 for FTS5, token
// overlap for the fallback) and used only for diagnostics.
type SearchHit struct {
	NoteID string
	Rank   int
	Score  float64
}

// Transaction exposes the subset of Store methods that execute within
// a single database transaction. If the callback returns an error or
// panics the transaction is rolled back; on nil return it commits.
// SQLite transactions open with BEGIN IMMEDIATE to acquire the write
// lock early and serialize concurrent writers.
type Transaction interface {
	CreateNote(ctx context.Context, note *types.Note) error
	UpdateNote(ctx context.Context, note *types.Note) error
	GetNote(ctx context.Context, id string) (*types.Note, error)
	ReplaceLinks(ctx context.Context, fromID string, links []*types.Link) error
	ResolvePendingLinks(ctx context.Context, normTitle, toID string) (int, error)
}

// Store is the relational backend. It owns schema migrations and the
// full-text index over (title, body, tags).
type Store interface {
	// Notes
	CreateNote(ctx context.Context, note *types.Note) error
	GetNote(ctx context.Context, id string) (*types.Note, error)
	GetNoteByTitle(ctx context.Context, normTitle string) (*types.Note, error)
	UpdateNote(ctx context.Context, note *types.Note) error
	TombstoneNote(ctx context.Context, id string, at time.Time) error
	CountNotes(ctx context.Context) (int, error)

	// Vector sync bookkeeping
	MarkVectorSynced(ctx context.Context, id string, at time.Time) error
	NotesNeedingVectorSync(ctx context.Context, limit int) ([]*types.Note, error)
	TombstonedNoteIDs(ctx context.Context) ([]string, error)

	// Links
	ReplaceLinks(ctx context.Context, fromID string, links []*types.Link) error
	LinksFrom(ctx context.Context, fromID string) ([]*types.Link, error)
	LinksTo(ctx context.Context, toID string) ([]*types.Link, error)
	ResolvePendingLinks(ctx context.Context, normTitle, toID string) (int, error)
	// DangleLinksTo unbinds inbound edges of a tombstoned note; the
	// rows revert to pending and can resolve again later.
	DangleLinksTo(ctx context.Context, toID string) (int, error)

	// Full-text search. Tombstoned notes are never returned.
	SearchFullText(ctx context.Context, query string, limit int) ([]SearchHit, error)

	// Usage accounting (token governor)
	InsertUsage(ctx context.Context, rec *types.UsageRecord) error
	MonthlyTokens(ctx context.Context, provider string, from, to time.Time) (int64, error)

	// Security audit (privacy filter)
	InsertSecurityEvent(ctx context.Context, ev *types.SecurityEvent) error
	AlertedForRule(ctx context.Context, ruleID, originRef string) (bool, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// UnderlyingDB returns the shared *sql.DB so sibling components
	// (the persistent queue) can keep their tables in the same file.
	// Direct access bypasses the storage layer; use with caution.
	UnderlyingDB() *sql.DB

	Path() string
	Close() error
}
