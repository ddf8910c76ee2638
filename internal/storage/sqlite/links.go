package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkporter/inkporter/internal/types"
)

func replaceLinks(ctx context.Context, e execer, fromID string, links []*types.Link) error {
	if _, err := e.ExecContext(ctx,
		`DELETE FROM links WHERE from_note_id = ?`, fromID); err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to clear links for %s: %w", fromID, err))
	}
	for _, l := range links {
		var toID any
		if l.ToID != "" {
			toID = l.ToID
		}
		_, err := e.ExecContext(ctx, `
			INSERT INTO links (from_note_id, to_note_id, target_title, kind, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (from_note_id, target_title, kind) DO NOTHING`,
			fromID, toID, NormalizeTitle(l.TargetTitle), string(l.Kind), fmtTime(l.CreatedAt))
		if err != nil {
			return types.NewStoreTransient(fmt.Errorf("failed to insert link %s -> %q: %w",
				fromID, l.TargetTitle, err))
		}
	}
	return nil
}

// resolvePendingLinks binds every pending edge whose normalized target
// title matches to the newly created note. Returns the number of edges
// resolved. Does not touch the linking notes' updated_at.
func resolvePendingLinks(ctx context.Context, e execer, normTitle, toID string) (int, error) {
	res, err := e.ExecContext(ctx, `
		UPDATE links SET to_note_id = ?
		WHERE to_note_id IS NULL AND target_title = ?`,
		toID, normTitle)
	if err != nil {
		return 0, types.NewStoreTransient(fmt.Errorf("failed to resolve links to %q: %w", normTitle, err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanLinks(rows *sql.Rows) ([]*types.Link, error) {
	defer rows.Close()
	var out []*types.Link
	for rows.Next() {
		var (
			l       types.Link
			toID    sql.NullString
			created string
		)
		if err := rows.Scan(&l.FromID, &toID, &l.TargetTitle, (*string)(&l.Kind), &created); err != nil {
			return nil, types.NewStoreTransient(err)
		}
		l.ToID = toID.String
		t, err := parseTime(created)
		if err != nil {
			return nil, types.NewStoreCorrupt(fmt.Errorf("malformed link timestamp: %w", err))
		}
		l.CreatedAt = t
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreTransient(err)
	}
	return out, nil
}

// ReplaceLinks swaps the outbound edge set of a note atomically.
func (s *Store) ReplaceLinks(ctx context.Context, fromID string, links []*types.Link) error {
	return replaceLinks(ctx, s.db, fromID, links)
}

// LinksFrom lists outbound edges of a note, pending ones included.
func (s *Store) LinksFrom(ctx context.Context, fromID string) ([]*types.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_note_id, to_note_id, target_title, kind, created_at
		FROM links WHERE from_note_id = ? ORDER BY target_title`, fromID)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to list links from %s: %w", fromID, err))
	}
	return scanLinks(rows)
}

// LinksTo lists resolved inbound edges of a note (backlinks).
func (s *Store) LinksTo(ctx context.Context, toID string) ([]*types.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_note_id, to_note_id, target_title, kind, created_at
		FROM links WHERE to_note_id = ? ORDER BY from_note_id`, toID)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to list links to %s: %w", toID, err))
	}
	return scanLinks(rows)
}

// ResolvePendingLinks is the autocommit form of pending-edge binding.
func (s *Store) ResolvePendingLinks(ctx context.Context, normTitle, toID string) (int, error) {
	return resolvePendingLinks(ctx, s.db, normTitle, toID)
}

// DangleLinksTo unbinds inbound edges of a note, reverting them to
// pending. Used when the target is tombstoned; the edges survive for
// audit and re-resolve if the title returns.
func (s *Store) DangleLinksTo(ctx context.Context, toID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET to_note_id = NULL WHERE to_note_id = ?`, toID)
	if err != nil {
		return 0, types.NewStoreTransient(fmt.Errorf("failed to dangle links to %s: %w", toID, err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
