package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

const noteColumns = `id, title, body, tags, source_type, origin_ref, actor_id, channel_id,
	created_at, updated_at, vector_synced_at, deleted_at`

func createNote(ctx context.Context, e execer, fts bool, note *types.Note) error {
	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return types.NewValidationError("tags", err.Error())
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO notes (id, title, norm_title, body, tags, source_type, origin_ref,
			actor_id, channel_id, created_at, updated_at, vector_synced_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.Title, NormalizeTitle(note.Title), note.Body, string(tags),
		string(note.SourceType), note.OriginRef, note.ActorID, note.ChannelID,
		fmtTime(note.CreatedAt), fmtTime(note.UpdatedAt),
		fmtTimePtr(note.VectorSyncedAt), fmtTimePtr(note.DeletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return types.NewValidationError("id", "note already exists")
		}
		return types.NewStoreTransient(fmt.Errorf("failed to insert note %s: %w", note.ID, err))
	}
	if fts && !note.Tombstoned() {
		if err := upsertFTS(ctx, e, note); err != nil {
			return err
		}
	}
	return nil
}

func updateNote(ctx context.Context, e execer, fts bool, note *types.Note) error {
	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return types.NewValidationError("tags", err.Error())
	}
	res, err := e.ExecContext(ctx, `
		UPDATE notes SET title = ?, norm_title = ?, body = ?, tags = ?, source_type = ?,
			origin_ref = ?, actor_id = ?, channel_id = ?, updated_at = ?,
			vector_synced_at = ?, deleted_at = ?
		WHERE id = ?`,
		note.Title, NormalizeTitle(note.Title), note.Body, string(tags),
		string(note.SourceType), note.OriginRef, note.ActorID, note.ChannelID,
		fmtTime(note.UpdatedAt), fmtTimePtr(note.VectorSyncedAt),
		fmtTimePtr(note.DeletedAt), note.ID)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to update note %s: %w", note.ID, err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	if fts {
		if err := deleteFTS(ctx, e, note.ID); err != nil {
			return err
		}
		if !note.Tombstoned() {
			if err := upsertFTS(ctx, e, note); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanNote(row interface{ Scan(...any) error }) (*types.Note, error) {
	var (
		n                          types.Note
		tags, src                  string
		originRef, actor, channel  sql.NullString
		createdAt, updatedAt       string
		vectorSyncedAt, deletedAt  sql.NullString
	)
	err := row.Scan(&n.ID, &n.Title, &n.Body, &tags, &src, &originRef, &actor, &channel,
		&createdAt, &updatedAt, &vectorSyncedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, types.NewStoreTransient(fmt.Errorf("failed to scan note: %w", err))
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return nil, types.NewStoreCorrupt(fmt.Errorf("malformed tags for note %s: %w", n.ID, err))
	}
	n.SourceType = types.SourceType(src)
	n.OriginRef = originRef.String
	n.ActorID = actor.String
	n.ChannelID = channel.String
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, types.NewStoreCorrupt(fmt.Errorf("malformed created_at for note %s: %w", n.ID, err))
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, types.NewStoreCorrupt(fmt.Errorf("malformed updated_at for note %s: %w", n.ID, err))
	}
	if n.VectorSyncedAt, err = parseTimePtr(vectorSyncedAt); err != nil {
		return nil, types.NewStoreCorrupt(fmt.Errorf("malformed vector_synced_at for note %s: %w", n.ID, err))
	}
	if n.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, types.NewStoreCorrupt(fmt.Errorf("malformed deleted_at for note %s: %w", n.ID, err))
	}
	return &n, nil
}

func getNote(ctx context.Context, e execer, id string) (*types.Note, error) {
	row := e.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	return scanNote(row)
}

// CreateNote inserts a new note and indexes it for full-text search.
func (s *Store) CreateNote(ctx context.Context, note *types.Note) error {
	return createNote(ctx, s.db, s.ftsEnabled, note)
}

// GetNote returns the note with the given id, tombstoned or not.
func (s *Store) GetNote(ctx context.Context, id string) (*types.Note, error) {
	return getNote(ctx, s.db, id)
}

// GetNoteByTitle looks up a live note by its normalized title. Returns
// ErrNotFound when no live note matches.
func (s *Store) GetNoteByTitle(ctx context.Context, normTitle string) (*types.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE norm_title = ? AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT 1`, normTitle)
	return scanNote(row)
}

// UpdateNote rewrites an existing note and its full-text index entry.
func (s *Store) UpdateNote(ctx context.Context, note *types.Note) error {
	return updateNote(ctx, s.db, s.ftsEnabled, note)
}

// TombstoneNote marks a note deleted. The row is kept so the vector
// reconciler can purge the derived embedding before it is forgotten.
func (s *Store) TombstoneNote(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notes SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(at), fmtTime(at), id)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to tombstone note %s: %w", id, err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	if s.ftsEnabled {
		return deleteFTS(ctx, s.db, id)
	}
	return nil
}

// CountNotes returns the number of live notes.
func (s *Store) CountNotes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, types.NewStoreTransient(fmt.Errorf("failed to count notes: %w", err))
	}
	return n, nil
}

// MarkVectorSynced records a successful vector upsert for the note.
func (s *Store) MarkVectorSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notes SET vector_synced_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to mark note %s synced: %w", id, err))
	}
	return nil
}

// NotesNeedingVectorSync returns live notes whose embedding is stale:
// never synced, or updated after the last sync. Oldest updates first.
func (s *Store) NotesNeedingVectorSync(ctx context.Context, limit int) ([]*types.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE deleted_at IS NULL
		  AND (vector_synced_at IS NULL OR vector_synced_at < updated_at)
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to list stale notes: %w", err))
	}
	defer rows.Close()

	var out []*types.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreTransient(err)
	}
	return out, nil
}

// TombstonedNoteIDs lists ids of deleted notes so the reconciler can
// purge lingering vectors.
func (s *Store) TombstonedNoteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM notes WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to list tombstones: %w", err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewStoreTransient(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreTransient(err)
	}
	return out, nil
}
