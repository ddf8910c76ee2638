package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

func upsertFTS(ctx context.Context, e execer, note *types.Note) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO notes_fts (note_id, title, body, tags)
		VALUES (?, ?, ?, ?)`,
		note.ID, note.Title, note.Body, strings.Join(note.Tags, " "))
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to index note %s: %w", note.ID, err))
	}
	return nil
}

func deleteFTS(ctx context.Context, e execer, noteID string) error {
	_, err := e.ExecContext(ctx, `DELETE FROM notes_fts WHERE note_id = ?`, noteID)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to deindex note %s: %w", noteID, err))
	}
	return nil
}

// ftsQuery converts free text into an FTS5 MATCH expression. Each
// token is double-quoted so user input cannot inject FTS operators.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// SearchFullText runs a ranked full-text query over live notes. With
// FTS5 present results are bm25-ordered; otherwise the substring
// fallback orders by token overlap, then recency, then note id.
func (s *Store) SearchFullText(ctx context.Context, query string, limit int) ([]storage.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if s.ftsEnabled {
		return s.searchFTS5(ctx, query, limit)
	}
	return s.searchFallback(ctx, query, limit)
}

func (s *Store) searchFTS5(ctx context.Context, query string, limit int) ([]storage.SearchHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.note_id, bm25(notes_fts, 0.0, 3.0, 1.0, 2.0) AS score
		FROM notes_fts f
		JOIN notes n ON n.id = f.note_id
		WHERE notes_fts MATCH ? AND n.deleted_at IS NULL
		ORDER BY score ASC, f.note_id ASC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("full-text query failed: %w", err))
	}
	defer rows.Close()

	var out []storage.SearchHit
	for rows.Next() {
		var h storage.SearchHit
		if err := rows.Scan(&h.NoteID, &h.Score); err != nil {
			return nil, types.NewStoreTransient(err)
		}
		h.Rank = len(out) + 1
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreTransient(err)
	}
	return out, nil
}

// searchFallback serves engines without FTS5: case-insensitive
// substring match on title/body/tags, scored by the fraction of query
// tokens present, with recency and note id breaking ties.
func (s *Store) searchFallback(ctx context.Context, query string, limit int) ([]storage.SearchHit, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lower(title), lower(body), lower(tags), updated_at
		FROM notes WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("fallback query failed: %w", err))
	}
	defer rows.Close()

	type cand struct {
		id        string
		score     float64
		updatedAt string
	}
	var cands []cand
	for rows.Next() {
		var id, title, body, tags, updatedAt string
		if err := rows.Scan(&id, &title, &body, &tags, &updatedAt); err != nil {
			return nil, types.NewStoreTransient(err)
		}
		text := title + "\n" + body + "\n" + tags
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		cands = append(cands, cand{
			id:        id,
			score:     float64(matched) / float64(len(tokens)),
			updatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreTransient(err)
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].updatedAt != cands[j].updatedAt {
			return cands[i].updatedAt > cands[j].updatedAt
		}
		return cands[i].id < cands[j].id
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]storage.SearchHit, len(cands))
	for i, c := range cands {
		out[i] = storage.SearchHit{NoteID: c.id, Rank: i + 1, Score: c.score}
	}
	return out, nil
}
