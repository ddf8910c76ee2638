// Package syncer keeps the derived vector index converged on the
// relational store. The relational side is the source of truth; vector
// work happens asynchronously after the relational commit and is
// driven by change notifications plus a periodic reconcile sweep.
package syncer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/embedding"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
	"github.com/inkporter/inkporter/internal/vector"
)

// DefaultInterval is the reconcile sweep period.
const DefaultInterval = 5 * time.Minute

// reconcileBatch bounds how many stale notes one pass will embed.
const reconcileBatch = 200

// Syncer converges the vector store on the relational store. All
// vector mutations flow through the single Run goroutine, so updates
// to one note can never interleave.
type Syncer struct {
	store    storage.Store
	vectors  *vector.Store
	embeds   *embedding.Service
	log      zerolog.Logger
	interval time.Duration
	wake     chan struct{}
}

// New builds a syncer. interval <= 0 selects DefaultInterval.
func New(store storage.Store, vectors *vector.Store, embeds *embedding.Service, log zerolog.Logger, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		store:    store,
		vectors:  vectors,
		embeds:   embeds,
		log:      log.With().Str("component", "syncer").Logger(),
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Notify nudges the sync loop after a relational commit. Non-blocking;
// a pending nudge absorbs further ones.
func (s *Syncer) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run reconciles once at startup and then on every nudge or tick until
// the context ends. A failed pass is logged and retried on the next
// trigger rather than crashing the loop.
func (s *Syncer) Run(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil {
		s.log.Error().Err(err).Msg("startup reconcile failed")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if err := s.Reconcile(ctx); err != nil {
			s.log.Error().Err(err).Msg("reconcile failed")
		}
	}
}

// Reconcile brings the vector store up to date in one pass: vectors
// for tombstoned notes are purged, stale or missing notes are embedded
// and upserted, and the op log is compacted when it has earned it.
// Purging runs first because it costs no tokens; a budget-denied embed
// stage must not leave tombstoned vectors searchable.
func (s *Syncer) Reconcile(ctx context.Context) error {
	purged, err := s.purgeTombstoned(ctx)
	if err != nil {
		return err
	}

	stale, err := s.store.NotesNeedingVectorSync(ctx, reconcileBatch)
	if err != nil {
		return err
	}
	var synced, skipped int
	for _, note := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		noop, err := s.syncNote(ctx, note)
		if err != nil {
			// Quota denial is expected under budget pressure; the next
			// sweep picks the remaining notes up again.
			if errors.Is(err, types.ErrQuotaDenied) {
				s.log.Debug().Str("note", note.ID).Msg("vector sync deferred by governor")
				break
			}
			s.log.Error().Err(err).Str("note", note.ID).Msg("vector sync failed")
			continue
		}
		if noop {
			skipped++
		} else {
			synced++
		}
	}

	if s.vectors.NeedsCompaction() {
		if err := s.vectors.Compact(); err != nil {
			s.log.Error().Err(err).Msg("vector compaction failed")
		}
	}

	if synced+purged > 0 {
		s.log.Info().Int("synced", synced).Int("skipped", skipped).
			Int("purged", purged).Msg("vector index reconciled")
	}
	return nil
}

// syncNote upserts one note's vector. When the stored vector already
// matches the current content hash the embedding call is skipped and
// only the bookkeeping advances. Reports whether it was a no-op.
func (s *Syncer) syncNote(ctx context.Context, note *types.Note) (bool, error) {
	text := embedText(note)
	hash := embedding.ContentHash(text)

	if s.vectors.ContentHash(note.ID) == hash {
		return true, s.store.MarkVectorSynced(ctx, note.ID, time.Now().UTC())
	}

	vec, err := s.embeds.EmbedText(ctx, text)
	if err != nil {
		return false, err
	}
	rec := &types.VectorRecord{
		NoteID:      note.ID,
		Vector:      vec,
		ContentHash: hash,
		Metadata:    map[string]string{"title": note.Title},
	}
	if err := s.vectors.Upsert(rec); err != nil {
		return false, err
	}
	return false, s.store.MarkVectorSynced(ctx, note.ID, time.Now().UTC())
}

// purgeTombstoned deletes vectors whose notes have been tombstoned.
func (s *Syncer) purgeTombstoned(ctx context.Context) (int, error) {
	ids, err := s.store.TombstonedNoteIDs(ctx)
	if err != nil {
		return 0, err
	}
	dead := make(map[string]bool, len(ids))
	for _, id := range ids {
		dead[id] = true
	}
	var purged int
	for _, id := range s.vectors.IDs() {
		if !dead[id] {
			continue
		}
		if err := s.vectors.Delete(id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// embedText is the canonical embedding input for a note. Tags are
// folded in so tag-only edits re-embed.
func embedText(note *types.Note) string {
	var b strings.Builder
	b.WriteString(note.Title)
	b.WriteString("\n\n")
	b.WriteString(note.Body)
	if len(note.Tags) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(note.Tags, " "))
	}
	return b.String()
}
