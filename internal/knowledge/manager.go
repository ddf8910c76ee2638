// Package knowledge owns the note lifecycle: creation, editing,
// tombstoning, merging, tag suggestion and the link graph. Writes land
// in the relational store first; the rendered markdown artifact goes
// onto the durable queue for the Git vault, and the vector index
// catches up asynchronously.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/fallback"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/privacy"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/search"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

// Tag-suggestion confidence thresholds.
const (
	tagAutoApply = 0.8
	tagSuggest   = 0.6
)

// mergedTag marks notes consumed by a merge.
const mergedTag = "merged"

// Completer is the slice of the fallback manager the knowledge layer
// needs.
type Completer interface {
	Complete(ctx context.Context, req fallback.Request) (*ai.Completion, error)
}

// Manager coordinates note writes across the relational store, the
// privacy filter, the outbound queue and the search layer.
type Manager struct {
	store  storage.Store
	queue  *queue.Queue
	filter *privacy.Filter
	chat   Completer
	engine *search.Engine
	log    zerolog.Logger
	level  types.PrivacyLevel
	notify func()
	now    func() time.Time
	newID  func() string
}

// Options wire the manager's collaborators. Queue, Filter, Chat,
// Engine and Notify may each be nil; the corresponding step is
// skipped.
type Options struct {
	Store        storage.Store
	Queue        *queue.Queue
	Filter       *privacy.Filter
	Chat         Completer
	Engine       *search.Engine
	PrivacyLevel types.PrivacyLevel
	// Notify nudges the vector sync loop after a relational commit.
	Notify func()
}

// New builds a manager.
func New(opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		store:  opts.Store,
		queue:  opts.Queue,
		filter: opts.Filter,
		chat:   opts.Chat,
		engine: opts.Engine,
		log:    log.With().Str("component", "knowledge").Logger(),
		level:  opts.PrivacyLevel,
		notify: opts.Notify,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateParams describe a new note.
type CreateParams struct {
	Title      string
	Body       string
	Tags       []string
	SourceType types.SourceType
	OriginRef  string
	ActorID    string
	ChannelID  string
}

// CreateNote persists a new note, extracts its links and tags, wires
// pending links pointing at its title, and schedules the vault write
// plus embedding. Returns the stored note.
func (m *Manager) CreateNote(ctx context.Context, p CreateParams) (*types.Note, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, types.NewValidationError("title", "empty")
	}
	if p.SourceType == "" {
		p.SourceType = types.SourceFleeting
	}
	if !types.ValidSourceType(p.SourceType) {
		return nil, types.NewValidationError("source_type", "unknown value "+string(p.SourceType))
	}

	body, err := m.sanitize(ctx, p.Body, p.OriginRef)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	note := &types.Note{
		ID:         m.newID(),
		Title:      p.Title,
		Body:       body,
		Tags:       mergeTags(p.Tags, extractTags(body)),
		SourceType: p.SourceType,
		OriginRef:  p.OriginRef,
		ActorID:    p.ActorID,
		ChannelID:  p.ChannelID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	links := extractLinks(note.ID, body, now)
	m.resolveLinkTargets(ctx, links)

	err = m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.CreateNote(ctx, note); err != nil {
			return err
		}
		if err := tx.ReplaceLinks(ctx, note.ID, links); err != nil {
			return err
		}
		// Older notes may reference this title; bind their pending
		// edges without touching their updated_at.
		_, err := tx.ResolvePendingLinks(ctx, NormalizeTitle(note.Title), note.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := m.enqueueArtifact(ctx, note); err != nil {
		return nil, err
	}
	m.afterWrite()
	m.log.Info().Str("note", note.ID).Str("source", string(note.SourceType)).Msg("note created")
	return note, nil
}

// Patch is a partial note update. Nil fields are left untouched.
type Patch struct {
	Title *string
	Body  *string
	Tags  *[]string
}

// UpdateNote applies a patch, re-extracts links and tags, and
// schedules re-embedding and the vault write.
func (m *Manager) UpdateNote(ctx context.Context, id string, patch Patch) (*types.Note, error) {
	note, err := m.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, types.NewValidationError("title", "empty")
		}
		note.Title = *patch.Title
	}
	if patch.Body != nil {
		body, err := m.sanitize(ctx, *patch.Body, note.OriginRef)
		if err != nil {
			return nil, err
		}
		note.Body = body
	}
	switch {
	case patch.Tags != nil:
		note.Tags = mergeTags(*patch.Tags, extractTags(note.Body))
	case patch.Body != nil:
		note.Tags = mergeTags(note.Tags, extractTags(note.Body))
	}
	note.UpdatedAt = m.now().UTC()

	links := extractLinks(note.ID, note.Body, note.UpdatedAt)
	m.resolveLinkTargets(ctx, links)

	err = m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpdateNote(ctx, note); err != nil {
			return err
		}
		if err := tx.ReplaceLinks(ctx, note.ID, links); err != nil {
			return err
		}
		if patch.Title != nil {
			if _, err := tx.ResolvePendingLinks(ctx, NormalizeTitle(note.Title), note.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.enqueueArtifact(ctx, note); err != nil {
		return nil, err
	}
	m.afterWrite()
	return note, nil
}

// DeleteNote tombstones a note. Outgoing links are removed; incoming
// links revert to pending so the edge survives for audit and can
// resolve again if the title returns.
func (m *Manager) DeleteNote(ctx context.Context, id string) error {
	now := m.now().UTC()
	err := m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.ReplaceLinks(ctx, id, nil)
	})
	if err != nil {
		return err
	}
	if err := m.store.TombstoneNote(ctx, id, now); err != nil {
		return err
	}
	if _, err := m.store.DangleLinksTo(ctx, id); err != nil {
		return err
	}
	m.afterWrite()
	m.log.Info().Str("note", id).Msg("note tombstoned")
	return nil
}

// MergeNotes creates a new note synthesizing the inputs. The inputs
// survive, tagged as merged, with a merged_from edge from the new note
// to each. When no provider is available the body is a deterministic
// concatenation.
func (m *Manager) MergeNotes(ctx context.Context, ids []string, newTitle string) (*types.Note, error) {
	if len(ids) < 2 {
		return nil, types.NewValidationError("ids", "merge needs at least two notes")
	}
	inputs := make([]*types.Note, 0, len(ids))
	for _, id := range ids {
		n, err := m.store.GetNote(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("merge input %s: %w", id, err)
		}
		inputs = append(inputs, n)
	}
	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].CreatedAt.Before(inputs[j].CreatedAt)
	})

	title := newTitle
	if strings.TrimSpace(title) == "" {
		title = "Merged: " + inputs[0].Title
	}
	body := m.synthesize(ctx, inputs)

	now := m.now().UTC()
	merged := &types.Note{
		ID:         m.newID(),
		Title:      title,
		Body:       body,
		Tags:       extractTags(body),
		SourceType: types.SourceMerged,
		ActorID:    inputs[0].ActorID,
		ChannelID:  inputs[0].ChannelID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	links := extractLinks(merged.ID, body, now)
	m.resolveLinkTargets(ctx, links)
	for _, in := range inputs {
		links = append(links, &types.Link{
			FromID:      merged.ID,
			ToID:        in.ID,
			TargetTitle: in.Title,
			Kind:        types.LinkMergedFrom,
			CreatedAt:   now,
		})
	}

	err := m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.CreateNote(ctx, merged); err != nil {
			return err
		}
		if err := tx.ReplaceLinks(ctx, merged.ID, links); err != nil {
			return err
		}
		if _, err := tx.ResolvePendingLinks(ctx, NormalizeTitle(merged.Title), merged.ID); err != nil {
			return err
		}
		for _, in := range inputs {
			in.Tags = mergeTags(in.Tags, []string{mergedTag})
			in.UpdatedAt = now
			if err := tx.UpdateNote(ctx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.enqueueArtifact(ctx, merged); err != nil {
		return nil, err
	}
	m.afterWrite()
	m.log.Info().Str("note", merged.ID).Int("inputs", len(inputs)).Msg("notes merged")
	return merged, nil
}

// synthesize asks the provider chain for a merged body and falls back
// to deterministic concatenation when the chain is missing, denied or
// failing.
func (m *Manager) synthesize(ctx context.Context, inputs []*types.Note) string {
	if m.chat != nil {
		var b strings.Builder
		b.WriteString("Merge the following notes into one coherent markdown note. " +
			"Preserve all facts and [[links]]. Respond with the merged body only.\n")
		for _, in := range inputs {
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", in.Title, in.Body)
		}
		comp, err := m.chat.Complete(ctx, fallback.Request{
			Prompt:    b.String(),
			MaxTokens: 2048,
			Class:     governor.ClassStandard,
			Kind:      "merge",
			ActorID:   inputs[0].ActorID,
		})
		if err == nil && strings.TrimSpace(comp.Text) != "" {
			return comp.Text
		}
		if err != nil && !errors.Is(err, types.ErrQuotaDenied) {
			m.log.Warn().Err(err).Msg("merge synthesis failed, concatenating")
		}
	}

	var b strings.Builder
	for i, in := range inputs {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n", in.Title, in.Body)
	}
	return b.String()
}

// SuggestTags asks the provider chain for tags describing the
// content. AutoApply is set when confidence clears the auto
// threshold; anything below the suggest threshold is dropped before
// return.
func (m *Manager) SuggestTags(ctx context.Context, content string) ([]types.TagSuggestion, error) {
	if m.chat == nil {
		return nil, nil
	}
	prompt := "Suggest up to five topic tags for the note below. Respond with a JSON array " +
		`of {"tag": string, "confidence": number between 0 and 1} and nothing else.` +
		"\n\n" + content
	comp, err := m.chat.Complete(ctx, fallback.Request{
		Prompt:    prompt,
		MaxTokens: 256,
		Class:     governor.ClassEnrichment,
		Kind:      "suggest_tags",
	})
	if err != nil {
		return nil, err
	}
	return parseTagSuggestions(comp.Text)
}

func parseTagSuggestions(text string) ([]types.TagSuggestion, error) {
	// Providers occasionally wrap the JSON in prose or fences.
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, &types.AIError{Class: types.AIPermanent,
			Err: errors.New("tag response contains no JSON array")}
	}
	var raw []types.TagSuggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, &types.AIError{Class: types.AIPermanent,
			Err: fmt.Errorf("malformed tag response: %w", err)}
	}

	var out []types.TagSuggestion
	for _, s := range raw {
		tag := strings.ToLower(strings.TrimSpace(s.Tag))
		if tag == "" || s.Confidence < tagSuggest {
			continue
		}
		out = append(out, types.TagSuggestion{
			Tag:        tag,
			Confidence: s.Confidence,
			AutoApply:  s.Confidence >= tagAutoApply,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// FindRelated returns up to k notes similar to the given one, using
// its body as the query and excluding the note itself.
func (m *Manager) FindRelated(ctx context.Context, noteID string, k int) ([]search.Result, error) {
	if m.engine == nil {
		return nil, nil
	}
	note, err := m.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	results, err := m.engine.Search(ctx, note.Body, k+1, search.ModeHybrid)
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, r := range results {
		if r.NoteID != noteID {
			out = append(out, r)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Backlinks lists resolved inbound references of a note.
func (m *Manager) Backlinks(ctx context.Context, noteID string) ([]*types.Link, error) {
	return m.store.LinksTo(ctx, noteID)
}

// sanitize runs the privacy filter over a body. A blocking rule
// surfaces as a PrivacyError and the note is never persisted.
func (m *Manager) sanitize(ctx context.Context, body, originRef string) (string, error) {
	if m.filter == nil {
		return body, nil
	}
	clean, _, err := m.filter.Sanitize(ctx, body, m.level, originRef)
	if err != nil {
		return "", err
	}
	return clean, nil
}

// resolveLinkTargets binds extracted links whose target title already
// names a live note. Best effort; unresolved links stay pending.
func (m *Manager) resolveLinkTargets(ctx context.Context, links []*types.Link) {
	for _, l := range links {
		if l.ToID != "" {
			continue
		}
		target, err := m.store.GetNoteByTitle(ctx, NormalizeTitle(l.TargetTitle))
		if err == nil {
			l.ToID = target.ID
		}
	}
}

// enqueueArtifact renders the note to markdown and places it on the
// durable queue. The idempotency key covers note id and revision, so a
// crash between commit and enqueue retry cannot double-queue one
// revision.
func (m *Manager) enqueueArtifact(ctx context.Context, note *types.Note) error {
	if m.queue == nil {
		return nil
	}
	artifact, err := renderArtifact(note)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("note:%s:%d", note.ID, note.UpdatedAt.UnixNano())
	if _, err := m.queue.Enqueue(ctx, payload, 0, key); err != nil {
		return fmt.Errorf("failed to enqueue vault write: %w", err)
	}
	return nil
}

func (m *Manager) afterWrite() {
	if m.engine != nil {
		m.engine.BumpEpoch()
	}
	if m.notify != nil {
		m.notify()
	}
}
