// Package search answers queries over the dual store. Keyword results
// come from the relational full-text index, vector results from the
// embedding index, and hybrid mode fuses the two lists with
// Reciprocal Rank Fusion.
package search

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/embedding"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
	"github.com/inkporter/inkporter/internal/vector"
)

// Mode selects which store(s) serve a query.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

const (
	// rrfC is the rank-fusion damping constant.
	rrfC = 60
	// presenceBonus rewards documents both stores agree on.
	presenceBonus = 0.1
	// overlapFloor triggers leaf-list widening when the two lists
	// barely intersect.
	overlapFloor = 0.2
	kMax         = 100

	cacheSize = 100
	cacheTTL  = 300 * time.Second
)

// Result is one ranked search hit.
type Result struct {
	NoteID string
	Score  float64
	// InBoth marks documents returned by both leaf lists in hybrid
	// mode.
	InBoth bool
}

// Engine runs queries. It is safe for concurrent use.
type Engine struct {
	store   storage.Store
	vectors *vector.Store
	embeds  *embedding.Service
	log     zerolog.Logger
	cache   *resultCache
	epoch   atomic.Int64
}

// New builds an engine over the two stores.
func New(store storage.Store, vectors *vector.Store, embeds *embedding.Service, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		vectors: vectors,
		embeds:  embeds,
		log:     log.With().Str("component", "search").Logger(),
		cache:   newResultCache(cacheSize, cacheTTL),
	}
}

// BumpEpoch invalidates all cached results. Called by any write that
// could change ranking.
func (e *Engine) BumpEpoch() { e.epoch.Add(1) }

// Search returns the top k notes for the query. Results never include
// tombstoned notes; an empty query returns nil.
func (e *Engine) Search(ctx context.Context, query string, k int, mode Mode) ([]Result, error) {
	query = embedding.Normalize(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	key := cacheKey{query: query, k: k, mode: mode, epoch: e.epoch.Load()}
	if hit, ok := e.cache.get(key); ok {
		return hit, nil
	}

	var (
		results []Result
		err     error
	)
	switch mode {
	case ModeKeyword:
		results, err = e.keyword(ctx, query, k)
	case ModeVector:
		results, err = e.vectorSearch(ctx, query, k)
	case ModeHybrid:
		results, err = e.hybrid(ctx, query, k)
	default:
		return nil, types.NewValidationError("mode", "unknown search mode "+string(mode))
	}
	if err != nil {
		return nil, err
	}
	e.cache.put(key, results)
	return results, nil
}

func (e *Engine) keyword(ctx context.Context, query string, k int) ([]Result, error) {
	hits, err := e.store.SearchFullText(ctx, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		// Zero-based rank: the top hit scores 1/rrfC.
		out[i] = Result{NoteID: h.NoteID, Score: 1 / float64(i+rrfC)}
	}
	return out, nil
}

func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]Result, error) {
	vec, err := e.embeds.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	matches := e.vectors.Query(vec, k)
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		// The vector index may lag a tombstone; drop hits the
		// relational store disowns.
		if _, err := e.store.GetNote(ctx, m.NoteID); err != nil {
			continue
		}
		out = append(out, Result{NoteID: m.NoteID, Score: 1 / float64(len(out)+rrfC)})
	}
	return out, nil
}

// hybrid fuses the two leaf lists with RRF. A fresh note missing from
// the vector index is still reachable through the keyword list, so a
// vector-side failure degrades to keyword-only instead of erroring.
func (e *Engine) hybrid(ctx context.Context, query string, k int) ([]Result, error) {
	kLeaf := 2 * k
	if kLeaf > kMax {
		kLeaf = kMax
	}

	vecList, keyList, err := e.leafLists(ctx, query, kLeaf)
	if err != nil {
		return nil, err
	}

	// Widen once when the lists barely overlap; a wider pool gives
	// fusion something to fuse.
	if overlapRatio(vecList, keyList) < overlapFloor && kLeaf < kMax {
		kLeaf = kLeaf * 2
		if kLeaf > kMax {
			kLeaf = kMax
		}
		vecList, keyList, err = e.leafLists(ctx, query, kLeaf)
		if err != nil {
			return nil, err
		}
	}

	fused := fuse(vecList, keyList)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (e *Engine) leafLists(ctx context.Context, query string, kLeaf int) (vecIDs, keyIDs []string, err error) {
	keyResults, err := e.keyword(ctx, query, kLeaf)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range keyResults {
		keyIDs = append(keyIDs, r.NoteID)
	}

	vecResults, err := e.vectorSearch(ctx, query, kLeaf)
	if err != nil {
		e.log.Warn().Err(err).Msg("vector leaf unavailable, keyword only")
		return nil, keyIDs, nil
	}
	for _, r := range vecResults {
		vecIDs = append(vecIDs, r.NoteID)
	}
	return vecIDs, keyIDs, nil
}

func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var shared int
	for _, id := range b {
		if set[id] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

// fuse merges two ranked id lists with RRF over zero-based ranks, so
// a list's top entry contributes 1/rrfC. Ties break by presence in
// both lists, then leaf rank sum, then note id.
func fuse(vecIDs, keyIDs []string) []Result {
	type entry struct {
		score   float64
		rankSum int
		lists   int
	}
	entries := make(map[string]*entry)
	accumulate := func(ids []string) {
		for rank, id := range ids {
			en := entries[id]
			if en == nil {
				en = &entry{}
				entries[id] = en
			}
			en.score += 1 / float64(rank+rrfC)
			en.rankSum += rank
			en.lists++
		}
	}
	accumulate(vecIDs)
	accumulate(keyIDs)

	out := make([]Result, 0, len(entries))
	for id, en := range entries {
		r := Result{NoteID: id, Score: en.score, InBoth: en.lists == 2}
		if r.InBoth {
			r.Score += presenceBonus
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if ra, rb := entries[a.NoteID].rankSum, entries[b.NoteID].rankSum; ra != rb {
			return ra < rb
		}
		return a.NoteID < b.NoteID
	})
	return out
}
