package search

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/embedding"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
	"github.com/inkporter/inkporter/internal/vector"
)

// dirEmbedder maps text onto a 3-dim direction by crude keyword
// counting, which gives deterministic cosine rankings.
type dirEmbedder struct{ calls int }

func (d *dirEmbedder) Name() string   { return "dir" }
func (d *dirEmbedder) Dimension() int { return 3 }

func (d *dirEmbedder) Embed(ctx context.Context, inputs []string) (*ai.Embedding, error) {
	d.calls++
	vecs := make([][]float32, len(inputs))
	for i, in := range inputs {
		var v [3]float32
		for j, word := range []string{"alpha", "beta", "gamma"} {
			for k := 0; k+len(word) <= len(in); k++ {
				if in[k:k+len(word)] == word {
					v[j]++
				}
			}
		}
		vecs[i] = v[:]
	}
	return &ai.Embedding{Vectors: vecs, Model: "dir", Provider: "dir"}, nil
}

func newTestEngine(t *testing.T) (*Engine, storage.Store, *vector.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir()+"/notes.db", sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	vectors, err := vector.Open(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("open vectors: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })

	gov := governor.New(store, nil, 0, zerolog.Nop())
	embeds := embedding.New(&dirEmbedder{}, gov, zerolog.Nop(), 64, time.Hour)
	return New(store, vectors, embeds, zerolog.Nop()), store, vectors
}

func addNote(t *testing.T, store storage.Store, vectors *vector.Store, embeds bool, id, title, body string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	note := &types.Note{ID: id, Title: title, Body: body,
		SourceType: types.SourceManual, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateNote(ctx, note); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if !embeds {
		return
	}
	de := &dirEmbedder{}
	emb, _ := de.Embed(ctx, []string{title + " " + body})
	if err := vectors.Upsert(&types.VectorRecord{NoteID: id, Vector: emb.Vectors[0],
		ContentHash: embedding.ContentHash(body)}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestKeywordMode(t *testing.T) {
	e, store, vectors := newTestEngine(t)
	addNote(t, store, vectors, false, "n1", "Alpha notes", "all about alpha things")
	addNote(t, store, vectors, false, "n2", "Cooking", "a recipe for soup")

	got, err := e.Search(context.Background(), "alpha", 5, ModeKeyword)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].NoteID != "n1" {
		t.Errorf("got %+v, want single n1", got)
	}
	// Ranks are zero-based: the top hit scores 1/c.
	if want := 1.0 / rrfC; got[0].Score != want {
		t.Errorf("top score %v, want %v", got[0].Score, want)
	}
}

func TestFuseScoreArithmetic(t *testing.T) {
	got := fuse([]string{"A", "B"}, []string{"B"})
	if len(got) != 2 || got[0].NoteID != "B" || got[1].NoteID != "A" {
		t.Fatalf("got %+v", got)
	}
	// B sits at rank 1 in the vector list and rank 0 in the keyword
	// list, plus the presence bonus; A is the vector list's top entry.
	wantB := 1.0/(rrfC+1) + 1.0/rrfC + presenceBonus
	wantA := 1.0 / rrfC
	const eps = 1e-12
	if d := got[0].Score - wantB; d > eps || d < -eps {
		t.Errorf("B score %v, want %v", got[0].Score, wantB)
	}
	if d := got[1].Score - wantA; d > eps || d < -eps {
		t.Errorf("A score %v, want %v", got[1].Score, wantA)
	}
}

func TestVectorModeDropsTombstoneLag(t *testing.T) {
	e, store, vectors := newTestEngine(t)
	addNote(t, store, vectors, true, "n1", "alpha", "alpha alpha")
	addNote(t, store, vectors, true, "n2", "alpha too", "alpha")

	// Tombstone n2 but leave its vector in place, as a lagging syncer
	// would.
	if err := store.TombstoneNote(context.Background(), "n2", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	got, err := e.Search(context.Background(), "alpha", 5, ModeVector)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range got {
		if r.NoteID == "n2" {
			t.Error("tombstoned note surfaced from vector index")
		}
	}
	if len(got) != 1 || got[0].NoteID != "n1" {
		t.Errorf("got %+v", got)
	}
}

func TestHybridFreshNoteReachable(t *testing.T) {
	e, store, vectors := newTestEngine(t)
	// n1 is fully synced; n2 was just written and has no vector yet.
	addNote(t, store, vectors, true, "n1", "alpha one", "alpha body")
	addNote(t, store, vectors, false, "n2", "alpha two", "alpha body fresh")

	got, err := e.Search(context.Background(), "alpha", 5, ModeHybrid)
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, r := range got {
		found[r.NoteID] = true
	}
	if !found["n1"] || !found["n2"] {
		t.Errorf("hybrid results %+v missing a note", got)
	}
}

func TestFuseOrdering(t *testing.T) {
	// Vector list [N2,N1,N4], keyword list [N1,N2,N5]: shared notes
	// carry the presence bonus and outrank singles; the N1/N2 tie
	// falls through to note id.
	got := fuse([]string{"N2", "N1", "N4"}, []string{"N1", "N2", "N5"})
	want := []string{"N1", "N2", "N4", "N5"}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].NoteID != id {
			t.Errorf("position %d: got %s, want %s (full: %+v)", i, got[i].NoteID, id, got)
		}
	}
	if !got[0].InBoth || !got[1].InBoth || got[2].InBoth {
		t.Error("presence flags wrong")
	}
	if got[0].Score <= got[2].Score {
		t.Error("presence bonus did not lift shared notes")
	}
}

func TestOverlapRatio(t *testing.T) {
	if r := overlapRatio([]string{"a", "b"}, []string{"a", "b"}); r != 1 {
		t.Errorf("full overlap ratio %v", r)
	}
	if r := overlapRatio([]string{"a", "b"}, []string{"c", "d"}); r != 0 {
		t.Errorf("disjoint ratio %v", r)
	}
	if r := overlapRatio([]string{"a", "b", "c", "d"}, []string{"a", "x"}); r != 0.5 {
		t.Errorf("partial ratio %v", r)
	}
	if r := overlapRatio(nil, []string{"a"}); r != 0 {
		t.Errorf("empty list ratio %v", r)
	}
}

func TestCacheServesAndEpochInvalidates(t *testing.T) {
	e, store, vectors := newTestEngine(t)
	addNote(t, store, vectors, false, "n1", "Alpha", "alpha body")
	ctx := context.Background()

	if _, err := e.Search(ctx, "alpha", 5, ModeKeyword); err != nil {
		t.Fatal(err)
	}

	// A new matching note is invisible until the epoch moves.
	addNote(t, store, vectors, false, "n2", "Alpha again", "more alpha")
	cached, _ := e.Search(ctx, "alpha", 5, ModeKeyword)
	if len(cached) != 1 {
		t.Errorf("cache bypassed: got %d results", len(cached))
	}

	e.BumpEpoch()
	fresh, _ := e.Search(ctx, "alpha", 5, ModeKeyword)
	if len(fresh) != 2 {
		t.Errorf("after epoch bump: got %d results, want 2", len(fresh))
	}
}

func TestCacheTTL(t *testing.T) {
	c := newResultCache(4, time.Minute)
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	key := cacheKey{query: "q", k: 5, mode: ModeKeyword}
	c.put(key, []Result{{NoteID: "n1"}})
	if _, ok := c.get(key); !ok {
		t.Fatal("fresh entry missed")
	}
	base = base.Add(2 * time.Minute)
	if _, ok := c.get(key); ok {
		t.Error("expired entry served")
	}
}

func TestCacheEviction(t *testing.T) {
	c := newResultCache(2, time.Minute)
	for i, q := range []string{"a", "b", "c"} {
		c.put(cacheKey{query: q, k: i}, nil)
	}
	if _, ok := c.get(cacheKey{query: "a", k: 0}); ok {
		t.Error("oldest entry survived past capacity")
	}
	if _, ok := c.get(cacheKey{query: "c", k: 2}); !ok {
		t.Error("newest entry evicted")
	}
}

func TestUnknownMode(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Search(context.Background(), "q", 5, Mode("fuzzy")); !types.IsValidation(err) {
		t.Errorf("want validation error, got %v", err)
	}
}
