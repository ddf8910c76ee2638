package vector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/inkporter/inkporter/internal/types"
)

func openTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), dim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vec(dim int, vals ...float32) []float32 {
	v := make([]float32, dim)
	copy(v, vals)
	return v
}

func TestUpsertQuery(t *testing.T) {
	s := openTestStore(t, 3)

	recs := []*types.VectorRecord{
		{NoteID: "a", Vector: vec(3, 1, 0, 0), ContentHash: "h-a"},
		{NoteID: "b", Vector: vec(3, 0, 1, 0), ContentHash: "h-b"},
		{NoteID: "c", Vector: vec(3, 0.9, 0.1, 0), ContentHash: "h-c"},
	}
	for _, r := range recs {
		if err := s.Upsert(r); err != nil {
			t.Fatalf("Upsert %s: %v", r.NoteID, err)
		}
	}

	matches := s.Query(vec(3, 1, 0, 0), 2)
	if len(matches) != 2 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0].NoteID != "a" || matches[1].NoteID != "c" {
		t.Errorf("order wrong: %v", matches)
	}
	if matches[0].Score < 0.999 {
		t.Errorf("exact match score %f", matches[0].Score)
	}

	if s.ContentHash("b") != "h-b" {
		t.Errorf("ContentHash(b)=%q", s.ContentHash("b"))
	}
	if s.ContentHash("missing") != "" {
		t.Error("hash for missing id")
	}
}

func TestDimensionMismatch(t *testing.T) {
	s := openTestStore(t, 3)
	err := s.Upsert(&types.VectorRecord{NoteID: "a", Vector: vec(4, 1)})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("want ErrDimensionMismatch, got %v", err)
	}
	if got := s.Query(vec(4, 1), 5); got != nil {
		t.Errorf("mismatched query returned %v", got)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, 2)
	if err := s.Upsert(&types.VectorRecord{NoteID: "a", Vector: vec(2, 1, 0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count=%d after delete", s.Count())
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("repeated delete: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Upsert(&types.VectorRecord{NoteID: "keep", Vector: vec(2, 0, 1), ContentHash: "h"})
	_ = s.Upsert(&types.VectorRecord{NoteID: "drop", Vector: vec(2, 1, 0)})
	_ = s.Delete("drop")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.IDs(); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("IDs after reopen: %v", got)
	}
	if s2.ContentHash("keep") != "h" {
		t.Errorf("hash lost across reopen")
	}
}

func TestTornTailTolerated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Upsert(&types.VectorRecord{NoteID: "a", Vector: vec(2, 1, 0)})
	_ = s.Close()

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.WriteString(`{"op":"upsert","rec`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	s2, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer s2.Close()
	if s2.Count() != 1 {
		t.Errorf("Count=%d, want 1", s2.Count())
	}
}

func TestCorruptInteriorFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, logFile)
	body := "not json at all\n" + `{"op":"upsert","record":{"note_id":"a","vector":[1,0]}}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := Open(dir, 2)
	if err == nil {
		t.Fatal("corrupt interior accepted")
	}
	if !types.IsStoreCorrupt(err) {
		t.Errorf("want corrupt store error, got %v", err)
	}
}

func TestCompaction(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 100; i++ {
		// Rewriting one id piles up garbage entries.
		if err := s.Upsert(&types.VectorRecord{NoteID: "a", Vector: vec(2, 1, 0)}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if !s.NeedsCompaction() {
		t.Fatal("NeedsCompaction=false after 100 rewrites")
	}

	before, _ := os.Stat(filepath.Join(dir, logFile))
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after, _ := os.Stat(filepath.Join(dir, logFile))
	if after.Size() >= before.Size() {
		t.Errorf("log did not shrink: %d -> %d", before.Size(), after.Size())
	}
	if s.NeedsCompaction() {
		t.Error("still dirty after compaction")
	}

	// The store keeps working on the swapped file.
	if err := s.Upsert(&types.VectorRecord{NoteID: "b", Vector: vec(2, 0, 1)}); err != nil {
		t.Fatalf("post-compaction Upsert: %v", err)
	}
	_ = s.Close()

	s2, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Count() != 2 {
		t.Errorf("Count=%d after reopen, want 2", s2.Count())
	}
}
