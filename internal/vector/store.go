// Package vector implements the derived embedding index: an embedded
// in-memory cosine store persisted as an append-only JSONL operation
// log under the data root. The index is disposable state; it can
// always be rebuilt from the relational store by the reconciler.
package vector

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/inkporter/inkporter/internal/types"
)

// ErrCanaryFailed distinguishes a broken index from an ordinary I/O
// failure: the store loaded but cannot answer a trivial query, so its
// contents cannot be trusted and a rebuild is required.
var ErrCanaryFailed = errors.New("vector store canary query failed")

// ErrDimensionMismatch rejects vectors whose width differs from the
// configured embedding dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

const logFile = "index.jsonl"

// op is one persisted log entry.
type op struct {
	Op     string              `json:"op"` // upsert | delete
	Record *types.VectorRecord `json:"record,omitempty"`
	NoteID string              `json:"note_id,omitempty"`
}

// Match is one nearest-neighbor result.
type Match struct {
	NoteID string
	Score  float64 // cosine similarity in [-1, 1]
}

// Store is the embedded vector index. Safe for concurrent use.
type Store struct {
	dir string
	dim int

	mu      sync.RWMutex
	records map[string]*types.VectorRecord
	file    *os.File
	// dirty counts log entries beyond the live record count; high
	// ratios trigger compaction.
	dirty int
}

// Open loads (creating if absent) the index under dir and verifies it
// with a canary query. A truncated trailing line is tolerated (crash
// mid-append); any other malformed content is a corrupt-store failure.
func Open(dir string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to create vector dir: %w", err))
	}
	s := &Store{dir: dir, dim: dim, records: make(map[string]*types.VectorRecord)}
	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, types.NewStoreTransient(fmt.Errorf("failed to open vector log: %w", err))
	}
	s.file = f

	if err := s.canary(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) logPath() string { return filepath.Join(s.dir, logFile) }

func (s *Store) load() error {
	f, err := os.Open(s.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to read vector log: %w", err))
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var entries int
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e op
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line means the process died mid-append; the
			// operation it carried was never acknowledged.
			if !sc.Scan() {
				break
			}
			return types.NewStoreCorrupt(fmt.Errorf("malformed vector log entry: %w", err))
		}
		entries++
		switch e.Op {
		case "upsert":
			if e.Record == nil || e.Record.NoteID == "" {
				return types.NewStoreCorrupt(errors.New("upsert entry without record"))
			}
			s.records[e.Record.NoteID] = e.Record
		case "delete":
			delete(s.records, e.NoteID)
		default:
			return types.NewStoreCorrupt(fmt.Errorf("unknown vector log op %q", e.Op))
		}
	}
	if err := sc.Err(); err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to scan vector log: %w", err))
	}
	s.dirty = entries - len(s.records)
	return nil
}

// canary runs a self-test: a synthetic unit vector must come back as
// its own nearest neighbor. The probe is never persisted.
func (s *Store) canary() error {
	probe := make([]float32, s.dim)
	probe[0] = 1
	s.mu.Lock()
	s.records["\x00canary"] = &types.VectorRecord{NoteID: "\x00canary", Vector: probe}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.records, "\x00canary")
		s.mu.Unlock()
	}()

	matches := s.Query(probe, 1)
	if len(matches) == 0 || matches[0].NoteID != "\x00canary" || matches[0].Score < 0.999 {
		return ErrCanaryFailed
	}
	return nil
}

func (s *Store) append(e op) error {
	b, err := json.Marshal(e)
	if err != nil {
		return types.NewStoreTransient(err)
	}
	b = append(b, '\n')
	if _, err := s.file.Write(b); err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to append vector log: %w", err))
	}
	return s.file.Sync()
}

// Upsert inserts or replaces the vector for a note.
func (s *Store) Upsert(rec *types.VectorRecord) error {
	if len(rec.Vector) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Vector), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.records[rec.NoteID]; existed {
		s.dirty++
	}
	s.records[rec.NoteID] = rec
	return s.append(op{Op: "upsert", Record: rec})
}

// Delete removes a note's vector. Deleting an absent id is a no-op.
func (s *Store) Delete(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[noteID]; !ok {
		return nil
	}
	delete(s.records, noteID)
	s.dirty += 2 // the original upsert and this delete are both garbage
	return s.append(op{Op: "delete", NoteID: noteID})
}

// ContentHash returns the stored content hash for a note, or "" when
// the note has no vector. Used to skip no-op re-embeddings.
func (s *Store) ContentHash(noteID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[noteID]; ok {
		return r.ContentHash
	}
	return ""
}

// IDs lists every indexed note id.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of indexed vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Query returns the k nearest neighbors of vec by cosine similarity,
// best first, ties broken by note id. Records persisted with a
// different dimension are skipped.
func (s *Store) Query(vec []float32, k int) []Match {
	if k <= 0 || len(vec) != s.dim {
		return nil
	}
	qn := norm(vec)
	if qn == 0 {
		return nil
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for id, r := range s.records {
		if len(r.Vector) != s.dim {
			continue
		}
		rn := norm(r.Vector)
		if rn == 0 {
			continue
		}
		matches = append(matches, Match{NoteID: id, Score: dot(vec, r.Vector) / (qn * rn)})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].NoteID < matches[j].NoteID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// NeedsCompaction reports whether the log carries more garbage than
// live records.
func (s *Store) NeedsCompaction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty > len(s.records) && s.dirty > 64
}

// Compact rewrites the log as a minimal snapshot: one upsert per live
// record, written to a temp file and renamed over the old log.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, logFile+".tmp-*")
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to create compaction file: %w", err))
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b, err := json.Marshal(op{Op: "upsert", Record: s.records[id]})
		if err != nil {
			_ = tmp.Close()
			return types.NewStoreTransient(err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = tmp.Close()
			return types.NewStoreTransient(err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return types.NewStoreTransient(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return types.NewStoreTransient(err)
	}
	if err := tmp.Close(); err != nil {
		return types.NewStoreTransient(err)
	}

	if err := s.file.Close(); err != nil {
		return types.NewStoreTransient(err)
	}
	if err := os.Rename(tmp.Name(), s.logPath()); err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to swap compacted log: %w", err))
	}
	f, err := os.OpenFile(s.logPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to reopen vector log: %w", err))
	}
	s.file = f
	s.dirty = 0
	return nil
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
