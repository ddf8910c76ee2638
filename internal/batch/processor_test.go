package batch

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/privacy"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
)

type fakeRepo struct {
	commits [][]types.FileArtifact
	err     error
}

func (f *fakeRepo) EnsureRepo(ctx context.Context) error { return nil }

func (f *fakeRepo) CommitFiles(ctx context.Context, batchID string, files []types.FileArtifact) error {
	if f.err != nil {
		return f.err
	}
	f.commits = append(f.commits, files)
	return nil
}

func newTestProcessor(t *testing.T, repo Committer, opts Options) (*Processor, *queue.Queue) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir()+"/q.db", sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.New(store.UnderlyingDB(), queue.Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return New(q, repo, nil, zerolog.Nop(), opts), q
}

func enqueueArtifact(t *testing.T, q *queue.Queue, f types.FileArtifact, key string) int64 {
	t.Helper()
	payload, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := q.Enqueue(context.Background(), payload, 0, key)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return seq
}

func TestCycleCommitsWholeBatchOnce(t *testing.T) {
	repo := &fakeRepo{}
	p, q := newTestProcessor(t, repo, Options{BatchSize: 10})
	ctx := context.Background()

	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/a.md", Body: "#hello\n"}, "k1")
	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/b.md", Body: "[[a]]"}, "k2")
	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/c.md", Body: ""}, "k3")

	n, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if n != 3 {
		t.Errorf("processed %d, want 3", n)
	}
	if len(repo.commits) != 1 {
		t.Fatalf("%d commits, want 1", len(repo.commits))
	}
	if len(repo.commits[0]) != 3 {
		t.Errorf("%d files in commit, want 3", len(repo.commits[0]))
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("queue depth %d after success, want 0", depth)
	}
}

func TestCycleMalformedItemFailsAlone(t *testing.T) {
	repo := &fakeRepo{}
	p, q := newTestProcessor(t, repo, Options{BatchSize: 10})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("not json"), 0, "bad"); err != nil {
		t.Fatal(err)
	}
	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/ok.md", Body: "fine"}, "ok")

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(repo.commits) != 1 || len(repo.commits[0]) != 1 {
		t.Fatalf("commits %+v", repo.commits)
	}
	if repo.commits[0][0].Path != "notes/ok.md" {
		t.Errorf("wrong file committed: %+v", repo.commits[0])
	}

	// The malformed item is failed, not completed: still in the queue
	// awaiting its backoff.
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("queue depth %d, want 1", depth)
	}
}

func TestCycleCommitFailureRetriesBatch(t *testing.T) {
	repo := &fakeRepo{err: &types.GitError{Op: "push", Err: errors.New("could not resolve host")}}
	p, q := newTestProcessor(t, repo, Options{BatchSize: 10})
	ctx := context.Background()

	seq := enqueueArtifact(t, q, types.FileArtifact{Path: "notes/a.md", Body: "x"}, "k1")

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("failed item left the queue (depth %d)", depth)
	}

	// After the backoff window the same item leases again and a healed
	// remote completes it.
	repo.err = nil
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := p.Cycle(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("item never became visible again")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(repo.commits) != 1 {
		t.Fatalf("%d commits after recovery", len(repo.commits))
	}
	if repo.commits[0][0].Path != "notes/a.md" {
		t.Errorf("unexpected file: %+v", repo.commits[0])
	}
	_ = seq
}

func TestCyclePrivacyBlockNeverLeaksContent(t *testing.T) {
	store, err := sqlite.Open(t.TempDir()+"/q.db", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.New(store.UnderlyingDB(), queue.Options{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	filter := privacy.NewFilter(store, zerolog.Nop())
	filter.SetCustomRules([]privacy.Rule{{
		ID:      "internal_codeword",
		Level:   types.PrivacyLow,
		Pattern: regexp.MustCompile(`hushhush-\d+`),
		Block:   true,
	}})

	repo := &fakeRepo{}
	p := New(q, repo, filter, zerolog.Nop(), Options{PrivacyLevel: types.PrivacyHigh})
	ctx := context.Background()

	secret := "the codeword is hushhush-42"
	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/s.md", Body: secret, OriginRef: "m1"}, "k1")

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(repo.commits) != 0 {
		t.Fatal("blocked content reached the repo")
	}

	// The recorded failure cause must not carry the matched content.
	var lastErr string
	row := store.UnderlyingDB().QueryRow(`SELECT last_error FROM queue_items`)
	if err := row.Scan(&lastErr); err != nil {
		t.Fatalf("read last_error: %v", err)
	}
	if strings.Contains(lastErr, "hushhush") {
		t.Errorf("failure cause leaks content: %q", lastErr)
	}
	if !strings.Contains(lastErr, "privacy") {
		t.Errorf("failure cause unhelpful: %q", lastErr)
	}
}

func TestCyclePrivacyMasksOutboundBody(t *testing.T) {
	store, err := sqlite.Open(t.TempDir()+"/q.db", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.New(store.UnderlyingDB(), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}

	repo := &fakeRepo{}
	p := New(q, repo, privacy.NewFilter(store, zerolog.Nop()), zerolog.Nop(),
		Options{PrivacyLevel: types.PrivacyMedium})
	ctx := context.Background()

	enqueueArtifact(t, q, types.FileArtifact{
		Path: "notes/c.md", Body: "email me at alice@example.com", OriginRef: "m2"}, "k1")

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if len(repo.commits) != 1 {
		t.Fatal("masked item not committed")
	}
	body := repo.commits[0][0].Body
	if strings.Contains(body, "alice@example.com") {
		t.Errorf("address survived outbound masking: %q", body)
	}
}

func TestRunDrainsOnWake(t *testing.T) {
	repo := &fakeRepo{}
	p, q := newTestProcessor(t, repo, Options{BatchSize: 10, BatchTimeout: time.Hour, LeaseDur: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	// The enqueue signals the wake channel; the worker must pick the
	// item up long before the hour-long timeout.
	enqueueArtifact(t, q, types.FileArtifact{Path: "notes/w.md", Body: "x"}, "k1")

	deadline := time.After(5 * time.Second)
	for {
		ctxDepth, _ := q.Depth(context.Background())
		if ctxDepth == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never drained the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
