package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/types"
)

// runCmd runs a git command against a fixture repo and fails the test
// on any error.
func runCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=fixture", "GIT_AUTHOR_EMAIL=fixture@test",
		"GIT_COMMITTER_NAME=fixture", "GIT_COMMITTER_EMAIL=fixture@test",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// newBareRemote builds a bare repo with one commit on main and returns
// its path, usable as a file:// style remote.
func newBareRemote(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	bare := filepath.Join(base, "remote.git")
	seed := filepath.Join(base, "seed")

	runCmd(t, base, "init", "--bare", "--initial-branch=main", bare)
	runCmd(t, base, "init", "--initial-branch=main", seed)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# vault\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runCmd(t, seed, "add", "README.md")
	runCmd(t, seed, "commit", "-m", "seed")
	runCmd(t, seed, "push", bare, "main")
	return bare
}

func newTestRepo(t *testing.T, remote string) *Repo {
	t.Helper()
	r, err := New(Options{
		Remote:     remote,
		Branch:     "main",
		DataRoot:   t.TempDir(),
		InstanceID: "test",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestEnsureRepoClonesAndIsIdempotent(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()

	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "README.md")); err != nil {
		t.Fatalf("worktree missing seed file: %v", err)
	}

	// Second call syncs instead of cloning and still succeeds.
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatalf("second EnsureRepo: %v", err)
	}
}

func TestCommitFilesPushesBatch(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}

	files := []types.FileArtifact{
		{Path: "notes/first.md", Body: "# First\n\nbody one\n"},
		{Path: "notes/nested/second.md", Body: "# Second\n\nbody two\n"},
	}
	if err := r.CommitFiles(ctx, "batch-001", files); err != nil {
		t.Fatalf("CommitFiles: %v", err)
	}

	// The remote's tip carries the batch id and both files.
	log := runCmd(t, remote, "log", "-1", "--format=%s", "main")
	if !strings.Contains(log, "batch-001") {
		t.Errorf("commit message %q lacks batch id", log)
	}
	tree := runCmd(t, remote, "ls-tree", "-r", "--name-only", "main")
	for _, want := range []string{"notes/first.md", "notes/nested/second.md"} {
		if !strings.Contains(tree, want) {
			t.Errorf("remote tree missing %s:\n%s", want, tree)
		}
	}
}

func TestCommitFilesIdenticalContentNoOp(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatal(err)
	}

	files := []types.FileArtifact{{Path: "notes/dup.md", Body: "same content\n"}}
	if err := r.CommitFiles(ctx, "batch-a", files); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	before := runCmd(t, remote, "rev-parse", "main")

	// Redelivery of the same artifact must succeed without a new commit.
	if err := r.CommitFiles(ctx, "batch-b", files); err != nil {
		t.Fatalf("redelivered commit: %v", err)
	}
	after := runCmd(t, remote, "rev-parse", "main")
	if before != after {
		t.Error("identical redelivery created a new commit")
	}
}

func TestCommitFilesPushesStrandedCommit(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatal(err)
	}

	// Take the remote away so the commit lands locally but the push
	// dies, the shape a crash-between-commit-and-push leaves behind.
	aside := remote + ".aside"
	if err := os.Rename(remote, aside); err != nil {
		t.Fatal(err)
	}
	files := []types.FileArtifact{{Path: "notes/stranded.md", Body: "survives\n"}}
	if err := r.CommitFiles(ctx, "batch-s1", files); err == nil {
		t.Fatal("CommitFiles succeeded with the remote gone")
	}
	if err := os.Rename(aside, remote); err != nil {
		t.Fatal(err)
	}

	// Redelivery stages an empty diff, but the local commit never
	// reached the remote and must be pushed now.
	if err := r.CommitFiles(ctx, "batch-s1", files); err != nil {
		t.Fatalf("redelivered CommitFiles: %v", err)
	}
	log := runCmd(t, remote, "log", "-1", "--format=%s", "main")
	if !strings.Contains(log, "batch-s1") {
		t.Errorf("remote tip %q lacks the stranded batch", log)
	}

	// A subsequent sync keeps the note rather than resetting it away.
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatalf("EnsureRepo after recovery: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "notes", "stranded.md")); err != nil {
		t.Errorf("note lost after sync: %v", err)
	}
}

func TestCommitFilesRejectsEscapingPath(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatal(err)
	}

	bad := []types.FileArtifact{{Path: "../outside.md", Body: "nope"}}
	if err := r.CommitFiles(ctx, "batch-x", bad); !types.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(r.Dir()), "outside.md")); !os.IsNotExist(err) {
		t.Error("escaping path was written")
	}
}

func TestPushRebasesOnRemoteAdvance(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatal(err)
	}

	// Another writer advances the remote behind our back.
	other := filepath.Join(t.TempDir(), "other")
	runCmd(t, filepath.Dir(other), "clone", remote, other)
	if err := os.WriteFile(filepath.Join(other, "theirs.md"), []byte("theirs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runCmd(t, other, "add", "theirs.md")
	runCmd(t, other, "commit", "-m", "concurrent write")
	runCmd(t, other, "push", "origin", "main")

	files := []types.FileArtifact{{Path: "ours.md", Body: "ours\n"}}
	if err := r.CommitFiles(ctx, "batch-rebase", files); err != nil {
		t.Fatalf("CommitFiles over advanced remote: %v", err)
	}

	tree := runCmd(t, remote, "ls-tree", "-r", "--name-only", "main")
	if !strings.Contains(tree, "theirs.md") || !strings.Contains(tree, "ours.md") {
		t.Errorf("remote lost a side of the race:\n%s", tree)
	}
}

func TestEnsureRepoReclonesCorruptWorktree(t *testing.T) {
	remote := newBareRemote(t)
	r := newTestRepo(t, remote)
	ctx := context.Background()
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatal(err)
	}

	// Gut the metadata so the worktree stops answering as a repo.
	if err := os.RemoveAll(filepath.Join(r.Dir(), ".git", "objects")); err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureRepo(ctx); err != nil {
		t.Fatalf("EnsureRepo after corruption: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "README.md")); err != nil {
		t.Fatalf("recloned worktree missing seed file: %v", err)
	}
}

func TestEnsureRepoBadRemoteIsGitError(t *testing.T) {
	r := newTestRepo(t, filepath.Join(t.TempDir(), "does-not-exist.git"))
	err := r.EnsureRepo(context.Background())
	if err == nil {
		t.Fatal("clone from missing remote succeeded")
	}
	var ge *types.GitError
	if !errors.As(err, &ge) {
		t.Fatalf("want GitError, got %T: %v", err, err)
	}
}

func TestClassifyGit(t *testing.T) {
	cases := []struct {
		output    string
		permanent bool
	}{
		{"fatal: Authentication failed for 'https://example.com'", true},
		{"ERROR: Permission denied (publickey)", true},
		{"fatal: repository not found", true},
		{"fatal: unable to access: Could not resolve host", false},
		{"error: failed to push some refs (non-fast-forward)", false},
		{"fatal: Unable to create index.lock: File exists", false},
	}
	for _, tc := range cases {
		err := classifyGit("push", tc.output, errors.New("exit status 128"))
		if got := !types.IsGitTransient(err); got != tc.permanent {
			t.Errorf("%q: permanent=%v, want %v", tc.output, got, tc.permanent)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "note.md")
	if err := writeFileAtomic(path, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := writeFileAtomic(path, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "v2" {
		t.Fatalf("content %q err=%v", got, err)
	}
	// No temp debris left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
