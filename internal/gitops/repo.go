// Package gitops owns the vault working copy and every interaction
// with the git remote. Commands run through the system git binary with
// argument arrays and per-operation timeouts; command output is
// credential-scrubbed before it reaches an error or a log line.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/auth"
	"github.com/inkporter/inkporter/internal/security"
	"github.com/inkporter/inkporter/internal/types"
)

// Per-operation timeouts. Clone moves the most data; commit is local.
const (
	cloneTimeout  = 300 * time.Second
	fetchTimeout  = 120 * time.Second
	commitTimeout = 30 * time.Second
	pushTimeout   = 180 * time.Second

	pushRetries = 3
)

// Repo manages one instance's working copy of the vault. Instances
// share a data root but never a worktree: each works under
// git/instance_<id>/ so two processes cannot corrupt each other's
// index.
type Repo struct {
	remote     string
	branch     string
	dir        string
	tokens     auth.TokenSource
	log        zerolog.Logger
	authorName string
	authorMail string
}

// Options configure the repo manager.
type Options struct {
	Remote     string
	Branch     string
	DataRoot   string
	InstanceID string
	Tokens     auth.TokenSource
	AuthorName string
	AuthorMail string
}

// New builds the manager. The worktree directory is created lazily by
// EnsureRepo.
func New(opts Options, log zerolog.Logger) (*Repo, error) {
	if opts.Remote == "" {
		return nil, types.NewConfigError("git.remote", "required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.InstanceID == "" {
		return nil, types.NewConfigError("instance.id", "required")
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "inkporter"
	}
	if opts.AuthorMail == "" {
		opts.AuthorMail = "inkporter@localhost"
	}
	return &Repo{
		remote:     opts.Remote,
		branch:     opts.Branch,
		dir:        filepath.Join(opts.DataRoot, "git", "instance_"+opts.InstanceID),
		tokens:     opts.Tokens,
		log:        log.With().Str("component", "gitops").Logger(),
		authorName: opts.AuthorName,
		authorMail: opts.AuthorMail,
	}, nil
}

// Dir returns the worktree path.
func (r *Repo) Dir() string { return r.dir }

// authRemote returns the remote URL with credentials injected. The
// credentialed URL is passed per-command and never written to git
// config, so a leaked worktree leaks no token.
func (r *Repo) authRemote(ctx context.Context) (string, error) {
	if r.tokens == nil {
		return r.remote, nil
	}
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return "", &types.GitError{Permanent: true, Op: "auth", Err: err}
	}
	return auth.InjectToken(r.remote, token)
}

// runGit executes one git command in the worktree with a timeout.
// Arguments are always passed as an array; nothing is shelled out.
func (r *Repo) runGit(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME="+r.authorName,
		"GIT_AUTHOR_EMAIL="+r.authorMail,
		"GIT_COMMITTER_NAME="+r.authorName,
		"GIT_COMMITTER_EMAIL="+r.authorMail,
	)
	out, err := cmd.CombinedOutput()
	scrubbed := auth.Redact(string(out))
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return scrubbed, &types.GitError{Op: args[0],
				Err: fmt.Errorf("timed out after %s", timeout)}
		}
		return scrubbed, classifyGit(args[0], scrubbed, err)
	}
	return scrubbed, nil
}

// classifyGit buckets a failure by its output. Auth and ref problems
// are permanent; network, locking and non-fast-forward are transient.
func classifyGit(op, output string, err error) error {
	lower := strings.ToLower(output)
	permanent := []string{
		"authentication failed",
		"permission denied",
		"could not read username",
		"repository not found",
		"invalid refspec",
		"is not a valid ref",
	}
	for _, marker := range permanent {
		if strings.Contains(lower, marker) {
			return &types.GitError{Permanent: true, Op: op,
				Err: fmt.Errorf("%s: %w", strings.TrimSpace(output), err)}
		}
	}
	return &types.GitError{Op: op, Err: fmt.Errorf("%s: %w", strings.TrimSpace(output), err)}
}

// EnsureRepo makes the worktree exist and match the remote branch:
// shallow clone when absent, fetch and hard reset when present, full
// reclone when the worktree no longer answers as a repository.
func (r *Repo) EnsureRepo(ctx context.Context) error {
	if !r.isRepo(ctx) {
		return r.clone(ctx)
	}
	if err := r.syncToRemote(ctx); err != nil {
		if types.IsGitTransient(err) {
			return err
		}
		// A permanently broken worktree is disposable; the remote is
		// the source of truth.
		r.log.Warn().Err(err).Msg("worktree unusable, recloning")
		if rmErr := os.RemoveAll(r.dir); rmErr != nil {
			return &types.GitError{Permanent: true, Op: "reclone", Err: rmErr}
		}
		return r.clone(ctx)
	}
	return nil
}

// isRepo verifies the worktree both exists and can resolve HEAD, so a
// gutted object store reads as not-a-repo and triggers a reclone.
func (r *Repo) isRepo(ctx context.Context) bool {
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err != nil {
		return false
	}
	_, err := r.runGit(ctx, commitTimeout, "rev-parse", "--verify", "HEAD")
	return err == nil
}

func (r *Repo) clone(ctx context.Context) error {
	if err := os.RemoveAll(r.dir); err != nil {
		return &types.GitError{Permanent: true, Op: "clone", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(r.dir), 0o755); err != nil {
		return &types.GitError{Permanent: true, Op: "clone", Err: err}
	}
	url, err := r.authRemote(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	// History is irrelevant to the pipeline; depth 1 keeps clones fast
	// on long-lived vaults.
	cmd := exec.CommandContext(cctx, "git", "clone",
		"--depth", "1", "--branch", r.branch, "--single-branch", url, r.dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, cmdErr := cmd.CombinedOutput()
	if cmdErr != nil {
		scrubbed := auth.Redact(string(out))
		if cctx.Err() == context.DeadlineExceeded {
			return &types.GitError{Op: "clone", Err: fmt.Errorf("timed out after %s", cloneTimeout)}
		}
		return classifyGit("clone", scrubbed, cmdErr)
	}
	r.log.Info().Str("branch", r.branch).Msg("vault cloned")
	return nil
}

func (r *Repo) syncToRemote(ctx context.Context) error {
	url, err := r.authRemote(ctx)
	if err != nil {
		return err
	}
	if _, err := r.runGit(ctx, fetchTimeout, "fetch", "--depth", "1", url, r.branch); err != nil {
		return err
	}
	if _, err := r.runGit(ctx, commitTimeout, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return err
	}
	// Leftovers from a crashed batch would otherwise sneak into the
	// next commit.
	if _, err := r.runGit(ctx, commitTimeout, "clean", "-fd"); err != nil {
		return err
	}
	return nil
}

// CommitFiles writes the artifacts atomically into the worktree,
// stages exactly those paths, commits once for the whole batch, and
// pushes. On a rejected push it refetches, rebases and retries.
func (r *Repo) CommitFiles(ctx context.Context, batchID string, files []types.FileArtifact) error {
	if len(files) == 0 {
		return nil
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := security.ValidatePath(r.dir, f.Path)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(abs, []byte(f.Body)); err != nil {
			return &types.GitError{Permanent: true, Op: "write",
				Err: fmt.Errorf("failed to write %s: %w", f.Path, err)}
		}
		paths = append(paths, f.Path)
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := r.runGit(ctx, commitTimeout, addArgs...); err != nil {
		return err
	}

	// Identical content re-delivered after a crash produces an empty
	// diff. That can mean two things: the batch already reached the
	// remote, or a previous run committed locally and died before the
	// push landed. Only the first is a clean success; the second still
	// owes the remote a push.
	if _, err := r.runGit(ctx, commitTimeout, "diff", "--cached", "--quiet"); err == nil {
		ahead, err := r.aheadOfRemote(ctx)
		if err != nil {
			return err
		}
		if ahead > 0 {
			r.log.Warn().Str("batch", batchID).Int("commits", ahead).
				Msg("pushing stranded local commits")
			return r.push(ctx)
		}
		r.log.Debug().Str("batch", batchID).Msg("batch produced no changes")
		return nil
	}

	msg := fmt.Sprintf("inkporter: batch %s (%d files)", batchID, len(files))
	if _, err := r.runGit(ctx, commitTimeout, "commit", "-m", msg); err != nil {
		return err
	}
	return r.push(ctx)
}

// aheadOfRemote counts local commits the remote branch does not have.
func (r *Repo) aheadOfRemote(ctx context.Context) (int, error) {
	url, err := r.authRemote(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := r.runGit(ctx, fetchTimeout, "fetch", "--depth", "1", url, r.branch); err != nil {
		return 0, err
	}
	out, err := r.runGit(ctx, commitTimeout, "rev-list", "--count", "FETCH_HEAD..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, &types.GitError{Op: "rev-list",
			Err: fmt.Errorf("unparseable commit count %q: %w", strings.TrimSpace(out), err)}
	}
	return n, nil
}

func (r *Repo) push(ctx context.Context) error {
	url, err := r.authRemote(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		_, pushErr := r.runGit(ctx, pushTimeout, "push", url, "HEAD:"+r.branch)
		if pushErr == nil {
			return nil
		}
		lastErr = pushErr
		if !types.IsGitTransient(pushErr) {
			return pushErr
		}

		// Somebody else pushed first; replay our commit on top.
		r.log.Warn().Int("attempt", attempt).Msg("push rejected, rebasing onto remote")
		if _, err := r.runGit(ctx, fetchTimeout, "fetch", "--depth", "1", url, r.branch); err != nil {
			return err
		}
		if _, err := r.runGit(ctx, commitTimeout, "rebase", "FETCH_HEAD"); err != nil {
			// A content conflict cannot be resolved mechanically; abort
			// and surface for replay.
			_, _ = r.runGit(ctx, commitTimeout, "rebase", "--abort")
			return err
		}

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &types.GitError{Op: "push",
		Err: fmt.Errorf("failed after %d attempts: %w", pushRetries, lastErr)}
}

// HeadCommit returns the current HEAD SHA.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, commitTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// writeFileAtomic writes via temp file and rename so a crash never
// leaves a half-written note in the worktree.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
