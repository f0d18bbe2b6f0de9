package vcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"overseer/internal/domain"
	"overseer/internal/errkind"
)

// GitBackend implements Backend against a local git working copy.
type GitBackend struct{}

func (GitBackend) Detect(ctx context.Context, path string) (domain.VCSType, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return "", errkind.VCSRepoNotFound(path)
	}
	return domain.VCSGit, nil
}

func (GitBackend) EnsureClean(ctx context.Context, path string) error {
	out, stderr, err := runCommand(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return errkind.BackendError(cmdError(stderr, err))
	}
	if strings.TrimSpace(out) != "" {
		return errkind.DirtyWorkingCopy(path)
	}
	return nil
}

func (GitBackend) HeadCommit(ctx context.Context, path string) (string, error) {
	out, stderr, err := runCommand(ctx, path, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errkind.BackendError(cmdError(stderr, err))
	}
	return out, nil
}

func (GitBackend) CreateRef(ctx context.Context, path, name string) (string, error) {
	_, stderr, err := runCommand(ctx, path, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return "", errkind.RefAlreadyExists(name)
	}
	_, stderr, err = runCommand(ctx, path, "git", "branch", name)
	if err != nil {
		return "", errkind.BackendError(cmdError(stderr, err))
	}
	head, err := GitBackend{}.HeadCommit(ctx, path)
	if err != nil {
		return "", err
	}
	return head, nil
}

func (GitBackend) CheckoutRef(ctx context.Context, path, name string) error {
	_, _, err := runCommand(ctx, path, "git", "checkout", name)
	if err != nil {
		return errkind.RefNotFound(name)
	}
	return nil
}

func (GitBackend) CommitAll(ctx context.Context, path, message string) (string, error) {
	_, stderr, err := runCommand(ctx, path, "git", "add", "-A")
	if err != nil {
		return "", errkind.CommitFailed(cmdError(stderr, err))
	}
	_, stderr, err = runCommand(ctx, path, "git", "commit", "--allow-empty", "-m", message)
	if err != nil {
		return "", errkind.CommitFailed(cmdError(stderr, err))
	}
	return GitBackend{}.HeadCommit(ctx, path)
}

func (GitBackend) DiffRange(ctx context.Context, path, base, head string) (Diff, error) {
	out, stderr, err := runCommand(ctx, path, "git", "diff", base, head)
	if err != nil {
		return Diff{}, errkind.DiffFailed(cmdError(stderr, err))
	}
	return Diff{Base: base, Head: head, Files: ParseUnifiedDiff(out)}, nil
}

func (GitBackend) DeleteRef(ctx context.Context, path, name string) error {
	_, _, err := runCommand(ctx, path, "git", "branch", "-D", name)
	if err != nil {
		return errkind.RefNotFound(name)
	}
	return nil
}
