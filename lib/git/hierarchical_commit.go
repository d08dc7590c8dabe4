package git

import (
	"context"

	"go.uber.org/multierr"
)

// RepoCommitResult is the per-repository outcome of a hierarchical commit or
// push, per spec.md §4.10.
type RepoCommitResult struct {
	Path   string
	Hash   string
	Error  error
}

// HierarchicalCommitResult aggregates a hierarchical commit across a parent
// repository and its submodules.
type HierarchicalCommitResult struct {
	ParentCommit      *RepoCommitResult
	SubmoduleCommits  []RepoCommitResult
	SuccessCount      int
	TotalRepositories int
	Success           bool
}

// CommitHierarchical implements spec.md §4.10's algorithm: commit dirty
// submodules first in discovery order, then stage submodule pointer updates
// and commit the parent. This is best-effort sequenced, not atomic — if a
// submodule commit fails, later submodules and the parent are skipped, and
// the parent is never committed when any submodule commit failed.
func (e *Executor) CommitHierarchical(ctx context.Context, parentRelPath string, submoduleRelPaths []string, message, authorName, authorEmail string) (HierarchicalCommitResult, error) {
	result := HierarchicalCommitResult{TotalRepositories: 1 + len(submoduleRelPaths)}
	anySubmoduleFailed := false
	var errs error

	for _, sub := range submoduleRelPaths {
		dirty, err := e.isDirty(ctx, sub)
		if err != nil {
			errs = multierr.Append(errs, err)
			anySubmoduleFailed = true
			continue
		}
		if !dirty {
			result.TotalRepositories--
			continue
		}
		if anySubmoduleFailed {
			break
		}

		if _, addErr := runUnlisted(ctx, e, sub, "add", "."); addErr != nil {
			errs = multierr.Append(errs, addErr)
			anySubmoduleFailed = true
			result.SubmoduleCommits = append(result.SubmoduleCommits, RepoCommitResult{Path: sub, Error: addErr})
			continue
		}

		hash, err := e.commitOne(ctx, sub, message, authorName, authorEmail)
		r := RepoCommitResult{Path: sub, Hash: hash, Error: err}
		result.SubmoduleCommits = append(result.SubmoduleCommits, r)
		if err != nil {
			errs = multierr.Append(errs, err)
			anySubmoduleFailed = true
			continue
		}
		result.SuccessCount++
	}

	if anySubmoduleFailed {
		result.Success = false
		return result, errs
	}

	parentDirty, err := e.isDirty(ctx, parentRelPath)
	if err != nil {
		return result, err
	}
	if !parentDirty && len(result.SubmoduleCommits) == 0 {
		result.TotalRepositories--
		result.Success = true
		return result, nil
	}

	if _, gerr := e.Execute(ctx, parentRelPath, "status"); gerr == nil {
		if _, addErr := runUnlisted(ctx, e, parentRelPath, "add", "."); addErr != nil {
			return result, addErr
		}
	}
	hash, commitErr := e.commitOne(ctx, parentRelPath, message, authorName, authorEmail)
	result.ParentCommit = &RepoCommitResult{Path: parentRelPath, Hash: hash, Error: commitErr}
	if commitErr != nil {
		errs = multierr.Append(errs, commitErr)
		result.Success = false
		return result, errs
	}
	result.SuccessCount++
	result.Success = true
	if e.Audit != nil {
		e.Audit.LogCommit(ctx, parentRelPath, hash, submoduleRelPaths)
	}
	return result, errs
}

// PushHierarchical pushes each committed repository from a prior
// CommitHierarchical result in the same order (submodules first, then
// parent). Push failures are reported per-repo without undoing commits.
func (e *Executor) PushHierarchical(ctx context.Context, result HierarchicalCommitResult) []RepoCommitResult {
	var pushResults []RepoCommitResult
	for _, sub := range result.SubmoduleCommits {
		if sub.Error != nil {
			continue
		}
		_, err := runUnlisted(ctx, e, sub.Path, "push")
		pushResults = append(pushResults, RepoCommitResult{Path: sub.Path, Hash: sub.Hash, Error: err})
	}
	if result.ParentCommit != nil && result.ParentCommit.Error == nil {
		_, err := runUnlisted(ctx, e, result.ParentCommit.Path, "push")
		pushResults = append(pushResults, RepoCommitResult{Path: result.ParentCommit.Path, Hash: result.ParentCommit.Hash, Error: err})
	}
	return pushResults
}

func (e *Executor) isDirty(ctx context.Context, relPath string) (bool, error) {
	out, err := e.Execute(ctx, relPath, "status", "--porcelain=v1")
	if err != nil {
		return false, err
	}
	return IsDirty(ParsePorcelainStatus(out)), nil
}

func (e *Executor) commitOne(ctx context.Context, relPath, message, authorName, authorEmail string) (string, error) {
	author := authorName + " <" + authorEmail + ">"
	if _, err := runUnlisted(ctx, e, relPath, "commit", "-m", message, "--author="+author); err != nil {
		return "", err
	}
	hash, err := runUnlisted(ctx, e, relPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return trimHash(hash), nil
}

// runUnlisted runs commit/push/add, which executeGitCommand's allowlist
// deliberately excludes (spec.md §4.9) but which the typed hierarchical
// commit mutation (§4.10) is permitted to invoke directly.
func runUnlisted(ctx context.Context, e *Executor, relPath, subcommand string, args ...string) (string, error) {
	dir, gerr := e.resolveWorkdir(relPath)
	if gerr != nil {
		return "", gerr
	}
	return runGit(ctx, e.binaryPath(), dir, subcommand, args...)
}
