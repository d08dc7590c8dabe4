package git

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// RepositoryType classifies a discovered repository per spec.md §3.
type RepositoryType string

const (
	RepoRegular   RepositoryType = "REGULAR"
	RepoSubmodule RepositoryType = "SUBMODULE"
	RepoBare      RepositoryType = "BARE"
	RepoWorktree  RepositoryType = "WORKTREE"
)

// RepositorySummary is the result of a workspace scan for one repository.
type RepositorySummary struct {
	Path       string
	Type       RepositoryType
	ParentPath string
}

// ScanAllRepositories discovers repositories by walking the workspace root
// and identifying directories containing a Git metadata marker (a `.git`
// directory, or a `.git` file for submodule gitlinks), per spec.md §4.9.
// Walking is done through afero.Fs so the scan is testable against an
// in-memory filesystem without touching disk.
func (e *Executor) ScanAllRepositories(ctx context.Context) ([]RepositorySummary, error) {
	var repos []RepositorySummary

	var walk func(dir string, parent string) error
	walk = func(dir string, parent string) error {
		gitMarker := filepath.Join(dir, ".git")
		isRepo, isSubmodule := e.classifyMarker(gitMarker)
		if isRepo {
			repoType := RepoRegular
			parentPath := ""
			if isSubmodule {
				repoType = RepoSubmodule
				parentPath = parent
			}
			repos = append(repos, RepositorySummary{Path: dir, Type: repoType, ParentPath: parentPath})
		}

		entries, err := afero.ReadDir(e.FS, dir)
		if err != nil {
			return nil
		}
		nextParent := parent
		if isRepo {
			nextParent = dir
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == ".git" || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := walk(filepath.Join(dir, entry.Name()), nextParent); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(e.WorkspaceRoot, ""); err != nil {
		return nil, err
	}
	return repos, nil
}

// classifyMarker reports whether path is a git metadata marker, and whether
// it is a submodule gitlink (a `.git` file containing `gitdir: ...`) rather
// than a regular `.git` directory.
func (e *Executor) classifyMarker(path string) (isRepo, isSubmodule bool) {
	info, err := e.FS.Stat(path)
	if err != nil {
		return false, false
	}
	if info.IsDir() {
		return true, false
	}
	data, err := afero.ReadFile(e.FS, path)
	if err != nil {
		return false, false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:"), true
}

// RepositoryStats aggregates totals across a detailed scan (spec.md §4.9).
type RepositoryStats struct {
	TotalRepositories int
	DirtyRepositories int
	UncommittedFiles  int
	Additions         int
	Deletions         int
	ByType            map[RepositoryType]int
}

// DetailedRepository bundles the status, diff, and recent history collected
// by ScanAllDetailed for one repository.
type DetailedRepository struct {
	RepositorySummary
	Files         []FileStatus
	Diff          string
	RecentCommits []Commit
}

// DefaultHistoryDepth bounds recent commit collection (spec.md §4.9:
// "default 10 commits").
const DefaultHistoryDepth = 10

// ScanAllDetailed discovers repositories and, for each, collects status,
// diffs, and recent history, plus aggregate RepositoryStats.
func (e *Executor) ScanAllDetailed(ctx context.Context) ([]DetailedRepository, RepositoryStats, error) {
	repos, err := e.ScanAllRepositories(ctx)
	if err != nil {
		return nil, RepositoryStats{}, err
	}

	stats := RepositoryStats{TotalRepositories: len(repos), ByType: make(map[RepositoryType]int)}
	var detailed []DetailedRepository

	for _, r := range repos {
		rel, relErr := filepath.Rel(e.WorkspaceRoot, r.Path)
		if relErr != nil {
			rel = r.Path
		}

		stats.ByType[r.Type]++

		out, gerr := e.Execute(ctx, rel, "status", "--porcelain=v1")
		var files []FileStatus
		if gerr == nil {
			files = ParsePorcelainStatus(out)
		}
		if IsDirty(files) {
			stats.DirtyRepositories++
			stats.UncommittedFiles += len(files)
		}

		diffOut, _ := e.Execute(ctx, rel, "diff")
		for _, line := range strings.Split(diffOut, "\n") {
			switch {
			case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			case strings.HasPrefix(line, "+"):
				stats.Additions++
			case strings.HasPrefix(line, "-"):
				stats.Deletions++
			}
		}
		diffOut = truncate(diffOut)

		logOut, _ := e.Execute(ctx, rel, "log", "--max-count=10", "--pretty=format:%H%x09%h%x09%an%x09%ae%x09%s%x09%ct")
		commits := parseLog(logOut)

		detailed = append(detailed, DetailedRepository{
			RepositorySummary: r,
			Files:             files,
			Diff:              diffOut,
			RecentCommits:     commits,
		})
	}

	return detailed, stats, nil
}
