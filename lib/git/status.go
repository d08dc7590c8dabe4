package git

import (
	"strings"
)

// FileStatusCode is one of the classifications spec.md §3/§4.9 requires.
type FileStatusCode string

const (
	StatusModified  FileStatusCode = "M"
	StatusAdded     FileStatusCode = "A"
	StatusDeleted   FileStatusCode = "D"
	StatusRenamed   FileStatusCode = "R"
	StatusUntracked FileStatusCode = "untracked"
)

// FileStatus is one entry of a Repository's file status list.
type FileStatus struct {
	Path   string
	Status FileStatusCode
	Staged bool
}

// ParsePorcelainStatus classifies `git status --porcelain=v1` output into
// FileStatus entries per spec.md §4.9: each file is one of
// {modified,added,deleted,renamed,untracked}, with the staged flag derived
// from the index (first) column.
func ParsePorcelainStatus(output string) []FileStatus {
	var statuses []FileStatus
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		index := line[0]
		worktree := line[1]
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}

		if index == '?' && worktree == '?' {
			statuses = append(statuses, FileStatus{Path: path, Status: StatusUntracked, Staged: false})
			continue
		}

		staged := index != ' ' && index != '?'
		code := classify(index, worktree)
		statuses = append(statuses, FileStatus{Path: path, Status: code, Staged: staged})
	}
	return statuses
}

func classify(index, worktree byte) FileStatusCode {
	col := index
	if col == ' ' {
		col = worktree
	}
	switch col {
	case 'A':
		return StatusAdded
	case 'D':
		return StatusDeleted
	case 'R':
		return StatusRenamed
	default:
		return StatusModified
	}
}

// IsDirty reports the Repository's dirty invariant: isDirty ⇔ files is
// non-empty (spec.md §3).
func IsDirty(statuses []FileStatus) bool {
	return len(statuses) > 0
}
