package git

import (
	"strconv"
	"strings"
	"time"
)

// Commit is the value object from spec.md §3: content-addressed hash,
// derived short hash, author, message, timestamp.
type Commit struct {
	Hash        string
	ShortHash   string
	Author      string
	AuthorEmail string
	Message     string
	Timestamp   time.Time
}

// parseLog parses `git log --pretty=format:%H%x09%h%x09%an%x09%ae%x09%s%x09%ct`
// output (tab-separated, one commit per line) into Commit values.
func parseLog(output string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			continue
		}
		unix, _ := strconv.ParseInt(fields[5], 10, 64)
		hash := fields[0]
		short := fields[1]
		if short == "" && len(hash) >= 7 {
			short = hash[:7]
		}
		commits = append(commits, Commit{
			Hash:        hash,
			ShortHash:   short,
			Author:      fields[2],
			AuthorEmail: fields[3],
			Message:     fields[4],
			Timestamp:   time.Unix(unix, 0).UTC(),
		})
	}
	return commits
}
