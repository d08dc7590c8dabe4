// Package git executes the real external git binary under an allowlist and
// parses its output, per spec.md §4.9. A pure-Go implementation (go-git, as
// used elsewhere in the retrieval pack) was deliberately not adopted: the
// spec requires shelling out to the actual git binary subgraph-mutations
// must be indistinguishable from a human running git locally, and
// go-git's own object model would diverge from porcelain output parsing
// rules this package implements.
package git

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/spf13/afero"
)

// AllowedSubcommands is the fixed allowlist for executeGitCommand (spec.md
// §4.9). commit/push/add are reachable only through the typed mutations in
// lib/git/hierarchical_commit.go.
var AllowedSubcommands = map[string]bool{
	"status": true, "diff": true, "log": true, "branch": true,
	"remote": true, "tag": true, "rev-parse": true, "ls-files": true,
	"submodule": true, "config": true, "show": true,
}

// MaxDiffBytes bounds the diff output collected per file (spec.md §4.9:
// "default 1 MiB per file") before truncation.
const MaxDiffBytes = 1 << 20

// AuditLogger records commits produced by the hierarchical commit mutation
// (spec.md §4.10). Nil by default; set Executor.Audit to wire one in.
type AuditLogger interface {
	LogCommit(ctx context.Context, repository, commitHash string, submodules []string)
}

// Executor runs allowlisted git subcommands rooted at WorkspaceRoot.
type Executor struct {
	WorkspaceRoot string
	FS            afero.Fs
	BinaryPath    string
	Audit         AuditLogger
}

func NewExecutor(workspaceRoot string) *Executor {
	return &Executor{WorkspaceRoot: workspaceRoot, FS: afero.NewOsFs(), BinaryPath: "git"}
}

// resolveWorkdir validates that dir is inside WorkspaceRoot, rejecting path
// traversal with PATH_OUTSIDE_WORKSPACE (spec.md §4.9's working directory
// invariant).
func (e *Executor) resolveWorkdir(dir string) (string, *gqlerr.Error) {
	root, err := filepath.Abs(e.WorkspaceRoot)
	if err != nil {
		return "", gqlerr.Wrap(gqlerr.CodeInternal, "resolving workspace root", err)
	}
	target, err := filepath.Abs(filepath.Join(root, dir))
	if err != nil {
		return "", gqlerr.Wrap(gqlerr.CodeInternal, "resolving target path", err)
	}
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", gqlerr.New(gqlerr.CodePathOutsideWorkspace, "path escapes the configured workspace root")
	}
	return target, nil
}

// Execute runs one allowlisted git subcommand inside relativeDir.
func (e *Executor) Execute(ctx context.Context, relativeDir, subcommand string, args ...string) (stdout string, err *gqlerr.Error) {
	if !AllowedSubcommands[subcommand] {
		return "", gqlerr.New(gqlerr.CodeCommandNotAllowed, "git subcommand not allowed: "+subcommand)
	}
	dir, err := e.resolveWorkdir(relativeDir)
	if err != nil {
		return "", err
	}

	out, runErr := runGit(ctx, e.binaryPath(), dir, subcommand, args...)
	if runErr != nil {
		return "", gqlerr.Wrap(gqlerr.CodeInternal, "git "+subcommand+" failed", runErr)
	}
	return out, nil
}

// runGit invokes the git binary directly, bypassing the allowlist check —
// used both by Execute (after it has checked the allowlist) and by the
// hierarchical commit mutation, which is permitted to run commit/push/add.
func runGit(ctx context.Context, binary, dir, subcommand string, args ...string) (string, error) {
	fullArgs := append([]string{subcommand}, args...)
	cmd := exec.CommandContext(ctx, binary, fullArgs...)
	cmd.Dir = dir

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", errors.New(stderr.String() + ": " + err.Error())
	}
	return out.String(), nil
}

func trimHash(s string) string {
	return strings.TrimSpace(s)
}

func (e *Executor) binaryPath() string {
	if e.BinaryPath == "" {
		return "git"
	}
	return e.BinaryPath
}

// truncate enforces MaxDiffBytes on raw diff output, appending a marker.
func truncate(s string) string {
	if len(s) <= MaxDiffBytes {
		return s
	}
	return s[:MaxDiffBytes] + "\n... [truncated]"
}
