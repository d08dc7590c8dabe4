// Package integration exercises spec.md §8's seed scenarios end-to-end
// against the real package implementations (no HTTP, no mocks of the
// packages under test), for the scenarios expressible entirely in terms of
// lib/git's and lib/prewarm's public APIs. S6 lives in lib/session's own
// test file instead (see the note at the end of this file).
package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/git"
	"github.com/devmesh/controlplane/lib/prewarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
}

func writeAndStage(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// S2 — Hierarchical commit of parent+one submodule (spec.md §8).
func TestSeedS2HierarchicalCommitOfParentAndSubmodule(t *testing.T) {
	root := t.TempDir()
	parentDir := filepath.Join(root, "repoA")
	subDir := filepath.Join(parentDir, "subB")

	initGitRepo(t, parentDir)
	initGitRepo(t, subDir)
	writeAndStage(t, parentDir, "README.md", "parent change")
	writeAndStage(t, subDir, "lib.go", "submodule change")

	e := git.NewExecutor(root)
	ctx := context.Background()

	result, err := e.CommitHierarchical(ctx, "repoA", []string{"repoA/subB"}, "chore: sync", "Test", "test@example.com")
	require.NoError(t, err)

	require.Len(t, result.SubmoduleCommits, 1)
	assert.Equal(t, "repoA/subB", result.SubmoduleCommits[0].Path)
	assert.True(t, result.SubmoduleCommits[0].Error == nil)
	assert.NotEmpty(t, result.SubmoduleCommits[0].Hash)

	require.NotNil(t, result.ParentCommit)
	assert.Equal(t, "repoA", result.ParentCommit.Path)
	assert.True(t, result.ParentCommit.Error == nil)
	assert.True(t, result.Success)

	// Repeating the call immediately with nothing dirty yields a no-op success.
	again, err := e.CommitHierarchical(ctx, "repoA", []string{"repoA/subB"}, "chore: sync", "Test", "test@example.com")
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, 0, again.SuccessCount)
	assert.Equal(t, 0, again.TotalRepositories)
}

// S4 — Pre-warm claim (spec.md §8).
func TestSeedS4PreWarmClaimYieldsDistinctSessionsThenRefillsPool(t *testing.T) {
	cfg := prewarm.DefaultConfig()
	cfg.PoolSize = 2
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.WarmupTimeout = 500 * time.Millisecond

	spawnCount := 0
	spawn := func(ctx context.Context) (any, string, error) {
		spawnCount++
		return spawnCount, "corr", nil
	}

	bus := eventbus.New(32)
	pool := prewarm.NewPool(cfg, spawn, bus, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(runCtx)

	require.Eventually(t, func() bool {
		m := pool.Metrics()
		return m.Ready == 2
	}, 2*time.Second, 10*time.Millisecond)

	slot1, ok1 := pool.Claim()
	require.True(t, ok1)
	slot2, ok2 := pool.Claim()
	require.True(t, ok2)
	assert.NotEqual(t, slot1.ID, slot2.ID)

	_, ok3 := pool.Claim()
	assert.False(t, ok3)

	require.Eventually(t, func() bool {
		m := pool.Metrics()
		return m.Ready == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// S6 — Fork preserves prefix (spec.md §8) is covered by
// lib/session's own in-package test (TestForkPreservesPrefixAndDivergesIndependently),
// since asserting on interaction history requires the package's unexported
// AgentSession.snapshotHistory accessor.
