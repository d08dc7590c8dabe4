package prewarm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeedingSpawner() Spawner {
	return func(ctx context.Context) (any, string, error) {
		return struct{}{}, "corr", nil
	}
}

func TestMaintainFillsPoolToSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 3
	p := NewPool(cfg, succeedingSpawner(), nil, nil)

	p.maintain(context.Background())

	m := p.Metrics()
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 3, m.Ready)
}

func TestClaimAdoptsOldestReadySlotAtomically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 2
	p := NewPool(cfg, succeedingSpawner(), nil, nil)
	p.maintain(context.Background())

	slot, ok := p.Claim()
	require.True(t, ok)
	assert.Equal(t, SlotClaimed, slot.State())

	m := p.Metrics()
	assert.Equal(t, 1, m.Claimed)
	assert.Equal(t, 1, m.Ready)
}

func TestClaimReturnsFalseWhenPoolEmpty(t *testing.T) {
	p := NewPool(DefaultConfig(), succeedingSpawner(), nil, nil)
	_, ok := p.Claim()
	assert.False(t, ok)
}

func TestWarmOneMarksFailedOnSpawnError(t *testing.T) {
	var calls int32
	spawn := func(ctx context.Context) (any, string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, "", errors.New("boom")
	}
	cfg := DefaultConfig()
	cfg.WarmupTimeout = 50 * time.Millisecond
	p := NewPool(cfg, spawn, nil, nil)

	p.warmOne(context.Background())

	m := p.Metrics()
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 0, m.Ready)
}

func TestEvictStaleRemovesAgedSlots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionAge = 1 * time.Millisecond
	p := NewPool(cfg, succeedingSpawner(), nil, nil)
	p.warmOne(context.Background())

	time.Sleep(5 * time.Millisecond)
	p.evictStale()

	assert.Equal(t, 0, p.Metrics().Total)
}
