// Package prewarm maintains a pool of child processes warmed to the
// "handshake complete, awaiting first prompt" state, per spec.md §4.6.
package prewarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/oklog/ulid/v2"
)

// SlotState is a PreWarmedSlot's lifecycle state (spec.md §3/§4.6).
type SlotState string

const (
	SlotWarming SlotState = "WARMING"
	SlotReady   SlotState = "READY"
	SlotClaimed SlotState = "CLAIMED"
	SlotFailed  SlotState = "FAILED"
)

// Slot is one PreWarmedSlot.
type Slot struct {
	mu sync.Mutex

	ID                  string
	SessionCorrelator   string
	state               SlotState
	CreatedAt           time.Time
	Error               error
	spawned             any // opaque handle to the underlying *cliproc.Process, set by Spawner
}

func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the opaque spawned resource (typically a *cliproc.Process)
// a claimer should take ownership of.
func (s *Slot) Handle() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *Slot) setState(state SlotState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// casState performs a compare-and-swap on state, returning whether it
// applied. Used by Claim to atomically adopt the oldest READY slot.
func (s *Slot) casState(from, to SlotState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Spawner starts one new warming child process and blocks until it emits its
// handshake marker (or fails / times out).
type Spawner func(ctx context.Context) (handle any, sessionCorrelator string, err error)

// Config configures the pool's maintenance loop (spec.md §4.6 defaults).
type Config struct {
	PoolSize        int
	CleanupInterval time.Duration
	MaxSessionAge   time.Duration
	WarmupTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PoolSize:        5,
		CleanupInterval: 60 * time.Second,
		MaxSessionAge:   15 * time.Minute,
		WarmupTimeout:   60 * time.Second,
	}
}

// Pool maintains PoolSize ready-or-warming slots via a background
// maintenance loop, emitting preWarmStatus events on every transition.
type Pool struct {
	cfg     Config
	spawn   Spawner
	bus     *eventbus.Bus
	logger  *slog.Logger

	mu    sync.Mutex
	slots map[string]*Slot
}

func NewPool(cfg Config, spawn Spawner, bus *eventbus.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, spawn: spawn, bus: bus, logger: logger, slots: make(map[string]*Slot)}
}

// Run starts the maintenance loop: every CleanupInterval it evicts aged or
// FAILED slots and tops the pool back up to PoolSize.
func (p *Pool) Run(ctx context.Context) {
	p.maintain(ctx)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

func (p *Pool) maintain(ctx context.Context) {
	p.evictStale()

	for p.activeCount() < p.cfg.PoolSize {
		p.warmOne(ctx)
	}
}

func (p *Pool) evictStale() {
	cutoff := time.Now().Add(-p.cfg.MaxSessionAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, slot := range p.slots {
		state := slot.State()
		if state == SlotFailed || (slot.CreatedAt.Before(cutoff) && state != SlotClaimed) {
			delete(p.slots, id)
			p.publish(slot, "evicted")
		}
	}
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.slots {
		if s := slot.State(); s == SlotReady || s == SlotWarming {
			n++
		}
	}
	return n
}

func (p *Pool) warmOne(ctx context.Context) {
	slot := &Slot{ID: ulid.Make().String(), state: SlotWarming, CreatedAt: time.Now()}
	p.mu.Lock()
	p.slots[slot.ID] = slot
	p.mu.Unlock()
	p.publish(slot, "warming")

	warmCtx, cancel := context.WithTimeout(ctx, p.cfg.WarmupTimeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), warmCtx)

	var handle any
	var correlator string
	err := backoff.Retry(func() error {
		h, c, spawnErr := p.spawn(warmCtx)
		if spawnErr != nil {
			return spawnErr
		}
		handle, correlator = h, c
		return nil
	}, bo)
	if err != nil {
		slot.setState(SlotFailed)
		slot.Error = err
		p.publish(slot, "failed")
		return
	}

	slot.mu.Lock()
	slot.spawned = handle
	slot.SessionCorrelator = correlator
	slot.state = SlotReady
	slot.mu.Unlock()
	p.publish(slot, "ready")
}

// Claim atomically adopts the oldest READY slot, returning success=false
// without blocking if none is available (spec.md §4.6's claim contract).
func (p *Pool) Claim() (slot *Slot, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest *Slot
	for _, s := range p.slots {
		if s.State() != SlotReady {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil, false
	}
	if !oldest.casState(SlotReady, SlotClaimed) {
		return nil, false
	}
	p.publish(oldest, "claimed")
	return oldest, true
}

// Metrics reports current slot counts and per-slot age, per spec.md §4.6's
// preWarmMetrics operation.
type Metrics struct {
	Total   int
	Ready   int
	Warming int
	Claimed int
	Ages    map[string]time.Duration
}

func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{Total: len(p.slots), Ages: make(map[string]time.Duration, len(p.slots))}
	now := time.Now()
	for id, s := range p.slots {
		switch s.State() {
		case SlotReady:
			m.Ready++
		case SlotWarming:
			m.Warming++
		case SlotClaimed:
			m.Claimed++
		}
		m.Ages[id] = now.Sub(s.CreatedAt)
	}
	return m
}

func (p *Pool) publish(slot *Slot, transition string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish("preWarmStatus", map[string]any{
		"slotId":      slot.ID,
		"state":       slot.State(),
		"transition":  transition,
	})
}
