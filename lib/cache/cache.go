// Package cache implements the gateway's Response Cache (spec.md §4.4): a
// short-TTL, fingerprint-keyed cache of idempotent query results with
// mutation-triggered invalidation by originating-subgraph overlap.
//
// Grounded on the teacher's lib/redis/token_cache.go (TTL'd Redis-backed
// cache with an in-memory fallback shape); retargeted here onto GraphQL
// response bodies instead of OAuth tokens.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is used when an operation has no more specific entry in the
// per-operation TTL table (spec.md §4.4: "Default TTL 60s").
const DefaultTTL = 60 * time.Second

// Entry is one cached response plus the metadata needed to invalidate it.
type Entry struct {
	Response           json.RawMessage `json:"response"`
	CreatedAt          time.Time       `json:"createdAt"`
	TTL                time.Duration   `json:"ttl"`
	OriginatingSubgraphs []string      `json:"originatingSubgraphs"`
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Fingerprint deterministically identifies a cacheable operation by
// canonicalized operation text, variables, and an optional session scope
// token. Wall-clock fields must never be part of the inputs (spec.md §4.4's
// consistency contract).
func Fingerprint(operationText string, variables map[string]any, sessionScope string) string {
	varBytes, _ := json.Marshal(canonicalizeVariables(variables))
	h := sha256.New()
	h.Write([]byte(operationText))
	h.Write([]byte{0})
	h.Write(varBytes)
	h.Write([]byte{0})
	h.Write([]byte(sessionScope))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeVariables sorts map keys via JSON marshaling of a stable
// structure so two equivalent variable maps with different key insertion
// order fingerprint identically. encoding/json already sorts map keys when
// marshaling, so this is a thin, explicit seam for that guarantee.
func canonicalizeVariables(variables map[string]any) map[string]any {
	if variables == nil {
		return map[string]any{}
	}
	return variables
}

// TTLTable maps an operation name to its configured TTL (spec.md §4.4
// example values: status-like queries ≤5s, read-only scans ≤30s, expensive
// detailed scans ≤300s).
type TTLTable map[string]time.Duration

func (t TTLTable) ttlFor(operationName string) time.Duration {
	if d, ok := t[operationName]; ok {
		return d
	}
	return DefaultTTL
}

// Cache is a Redis-backed response cache with an in-memory fallback used
// when Redis is unavailable or unconfigured, so the gateway degrades to
// per-process-only caching rather than failing open (no caching).
type Cache struct {
	redis    *redis.Client
	ttls     TTLTable
	keyPrefix string

	mu    sync.RWMutex
	local map[string]Entry
}

func New(redisClient *redis.Client, ttls TTLTable) *Cache {
	return &Cache{redis: redisClient, ttls: ttls, keyPrefix: "gwcache:", local: make(map[string]Entry)}
}

// Get returns the cached entry for fingerprint if present and not expired.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, c.keyPrefix+fingerprint).Bytes()
		if err == nil {
			var e Entry
			if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil && !e.expired(time.Now()) {
				return e, true
			}
		}
	}

	c.mu.RLock()
	e, ok := c.local[fingerprint]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return Entry{}, false
	}
	return e, true
}

// Put stores a response under fingerprint with the TTL configured for
// operationName, tagging it with the subgraphs that produced it so a later
// mutation can invalidate by overlap.
func (c *Cache) Put(ctx context.Context, fingerprint, operationName string, response json.RawMessage, originatingSubgraphs []string) {
	entry := Entry{
		Response:             response,
		CreatedAt:            time.Now(),
		TTL:                  c.ttls.ttlFor(operationName),
		OriginatingSubgraphs: originatingSubgraphs,
	}

	c.mu.Lock()
	c.local[fingerprint] = entry
	c.mu.Unlock()

	if c.redis != nil {
		if raw, err := json.Marshal(entry); err == nil {
			c.redis.Set(ctx, c.keyPrefix+fingerprint, raw, entry.TTL)
		}
	}
}

// InvalidateSubgraphs drops every cached entry whose originating-subgraph
// set overlaps with touchedSubgraphs, per spec.md §4.1 step 7 / §4.4.
func (c *Cache) InvalidateSubgraphs(ctx context.Context, touchedSubgraphs []string) {
	touched := make(map[string]bool, len(touchedSubgraphs))
	for _, s := range touchedSubgraphs {
		touched[s] = true
	}

	c.mu.Lock()
	for fp, e := range c.local {
		if overlaps(e.OriginatingSubgraphs, touched) {
			delete(c.local, fp)
			if c.redis != nil {
				c.redis.Del(ctx, c.keyPrefix+fp)
			}
		}
	}
	c.mu.Unlock()
}

func overlaps(subgraphs []string, touched map[string]bool) bool {
	for _, s := range subgraphs {
		if touched[s] {
			return true
		}
	}
	return false
}
