// Package dispatch implements the Batch Dispatcher of spec.md §4.7: fanning
// an agent operation out across many repositories under a concurrency and
// rate budget, with per-item caching, progress events, and continue-on-error
// aggregation.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/devmesh/controlplane/lib/cache"
	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/ratelimit"
	"go.uber.org/multierr"
)

// Item is one unit of batch work: a repository plus the diff content the
// agent will act on.
type Item struct {
	Repository string
	Diff       string
}

// ItemResult is one item's outcome.
type ItemResult struct {
	Item      Item
	Output    map[string]any
	Err       error
	FromCache bool
}

// Runner performs one item's actual work (an agent invocation), returning
// its structured output.
type Runner func(ctx context.Context, item Item) (map[string]any, error)

// Dispatcher fans Items out through a Runner under a DispatchLimiter,
// fingerprinting each item against a shared Cache so identical
// (repository, diff) pairs within the cache's TTL are not re-run.
type Dispatcher struct {
	limiter *ratelimit.DispatchLimiter
	cache   *cache.Cache
	bus     *eventbus.Bus
	logger  *slog.Logger
	run     Runner
}

func NewDispatcher(limiter *ratelimit.DispatchLimiter, c *cache.Cache, bus *eventbus.Bus, logger *slog.Logger, run Runner) *Dispatcher {
	if limiter == nil {
		limiter = ratelimit.DefaultDispatchLimiter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{limiter: limiter, cache: c, bus: bus, logger: logger, run: run}
}

// fingerprintOf derives the batch dispatcher's cache key for an item:
// hash(repository, diff) only, per the Open Question decision recorded
// in the design notes — no wall-clock, requester identity, model, or
// temperature folded in, so repeated dispatches of the same diff within
// the cache TTL reuse the prior result regardless of who asked or when.
func fingerprintOf(item Item) string {
	return cache.Fingerprint(item.Diff, map[string]any{"repository": item.Repository}, "")
}

// Dispatch fans items out across the dispatcher's concurrency/rate budget,
// publishing a "batchProgress" event per completed item and continuing past
// individual item failures, aggregating them via multierr.
func (d *Dispatcher) Dispatch(ctx context.Context, items []Item) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	completed := 0

	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := d.limiter.Admit(ctx)
			if err != nil {
				mu.Lock()
				results[i] = ItemResult{Item: item, Err: err}
				errs = multierr.Append(errs, err)
				mu.Unlock()
				d.reportProgress(&mu, &completed, len(items), item, err)
				return
			}
			defer release()

			res := d.runOne(ctx, item)
			mu.Lock()
			results[i] = res
			if res.Err != nil {
				errs = multierr.Append(errs, res.Err)
			}
			mu.Unlock()
			d.reportProgress(&mu, &completed, len(items), item, res.Err)
		}()
	}
	wg.Wait()

	return results, errs
}

func (d *Dispatcher) runOne(ctx context.Context, item Item) ItemResult {
	fp := fingerprintOf(item)
	if d.cache != nil {
		if entry, ok := d.cache.Get(ctx, fp); ok {
			var out map[string]any
			if err := json.Unmarshal(entry.Response, &out); err == nil {
				return ItemResult{Item: item, Output: out, FromCache: true}
			}
		}
	}

	out, err := d.run(ctx, item)
	if err != nil {
		return ItemResult{Item: item, Err: err}
	}
	if d.cache != nil {
		if raw, marshalErr := json.Marshal(out); marshalErr == nil {
			d.cache.Put(ctx, fp, "batchDispatch", raw, []string{item.Repository})
		}
	}
	return ItemResult{Item: item, Output: out}
}

func (d *Dispatcher) reportProgress(mu *sync.Mutex, completed *int, total int, item Item, err error) {
	mu.Lock()
	*completed++
	n := *completed
	mu.Unlock()

	if d.bus == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.bus.Publish("batchProgress", map[string]any{
		"repository": item.Repository,
		"completed":  n,
		"total":      total,
		"status":     status,
	})
}
