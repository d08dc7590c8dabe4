package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// FieldOwner records which subgraph owns a given type.field pair.
type FieldOwner struct {
	TypeName  string
	Field     string
	Subgraph  string
}

// Supergraph is the composed view of every subgraph's schema: per-field
// ownership, plus the set of types marked shareable (at least one field of
// the type is declared by more than one subgraph).
type Supergraph struct {
	Owners     map[string]map[string]string // typeName -> field -> subgraph
	Shareable  map[string]bool
	ComposedAt time.Time
}

// OwnerOf returns the subgraph owning typeName.field, or "" if unowned.
func (sg *Supergraph) OwnerOf(typeName, field string) string {
	if fields, ok := sg.Owners[typeName]; ok {
		return fields[field]
	}
	return ""
}

// Composer periodically introspects registered subgraphs and builds a
// Supergraph, per spec.md §4.1's composition contract. On composition
// failure it retains the last successful Supergraph and records the error
// for the health endpoint rather than serving a broken schema.
type Composer struct {
	subgraphs []*Subgraph
	interval  time.Duration
	logger    *slog.Logger

	mu            sync.RWMutex
	current       *Supergraph
	lastErr       error
	lastAttemptAt time.Time
}

func NewComposer(subgraphs []*Subgraph, interval time.Duration, logger *slog.Logger) *Composer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{subgraphs: subgraphs, interval: interval, logger: logger}
}

// Current returns the last successfully composed supergraph, which may be
// nil before the first successful composition.
func (c *Composer) Current() *Supergraph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// LastError returns the error from the most recent composition attempt, if
// that attempt failed (regardless of whether an older supergraph is still
// being served).
func (c *Composer) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Run composes once immediately, then recomposes every interval until ctx is
// cancelled.
func (c *Composer) Run(ctx context.Context) {
	c.recompose(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recompose(ctx)
		}
	}
}

func (c *Composer) recompose(ctx context.Context) {
	sg, err := c.compose(ctx)

	c.mu.Lock()
	c.lastAttemptAt = time.Now()
	c.lastErr = err
	if err == nil {
		c.current = sg
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("federation: composition failed, retaining last supergraph", "error", err)
	} else {
		c.logger.Info("federation: composition succeeded", "subgraphs", len(c.subgraphs))
	}
}

// compose introspects every subgraph, merges their schemas field by field,
// and validates that a non-root type.field declared by more than one
// subgraph has the same rendered type in each; disjoint fields are unioned.
func (c *Composer) compose(ctx context.Context) (*Supergraph, error) {
	owners := make(map[string]map[string]string)
	shareable := make(map[string]bool)
	fieldTypes := make(map[string]map[string]string) // typeName -> field -> rendered type

	var sources []*ast.Source
	for _, sub := range c.subgraphs {
		sdl, err := sub.IntrospectSDL(ctx)
		if err != nil {
			return nil, fmt.Errorf("introspecting %s: %w", sub.Name, err)
		}
		sources = append(sources, &ast.Source{Name: sub.Name, Input: sdl})

		doc, gerr := parser.ParseSchema(&ast.Source{Name: sub.Name, Input: sdl})
		if gerr != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", sub.Name, gerr)
		}

		for _, def := range doc.Definitions {
			if def.Kind != ast.Object {
				continue
			}
			if _, ok := owners[def.Name]; !ok {
				owners[def.Name] = make(map[string]string)
				fieldTypes[def.Name] = make(map[string]string)
			}
			for _, f := range def.Fields {
				if existing, ok := owners[def.Name][f.Name]; ok && existing != sub.Name {
					shareable[def.Name] = true
				}
				owners[def.Name][f.Name] = sub.Name

				if isRootOperationType(def.Name) {
					continue
				}
				// An entity type may be split across subgraphs with
				// disjoint fields (spec.md §4.2's extension shape) and
				// those unions freely. Only the same type.field declared
				// twice with a different rendered type is a real conflict.
				rendered := f.Type.String()
				if prev, ok := fieldTypes[def.Name][f.Name]; ok && prev != rendered {
					return nil, fmt.Errorf("type %s field %s is declared with conflicting types across subgraphs", def.Name, f.Name)
				}
				fieldTypes[def.Name][f.Name] = rendered
			}
		}
	}

	// Each subgraph's own SDL is validated independently via parser.ParseSchema
	// above. A single merged ast.Schema across all subgraph sources is not
	// built here: subgraphs legitimately redeclare the same root operation
	// type (Query/Mutation/Subscription) with disjoint fields, which
	// gqlparser's loader treats as a duplicate-definition error rather than a
	// federation-style merge. Field ownership and shareable-type validation
	// (the information any dispatch decision actually needs) are already
	// captured in Owners/Shareable above.
	_ = sources // retained for future full-schema composition; see note above

	return &Supergraph{
		Owners:     owners,
		Shareable:  shareable,
		ComposedAt: time.Now(),
	}, nil
}

func isRootOperationType(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}
