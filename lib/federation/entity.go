package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/devmesh/controlplane/lib/gqlerr"
)

// EntityReference is one `{__typename, keys}` reference the gateway needs
// resolved into a full entity, per spec.md §4.2.
type EntityReference struct {
	TypeName string
	Keys     map[string]any
}

func (r EntityReference) dedupeKey() string {
	b, _ := json.Marshal(struct {
		T string         `json:"t"`
		K map[string]any `json:"k"`
	}{r.TypeName, r.Keys})
	return string(b)
}

// MaxEntityChaseDepth bounds recursive entity reference resolution to
// prevent cycles, per spec.md §4.2 ("default 3").
const MaxEntityChaseDepth = 3

// EntityRouter resolves cross-subgraph entity references via the standard
// `_entities(representations: [_Any!]!): [_Entity]!` federation field.
type EntityRouter struct {
	ownerOf func(typeName string) string
	call    func(ctx context.Context, subgraphName string, representations []map[string]any, headers http.Header) ([]json.RawMessage, error)
}

func NewEntityRouter(
	ownerOf func(typeName string) string,
	call func(ctx context.Context, subgraphName string, representations []map[string]any, headers http.Header) ([]json.RawMessage, error),
) *EntityRouter {
	return &EntityRouter{ownerOf: ownerOf, call: call}
}

// Resolve groups references by owning subgraph, deduplicates identical
// references within each group, issues one `_entities` call per subgraph,
// and returns entities in the same order as the input references.
func (r *EntityRouter) Resolve(ctx context.Context, refs []EntityReference, headers http.Header, depth int) ([]json.RawMessage, *gqlerr.Error) {
	if depth > MaxEntityChaseDepth {
		return nil, gqlerr.New(gqlerr.CodeInternal, "entity reference chain exceeded max chase depth")
	}
	if len(refs) == 0 {
		return nil, nil
	}

	type group struct {
		subgraph string
		unique   []EntityReference
		index    map[string]int // dedupeKey -> index within unique
	}
	groups := make(map[string]*group)
	var order []string

	for _, ref := range refs {
		owner := r.ownerOf(ref.TypeName)
		if owner == "" {
			return nil, gqlerr.New(gqlerr.CodeBadUserInput, "unknown entity type "+ref.TypeName)
		}
		g, ok := groups[owner]
		if !ok {
			g = &group{subgraph: owner, index: make(map[string]int)}
			groups[owner] = g
			order = append(order, owner)
		}
		if _, seen := g.index[ref.dedupeKey()]; !seen {
			g.index[ref.dedupeKey()] = len(g.unique)
			g.unique = append(g.unique, ref)
		}
	}

	results := make(map[string][]json.RawMessage, len(groups))
	for _, subgraph := range order {
		g := groups[subgraph]
		reps := make([]map[string]any, len(g.unique))
		for i, ref := range g.unique {
			m := map[string]any{"__typename": ref.TypeName}
			for k, v := range ref.Keys {
				m[k] = v
			}
			reps[i] = m
		}
		entities, err := r.call(ctx, subgraph, reps, headers)
		if err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodeSubgraphUnavailable, fmt.Sprintf("resolving entities from %s", subgraph), err).WithSubgraph(subgraph)
		}
		if len(entities) != len(reps) {
			return nil, gqlerr.New(gqlerr.CodeInternal, subgraph+" returned a mismatched _entities result count")
		}
		results[subgraph] = entities
	}

	out := make([]json.RawMessage, len(refs))
	for i, ref := range refs {
		owner := r.ownerOf(ref.TypeName)
		idx := groups[owner].index[ref.dedupeKey()]
		out[i] = results[owner][idx]
	}
	return out, nil
}
