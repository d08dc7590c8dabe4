package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/devmesh/controlplane/lib/cache"
	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/gql"
	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/devmesh/controlplane/lib/resilience"
	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/sync/errgroup"
)

// InvalidationNotifier is called after a mutation executes, naming the
// subgraphs it touched, so the response cache (lib/cache) can invalidate
// overlapping entries per spec.md §4.1 step 7 / §4.4.
type InvalidationNotifier func(subgraphs []string)

// Gateway composes parsing, operation limits, subgraph field-ownership
// dispatch, response merging, entity reference resolution, and response
// caching into the request lifecycle of spec.md §4.1.
type Gateway struct {
	composer   *Composer
	bySubgraph map[string]*Subgraph
	limits     gql.Limits
	onMutation InvalidationNotifier
	respCache  *cache.Cache

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// NewGateway wires a Gateway. respCache may be nil, in which case queries are
// never cached (every request recomputes from the subgraphs).
func NewGateway(composer *Composer, subgraphs []*Subgraph, limits gql.Limits, onMutation InvalidationNotifier, respCache *cache.Cache) *Gateway {
	byName := make(map[string]*Subgraph, len(subgraphs))
	for _, s := range subgraphs {
		byName[s.Name] = s
	}
	return &Gateway{
		composer:   composer,
		bySubgraph: byName,
		limits:     limits,
		onMutation: onMutation,
		respCache:  respCache,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-subgraph circuit breaker, creating it on first
// use. A subgraph that trips open fails its dispatch immediately rather than
// piling up slow requests against a subgraph that is already down.
func (g *Gateway) breakerFor(name string) *resilience.CircuitBreaker {
	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := resilience.MustNewCircuitBreaker(name, resilience.DefaultCBConfig())
	g.breakers[name] = cb
	return cb
}

// Execute runs one client request through the full lifecycle of spec.md
// §4.1: parse, limit check, response-cache lookup, group by owning
// subgraph, dispatch in parallel, chase cross-subgraph entity references,
// merge, invalidate-on-mutation, and cache-on-query.
func (g *Gateway) Execute(ctx context.Context, req gql.Request, headers http.Header) gql.Response {
	doc, gerr := gql.Parse(req.Query, req.OperationName)
	if gerr != nil {
		return gql.Response{Errors: gqlerr.List{gerr}}
	}
	if gerr := g.limits.Check(doc); gerr != nil {
		return gql.Response{Errors: gqlerr.List{gerr}}
	}

	if bus := eventbus.FromContext(ctx); bus != nil {
		bus.Publish("gateway.request.parsed", req.OperationName)
	}

	isQuery := doc.Type() == ast.Query
	var fingerprint string
	if isQuery && g.respCache != nil {
		fingerprint = cache.Fingerprint(req.Query, req.Variables, headers.Get("Authorization"))
		if entry, ok := g.respCache.Get(ctx, fingerprint); ok {
			var data map[string]any
			_ = json.Unmarshal(entry.Response, &data)
			return gql.Response{Data: data}
		}
	}

	sg := g.composer.Current()
	if sg == nil {
		return gql.Response{Errors: gqlerr.List{gqlerr.New(gqlerr.CodeInternal, "supergraph not yet composed")}}
	}

	groups, gerr := g.groupBySubgraph(sg, doc)
	if gerr != nil {
		return gql.Response{Errors: gqlerr.List{gerr}}
	}

	data, errs := g.dispatch(ctx, groups, req.Variables, headers)
	errs = append(errs, g.resolveEntities(ctx, sg, groups, data, headers)...)

	touched := make([]string, 0, len(groups))
	for name := range groups {
		touched = append(touched, name)
	}

	if doc.Type() == ast.Mutation && g.onMutation != nil {
		g.onMutation(touched)
	}

	if isQuery && g.respCache != nil && len(errs) == 0 {
		if raw, err := json.Marshal(data); err == nil {
			g.respCache.Put(ctx, fingerprint, req.OperationName, raw, touched)
		}
	}

	return gql.Response{Data: data, Errors: errs}
}

// resolveEntities implements spec.md §4.1 step 5 / §4.2: for each top-level
// field's returned object(s), any requested sub-field this subgraph doesn't
// own is fetched from the owning subgraph via a follow-up `_entities` call
// and merged in place.
func (g *Gateway) resolveEntities(ctx context.Context, sg *Supergraph, groups map[string][]*ast.Field, merged map[string]any, headers http.Header) gqlerr.List {
	var errs gqlerr.List
	for subgraph, fields := range groups {
		for _, f := range fields {
			if len(f.SelectionSet) == 0 {
				continue
			}
			val, ok := merged[fieldResponseKey(f)]
			if !ok {
				continue
			}
			if gerr := g.resolveEntityValue(ctx, sg, subgraph, f, val, headers, 0); gerr != nil {
				errs = append(errs, gerr)
			}
		}
	}
	return errs
}

func (g *Gateway) resolveEntityValue(ctx context.Context, sg *Supergraph, returningSubgraph string, field *ast.Field, val any, headers http.Header, depth int) *gqlerr.Error {
	switch v := val.(type) {
	case map[string]any:
		return g.resolveEntityObject(ctx, sg, returningSubgraph, field, v, headers, depth)
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if gerr := g.resolveEntityObject(ctx, sg, returningSubgraph, field, obj, headers, depth); gerr != nil {
				return gerr
			}
		}
	}
	return nil
}

// resolveEntityObject fills in sub-fields of obj that the returning subgraph
// doesn't own, chasing each from whichever subgraph does own it (spec.md
// §4.2: a type can be extended by more than one subgraph) via the standard
// `_entities` field. obj is mutated in place.
func (g *Gateway) resolveEntityObject(ctx context.Context, sg *Supergraph, returningSubgraph string, field *ast.Field, obj map[string]any, headers http.Header, depth int) *gqlerr.Error {
	typeName, _ := obj["__typename"].(string)
	if typeName == "" {
		return nil
	}

	byOwner := make(map[string][]*ast.Field)
	var owners []string
	for _, sel := range field.SelectionSet {
		child, ok := sel.(*ast.Field)
		if !ok || child.Name == "__typename" {
			continue
		}
		if _, present := obj[fieldResponseKey(child)]; present {
			continue
		}
		owner := sg.OwnerOf(typeName, child.Name)
		if owner == "" || owner == returningSubgraph {
			continue
		}
		if _, seen := byOwner[owner]; !seen {
			owners = append(owners, owner)
		}
		byOwner[owner] = append(byOwner[owner], child)
	}
	if len(owners) == 0 {
		return nil
	}
	sort.Strings(owners)

	keys := make(map[string]any, len(obj))
	for k, v := range obj {
		if k != "__typename" {
			keys[k] = v
		}
	}

	// Each owner is chased with its own _entities call: EntityRouter's
	// ownerOf callback models one subgraph per type per call, so a type
	// extended by N subgraphs needs N resolution passes.
	for _, owner := range owners {
		fields := byOwner[owner]
		router := NewEntityRouter(
			func(t string) string {
				if t == typeName {
					return owner
				}
				return ""
			},
			g.entityCaller(fields, headers),
		)
		resolved, gerr := router.Resolve(ctx, []EntityReference{{TypeName: typeName, Keys: keys}}, headers, depth+1)
		if gerr != nil {
			return gerr
		}
		if len(resolved) != 1 {
			continue
		}

		var extra map[string]any
		if err := json.Unmarshal(resolved[0], &extra); err != nil {
			return gqlerr.Wrap(gqlerr.CodeInternal, "decoding entity resolution result", err)
		}
		for _, f := range fields {
			key := fieldResponseKey(f)
			if v, ok := extra[key]; ok {
				obj[key] = v
			}
		}
	}

	for _, sel := range field.SelectionSet {
		child, ok := sel.(*ast.Field)
		if !ok || len(child.SelectionSet) == 0 {
			continue
		}
		nested, ok := obj[fieldResponseKey(child)]
		if !ok {
			continue
		}
		owner := sg.OwnerOf(typeName, child.Name)
		if owner == "" {
			owner = returningSubgraph
		}
		_ = g.resolveEntityValue(ctx, sg, owner, child, nested, headers, depth+1)
	}
	return nil
}

// entityCaller builds the EntityRouter call callback for one resolution
// pass: it issues a single `_entities` query per subgraph requesting exactly
// the foreign fields this pass needs.
func (g *Gateway) entityCaller(fields []*ast.Field, headers http.Header) func(ctx context.Context, subgraph string, representations []map[string]any, headers http.Header) ([]json.RawMessage, error) {
	return func(ctx context.Context, subgraph string, representations []map[string]any, _ http.Header) ([]json.RawMessage, error) {
		sub, ok := g.bySubgraph[subgraph]
		if !ok {
			return nil, fmt.Errorf("unregistered subgraph %s", subgraph)
		}

		query := entitiesQuery(representations, fields)
		data, subErrs, err := sub.Execute(ctx, query, map[string]any{"representations": representations}, headers)
		if err != nil {
			return nil, err
		}
		if len(subErrs) > 0 && string(subErrs) != "null" {
			return nil, fmt.Errorf("%s: %s", subgraph, subErrs)
		}

		var out struct {
			Entities []json.RawMessage `json:"_entities"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		if len(out.Entities) != len(representations) {
			return nil, fmt.Errorf("%s returned %d entities for %d representations", subgraph, len(out.Entities), len(representations))
		}
		return out.Entities, nil
	}
}

// entitiesQuery renders the standard
// `_entities(representations: [_Any!]!) { ... on Type { fields } }` query.
func entitiesQuery(representations []map[string]any, fields []*ast.Field) string {
	types := make(map[string]bool)
	for _, rep := range representations {
		if t, ok := rep["__typename"].(string); ok {
			types[t] = true
		}
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	q := "query($representations: [_Any!]!) { _entities(representations: $representations) {"
	for _, t := range names {
		q += " ... on " + t + " {"
		for _, f := range fields {
			q += " " + f.Name
			if len(f.SelectionSet) > 0 {
				q += renderSelectionSet(f.SelectionSet)
			}
		}
		q += " }"
	}
	q += " } }"
	return q
}

// groupBySubgraph identifies, for each top-level selection, the owning
// subgraph and groups selections into one sub-operation per subgraph,
// preserving the client's requested field order within each group.
func (g *Gateway) groupBySubgraph(sg *Supergraph, doc *gql.Document) (map[string][]*ast.Field, *gqlerr.Error) {
	rootType := rootTypeName(doc.Type())
	groups := make(map[string][]*ast.Field)
	for _, f := range doc.TopLevelFields() {
		owner := sg.OwnerOf(rootType, f.Name)
		if owner == "" {
			return nil, gqlerr.New(gqlerr.CodeBadUserInput, "no subgraph owns field "+f.Name).WithPath(f.Name)
		}
		groups[owner] = append(groups[owner], f)
	}
	return groups, nil
}

func rootTypeName(op ast.Operation) string {
	switch op {
	case ast.Mutation:
		return "Mutation"
	case ast.Subscription:
		return "Subscription"
	default:
		return "Query"
	}
}

// dispatch issues one upstream request per subgraph group, in parallel, and
// merges the results into one map keyed by response key; the client's field
// order is not kept. A failed call nulls its fields and is recorded as a
// subgraph-tagged GraphQL error without aborting siblings; the gateway does
// not add a response path to these errors.
func (g *Gateway) dispatch(ctx context.Context, groups map[string][]*ast.Field, variables map[string]any, headers http.Header) (map[string]any, gqlerr.List) {
	type groupResult struct {
		name   string
		data   json.RawMessage
		errs   json.RawMessage
		fields []*ast.Field
		err    error
	}

	results := make([]groupResult, 0, len(groups))
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}

	grp, gctx := errgroup.WithContext(ctx)
	out := make([]groupResult, len(names))
	for i, name := range names {
		i, name := i, name
		grp.Go(func() error {
			sub, ok := g.bySubgraph[name]
			if !ok {
				out[i] = groupResult{name: name, fields: groups[name], err: gqlerr.New(gqlerr.CodeInternal, "unregistered subgraph "+name)}
				return nil
			}
			query := renderFieldQuery(groups[name])
			var data, errs json.RawMessage
			cb := g.breakerFor(name)
			err := cb.Execute(gctx, func() error {
				var cerr error
				data, errs, cerr = sub.Execute(gctx, query, variables, headers)
				return cerr
			})
			out[i] = groupResult{name: name, data: data, errs: errs, fields: groups[name], err: err}
			return nil
		})
	}
	_ = grp.Wait()
	results = out

	merged := make(map[string]any)
	var errList gqlerr.List
	for _, r := range results {
		if r.err != nil {
			if gerr, ok := r.err.(*gqlerr.Error); ok {
				errList = append(errList, gerr)
			} else {
				errList = append(errList, gqlerr.Wrap(gqlerr.CodeSubgraphUnavailable, r.name+" call failed", r.err).WithSubgraph(r.name))
			}
			for _, f := range r.fields {
				merged[fieldResponseKey(f)] = nil
			}
			continue
		}
		if len(r.errs) > 0 && string(r.errs) != "null" {
			var subErrs gqlerr.List
			_ = json.Unmarshal(r.errs, &subErrs)
			for _, se := range subErrs {
				errList = append(errList, se.WithSubgraph(r.name))
			}
		}
		var fieldData map[string]json.RawMessage
		if err := json.Unmarshal(r.data, &fieldData); err == nil {
			for _, f := range r.fields {
				key := fieldResponseKey(f)
				if raw, ok := fieldData[key]; ok {
					var v any
					_ = json.Unmarshal(raw, &v)
					merged[key] = v
				}
			}
		}
	}
	return merged, errList
}

func fieldResponseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// renderFieldQuery re-serializes a subset of top-level fields into a minimal
// query string to forward to the owning subgraph. Subgraphs receive only the
// selections they own, never the full client document.
func renderFieldQuery(fields []*ast.Field) string {
	q := "{"
	for _, f := range fields {
		q += " " + f.Name
		if f.Alias != "" && f.Alias != f.Name {
			q = q[:len(q)-len(f.Name)] + f.Alias + ": " + f.Name
		}
		if len(f.SelectionSet) > 0 {
			q += renderSelectionSet(f.SelectionSet)
		}
	}
	q += " }"
	return q
}

func renderSelectionSet(set ast.SelectionSet) string {
	q := " {"
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			q += " " + s.Name
			if len(s.SelectionSet) > 0 {
				q += renderSelectionSet(s.SelectionSet)
			}
		}
	}
	q += " }"
	return q
}
