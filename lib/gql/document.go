// Package gql implements the wire protocol and operation parsing shared by the
// gateway and every subgraph: the {query,variables,operationName} request shape,
// the {data,errors} response shape, and the operation-limit checks the gateway
// enforces before it ever talks to a subgraph (depth, alias count, body size).
//
// Parsing itself is delegated to vektah/gqlparser/v2, the same parser used by
// the federation-gateway projects in the retrieved corpus (wudi-gateway,
// haasonsaas-nexus): hand-rolling a GraphQL grammar would reimplement a solved,
// widely-depended-on problem for no benefit.
package gql

import (
	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Request is the client-facing request body for POST /graphql.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Response is the client-facing response body: {data, errors}.
type Response struct {
	Data   any          `json:"data,omitempty"`
	Errors gqlerr.List `json:"errors,omitempty"`
}

// Document wraps a parsed query document plus the single operation selected by
// OperationName (or the sole operation, if unambiguous).
type Document struct {
	raw       *ast.QueryDocument
	Operation *ast.OperationDefinition
}

// Parse parses operation text into a Document. A syntax error is reported as
// gqlerr.CodeParseFailed, matching spec.md §4.1 step 1.
func Parse(query, operationName string) (*Document, *gqlerr.Error) {
	src := &ast.Source{Input: query, Name: "request"}
	raw, gerr := gqlparser.LoadQuery(&ast.Schema{}, src.Input)
	if gerr != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeParseFailed, "failed to parse operation", gerr)
	}

	op, err := selectOperation(raw, operationName)
	if err != nil {
		return nil, err
	}

	return &Document{raw: raw, Operation: op}, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, *gqlerr.Error) {
	if len(doc.Operations) == 0 {
		return nil, gqlerr.New(gqlerr.CodeParseFailed, "document contains no operations")
	}
	if name == "" {
		if len(doc.Operations) > 1 {
			return nil, gqlerr.New(gqlerr.CodeBadUserInput, "operationName is required when a document defines multiple operations")
		}
		return doc.Operations[0], nil
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op, nil
		}
	}
	return nil, gqlerr.New(gqlerr.CodeBadUserInput, "no operation found with name "+name)
}

// Type reports the operation's kind: query, mutation, or subscription.
func (d *Document) Type() ast.Operation {
	return d.Operation.Operation
}

// TopLevelFields returns the top-level selection set's fields; fragment
// spreads and inline fragments at depth 0 are expanded into their fields
// (federation field-ownership dispatch only needs the named fields).
func (d *Document) TopLevelFields() []*ast.Field {
	return fieldsOf(d.Operation.SelectionSet)
}

func fieldsOf(set ast.SelectionSet) []*ast.Field {
	var fields []*ast.Field
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			fields = append(fields, s)
		case *ast.InlineFragment:
			fields = append(fields, fieldsOf(s.SelectionSet)...)
		case *ast.FragmentSpread:
			if s.Definition != nil {
				fields = append(fields, fieldsOf(s.Definition.SelectionSet)...)
			}
		}
	}
	return fields
}

// Depth computes the maximum selection-set nesting depth of the operation,
// used to enforce the configurable QUERY_TOO_DEEP bound (default 15).
func (d *Document) Depth() int {
	return depthOf(d.Operation.SelectionSet, 1)
}

func depthOf(set ast.SelectionSet, current int) int {
	max := current
	for _, sel := range set {
		var nested ast.SelectionSet
		switch s := sel.(type) {
		case *ast.Field:
			nested = s.SelectionSet
		case *ast.InlineFragment:
			nested = s.SelectionSet
		case *ast.FragmentSpread:
			if s.Definition != nil {
				nested = s.Definition.SelectionSet
			}
		}
		if len(nested) == 0 {
			continue
		}
		if d := depthOf(nested, current+1); d > max {
			max = d
		}
	}
	return max
}

// AliasCount returns the total number of aliased fields across the whole
// operation, used to enforce a configurable max-alias-count limit.
func (d *Document) AliasCount() int {
	return aliasCountOf(d.Operation.SelectionSet)
}

func aliasCountOf(set ast.SelectionSet) int {
	count := 0
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Alias != "" && s.Alias != s.Name {
				count++
			}
			count += aliasCountOf(s.SelectionSet)
		case *ast.InlineFragment:
			count += aliasCountOf(s.SelectionSet)
		case *ast.FragmentSpread:
			if s.Definition != nil {
				count += aliasCountOf(s.Definition.SelectionSet)
			}
		}
	}
	return count
}
