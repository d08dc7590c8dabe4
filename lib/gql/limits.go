package gql

import "github.com/devmesh/controlplane/lib/gqlerr"

// Limits holds the configurable operation limits enforced before a parsed
// document is dispatched to any subgraph (spec.md §4.1 "Operation limits").
type Limits struct {
	MaxDepth       int
	MaxAliasCount  int
	MaxBodyBytes   int64
}

// DefaultLimits matches the defaults named in spec.md: depth 15, no alias cap
// unless configured, 1 MiB request bodies.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:     15,
		MaxAliasCount: 0, // 0 means unbounded
		MaxBodyBytes: 1 << 20,
	}
}

// Check validates a parsed document against the limits, returning a structured
// QUERY_TOO_DEEP error when depth is exceeded.
func (l Limits) Check(doc *Document) *gqlerr.Error {
	if l.MaxDepth > 0 {
		if depth := doc.Depth(); depth > l.MaxDepth {
			return gqlerr.New(gqlerr.CodeQueryTooDeep, "query depth exceeds configured bound").
				WithExtension("maxDepth", l.MaxDepth).
				WithExtension("depth", depth)
		}
	}
	if l.MaxAliasCount > 0 {
		if count := doc.AliasCount(); count > l.MaxAliasCount {
			return gqlerr.New(gqlerr.CodeBadUserInput, "alias count exceeds configured bound").
				WithExtension("maxAliasCount", l.MaxAliasCount).
				WithExtension("aliasCount", count)
		}
	}
	return nil
}

// CheckBodySize rejects a request body larger than MaxBodyBytes before it is
// even parsed.
func (l Limits) CheckBodySize(n int64) *gqlerr.Error {
	if l.MaxBodyBytes > 0 && n > l.MaxBodyBytes {
		return gqlerr.New(gqlerr.CodeBadUserInput, "request body exceeds configured size limit").
			WithExtension("maxBodyBytes", l.MaxBodyBytes)
	}
	return nil
}
