package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityRouterGroupsDedupesAndPreservesOrder(t *testing.T) {
	owners := map[string]string{"Repository": "git", "AgentSession": "agent"}
	var calls []string
	call := func(ctx context.Context, subgraph string, reps []map[string]any, headers http.Header) ([]json.RawMessage, error) {
		calls = append(calls, subgraph)
		out := make([]json.RawMessage, len(reps))
		for i, rep := range reps {
			b, _ := json.Marshal(rep)
			out[i] = b
		}
		return out, nil
	}
	r := NewEntityRouter(func(t string) string { return owners[t] }, call)

	refs := []EntityReference{
		{TypeName: "Repository", Keys: map[string]any{"path": "/a"}},
		{TypeName: "AgentSession", Keys: map[string]any{"id": "s1"}},
		{TypeName: "Repository", Keys: map[string]any{"path": "/a"}}, // duplicate
	}
	out, gerr := r.Resolve(context.Background(), refs, nil, 0)
	require.Nil(t, gerr)
	require.Len(t, out, 3)
	assert.JSONEq(t, string(out[0]), string(out[2]), "duplicate references resolve to the same entity")
	assert.ElementsMatch(t, []string{"git", "agent"}, calls)
}

func TestEntityRouterUnknownTypeErrors(t *testing.T) {
	r := NewEntityRouter(func(t string) string { return "" }, nil)
	_, gerr := r.Resolve(context.Background(), []EntityReference{{TypeName: "Mystery"}}, nil, 0)
	require.NotNil(t, gerr)
}

func TestEntityRouterRejectsExcessiveChaseDepth(t *testing.T) {
	r := NewEntityRouter(func(t string) string { return "git" }, nil)
	_, gerr := r.Resolve(context.Background(), []EntityReference{{TypeName: "Repository"}}, nil, MaxEntityChaseDepth+1)
	require.NotNil(t, gerr)
}
