package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdlServer(t *testing.T, sdl string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"_service":{"sdl":"` + escapeJSON(sdl) + `"}}}`))
	}))
}

func escapeJSON(s string) string {
	out := ""
	for _, r := range s {
		switch r {
		case '\n':
			out += "\\n"
		case '"':
			out += "\\\""
		default:
			out += string(r)
		}
	}
	return out
}

func TestComposerComposesOwnershipAcrossSubgraphs(t *testing.T) {
	gitSrv := sdlServer(t, `type Query { repository(path: String!): Repository }
type Repository { path: String! branch: String! }`)
	defer gitSrv.Close()
	agentSrv := sdlServer(t, `type Query { session(id: ID!): AgentSession }
type AgentSession { id: ID! status: String! }`)
	defer agentSrv.Close()

	subs := []*Subgraph{
		{Name: "git", URL: gitSrv.URL},
		{Name: "agent", URL: agentSrv.URL},
	}
	c := NewComposer(subs, time.Hour, nil)
	sg, err := c.compose(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "git", sg.OwnerOf("Query", "repository"))
	assert.Equal(t, "agent", sg.OwnerOf("Query", "session"))
	assert.Empty(t, sg.OwnerOf("Query", "unknownField"))
}

func TestComposerRetainsLastGoodSupergraphOnFailure(t *testing.T) {
	good := sdlServer(t, `type Query { repository(path: String!): Repository }
type Repository { path: String! }`)
	defer good.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	c := NewComposer([]*Subgraph{{Name: "git", URL: good.URL}}, time.Hour, nil)
	c.recompose(context.Background())
	require.NotNil(t, c.Current())

	c.subgraphs = []*Subgraph{{Name: "git", URL: failing.URL}}
	c.recompose(context.Background())

	assert.NotNil(t, c.Current(), "last good supergraph must be retained")
	assert.Error(t, c.LastError())
}

func TestComposerRejectsNonShareableTypeMismatch(t *testing.T) {
	a := sdlServer(t, `type Query { a: Shared } type Shared { x: String! }`)
	defer a.Close()
	b := sdlServer(t, `type Query { b: Shared } type Shared { x: Int! }`)
	defer b.Close()

	c := NewComposer([]*Subgraph{{Name: "a", URL: a.URL}, {Name: "b", URL: b.URL}}, time.Hour, nil)
	_, err := c.compose(context.Background())
	assert.Error(t, err)
}

// An entity type split across subgraphs with disjoint fields (spec.md
// §4.2's extension shape) must compose, not collide: only the same
// type.field declared twice with a different type is a real conflict.
func TestComposerUnionsDisjointFieldsOfAnEntitySplitAcrossSubgraphs(t *testing.T) {
	git := sdlServer(t, `type Query { repository: Repository } type Repository { path: String! }`)
	defer git.Close()
	agent := sdlServer(t, `type Repository { sessionIds: [ID!] } type Query { session: AgentSession } type AgentSession { id: ID! }`)
	defer agent.Close()

	c := NewComposer([]*Subgraph{{Name: "git", URL: git.URL}, {Name: "agent", URL: agent.URL}}, time.Hour, nil)
	sg, err := c.compose(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "git", sg.OwnerOf("Repository", "path"))
	assert.Equal(t, "agent", sg.OwnerOf("Repository", "sessionIds"))
}
