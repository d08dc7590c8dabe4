package gql

import (
	"testing"

	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleQuery(t *testing.T) {
	doc, err := Parse(`{ repoAgentHealth { healthy } claudeHealth { healthy } }`, "")
	require.Nil(t, err)
	fields := doc.TopLevelFields()
	require.Len(t, fields, 2)
	assert.Equal(t, "repoAgentHealth", fields[0].Name)
	assert.Equal(t, "claudeHealth", fields[1].Name)
	assert.Equal(t, 2, doc.Depth())
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse(`{ this is not valid`, "")
	require.NotNil(t, err)
	assert.Equal(t, gqlerr.CodeParseFailed, err.Code())
}

func TestParseRequiresOperationNameWhenAmbiguous(t *testing.T) {
	_, err := Parse(`query A { a } query B { b }`, "")
	require.NotNil(t, err)
	assert.Equal(t, gqlerr.CodeBadUserInput, err.Code())

	doc, err2 := Parse(`query A { a } query B { b }`, "B")
	require.Nil(t, err2)
	assert.Equal(t, "B", doc.Operation.Name)
}

func TestDepthAndAliasCounting(t *testing.T) {
	doc, err := Parse(`{
		repository(path: "/a") {
			status { files { path } }
		}
		aliased: repository(path: "/b") { branch }
	}`, "")
	require.Nil(t, err)
	assert.Equal(t, 4, doc.Depth())
	assert.Equal(t, 1, doc.AliasCount())
}

func TestLimitsCheckTooDeep(t *testing.T) {
	doc, err := Parse(`{ a { b { c { d { e } } } } }`, "")
	require.Nil(t, err)
	limits := Limits{MaxDepth: 3}
	gerr := limits.Check(doc)
	require.NotNil(t, gerr)
	assert.Equal(t, gqlerr.CodeQueryTooDeep, gerr.Code())
}

func TestLimitsCheckBodySize(t *testing.T) {
	l := Limits{MaxBodyBytes: 10}
	gerr := l.CheckBodySize(11)
	require.NotNil(t, gerr)
	assert.Nil(t, l.CheckBodySize(10))
}
