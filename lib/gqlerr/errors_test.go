package gqlerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsCodeExtension(t *testing.T) {
	e := New(CodeSessionNotFound, "no such session")
	assert.Equal(t, CodeSessionNotFound, e.Code())
	assert.Equal(t, "SESSION_NOT_FOUND", e.Extensions["code"])
	assert.Equal(t, 404, e.HTTPStatus())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(CodeInternal, "composition failed", cause)
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "boom")
}

func TestSanitizedStripsInternalDetail(t *testing.T) {
	e := Wrap(CodeInternal, "stack trace leaked here", errors.New("secret"))
	safe := e.Sanitized()
	assert.Equal(t, "internal server error", safe.Message)
	assert.NotContains(t, safe.Error(), "secret")

	nonInternal := New(CodeBadUserInput, "bad variable type")
	assert.Same(t, nonInternal, nonInternal.Sanitized())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, New(CodeSubgraphTimeout, "x").Retryable())
	assert.True(t, New(CodeTooManyRequests, "x").Retryable())
	assert.False(t, New(CodeBadUserInput, "x").Retryable())
}

func TestWithPathAndSubgraph(t *testing.T) {
	e := New(CodeSubgraphUnavailable, "git subgraph down").
		WithPath("repository", "status").
		WithSubgraph("git")
	assert.Equal(t, []any{"repository", "status"}, e.Path)
	assert.Equal(t, "git", e.Extensions["subgraph"])
}

func TestListMarshalOmitsInternalFields(t *testing.T) {
	l := List{New(CodeQueryTooDeep, "depth 20 > 15")}
	b, err := l.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"message":"depth 20 > 15","extensions":{"code":"QUERY_TOO_DEEP"}}]`, string(b))
}
