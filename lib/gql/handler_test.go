package gql

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesGraphiQLOnGet(t *testing.T) {
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		t.Fatal("execute should not be called for a GET request")
		return Response{}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "GraphiQL")
}

func TestHandlerRejectsUnsupportedMethod(t *testing.T) {
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		t.Fatal("execute should not be called for a DELETE request")
		return Response{}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/graphql", nil)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerSetsCorrelationHeaderWhenAbsent(t *testing.T) {
	var seen string
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		seen = r.Header.Get(CorrelationHeader)
		return Response{Data: map[string]any{"ok": true}}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ x }"}`))
	h.ServeHTTP(rec, req)

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(CorrelationHeader))
}

func TestHandlerPreservesInboundCorrelationHeader(t *testing.T) {
	var seen string
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		seen = r.Header.Get(CorrelationHeader)
		return Response{Data: map[string]any{"ok": true}}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ x }"}`))
	req.Header.Set(CorrelationHeader, "req-abc-123")
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc-123", seen)
	assert.Equal(t, "req-abc-123", rec.Header().Get(CorrelationHeader))
}

func TestHandlerDecodesRequestAndReturnsExecuteResult(t *testing.T) {
	var got Request
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		got = req
		return Response{Data: map[string]any{"ok": true}}
	})

	body := `{"query":"{ claudeHealth { healthy } }","variables":{"x":1},"operationName":"Q"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{ claudeHealth { healthy } }", got.Query)
	assert.Equal(t, "Q", got.OperationName)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestHandlerReturnsParseErrorOnMalformedBody(t *testing.T) {
	h := Handler(DefaultLimits(), func(r *http.Request, req Request) Response {
		t.Fatal("execute should not be called when the body fails to decode")
		return Response{}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{not json"))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "GRAPHQL_PARSE_FAILED")
}

func TestHandlerEnforcesMaxBodyBytes(t *testing.T) {
	h := Handler(Limits{MaxBodyBytes: 8}, func(r *http.Request, req Request) Response {
		t.Fatal("execute should not be called when the body exceeds MaxBodyBytes")
		return Response{}
	})

	oversized := bytes.Repeat([]byte("a"), 64)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(oversized))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "GRAPHQL_PARSE_FAILED")
}
