// Package federation composes a supergraph from independent subgraphs and
// dispatches each client operation field-by-field to the subgraph that owns
// it, per spec.md §4.1/§4.2.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devmesh/controlplane/lib/gqlerr"
)

// Subgraph is a registered upstream GraphQL service.
type Subgraph struct {
	Name    string
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// serviceSDLQuery is the federation introspection query every subgraph must
// answer: {_service {sdl}}.
const serviceSDLQuery = `{ _service { sdl } }`

type serviceSDLResponse struct {
	Data struct {
		Service struct {
			SDL string `json:"sdl"`
		} `json:"_service"`
	} `json:"data"`
	Errors json.RawMessage `json:"errors,omitempty"`
}

// IntrospectSDL fetches the subgraph's schema document via the standard
// federation `_service { sdl }` field.
func (s *Subgraph) IntrospectSDL(ctx context.Context) (string, error) {
	body, err := s.query(ctx, serviceSDLQuery, nil)
	if err != nil {
		return "", err
	}
	var resp serviceSDLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("federation: decode %s introspection: %w", s.Name, err)
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("federation: %s returned introspection errors: %s", s.Name, resp.Errors)
	}
	return resp.Data.Service.SDL, nil
}

// graphqlRequest is the standard POST body every subgraph call sends.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Execute forwards one operation (already scoped to fields this subgraph
// owns) to the subgraph, propagating the correlation id and any forwarded
// headers. The gateway performs no authorization of its own (per DESIGN.md's
// Open Question 2): headers are forwarded verbatim.
func (s *Subgraph) Execute(ctx context.Context, query string, variables map[string]any, headers http.Header) (json.RawMessage, json.RawMessage, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if s.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, nil, gqlerr.New(gqlerr.CodeSubgraphTimeout, s.Name+" timed out").WithSubgraph(s.Name)
		}
		return nil, nil, gqlerr.Wrap(gqlerr.CodeSubgraphUnavailable, s.Name+" is unavailable", err).WithSubgraph(s.Name)
	}
	defer resp.Body.Close()

	var out struct {
		Data   json.RawMessage `json:"data"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, gqlerr.Wrap(gqlerr.CodeSubgraphUnavailable, s.Name+" returned an invalid response", err).WithSubgraph(s.Name)
	}
	return out.Data, out.Errors, nil
}

func (s *Subgraph) query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	data, errs, err := s.Execute(ctx, query, variables, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Data   json.RawMessage `json:"data"`
		Errors json.RawMessage `json:"errors,omitempty"`
	}{Data: data, Errors: errs})
}
