package gql

import (
	"encoding/json"
	"net/http"

	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/google/uuid"
)

// CorrelationHeader is the inbound/outbound header carrying the per-request
// correlation id (spec.md §4.11, §8 scenario S1).
const CorrelationHeader = "x-correlation-id"

// Handler is the gateway's single /graphql entrypoint (spec.md §4.1). GET
// serves a GraphiQL-style landing page (spec.md §6); POST runs an operation.
// Body-size limiting and JSON decoding live here; operation-depth/alias
// limits and subgraph dispatch live in execute, which callers bind to a
// *federation.Gateway's Execute method (kept as a plain func to avoid
// lib/gql <-> lib/federation importing each other).
func Handler(limits Limits, execute func(r *http.Request, req Request) Response) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			serveGraphiQL(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		corrID := r.Header.Get(CorrelationHeader)
		if corrID == "" {
			corrID = uuid.New().String()
		}
		r.Header.Set(CorrelationHeader, corrID)
		ctx, _ := eventbus.WithRequestBus(r.Context(), 32)
		r = r.WithContext(ctx)
		w.Header().Set(CorrelationHeader, corrID)

		body := r.Body
		if limits.MaxBodyBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, limits.MaxBodyBytes)
		}

		var req Request
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeResponse(w, Response{Errors: gqlerr.List{
				gqlerr.Wrap(gqlerr.CodeParseFailed, "failed to decode request body", err),
			}})
			return
		}

		writeResponse(w, execute(r, req))
	})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// graphiQLPage is a minimal, dependency-free landing page: it loads GraphiQL
// from a CDN rather than vendoring the React bundle, since this gateway has
// no other browser-served asset pipeline.
const graphiQLPage = `<!DOCTYPE html>
<html>
<head>
  <title>Control Plane GraphQL</title>
  <style>body { margin: 0; height: 100vh; }</style>
  <link rel="stylesheet" href="https://unpkg.com/graphiql/graphiql.min.css" />
</head>
<body>
  <div id="graphiql" style="height: 100vh;"></div>
  <script src="https://unpkg.com/react/umd/react.production.min.js"></script>
  <script src="https://unpkg.com/react-dom/umd/react-dom.production.min.js"></script>
  <script src="https://unpkg.com/graphiql/graphiql.min.js"></script>
  <script>
    const fetcher = GraphiQL.createFetcher({ url: window.location.pathname });
    ReactDOM.render(
      React.createElement(GraphiQL, { fetcher }),
      document.getElementById('graphiql'),
    );
  </script>
</body>
</html>`

func serveGraphiQL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(graphiQLPage))
}
