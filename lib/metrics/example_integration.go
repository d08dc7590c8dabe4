package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// ExampleGatewayServer demonstrates wiring the metrics registry into a
// minimal stand-in for the gateway's own chi router: subgraph dispatch
// timing, response-cache hit/miss, and agent session lifecycle.
type ExampleGatewayServer struct {
	router  *chi.Mux
	metrics *MetricsRegistry
	logger  *slog.Logger
	db      *sql.DB
	cache   map[string]interface{}
}

// NewExampleGatewayServer creates a new example server with metrics wired in.
func NewExampleGatewayServer(logger *slog.Logger) *ExampleGatewayServer {
	metrics := NewMetricsRegistry()

	s := &ExampleGatewayServer{
		router:  chi.NewRouter(),
		metrics: metrics,
		logger:  logger,
		cache:   make(map[string]interface{}),
	}

	s.setupMiddleware()
	s.setupRoutes()

	go s.collectSystemMetrics()

	return s
}

// setupMiddleware configures all middleware including metrics
func (s *ExampleGatewayServer) setupMiddleware() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics middleware - IMPORTANT: Add this early in the chain
	s.router.Use(s.metrics.HTTPMiddleware)

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithMetrics(r.Context(), s.metrics)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})

	s.router.Use(s.loggingMiddleware)
}

// setupRoutes configures the example gateway-shaped routes
func (s *ExampleGatewayServer) setupRoutes() {
	s.router.Route("/graphql", func(r chi.Router) {
		r.Post("/", s.handleExecuteOperation)
	})

	s.router.Get("/health", s.handleHealth)

	s.router.Handle("/metrics", s.metrics.HTTPHandler())
	s.router.Get("/metrics/json", s.metrics.JSONHandler())
}

func (s *ExampleGatewayServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// collectSystemMetrics periodically collects and updates system metrics
func (s *ExampleGatewayServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		s.metrics.UpdateSystemMetrics(
			runtime.NumGoroutine(),
			m.Alloc,
			m.HeapAlloc,
		)
	}
}

// handleExecuteOperation demonstrates dispatch timing, response-cache
// accounting, and entity resolution accounting for one GraphQL request.
func (s *ExampleGatewayServer) handleExecuteOperation(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.URL.Query().Get("op")
	if _, hit := s.cache[fingerprint]; hit {
		s.metrics.RecordCacheHit("response-cache")
	} else {
		s.metrics.RecordCacheMiss("response-cache")
		s.cache[fingerprint] = struct{}{}
		s.metrics.UpdateCacheSize("response-cache", len(s.cache))
	}

	for _, subgraph := range []string{"git", "agent", "quality"} {
		done := s.metrics.SubgraphDispatchTimer(subgraph)
		err := s.dispatchToSubgraph(subgraph)
		done(err)
	}

	s.metrics.RecordEntityResolution("agent", nil)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"data": {}}`))
}

func (s *ExampleGatewayServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}

func (s *ExampleGatewayServer) dispatchToSubgraph(name string) error {
	time.Sleep(5 * time.Millisecond)
	return nil
}

// ServeHTTP implements http.Handler
func (s *ExampleGatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ExampleUsage demonstrates how to use the metrics package
func ExampleUsage() {
	logger := slog.Default()
	server := NewExampleGatewayServer(logger)
	http.ListenAndServe(":8080", server)
}

// ExampleManualMetrics shows how to manually record metrics without
// middleware, covering subgraph dispatch, cache, and session lifecycle.
func ExampleManualMetrics() {
	metrics := NewMetricsRegistry()

	done := metrics.SubgraphDispatchTimer("git")
	time.Sleep(10 * time.Millisecond)
	done(nil)

	metrics.RecordCacheHit("response-cache")
	metrics.RecordCacheMiss("response-cache")

	sessionID := "session-123"
	metrics.RecordSessionCreated(sessionID)
	time.Sleep(5 * time.Second)
	metrics.RecordSessionDeleted(sessionID)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMetrics(runtime.NumGoroutine(), m.Alloc, m.HeapAlloc)
}

// ExampleContextUsage shows how to use metrics from context
func ExampleContextUsage() {
	metrics := NewMetricsRegistry()
	ctx := context.Background()

	ctx = WithMetrics(ctx, metrics)

	if m := FromContext(ctx); m != nil {
		m.RecordCacheHit("response-cache")
	}
}
