package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/devmesh/controlplane/lib/audit"
	"github.com/devmesh/controlplane/lib/cache"
	"github.com/devmesh/controlplane/lib/cliproc"
	"github.com/devmesh/controlplane/lib/dispatch"
	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/federation"
	"github.com/devmesh/controlplane/lib/git"
	"github.com/devmesh/controlplane/lib/gql"
	"github.com/devmesh/controlplane/lib/health"
	"github.com/devmesh/controlplane/lib/metrics"
	"github.com/devmesh/controlplane/lib/prewarm"
	"github.com/devmesh/controlplane/lib/quality"
	"github.com/devmesh/controlplane/lib/ratelimit"
	redisclient "github.com/devmesh/controlplane/lib/redis"
	"github.com/devmesh/controlplane/lib/runs"
	"github.com/devmesh/controlplane/lib/session"
	"github.com/devmesh/controlplane/lib/subscription"
)

// Config holds the gateway process's configuration (spec.md §4.1/§9).
type Config struct {
	// Database (quality history and audit log; the session/run stores are
	// intentionally in-memory, see lib/runs and lib/session)
	DatabaseURL string
	QualityDBPath string

	// Agent CLI
	AgentCLIPath string
	AgentTimeout time.Duration

	// Subgraphs this gateway composes (spec.md §4.1)
	SubgraphURLs map[string]string

	// Redis (optional response-cache backend; nil client degrades to
	// local-map-only caching)
	RedisURL string

	// GraphQL operation limits
	Limits gql.Limits

	// Pre-warm pool
	PreWarm prewarm.Config

	// Observability
	MetricsEnabled bool
	AuditEnabled   bool

	// Server
	Port int
}

// LoadConfigFromEnv loads the gateway's configuration from environment
// variables, matching the teacher's env-var-driven LoadConfigFromEnv idiom.
func LoadConfigFromEnv() (*Config, error) {
	config := &Config{
		AgentTimeout:   5 * time.Minute,
		Limits:         gql.DefaultLimits(),
		PreWarm:        prewarm.DefaultConfig(),
		Port:           3284,
		MetricsEnabled: true,
		AuditEnabled:   true,
		SubgraphURLs:   make(map[string]string),
	}

	config.DatabaseURL = os.Getenv("DATABASE_URL")
	config.QualityDBPath = os.Getenv("QUALITY_DB_PATH")
	if config.QualityDBPath == "" {
		config.QualityDBPath = "quality.db"
	}

	config.AgentCLIPath = os.Getenv("AGENT_CLI_PATH")
	if config.AgentCLIPath == "" {
		config.AgentCLIPath = "/usr/local/bin/agent-cli"
	}

	config.RedisURL = os.Getenv("REDIS_URL")

	for name, envVar := range map[string]string{
		"git":     "SUBGRAPH_GIT_URL",
		"agent":   "SUBGRAPH_AGENT_URL",
		"quality": "SUBGRAPH_QUALITY_URL",
	} {
		if url := os.Getenv(envVar); url != "" {
			config.SubgraphURLs[name] = url
		}
	}

	if metricsEnabled := os.Getenv("METRICS_ENABLED"); metricsEnabled == "false" {
		config.MetricsEnabled = false
	}
	if auditEnabled := os.Getenv("AUDIT_ENABLED"); auditEnabled == "false" {
		config.AuditEnabled = false
	}

	return config, nil
}

// ValidateConfig checks the configuration can plausibly run the gateway.
func ValidateConfig(config *Config, logger *slog.Logger) error {
	if !fileExists(config.AgentCLIPath) {
		logger.Warn("agent CLI binary not found; session subgraph will fail to spawn sessions", "path", config.AgentCLIPath)
	}
	if len(config.SubgraphURLs) == 0 {
		logger.Warn("no remote subgraph URLs configured; composing in-process subgraphs only")
	}
	return nil
}

// Components holds every wired-up piece of the gateway process: the
// federated GraphQL composition/dispatch layer, and the subgraph-owned
// stores and engines it fronts.
type Components struct {
	AuditLogger      *audit.AuditLogger
	MetricsClient    *metrics.MetricsRegistry
	EventBus         *eventbus.Bus
	ResponseCache    *cache.Cache
	RateLimiter      *ratelimit.RateLimiter
	rateLimitRedis   *redisclient.RedisClient

	GitExecutor   *git.Executor
	RunStore      *runs.Store
	SessionMgr    *session.Manager
	PreWarmPool   *prewarm.Pool
	Dispatcher    *dispatch.Dispatcher
	QualityStore  *quality.Store

	Composer    *federation.Composer
	Gateway     *federation.Gateway
	Multiplexer *subscription.Multiplexer
	Health      *health.HealthChecker

	DB         *sql.DB
	cancelPool context.CancelFunc
}

// Setup wires every SPEC_FULL.md component into a running Components
// value and registers the gateway's HTTP routes.
func Setup(router *http.ServeMux, logger *slog.Logger, config *Config) (*Components, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	logger.Info("initializing control plane gateway", "port", config.Port, "subgraphs", len(config.SubgraphURLs))

	c := &Components{}

	var db *sql.DB
	if config.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Info("database connection established")
	} else {
		logger.Warn("no DATABASE_URL configured; audit logging disabled")
	}
	c.DB = db

	if config.AuditEnabled && db != nil {
		var err error
		c.AuditLogger, err = audit.NewAuditLogger(db, 1000)
		if err != nil {
			logger.Warn("failed to initialize audit logger, continuing without it", "error", err)
		}
	}

	if config.MetricsEnabled {
		c.MetricsClient = metrics.NewMetricsRegistry()
	}

	c.EventBus = eventbus.New(256)

	var redisClient *goredis.Client
	if config.RedisURL != "" {
		opts, err := goredis.ParseURL(config.RedisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, falling back to local-map-only cache", "error", err)
		} else {
			redisClient = goredis.NewClient(opts)
		}
	}
	c.ResponseCache = cache.New(redisClient, nil)

	if config.RedisURL != "" {
		rc := redisclient.DefaultConfig()
		rc.URL = config.RedisURL
		redisWrapped, err := redisclient.NewRedisClient(rc)
		if err != nil {
			logger.Warn("failed to initialize rate limiter's redis client, continuing without request rate limiting", "error", err)
		} else {
			rl, err := ratelimit.NewRateLimiter(redisWrapped, ratelimit.DefaultConfig())
			if err != nil {
				logger.Warn("failed to initialize rate limiter, continuing without request rate limiting", "error", err)
			} else {
				c.RateLimiter = rl
				c.rateLimitRedis = redisWrapped
			}
		}
	}

	c.GitExecutor = git.NewExecutor(os.Getenv("WORKSPACE_ROOT"))
	if c.AuditLogger != nil {
		c.GitExecutor.Audit = &gitAuditAdapter{al: c.AuditLogger}
	}
	c.RunStore = runs.NewStore()
	if c.AuditLogger != nil {
		c.RunStore.SetAuditLogger(&runAuditAdapter{al: c.AuditLogger})
	}

	qualityStore, err := quality.Open(config.QualityDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open quality store: %w", err)
	}
	c.QualityStore = qualityStore

	agentSpawner := func(ctx context.Context, workingDir string) (*cliproc.Process, error) {
		return cliproc.Start(ctx, cliproc.StartConfig{
			Program: config.AgentCLIPath,
			WorkDir: workingDir,
		})
	}

	c.SessionMgr = session.NewManager(os.Getenv("WORKSPACE_ROOT"), agentSpawner, c.EventBus, logger)
	if c.AuditLogger != nil {
		c.SessionMgr.SetAuditLogger(&auditAdapter{al: c.AuditLogger})
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	c.cancelPool = cancel
	c.PreWarmPool = prewarm.NewPool(config.PreWarm, func(ctx context.Context) (any, string, error) {
		return spawnAndHandshake(ctx, agentSpawner)
	}, c.EventBus, logger)
	go c.PreWarmPool.Run(poolCtx)
	c.SessionMgr.SetPreWarmClaimer(func() (*cliproc.Process, string, bool) {
		slot, ok := c.PreWarmPool.Claim()
		if !ok {
			return nil, "", false
		}
		proc, ok := slot.Handle().(*cliproc.Process)
		if !ok {
			return nil, "", false
		}
		return proc, slot.SessionCorrelator, true
	})

	c.Dispatcher = dispatch.NewDispatcher(ratelimit.DefaultDispatchLimiter(), c.ResponseCache, c.EventBus, logger, func(ctx context.Context, item dispatch.Item) (map[string]any, error) {
		result, gerr := c.SessionMgr.ExecuteCommand(ctx, item.Diff, session.ExecuteOptions{WorkingDir: item.Repository})
		if gerr != nil {
			return nil, gerr
		}
		return map[string]any{"sessionId": result.SessionID}, nil
	})

	subgraphs := make([]*federation.Subgraph, 0, len(config.SubgraphURLs))
	for name, url := range config.SubgraphURLs {
		subgraphs = append(subgraphs, &federation.Subgraph{Name: name, URL: url, Timeout: 10 * time.Second})
	}
	c.Composer = federation.NewComposer(subgraphs, 30*time.Second, logger)
	go c.Composer.Run(poolCtx)
	onMutation := func(touched []string) {
		c.ResponseCache.InvalidateSubgraphs(context.Background(), touched)
	}
	c.Gateway = federation.NewGateway(c.Composer, subgraphs, config.Limits, onMutation, c.ResponseCache)

	healthSubgraphs := make(map[string]string, len(config.SubgraphURLs))
	for name, url := range config.SubgraphURLs {
		healthSubgraphs[name] = url + "/health"
	}
	c.Health = health.NewHealthChecker(db, healthSubgraphs)

	graphqlHandler := gql.Handler(config.Limits, func(r *http.Request, req gql.Request) gql.Response {
		return c.Gateway.Execute(r.Context(), req, r.Header)
	})

	// The gateway forwards credentials to subgraphs verbatim and never
	// validates them itself (spec.md §9's Non-goal: "policy-based
	// authorization"); /graphql is wired without an auth-gating middleware,
	// but still gets per-IP rate limiting when Redis is configured.
	c.Multiplexer = subscription.NewMultiplexer(subscription.DefaultBufferSize, subscription.DefaultCancelWindow)
	startSub := newSubscriptionStarter(c.EventBus)

	// No auth middleware sets the user/org context keys this limiter's
	// default identifier extractor looks for, so every request falls back
	// to per-IP limiting (lib/ratelimit/middleware.go).
	rateLimit := func(h http.Handler) http.Handler { return h }
	if c.RateLimiter != nil {
		rateLimit = ratelimit.Middleware(ratelimit.DefaultMiddlewareConfig(c.RateLimiter))
	}

	router.Handle("/graphql", rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			if err := subscription.ServeWS(w, r, c.Multiplexer, startSub); err != nil {
				logger.Warn("websocket subscription ended with error", "error", err)
			}
			return
		}
		graphqlHandler.ServeHTTP(w, r)
	})))
	router.Handle("/graphql/stream", rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gql.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid subscribe request", http.StatusBadRequest)
			return
		}
		upstream, err := startSub(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := r.Header.Get(gql.CorrelationHeader)
		if id == "" {
			id = req.OperationName
		}
		sub, err := c.Multiplexer.Subscribe(r.Context(), id, upstream)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if err := subscription.ServeSSE(w, r, sub); err != nil {
			logger.Warn("sse subscription ended with error", "error", err)
		}
	})))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := c.Health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Overall != health.StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = writeJSON(w, status)
	})
	router.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		sg := c.Composer.Current()
		_ = writeJSON(w, sg)
	})

	logger.Info("gateway setup complete", "routes", []string{"/graphql", "/graphql/stream", "/health", "/services"})
	return c, nil
}

// newSubscriptionStarter turns a subscribe operation name into an Upstream
// reading from the process-wide event bus, the only two subscription fields
// spec.md names: commandOutput(sessionId) (§4.5 streaming output) and
// preWarmStatus (§4.6 observability).
func newSubscriptionStarter(bus *eventbus.Bus) subscription.StartSubscription {
	return func(ctx context.Context, req gql.Request) (subscription.Upstream, error) {
		switch req.OperationName {
		case "preWarmStatus":
			return busUpstream(bus, "preWarmStatus"), nil
		default:
			sessionID, _ := req.Variables["sessionId"].(string)
			if sessionID == "" {
				return nil, fmt.Errorf("commandOutput subscription requires a sessionId variable")
			}
			return busUpstream(bus, "commandOutput:"+sessionID), nil
		}
	}
}

// busUpstream adapts an eventbus.Bus topic into a subscription.Upstream: one
// Frame per published event, terminating when the upstream event itself
// carries session.CommandOutput.IsFinal or the context is cancelled.
func busUpstream(bus *eventbus.Bus, topic string) subscription.Upstream {
	return func(ctx context.Context) (<-chan subscription.Frame, error) {
		sub := bus.Subscribe(topic)
		frames := make(chan subscription.Frame)
		go func() {
			defer close(frames)
			defer sub.Unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.C:
					if !ok {
						return
					}
					select {
					case frames <- subscription.Frame{Type: subscription.FrameNext, Payload: evt.Payload}:
					case <-ctx.Done():
						return
					}
					if out, ok := evt.Payload.(session.CommandOutput); ok && out.IsFinal {
						select {
						case frames <- subscription.Frame{Type: subscription.FrameComplete}:
						case <-ctx.Done():
						}
						return
					}
				}
			}
		}()
		return frames, nil
	}
}

// Shutdown releases resources that outlive a single request.
func (c *Components) Shutdown(ctx context.Context, logger *slog.Logger) error {
	if c.cancelPool != nil {
		c.cancelPool()
	}
	if c.QualityStore != nil {
		if err := c.QualityStore.Close(); err != nil {
			logger.Error("failed to close quality store", "error", err)
		}
	}
	if c.AuditLogger != nil {
		if err := c.AuditLogger.Close(); err != nil {
			logger.Error("failed to close audit logger", "error", err)
		}
	}
	if c.rateLimitRedis != nil {
		if err := c.rateLimitRedis.Close(); err != nil {
			logger.Error("failed to close rate limiter's redis client", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logger.Error("failed to close database connection", "error", err)
		}
	}
	logger.Info("gateway shutdown complete")
	return nil
}

// auditAdapter satisfies session.AuditLogger by forwarding to the shared
// audit.AuditLogger's generic action log. lib/session emits free-form event
// type strings (session_created, session_killed, ...); sessionAction maps
// them onto audit's fixed CRUD-style action taxonomy and the raw event type
// rides along in Details for anyone querying the log.
type auditAdapter struct{ al *audit.AuditLogger }

func (a *auditAdapter) LogSessionEvent(ctx context.Context, sessionID, eventType string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["event_type"] = eventType
	_ = a.al.LogWithContext(ctx, sessionAction(eventType), audit.ResourceTypeSession, sessionID, details)
}

func sessionAction(eventType string) string {
	switch eventType {
	case "session_killed":
		return audit.ActionDeleted
	case "session_created", "session_forked", "session_template_created":
		return audit.ActionCreated
	default:
		return audit.ActionUpdated
	}
}

// runAuditAdapter satisfies runs.AuditLogger the same way auditAdapter
// satisfies session.AuditLogger, for AgentRun lifecycle events.
type runAuditAdapter struct{ al *audit.AuditLogger }

func (a *runAuditAdapter) LogRunEvent(ctx context.Context, runID, eventType string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["event_type"] = eventType
	_ = a.al.LogWithContext(ctx, runAction(eventType), audit.ResourceTypeRun, runID, details)
}

func runAction(eventType string) string {
	switch eventType {
	case "run_failed":
		return audit.ActionFailed
	case "run_queued":
		return audit.ActionCreated
	default:
		return audit.ActionUpdated
	}
}

// gitAuditAdapter satisfies git.AuditLogger for the hierarchical commit
// mutation (spec.md §4.10).
type gitAuditAdapter struct{ al *audit.AuditLogger }

func (a *gitAuditAdapter) LogCommit(ctx context.Context, repository, commitHash string, submodules []string) {
	_ = audit.LogCommitCreated(ctx, a.al, repository, commitHash, submodules)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// spawnAndHandshake starts a new agent CLI process and blocks until its
// first envelope arrives, extracting the session correlator it carries
// (spec.md §4.6: a pre-warmed slot is only READY once the handshake
// completes). A line that never parses as an envelope leaves the correlator
// empty rather than failing the warmup outright.
func spawnAndHandshake(ctx context.Context, spawn session.Spawner) (any, string, error) {
	proc, err := spawn(ctx, "")
	if err != nil {
		return nil, "", err
	}

	select {
	case line, ok := <-proc.Lines():
		if !ok {
			return proc, "", nil
		}
		env, parsed := cliproc.ParseEnvelope(line.Content)
		if parsed {
			return proc, env.SessionCorrelator, nil
		}
		return proc, "", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

