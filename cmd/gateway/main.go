package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/devmesh/controlplane/pkg/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting control plane gateway")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env file", "error", err)
	}

	applyFlagOverrides()

	config, err := server.LoadConfigFromEnv()
	if err != nil {
		logger.Error("configuration error", "error", err)
		fmt.Fprintln(os.Stderr, "\nConfiguration error:", err)
		fmt.Fprintln(os.Stderr, "\nOptional environment variables:")
		fmt.Fprintln(os.Stderr, "  DATABASE_URL         - PostgreSQL URL for audit logging")
		fmt.Fprintln(os.Stderr, "  QUALITY_DB_PATH      - sqlite path for quality history (default: quality.db)")
		fmt.Fprintln(os.Stderr, "  AGENT_CLI_PATH       - Path to the agent CLI binary")
		fmt.Fprintln(os.Stderr, "  SUBGRAPH_GIT_URL     - Git subgraph base URL")
		fmt.Fprintln(os.Stderr, "  SUBGRAPH_AGENT_URL   - Agent subgraph base URL")
		fmt.Fprintln(os.Stderr, "  SUBGRAPH_QUALITY_URL - Quality subgraph base URL")
		fmt.Fprintln(os.Stderr, "  REDIS_URL            - optional response-cache backend")
		fmt.Fprintln(os.Stderr, "  PORT                 - Server port (default: 3284)")
		os.Exit(1)
	}

	if err := server.ValidateConfig(config, logger); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}

	mux := http.NewServeMux()
	components, err := server.Setup(mux, logger, config)
	if err != nil {
		logger.Error("failed to set up gateway", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", config.Port, "routes", []string{"/graphql", "/health", "/services"})
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			if err := srv.Close(); err != nil {
				logger.Error("force close failed", "error", err)
			}
		}

		if err := components.Shutdown(ctx, logger); err != nil {
			logger.Error("component shutdown failed", "error", err)
		}

		logger.Info("gateway stopped successfully")
	}
}

// applyFlagOverrides lets CLI flags and GATEWAY_-prefixed env vars override
// the canonical env vars server.LoadConfigFromEnv reads, with flags taking
// precedence over GATEWAY_ env vars, which take precedence over whatever is
// already set. Neither layer is required; a bare `gateway` invocation relying
// entirely on DATABASE_URL etc. works unchanged. The AUTHKIT_JWKS_URL
// override is set in the environment but LoadConfigFromEnv does not read it.
func applyFlagOverrides() {
	jwksURL := flag.String("authkit-jwks-url", "", "AuthKit JWKS URL (overrides AUTHKIT_JWKS_URL)")
	databaseURL := flag.String("database-url", "", "PostgreSQL URL for audit logging (overrides DATABASE_URL)")
	agentCLIPath := flag.String("agent-cli-path", "", "Path to the agent CLI binary (overrides AGENT_CLI_PATH)")
	port := flag.Int("port", 0, "Server port (overrides PORT)")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	overrides := map[string]*string{
		"AUTHKIT_JWKS_URL": jwksURL,
		"DATABASE_URL":     databaseURL,
		"AGENT_CLI_PATH":   agentCLIPath,
	}
	for envVar, flagVal := range overrides {
		if *flagVal != "" {
			os.Setenv(envVar, *flagVal)
		} else if fromViper := v.GetString(envVar); fromViper != "" {
			os.Setenv(envVar, fromViper)
		}
	}

	if *port != 0 {
		os.Setenv("PORT", fmt.Sprintf("%d", *port))
	} else if p := v.GetInt("PORT"); p != 0 {
		os.Setenv("PORT", fmt.Sprintf("%d", p))
	}
}
