//go:build examples
// +build examples

package audit

// This file contains example integration code for wiring the audit logger
// into the gateway process. It is not meant to be used directly but serves
// as documentation. Build with: go build -tags examples

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Example: Initialize audit logger on application startup
func ExampleInitialization() (*AuditLogger, error) {
	// Connect to PostgreSQL (or your preferred database)
	db, err := sql.Open("postgres",
		"host=localhost port=5432 user=gateway dbname=gateway_audit sslmode=disable")
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Create audit logger with buffering for better performance
	// Buffer size of 100 means it will batch-write every 100 logs or every 30 seconds
	logger, err := NewAuditLogger(db, 100)
	if err != nil {
		return nil, err
	}

	// Start retention policy goroutine (runs daily)
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			// Keep audit logs for 90 days (adjust based on compliance requirements)
			if err := logger.Cleanup(90 * 24 * time.Hour); err != nil {
				// Log error (use your logging framework)
				println("Audit cleanup failed:", err.Error())
			}
		}
	}()

	return logger, nil
}

// Example: HTTP middleware for automatic audit logging of REST/health routes
func ExampleAuditMiddleware(logger *AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Start with base context
			ctx := r.Context()

			// Enrich context with HTTP request metadata
			ctx = WithHTTPRequest(ctx, r)

			// Extract user and org from authentication
			// (Implement these based on your auth system)
			if userID := extractUserIDFromJWT(r); userID != "" {
				ctx = WithUserID(ctx, userID)
			}
			if orgID := extractOrgIDFromJWT(r); orgID != "" {
				ctx = WithOrgID(ctx, orgID)
			}

			// Add request ID for tracing
			if reqID := r.Header.Get("X-Request-ID"); reqID == "" {
				// Generate one if not present
				ctx = WithRequestID(ctx, generateRequestID())
			}

			// Wrap response writer to capture status code
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: 200}

			// Call next handler with enriched context
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			// Log the API request after completion
			go func() {
				// Log asynchronously to not block the response
				_ = LogAPIRequest(ctx, logger, r.URL.Path, r.Method, wrapped.statusCode)
			}()
		})
	}
}

// statusRecorder wraps http.ResponseWriter to record status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Example: Integrating with the session manager (lib/session)
func ExampleSessionManagement(ctx context.Context, logger *AuditLogger) {
	// When creating a session
	sessionID := "session-123"
	agentType := "claude"
	workspace := "/tmp/workspace-123"

	if err := LogSessionCreated(ctx, logger, sessionID, agentType, workspace); err != nil {
		// Handle error - but don't fail the operation
		println("Failed to log session creation:", err.Error())
	}

	// When accessing a session
	if err := LogSessionAccessed(ctx, logger, sessionID); err != nil {
		println("Failed to log session access:", err.Error())
	}

	// When forking a session (lib/session's ForkSession)
	if err := LogSessionForked(ctx, logger, "session-124", sessionID, 7); err != nil {
		println("Failed to log session fork:", err.Error())
	}

	// When snapshotting a session into a reusable template
	if err := LogTemplateCreated(ctx, logger, "template-1", "standard-review", sessionID); err != nil {
		println("Failed to log template creation:", err.Error())
	}

	// When terminating a session
	if err := LogSessionTerminated(ctx, logger, sessionID); err != nil {
		println("Failed to log session termination:", err.Error())
	}
}

// Example: AgentRun lifecycle tracking (lib/runs)
func ExampleRunTracking(ctx context.Context, logger *AuditLogger) {
	runID := "01HXYZ"
	repository := "github.com/acme/widgets"

	// When a run is queued
	if err := LogRunQueued(ctx, logger, runID, repository); err != nil {
		println("Failed to log run queued:", err.Error())
	}

	// When a run finishes
	if err := LogRunCompleted(ctx, logger, runID, true, ""); err != nil {
		println("Failed to log run completion:", err.Error())
	}

	// When a run fails
	if err := LogRunCompleted(ctx, logger, runID, false, "agent exited 1"); err != nil {
		println("Failed to log run failure:", err.Error())
	}
}

// Example: Git Executor commit tracking (lib/git)
func ExampleCommitTracking(ctx context.Context, logger *AuditLogger) {
	if err := LogCommitCreated(ctx, logger, "github.com/acme/widgets", "abc123def", []string{"vendor/libfoo"}); err != nil {
		println("Failed to log commit:", err.Error())
	}
}

// Example: Authentication tracking
func ExampleAuthTracking(ctx context.Context, logger *AuditLogger) {
	userID := "user-123"

	// Successful login
	if err := LogAuthAttempt(ctx, logger, userID, true, "oauth"); err != nil {
		println("Failed to log auth success:", err.Error())
	}

	// Failed login attempt
	failedCtx := WithIPAddress(ctx, "203.0.113.1")
	if err := LogAuthAttempt(failedCtx, logger, userID, false, "password"); err != nil {
		println("Failed to log auth failure:", err.Error())
	}

	// Password change
	if err := logger.LogWithContext(ctx, ActionUpdated, ResourceTypeAuth, userID, map[string]any{
		"action": "password_change",
		"method": "reset_link",
	}); err != nil {
		println("Failed to log password change:", err.Error())
	}

	// Permission change
	if err := logger.LogWithContext(ctx, ActionUpdated, ResourceTypeAuth, userID, map[string]any{
		"action":      "permission_change",
		"added":       []string{"admin"},
		"removed":     []string{"user"},
		"modified_by": "admin-user",
	}); err != nil {
		println("Failed to log permission change:", err.Error())
	}
}

// Example: Querying audit logs for compliance reports
func ExampleQueryingLogs(logger *AuditLogger) {
	// Get all failed authentication attempts in the last 24 hours
	since := time.Now().Add(-24 * time.Hour)
	failedAuths, err := logger.Query(AuditFilter{
		ResourceType: ResourceTypeAuth,
		Action:       ActionFailed,
		StartTime:    &since,
		Limit:        1000,
	})
	if err != nil {
		println("Failed to query failed auths:", err.Error())
		return
	}

	println("Failed authentication attempts:", len(failedAuths))
	for _, entry := range failedAuths {
		println("  User:", entry.UserID, "IP:", entry.IPAddress, "Time:", entry.Timestamp)
	}

	// Get all session creations for a specific user
	userSessions, err := logger.Query(AuditFilter{
		UserID:       "user-123",
		ResourceType: ResourceTypeSession,
		Action:       ActionCreated,
		Limit:        100,
	})
	if err != nil {
		println("Failed to query user sessions:", err.Error())
		return
	}

	println("Sessions created by user:", len(userSessions))

	// Get all AgentRuns for a repository in date range
	startTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	endTime := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
	runs, err := logger.Query(AuditFilter{
		ResourceType: ResourceTypeRun,
		StartTime:    &startTime,
		EndTime:      &endTime,
		Limit:        10000,
	})
	if err != nil {
		println("Failed to query runs:", err.Error())
		return
	}

	println("AgentRuns in January:", len(runs))

	// Pagination example - get all entries in batches
	const batchSize = 100
	offset := 0
	var allEntries []*AuditEntry

	for {
		batch, err := logger.Query(AuditFilter{
			OrgID:  "org-456",
			Limit:  batchSize,
			Offset: offset,
		})
		if err != nil {
			println("Failed to query batch:", err.Error())
			break
		}

		if len(batch) == 0 {
			break // No more entries
		}

		allEntries = append(allEntries, batch...)
		offset += batchSize

		if len(batch) < batchSize {
			break // Last batch
		}
	}

	println("Total entries for org:", len(allEntries))
}

// Example: Graceful shutdown
func ExampleGracefulShutdown(logger *AuditLogger) {
	// Flush any buffered entries before shutdown
	if err := logger.Flush(); err != nil {
		println("Failed to flush audit logs:", err.Error())
	}

	// Close the logger
	if err := logger.Close(); err != nil {
		println("Failed to close audit logger:", err.Error())
	}
}

// Helper functions (implement based on your auth system)

func extractUserIDFromJWT(r *http.Request) string {
	// Extract from JWT token in Authorization header
	// This is just a placeholder - implement based on your auth system
	return ""
}

func extractOrgIDFromJWT(r *http.Request) string {
	// Extract from JWT token in Authorization header
	// This is just a placeholder - implement based on your auth system
	return ""
}

func generateRequestID() string {
	// Generate a unique request ID
	// This is just a placeholder - use your preferred method
	return "req-123"
}

// Example: Custom resource types and actions
func ExampleCustomEvents(ctx context.Context, logger *AuditLogger) {
	// While the package provides standard actions and resources,
	// you may need to log custom events. Be aware that validation
	// will fail for non-standard types.

	// To log custom events, you would need to modify the validation
	// in the audit package, or use the standard types creatively:

	// Option 1: Use generic resource type with descriptive details
	err := logger.LogWithContext(ctx, ActionCreated, ResourceTypeConfig, "custom-setting", map[string]any{
		"setting_type": "notification_preference",
		"setting_name": "email_frequency",
		"value":        "daily",
	})
	if err != nil {
		println("Failed to log custom event:", err.Error())
	}

	// Option 2: Use ActionUpdated for state changes
	err = logger.LogWithContext(ctx, ActionUpdated, ResourceTypeConfig, "feature-flag", map[string]any{
		"flag_name":          "new_ui_enabled",
		"old_value":          false,
		"new_value":          true,
		"rollout_percentage": 50,
	})
	if err != nil {
		println("Failed to log feature flag change:", err.Error())
	}
}

// Example: Monitoring and alerting
func ExampleMonitoring(logger *AuditLogger) {
	// Query for suspicious activity patterns
	since := time.Now().Add(-1 * time.Hour)

	// Check for multiple failed auth attempts
	failedAuths, err := logger.Query(AuditFilter{
		ResourceType: ResourceTypeAuth,
		Action:       ActionFailed,
		StartTime:    &since,
		Limit:        10000,
	})
	if err != nil {
		println("Monitoring error:", err.Error())
		return
	}

	// Group by IP to detect brute force
	ipCounts := make(map[string]int)
	for _, entry := range failedAuths {
		ipCounts[entry.IPAddress]++
	}

	// Alert on IPs with many failures
	for ip, count := range ipCounts {
		if count > 10 {
			println("ALERT: Possible brute force from", ip, "with", count, "attempts")
			// Send alert to security team
		}
	}

	// Check for unusual run volume (possible runaway automation)
	runs, err := logger.Query(AuditFilter{
		ResourceType: ResourceTypeRun,
		Action:       ActionCreated,
		StartTime:    &since,
		Limit:        10000,
	})
	if err != nil {
		println("Monitoring error:", err.Error())
		return
	}

	// Group by user
	userCounts := make(map[string]int)
	for _, entry := range runs {
		userCounts[entry.UserID]++
	}

	// Alert on users queuing many runs
	for userID, count := range userCounts {
		if count > 20 {
			println("ALERT: User", userID, "queued", count, "runs in 1 hour")
			// Investigate potential account compromise or runaway automation
		}
	}
}
