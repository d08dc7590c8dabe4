// Package runs implements the in-memory Run Store of spec.md §4.8: agent-run
// records, indexes, retry chains, and statistics. Non-goals (spec.md §1)
// explicitly exclude persistence of agent sessions across gateway restarts,
// so this store is process-local: a map of runs guarded by a sync.RWMutex.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/oklog/ulid/v2"
)

// AuditLogger records AgentRun lifecycle transitions. Calls are made with a
// background context since the store's own API isn't context-scoped.
type AuditLogger interface {
	LogRunEvent(ctx context.Context, runID, eventType string, details map[string]any)
}

type noopAuditLogger struct{}

func (noopAuditLogger) LogRunEvent(context.Context, string, string, map[string]any) {}

// Status is an AgentRun's lifecycle state (spec.md §3).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRetrying  Status = "RETRYING"
)

func (s Status) terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Run is one AgentRun record.
type Run struct {
	ID           string
	Repository   string
	Status       Status
	StartedAt    time.Time
	CompletedAt  *time.Time
	Input        map[string]any
	Output       map[string]any
	Error        string
	RetryCount   int
	ParentRunID  string
}

// Duration returns CompletedAt - StartedAt, or zero if not yet completed.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Store indexes runs by id, repository, status, and time range.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	audit AuditLogger
}

func NewStore() *Store {
	return &Store{runs: make(map[string]*Run), audit: noopAuditLogger{}}
}

// SetAuditLogger overrides the default no-op audit sink, e.g. with one
// backed by lib/audit.
func (s *Store) SetAuditLogger(a AuditLogger) { s.audit = a }

// Create registers a new QUEUED run for repository with the given input
// snapshot.
func (s *Store) Create(repository string, input map[string]any) *Run {
	run := &Run{
		ID:         ulid.Make().String(),
		Repository: repository,
		Status:     StatusQueued,
		StartedAt:  time.Now(),
		Input:      input,
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	s.audit.LogRunEvent(context.Background(), run.ID, "run_queued", map[string]any{"repository": repository})
	return run
}

// Start moves a run to RUNNING.
func (s *Store) Start(id string) (*Run, *gqlerr.Error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "run not found: "+id)
	}
	run.Status = StatusRunning
	s.mu.Unlock()
	s.audit.LogRunEvent(context.Background(), id, "run_started", nil)
	return run, nil
}

// Complete records a terminal SUCCESS/FAILED outcome.
func (s *Store) Complete(id string, success bool, output map[string]any, errMsg string) (*Run, *gqlerr.Error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "run not found: "+id)
	}
	now := time.Now()
	run.CompletedAt = &now
	run.Output = output
	if success {
		run.Status = StatusSuccess
	} else {
		run.Status = StatusFailed
		run.Error = errMsg
	}
	s.mu.Unlock()

	if success {
		s.audit.LogRunEvent(context.Background(), id, "run_succeeded", nil)
	} else {
		s.audit.LogRunEvent(context.Background(), id, "run_failed", map[string]any{"error": errMsg})
	}
	return run, nil
}

// Get returns one run by id.
func (s *Store) Get(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// ListByRepository returns all runs for a repository.
func (s *Store) ListByRepository(repository string) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if r.Repository == repository {
			out = append(out, r)
		}
	}
	return out
}

// ListByStatus returns all runs with the given status.
func (s *Store) ListByStatus(status Status) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// ListByTimeRange returns all runs started within [from, to].
func (s *Store) ListByTimeRange(from, to time.Time) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if !r.StartedAt.Before(from) && !r.StartedAt.After(to) {
			out = append(out, r)
		}
	}
	return out
}

// RetryAgentRun produces a new QUEUED run chained to sourceID via
// ParentRunID, valid only when the source's status is FAILED or CANCELLED
// (spec.md §4.8).
func (s *Store) RetryAgentRun(sourceID string) (*Run, *gqlerr.Error) {
	s.mu.Lock()

	source, ok := s.runs[sourceID]
	if !ok {
		s.mu.Unlock()
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "run not found: "+sourceID)
	}
	if source.Status != StatusFailed && source.Status != StatusCancelled {
		s.mu.Unlock()
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "only FAILED or CANCELLED runs can be retried")
	}

	retry := &Run{
		ID:          ulid.Make().String(),
		Repository:  source.Repository,
		Status:      StatusQueued,
		StartedAt:   time.Now(),
		Input:       source.Input,
		RetryCount:  source.RetryCount + 1,
		ParentRunID: sourceID,
	}
	s.runs[retry.ID] = retry
	s.mu.Unlock()

	s.audit.LogRunEvent(context.Background(), retry.ID, "run_retried", map[string]any{
		"parent_run_id": sourceID,
		"retry_count":   retry.RetryCount,
	})
	return retry, nil
}

// CancelAgentRun moves a RUNNING run to CANCELLED; a no-op in terminal
// states (spec.md §4.8).
func (s *Store) CancelAgentRun(id string) (*Run, *gqlerr.Error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "run not found: "+id)
	}
	if run.Status.terminal() {
		s.mu.Unlock()
		return run, nil
	}
	run.Status = StatusCancelled
	now := time.Now()
	run.CompletedAt = &now
	s.mu.Unlock()

	s.audit.LogRunEvent(context.Background(), id, "run_cancelled", nil)
	return run, nil
}

// DeleteOldRuns removes runs started before cutoff, returning the count
// removed (spec.md §4.8: "default 30 days").
func (s *Store) DeleteOldRuns(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.runs {
		if r.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}
