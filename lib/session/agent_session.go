// Package session implements the Agent subgraph's Session Manager
// (spec.md §4.5): lifecycle of interactive agent sessions backed by a child
// process speaking cliproc's line-delimited JSON protocol, forking,
// templating, archival/sharing, and batch operations.
package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devmesh/controlplane/lib/agents"
	"github.com/devmesh/controlplane/lib/cliproc"
	"github.com/devmesh/controlplane/lib/eventbus"
	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/devmesh/controlplane/lib/ratelimit"
	"github.com/google/uuid"
)

// Status is an AgentSession's lifecycle state (spec.md §3).
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusProcessing Status = "PROCESSING"
	StatusIdle       Status = "IDLE"
	StatusTerminated Status = "TERMINATED"
	StatusError      Status = "ERROR"
)

// Interaction is one prompt/response exchange in a session's history.
type Interaction struct {
	Timestamp          time.Time
	Prompt             string
	Response           *string
	ExecutionTime       time.Duration
	Success            bool
	UpstreamCorrelator string
}

func (i Interaction) streaming() bool { return i.Response == nil }

// Metadata carries a session's accounting and classification state.
type Metadata struct {
	Model               string
	InputTokens         int
	OutputTokens        int
	CostEstimateUSD     float64
	Flags               map[string]bool
	ProjectContext      string
	UpstreamCorrelator  string
}

// AgentSession is one owned unit of interactive agent work.
type AgentSession struct {
	mu sync.RWMutex

	ID             string
	WorkingDir     string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	History        []Interaction
	Metadata       Metadata
	ParentSessionID string
	ForkPoint       int

	process *cliproc.Process
}

func (s *AgentSession) snapshotHistory() []Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Interaction, len(s.History))
	copy(out, s.History)
	return out
}

func (s *AgentSession) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

func (s *AgentSession) setStatus(st Status) {
	s.mu.Lock()
	s.Status = st
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

// CommandOutputType classifies one streamed frame (spec.md §4.5).
type CommandOutputType string

const (
	OutputStdout   CommandOutputType = "STDOUT"
	OutputStderr   CommandOutputType = "STDERR"
	OutputSystem   CommandOutputType = "SYSTEM"
	OutputProgress CommandOutputType = "PROGRESS"
	OutputFinal    CommandOutputType = "FINAL"
)

// CommandOutput is one streamed frame of a command's execution.
type CommandOutput struct {
	SessionID string
	Type      CommandOutputType
	Content   string
	Timestamp time.Time
	IsFinal   bool
	Tokens    *cliproc.TokenUsage
}

// Spawner starts a new child process for a freshly created session.
type Spawner func(ctx context.Context, workingDir string) (*cliproc.Process, error)

// PreWarmClaimer optionally supplies an already-warmed process instead of
// spawning a new one (spec.md §4.6's claim contract).
type PreWarmClaimer func() (proc *cliproc.Process, correlator string, ok bool)

// ExecuteOptions configures executeCommand/continueSession.
type ExecuteOptions struct {
	SessionID         string
	Model             string
	WorkingDir        string
	Flags             map[string]bool
	AdditionalContext string
}

// ExecuteResult is executeCommand/continueSession's immediate return value;
// the command's actual output streams as CommandOutput frames.
type ExecuteResult struct {
	SessionID           string
	Success             bool
	StartedAt           time.Time
	EstimatedDurationMs int
	Flags               map[string]bool
}

// modelRates is the per-model cost table used for informational cost
// estimation (spec.md §4.5's token accounting), sourced from agents'
// built-in catalog rather than a session-local duplicate.
var modelRates = agents.RateTable()

func rateFor(model string) (inputPer1K, outputPer1K float64) {
	r, ok := modelRates[model]
	if !ok {
		r = modelRates["default"]
	}
	return r.InputCostPer1K, r.OutputCostPer1K
}

// AuditLogger logs session lifecycle events.
type AuditLogger interface {
	LogSessionEvent(ctx context.Context, sessionID, eventType string, details map[string]any)
}

type slogAuditLogger struct{ logger *slog.Logger }

func (l *slogAuditLogger) LogSessionEvent(ctx context.Context, sessionID, eventType string, details map[string]any) {
	attrs := []any{slog.String("session_id", sessionID), slog.String("event_type", eventType)}
	for k, v := range details {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "session_audit_event", attrs...)
}

// Manager owns the live AgentSession registry plus the global dispatcher
// that bounds concurrent/rate-limited command execution across all
// sessions.
type Manager struct {
	workspaceRoot string
	spawn         Spawner
	claimPreWarm  PreWarmClaimer
	dispatcher    *ratelimit.DispatchLimiter
	bus           *eventbus.Bus
	audit         AuditLogger
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*AgentSession
	archived map[string]*AgentSession
	templates map[string]*SessionTemplate
	shares    map[string]shareRecord

	// cmdLocks serializes command execution per session id: at most one
	// command is PROCESSING per session. Waiting commands contend for the
	// mutex and are not guaranteed to run in submission order.
	cmdLocks sync.Map // sessionID -> *sync.Mutex
}

type shareRecord struct {
	SessionID string
	ExpiresAt time.Time
}

func NewManager(workspaceRoot string, spawn Spawner, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		spawn:         spawn,
		dispatcher:    ratelimit.DefaultDispatchLimiter(),
		bus:           bus,
		audit:         &slogAuditLogger{logger: logger},
		logger:        logger,
		sessions:      make(map[string]*AgentSession),
		archived:      make(map[string]*AgentSession),
		templates:     make(map[string]*SessionTemplate),
		shares:        make(map[string]shareRecord),
	}
}

// SetPreWarmClaimer wires a pre-warm pool so new sessions prefer an
// already-handshaked process over cold-spawning one.
func (m *Manager) SetPreWarmClaimer(c PreWarmClaimer) { m.claimPreWarm = c }

// SetAuditLogger overrides the default slog-backed audit sink, e.g. with one
// that persists to the shared audit log database.
func (m *Manager) SetAuditLogger(a AuditLogger) { m.audit = a }

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	lock, _ := m.cmdLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func estimateDurationMs(prompt string, isNewSession bool) int {
	base := 1500
	perWord := 8
	if isNewSession {
		base = 2000
		perWord = 10
	}
	words := len(strings.Fields(prompt))
	return base + perWord*words
}

// ExecuteCommand implements spec.md §4.5's executeCommand: creates a new
// session when opts.SessionID is empty, otherwise dispatches onto an
// existing non-TERMINATED session.
func (m *Manager) ExecuteCommand(ctx context.Context, prompt string, opts ExecuteOptions) (ExecuteResult, *gqlerr.Error) {
	if opts.SessionID == "" {
		return m.executeOnNewSession(ctx, prompt, opts)
	}
	return m.executeOnExistingSession(ctx, opts.SessionID, prompt, opts.AdditionalContext, false)
}

// ContinueSession implements spec.md §4.5's continueSession: the working
// directory and flags are inherited from the existing session.
func (m *Manager) ContinueSession(ctx context.Context, sessionID, prompt, additionalContext string) (ExecuteResult, *gqlerr.Error) {
	return m.executeOnExistingSession(ctx, sessionID, prompt, additionalContext, true)
}

func (m *Manager) executeOnNewSession(ctx context.Context, prompt string, opts ExecuteOptions) (ExecuteResult, *gqlerr.Error) {
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = filepath.Join(m.workspaceRoot, uuid.New().String())
	}
	if err := os.MkdirAll(workingDir, 0o700); err != nil {
		return ExecuteResult{}, gqlerr.Wrap(gqlerr.CodeInternal, "failed to create session workspace", err)
	}

	var proc *cliproc.Process
	var correlator string
	if m.claimPreWarm != nil {
		if p, c, ok := m.claimPreWarm(); ok {
			proc, correlator = p, c
		}
	}
	if proc == nil {
		if m.spawn == nil {
			return ExecuteResult{}, gqlerr.New(gqlerr.CodeInternal, "no process spawner configured")
		}
		p, err := m.spawn(ctx, workingDir)
		if err != nil {
			return ExecuteResult{}, gqlerr.Wrap(gqlerr.CodeInternal, "failed to start session process", err)
		}
		proc = p
	}

	now := time.Now()
	sess := &AgentSession{
		ID:             uuid.New().String(),
		WorkingDir:     workingDir,
		Status:         StatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
		process:        proc,
		Metadata: Metadata{
			Model:              opts.Model,
			Flags:              cloneFlags(opts.Flags),
			UpstreamCorrelator: correlator,
		},
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.audit.LogSessionEvent(ctx, sess.ID, "session_created", map[string]any{"working_dir": workingDir})

	go m.runCommand(ctx, sess, prompt, true)

	return ExecuteResult{
		SessionID:           sess.ID,
		Success:             true,
		StartedAt:           now,
		EstimatedDurationMs: estimateDurationMs(prompt, true),
		Flags:               cloneFlags(opts.Flags),
	}, nil
}

func (m *Manager) executeOnExistingSession(ctx context.Context, sessionID, prompt, additionalContext string, isContinuation bool) (ExecuteResult, *gqlerr.Error) {
	sess, ok := m.get(sessionID)
	if !ok || sess.status() == StatusTerminated {
		return ExecuteResult{}, gqlerr.New(gqlerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	if additionalContext != "" {
		prompt = prompt + "\n\n" + additionalContext
	}

	started := time.Now()
	go m.runCommand(ctx, sess, prompt, false)

	sess.mu.RLock()
	flags := cloneFlags(sess.Metadata.Flags)
	sess.mu.RUnlock()

	return ExecuteResult{
		SessionID:           sess.ID,
		Success:             true,
		StartedAt:           started,
		EstimatedDurationMs: estimateDurationMs(prompt, false),
		Flags:               flags,
	}, nil
}

// runCommand serializes per-session execution (at most one PROCESSING
// command per session; additional calls wait on the session's mutex, in no
// guaranteed order) and streams CommandOutput frames to the event bus.
func (m *Manager) runCommand(ctx context.Context, sess *AgentSession, prompt string, isNewSession bool) {
	lock := m.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	release, limitErr := m.dispatcher.Admit(ctx)
	if limitErr != nil {
		m.publish(sess.ID, CommandOutput{SessionID: sess.ID, Type: OutputSystem, Content: limitErr.Error(), Timestamp: time.Now(), IsFinal: true})
		return
	}
	defer release()

	sess.setStatus(StatusProcessing)
	started := time.Now()

	interaction := Interaction{Timestamp: started, Prompt: prompt}
	sess.mu.Lock()
	sess.History = append(sess.History, interaction)
	idx := len(sess.History) - 1
	sess.mu.Unlock()

	sess.setStatus(StatusActive)

	if _, err := sess.process.Write([]byte(prompt + "\n")); err != nil {
		m.finishInteraction(sess, idx, started, false, "", nil, nil)
		sess.setStatus(StatusError)
		return
	}

	var response strings.Builder
	var tokens *cliproc.TokenUsage
	var upstreamCorrelator string
	success := true

	for line := range sess.process.Lines() {
		if line.Stream == cliproc.StreamStderr {
			m.publish(sess.ID, CommandOutput{SessionID: sess.ID, Type: OutputStderr, Content: line.Content, Timestamp: time.Now()})
			continue
		}

		env, ok := cliproc.ParseEnvelope(line.Content)
		if !ok {
			response.WriteString(line.Content)
			m.publish(sess.ID, CommandOutput{SessionID: sess.ID, Type: OutputStdout, Content: line.Content, Timestamp: time.Now()})
			continue
		}

		if env.SessionCorrelator != "" {
			upstreamCorrelator = env.SessionCorrelator
		}
		if env.Tokens != nil {
			tokens = env.Tokens
		}

		outputType := OutputStdout
		content := env.Content
		if env.Type == "result" {
			content = env.Result
		}
		if env.IsFinal {
			outputType = OutputFinal
		}

		m.publish(sess.ID, CommandOutput{
			SessionID: sess.ID,
			Type:      outputType,
			Content:   content,
			Timestamp: time.Now(),
			IsFinal:   env.IsFinal,
			Tokens:    env.Tokens,
		})

		if content != "" {
			response.WriteString(content)
		}
		if env.IsFinal {
			break
		}
	}

	m.finishInteraction(sess, idx, started, success, response.String(), tokens, &upstreamCorrelator)
	sess.setStatus(StatusIdle)
}

func (m *Manager) finishInteraction(sess *AgentSession, idx int, started time.Time, success bool, response string, tokens *cliproc.TokenUsage, upstreamCorrelator *string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if idx < 0 || idx >= len(sess.History) {
		return
	}
	r := response
	sess.History[idx].Response = &r
	sess.History[idx].ExecutionTime = time.Since(started)
	sess.History[idx].Success = success
	if upstreamCorrelator != nil && *upstreamCorrelator != "" {
		sess.History[idx].UpstreamCorrelator = *upstreamCorrelator
		sess.Metadata.UpstreamCorrelator = *upstreamCorrelator
	}
	if tokens != nil {
		sess.Metadata.InputTokens += tokens.Input
		sess.Metadata.OutputTokens += tokens.Output
		inRate, outRate := rateFor(sess.Metadata.Model)
		sess.Metadata.CostEstimateUSD += float64(tokens.Input)/1000*inRate + float64(tokens.Output)/1000*outRate
	}
}

func (m *Manager) publish(sessionID string, out CommandOutput) {
	if m.bus == nil {
		return
	}
	m.bus.Publish("commandOutput:"+sessionID, out)
}

// KillSession terminates a session's child process (graceful signal, then
// forceful after a 5s grace) and marks it TERMINATED. Idempotent: killing a
// missing session returns success (spec.md §4.5).
func (m *Manager) KillSession(ctx context.Context, sessionID string) (bool, *gqlerr.Error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return true, nil
	}
	if sess.status() == StatusTerminated {
		return true, nil
	}

	if sess.process != nil {
		_ = sess.process.Signal(os.Interrupt)
		done := sess.process.TerminationChannel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = sess.process.Signal(os.Kill)
		}
	}

	sess.setStatus(StatusTerminated)
	m.audit.LogSessionEvent(ctx, sessionID, "session_killed", nil)
	return true, nil
}

// ForkSession implements spec.md §4.5's forkSession: the new session's
// history is a prefix of the parent's up to and including messageIndex
// (default: the last index), and captures the forked-from interaction's
// upstream correlator so continuing resumes from that point.
func (m *Manager) ForkSession(ctx context.Context, sessionID string, messageIndex *int, name string, includeHistory bool) (*AgentSession, *gqlerr.Error) {
	parent, ok := m.get(sessionID)
	if !ok {
		return nil, gqlerr.New(gqlerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	parentHistory := parent.snapshotHistory()
	idx := len(parentHistory) - 1
	if messageIndex != nil && *messageIndex >= 0 && *messageIndex < len(parentHistory) {
		idx = *messageIndex
	}
	if idx < 0 {
		return nil, gqlerr.New(gqlerr.CodeBadUserInput, "fork message index out of range")
	}

	var history []Interaction
	if includeHistory {
		history = append([]Interaction{}, parentHistory[:idx+1]...)
	}

	workingDir := parent.WorkingDir
	now := time.Now()
	fork := &AgentSession{
		ID:              uuid.New().String(),
		WorkingDir:      workingDir,
		Status:          StatusIdle,
		CreatedAt:       now,
		LastActivityAt:  now,
		History:         history,
		ParentSessionID: parent.ID,
		ForkPoint:       idx,
		Metadata: Metadata{
			Model:              parent.Metadata.Model,
			Flags:              cloneFlags(parent.Metadata.Flags),
			UpstreamCorrelator: parentHistory[idx].UpstreamCorrelator,
		},
	}

	if m.spawn != nil {
		if p, err := m.spawn(ctx, workingDir); err == nil {
			fork.process = p
		}
	}

	m.mu.Lock()
	m.sessions[fork.ID] = fork
	m.mu.Unlock()

	m.audit.LogSessionEvent(ctx, fork.ID, "session_forked", map[string]any{"parent_id": parent.ID, "fork_point": idx})
	_ = name
	return fork, nil
}

func (m *Manager) get(sessionID string) (*AgentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

func cloneFlags(flags map[string]bool) map[string]bool {
	if flags == nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}
