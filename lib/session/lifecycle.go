package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/devmesh/controlplane/lib/gqlerr"
)

// ArchiveSession snapshots the session blob into the archived store and
// removes it from the live registry (spec.md §4.5). Non-goals exclude
// cross-restart persistence, so "durable store" here means outliving the
// live-session map within one process, not surviving a gateway restart.
func (m *Manager) ArchiveSession(ctx context.Context, sessionID string) *gqlerr.Error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return gqlerr.New(gqlerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	delete(m.sessions, sessionID)
	m.archived[sessionID] = sess
	m.mu.Unlock()

	sess.setStatus(StatusTerminated)
	m.audit.LogSessionEvent(ctx, sessionID, "session_archived", nil)
	return nil
}

// ShareSession issues a time-bounded opaque code referencing sessionID.
func (m *Manager) ShareSession(ctx context.Context, sessionID string, ttl time.Duration) (string, *gqlerr.Error) {
	if _, ok := m.get(sessionID); !ok {
		if _, archived := m.archived[sessionID]; !archived {
			return "", gqlerr.New(gqlerr.CodeSessionNotFound, "session not found: "+sessionID)
		}
	}

	code, err := randomCode()
	if err != nil {
		return "", gqlerr.Wrap(gqlerr.CodeInternal, "failed to generate share code", err)
	}

	m.mu.Lock()
	m.shares[code] = shareRecord{SessionID: sessionID, ExpiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()

	m.audit.LogSessionEvent(ctx, sessionID, "session_shared", map[string]any{"ttl": ttl.String()})
	return code, nil
}

// ResolveShare returns the session id a share code references, if it has
// not expired.
func (m *Manager) ResolveShare(code string) (string, bool) {
	m.mu.RLock()
	rec, ok := m.shares[code]
	m.mu.RUnlock()
	if !ok || time.Now().After(rec.ExpiresAt) {
		return "", false
	}
	return rec.SessionID, true
}

func randomCode() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BatchOp is one batchSessionOperation operation kind (spec.md §4.5).
type BatchOp string

const (
	BatchOpArchive BatchOp = "ARCHIVE"
	BatchOpDelete  BatchOp = "DELETE"
	BatchOpExport  BatchOp = "EXPORT"
	BatchOpTag     BatchOp = "TAG"
	BatchOpAnalyze BatchOp = "ANALYZE"
)

// BatchResult is one id's outcome within a batchSessionOperation call.
type BatchResult struct {
	SessionID string
	Success   bool
	Error     string
	Output    map[string]any
}

// BatchSessionOperation applies op to every id, continuing past individual
// failures and reporting a per-id result (spec.md §4.5).
func (m *Manager) BatchSessionOperation(ctx context.Context, ids []string, op BatchOp, params map[string]any) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, m.applyBatchOp(ctx, id, op, params))
	}
	return results
}

func (m *Manager) applyBatchOp(ctx context.Context, id string, op BatchOp, params map[string]any) BatchResult {
	switch op {
	case BatchOpArchive:
		if err := m.ArchiveSession(ctx, id); err != nil {
			return BatchResult{SessionID: id, Success: false, Error: err.Error()}
		}
		return BatchResult{SessionID: id, Success: true}

	case BatchOpDelete:
		m.mu.Lock()
		_, liveOK := m.sessions[id]
		_, archivedOK := m.archived[id]
		delete(m.sessions, id)
		delete(m.archived, id)
		m.mu.Unlock()
		if !liveOK && !archivedOK {
			return BatchResult{SessionID: id, Success: false, Error: "session not found"}
		}
		return BatchResult{SessionID: id, Success: true}

	case BatchOpExport:
		sess, ok := m.get(id)
		if !ok {
			return BatchResult{SessionID: id, Success: false, Error: "session not found"}
		}
		return BatchResult{SessionID: id, Success: true, Output: map[string]any{
			"history":  sess.snapshotHistory(),
			"metadata": sess.Metadata,
		}}

	case BatchOpTag:
		_, ok := m.get(id)
		if !ok {
			return BatchResult{SessionID: id, Success: false, Error: "session not found"}
		}
		return BatchResult{SessionID: id, Success: true, Output: map[string]any{"tags": params["tags"]}}

	case BatchOpAnalyze:
		sess, ok := m.get(id)
		if !ok {
			return BatchResult{SessionID: id, Success: false, Error: "session not found"}
		}
		history := sess.snapshotHistory()
		return BatchResult{SessionID: id, Success: true, Output: map[string]any{
			"interactionCount": len(history),
			"inputTokens":      sess.Metadata.InputTokens,
			"outputTokens":     sess.Metadata.OutputTokens,
			"costEstimateUSD":  sess.Metadata.CostEstimateUSD,
		}}

	default:
		return BatchResult{SessionID: id, Success: false, Error: "unknown batch operation: " + string(op)}
	}
}
