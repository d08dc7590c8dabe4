// Package quality implements the Quality subgraph's storage layer: scan
// sessions, the files touched by them, the violations found in each file,
// and time-bucketed metrics. Persisted via mattn/go-sqlite3 rather than an
// in-memory map, since quality history is explicitly meant to survive a
// single gateway process's lifetime (unlike the Non-goal-scoped agent
// session state in lib/session).
package quality

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS quality_sessions (
	id TEXT PRIMARY KEY,
	repository TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_files (
	path TEXT NOT NULL,
	session_id TEXT NOT NULL,
	language TEXT,
	PRIMARY KEY (path, session_id)
);

CREATE TABLE IF NOT EXISTS violations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	path TEXT NOT NULL,
	rule TEXT NOT NULL,
	line INTEGER NOT NULL,
	col INTEGER NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_metrics (
	repository TEXT NOT NULL,
	bucket_start DATETIME NOT NULL,
	granularity TEXT NOT NULL,
	violation_count INTEGER NOT NULL,
	file_count INTEGER NOT NULL,
	PRIMARY KEY (repository, bucket_start, granularity)
);
`

// Store is the Quality subgraph's sqlite-backed storage handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema. An empty path uses an in-memory database, useful for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open quality store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply quality schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Violation is one finding bound to a single file.
type Violation struct {
	ID       string
	SessionID string
	Path     string
	Rule     string
	Line     int
	Column   int
	Message  string
	Severity string
}

// ViolationID derives a stable id from (path, rule, line, col, message)
// so reprocessing the same file reproduces identical violation ids
// (spec.md §3's QualityFile/Violation invariant).
func ViolationID(path, rule string, line, column int, message string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s", path, rule, line, column, message)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// QualitySession is one scan run over a repository.
type QualitySession struct {
	ID          string
	Repository  string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
}

// StartSession begins a new QualitySession.
func (s *Store) StartSession(id, repository string) (*QualitySession, error) {
	sess := &QualitySession{ID: id, Repository: repository, StartedAt: time.Now(), Status: "RUNNING"}
	_, err := s.db.Exec(`INSERT INTO quality_sessions (id, repository, started_at, status) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Repository, sess.StartedAt, sess.Status)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CompleteSession marks a session SUCCESS or FAILED.
func (s *Store) CompleteSession(id string, success bool) error {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	_, err := s.db.Exec(`UPDATE quality_sessions SET completed_at = ?, status = ? WHERE id = ?`,
		time.Now(), status, id)
	return err
}

// RecordFile registers a file scanned within a session.
func (s *Store) RecordFile(sessionID, path, language string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO quality_files (path, session_id, language) VALUES (?, ?, ?)`,
		path, sessionID, language)
	return err
}

// RecordViolation stores one Violation, computing its stable id.
func (s *Store) RecordViolation(sessionID, path, rule string, line, column int, message, severity string) (Violation, error) {
	v := Violation{
		ID:        ViolationID(path, rule, line, column, message),
		SessionID: sessionID,
		Path:      path,
		Rule:      rule,
		Line:      line,
		Column:    column,
		Message:   message,
		Severity:  severity,
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO violations (id, session_id, path, rule, line, col, message, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, v.Path, v.Rule, v.Line, v.Column, v.Message, v.Severity)
	if err != nil {
		return Violation{}, err
	}
	return v, nil
}

// ViolationsForFile returns all violations recorded against path within a
// session.
func (s *Store) ViolationsForFile(sessionID, path string) ([]Violation, error) {
	rows, err := s.db.Query(`SELECT id, session_id, path, rule, line, col, message, severity
		FROM violations WHERE session_id = ? AND path = ? ORDER BY line, col`, sessionID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Path, &v.Rule, &v.Line, &v.Column, &v.Message, &v.Severity); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ViolationsForSession returns every violation recorded in a session.
func (s *Store) ViolationsForSession(sessionID string) ([]Violation, error) {
	rows, err := s.db.Query(`SELECT id, session_id, path, rule, line, col, message, severity
		FROM violations WHERE session_id = ? ORDER BY path, line, col`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Path, &v.Rule, &v.Line, &v.Column, &v.Message, &v.Severity); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
