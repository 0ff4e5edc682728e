// Package enforce implements the compliance scanner: it watches for agent
// processes, scripts, and listening ports that exist outside the registry
// and walks each finding through a warn, grace, escalate cycle.
package enforce

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Violation kinds. Each kind is detected by an independent check.
const (
	KindProcess = "process"
	KindFile    = "file"
	KindPort    = "port"
)

// Actions recorded against a violation episode.
const (
	ActionWarn         = "warn"
	ActionAutoRegister = "auto_register"
	ActionTerminate    = "terminate"
	ActionEscalate     = "escalate"
	ActionResolve      = "resolve"
)

// ViolationRecord is one observation in a violation episode. An episode
// begins when a key is first detected and ends when the key disappears
// from a scan; the same key reappearing later starts a new episode with a
// fresh id.
type ViolationRecord struct {
	EpisodeID   string     `json:"episode_id"`
	Kind        string     `json:"kind"`
	Key         string     `json:"key"`
	Evidence    string     `json:"evidence"`
	Action      string     `json:"action"`
	FirstSeen   time.Time  `json:"first_seen"`
	WarnedAt    time.Time  `json:"warned_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	Resolved    bool       `json:"resolved"`
	Timestamp   time.Time  `json:"timestamp"`
}

// episode is the tracker's mutable per-key state.
type episode struct {
	id          string
	kind        string
	evidence    string
	firstSeen   time.Time
	escalated   bool
	escalatedAt time.Time
}

// tracker holds open episodes keyed by violation key. Not safe for
// concurrent use; the scanner serializes access.
type tracker struct {
	open map[string]*episode
}

func newTracker() *tracker {
	return &tracker{open: make(map[string]*episode)}
}

// observe returns the episode for key, creating one (fresh uuid) when the
// key is newly detected. The second return is true for a new episode.
func (t *tracker) observe(key, kind, evidence string, now time.Time) (*episode, bool) {
	if ep, ok := t.open[key]; ok {
		ep.evidence = evidence
		return ep, false
	}
	ep := &episode{
		id:        uuid.NewString(),
		kind:      kind,
		evidence:  evidence,
		firstSeen: now,
	}
	t.open[key] = ep
	return ep, true
}

// sweep closes every open episode whose key is absent from seen and
// returns the closed episodes with their keys.
func (t *tracker) sweep(seen map[string]bool) map[string]*episode {
	resolved := make(map[string]*episode)
	for key, ep := range t.open {
		if !seen[key] {
			resolved[key] = ep
			delete(t.open, key)
		}
	}
	return resolved
}

const createViolationsTable = `
CREATE TABLE IF NOT EXISTS violations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	violation_key TEXT NOT NULL,
	evidence TEXT,
	action TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_violations_episode ON violations(episode_id);
`

// Log persists violation records to a JSONL file and a sqlite table. The
// JSONL stream is the append-only audit trail; the table backs queries.
type Log struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

// OpenLog opens (creating as needed) logs/violations.jsonl and warden.db
// under homeDir.
func OpenLog(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "violations.jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(homeDir, "warden.db"))
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := db.Exec(createViolationsTable); err != nil {
		f.Close()
		db.Close()
		return nil, fmt.Errorf("create violations table: %w", err)
	}
	return &Log{file: f, db: db}, nil
}

// Record appends rec to both sinks. A sink failure is returned but never
// blocks the other sink.
func (l *Log) Record(ctx context.Context, rec ViolationRecord) error {
	rec.Timestamp = time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if b, err := json.Marshal(rec); err == nil {
		if _, werr := l.file.Write(append(b, '\n')); werr != nil {
			firstErr = werr
		}
	} else {
		firstErr = err
	}

	resolved := 0
	if rec.Resolved {
		resolved = 1
	}
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO violations (episode_id, kind, violation_key, evidence, action, first_seen, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.EpisodeID, rec.Kind, rec.Key, rec.Evidence, rec.Action,
		rec.FirstSeen.UTC().Format(time.RFC3339Nano), resolved); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Recent returns the latest n records, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]ViolationRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT episode_id, kind, violation_key, evidence, action, first_seen, resolved, created_at
		FROM violations ORDER BY id DESC LIMIT ?;
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var rec ViolationRecord
		var firstSeen, createdAt string
		var resolved int
		if err := rows.Scan(&rec.EpisodeID, &rec.Kind, &rec.Key, &rec.Evidence,
			&rec.Action, &firstSeen, &resolved, &createdAt); err != nil {
			return nil, err
		}
		rec.FirstSeen, _ = time.Parse(time.RFC3339Nano, firstSeen)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.Resolved = resolved == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases both sinks.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ferr := l.file.Close()
	derr := l.db.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}
