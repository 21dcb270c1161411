// Package store is the transactional persistence layer for normalized
// sessions. Two implementations share one contract: SQLite (default,
// embedded) and Postgres (team deployments). The store is the sole writer
// of every entity; upserts are all-or-nothing per session.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sessionlog/sessiondb/internal/model"
)

// Fingerprint records an artifact's content hash. It is written inside the
// same transaction as the import it belongs to, so a failed import never
// advances it.
type Fingerprint struct {
	Path string
	Hash string
}

// Counts is the row census reported by the doctor command.
type Counts struct {
	Sessions    int
	Messages    int
	ToolCalls   int
	FileChanges int
	Tags        int
	Prompts     int
	Plans       int
	Todos       int
	UsageStats  int
	FTS         int
}

// Store is the contract both storage backends implement.
//
// UpsertSession is atomic: the session row is inserted or updated, messages
// are inserted keyed by (session_id, sequence) and never modified once
// present, tool calls / file changes / token usage cascade only for newly
// inserted messages, auto-generated tags are replaced while manual tags are
// left untouched, and the artifact fingerprint is advanced, all in one
// transaction. Writes to the same session id are serialized; writes to
// different sessions may proceed concurrently.
type Store interface {
	UpsertSession(ctx context.Context, s *model.Session, fp Fingerprint) error
	UpsertPlan(ctx context.Context, p *model.Plan, fp Fingerprint) error
	ReplaceTodos(ctx context.Context, sessionID string, todos []model.Todo, fp Fingerprint) error

	// UpsertUsageStats records per-model usage snapshots keyed by
	// (stat date, model).
	UpsertUsageStats(ctx context.Context, stats []model.UsageStat, fp Fingerprint) error

	// AppendPrompts inserts prompt-history entries newer than the stored
	// timestamp watermark and reports how many were added.
	AppendPrompts(ctx context.Context, prompts []model.Prompt, fp Fingerprint) (int, error)

	// ArtifactFingerprint returns the last recorded hash for path, or ""
	// when the artifact has never been imported.
	ArtifactFingerprint(ctx context.Context, path string) (string, error)

	// AddTag sets a tag on a session. Manual tags (auto=false) survive every
	// subsequent reimport.
	AddTag(ctx context.Context, sessionID, label string, auto bool) error
	SessionTags(ctx context.Context, sessionID string) ([]model.Tag, error)

	// LoadSession reads a session back with its messages and tool calls,
	// for payload construction.
	LoadSession(ctx context.Context, id string) (*model.Session, error)

	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// sessionLocks serializes writers per session id. Unrelated sessions never
// contend.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) forSession(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
