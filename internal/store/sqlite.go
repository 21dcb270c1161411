package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessionlog/sessiondb/internal/model"
)

const sqliteSchema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -64000;
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    project_path     TEXT NOT NULL DEFAULT '',
    model            TEXT NOT NULL DEFAULT '',
    started_at       TEXT NOT NULL DEFAULT '',
    ended_at         TEXT NOT NULL DEFAULT '',
    total_messages   INTEGER NOT NULL DEFAULT 0,
    total_tokens_in  INTEGER NOT NULL DEFAULT 0,
    total_tokens_out INTEGER NOT NULL DEFAULT 0,
    source_path      TEXT NOT NULL DEFAULT '',
    imported_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence     INTEGER NOT NULL,
    timestamp    TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool','unknown')),
    content      TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    UNIQUE (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    message_id  INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    sequence    INTEGER NOT NULL,
    tool_name   TEXT NOT NULL,
    tool_input  TEXT NOT NULL DEFAULT '',
    tool_output TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    success     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS file_changes (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    message_id   INTEGER NOT NULL DEFAULT 0,
    file_path    TEXT NOT NULL,
    change_type  TEXT NOT NULL DEFAULT '',
    diff_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_tags (
    session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    tag            TEXT NOT NULL,
    auto_generated INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, tag)
);

CREATE TABLE IF NOT EXISTS token_usage (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id            TEXT NOT NULL,
    message_sequence      INTEGER NOT NULL DEFAULT 0,
    timestamp             TEXT NOT NULL DEFAULT '',
    model                 TEXT NOT NULL DEFAULT '',
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prompt_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt       TEXT NOT NULL,
    project_path TEXT NOT NULL DEFAULT '',
    timestamp    TEXT NOT NULL DEFAULT '',
    timestamp_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS plans (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    title      TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_todos (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    content    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'unknown',
    sequence   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_stats (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    stat_date             TEXT NOT NULL,
    model                 TEXT NOT NULL,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    updated_at            TEXT NOT NULL DEFAULT '',
    UNIQUE (stat_date, model)
);

CREATE TABLE IF NOT EXISTS artifact_fingerprints (
    path         TEXT PRIMARY KEY,
    hash         TEXT NOT NULL,
    processed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(tool_name);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_file_changes_path ON file_changes(file_path);
CREATE INDEX IF NOT EXISTS idx_prompt_history_ts ON prompt_history(timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content=messages,
    content_rowid=id,
    tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.id, old.content);
    INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS prompt_history_fts USING fts5(
    prompt,
    content=prompt_history,
    content_rowid=id,
    tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS prompt_history_ai AFTER INSERT ON prompt_history BEGIN
    INSERT INTO prompt_history_fts(rowid, prompt) VALUES (new.id, new.prompt);
END;
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	locks *sessionLocks
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// the schema.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps the PRAGMAs in effect for every statement
	// and sidesteps SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, locks: newSessionLocks()}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Raw exposes the underlying handle for the doctor command's FTS checks.
func (s *SQLiteStore) Raw() *sql.DB {
	return s.db
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *model.Session, fp Fingerprint) error {
	mu := s.locks.forSession(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, project_path, model, started_at, ended_at,
		                       total_messages, total_tokens_in, total_tokens_out,
		                       source_path, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     project_path = excluded.project_path,
		     model = excluded.model,
		     started_at = excluded.started_at,
		     ended_at = excluded.ended_at,
		     total_messages = excluded.total_messages,
		     total_tokens_in = excluded.total_tokens_in,
		     total_tokens_out = excluded.total_tokens_out,
		     source_path = excluded.source_path,
		     imported_at = excluded.imported_at`,
		sess.ID, sess.ProjectPath, sess.Model,
		formatTime(sess.StartedAt), formatTime(sess.EndedAt),
		len(sess.Messages), sess.TokensIn, sess.TokensOut,
		sess.SourcePath, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	// Messages are immutable once recorded: insert-or-ignore keyed by
	// (session_id, sequence), cascades only for rows actually inserted.
	changes := changesBySequence(sess.FileChanges)
	for i := range sess.Messages {
		m := &sess.Messages[i]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, sequence, timestamp, role, content, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, sequence) DO NOTHING`,
			sess.ID, m.Sequence, formatTime(m.Timestamp), m.Role, m.Content, m.Fingerprint(),
		)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", m.Sequence, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			continue // already recorded on an earlier pass
		}
		msgID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, tc := range m.ToolCalls {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tool_calls (session_id, message_id, sequence, tool_name,
				                         tool_input, tool_output, duration_ms, success)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.ID, msgID, tc.Sequence, tc.Name, tc.Input, tc.Output,
				tc.DurationMs, boolToInt(tc.Success),
			); err != nil {
				return fmt.Errorf("insert tool call: %w", err)
			}
		}

		for _, fc := range changes[m.Sequence] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_changes (session_id, message_id, file_path, change_type, diff_summary)
				 VALUES (?, ?, ?, ?, ?)`,
				sess.ID, msgID, fc.Path, fc.ChangeType, fc.DiffSummary,
			); err != nil {
				return fmt.Errorf("insert file change: %w", err)
			}
		}

		if m.Usage != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO token_usage (session_id, message_sequence, timestamp, model,
				                          input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.ID, m.Sequence, formatTime(m.Timestamp), m.Usage.Model,
				m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheRead, m.Usage.CacheCreation,
			); err != nil {
				return fmt.Errorf("insert token usage: %w", err)
			}
		}
	}

	// Replace the auto-generated tag set; manual tags keep their rows
	// because the insert ignores primary-key conflicts.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_tags WHERE session_id = ? AND auto_generated = 1`, sess.ID,
	); err != nil {
		return fmt.Errorf("clear auto tags: %w", err)
	}
	for _, label := range sess.AutoTags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_tags (session_id, tag, auto_generated) VALUES (?, ?, 1)`,
			sess.ID, label,
		); err != nil {
			return fmt.Errorf("insert tag %s: %w", label, err)
		}
	}

	if err := saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertPlan(ctx context.Context, p *model.Plan, fp Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO plans (name, title, content, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     title = excluded.title,
		     content = excluded.content,
		     created_at = excluded.created_at`,
		p.Name, p.Title, p.Content, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.Name, err)
	}
	if err := saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReplaceTodos(ctx context.Context, sessionID string, todos []model.Todo, fp Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_todos WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, t := range todos {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_todos (session_id, content, status, sequence) VALUES (?, ?, ?, ?)`,
			sessionID, t.Content, t.Status, t.Sequence,
		); err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
	}
	if err := saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertUsageStats(ctx context.Context, stats []model.UsageStat, fp Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_stats (stat_date, model, input_tokens, output_tokens,
			                          cache_read_tokens, cache_creation_tokens, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(stat_date, model) DO UPDATE SET
			     input_tokens = excluded.input_tokens,
			     output_tokens = excluded.output_tokens,
			     cache_read_tokens = excluded.cache_read_tokens,
			     cache_creation_tokens = excluded.cache_creation_tokens,
			     updated_at = excluded.updated_at`,
			st.Date, st.Model, st.InputTokens, st.OutputTokens,
			st.CacheRead, st.CacheCreation, formatTime(time.Now()),
		); err != nil {
			return fmt.Errorf("upsert usage stat %s/%s: %w", st.Date, st.Model, err)
		}
	}
	if err := saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendPrompts(ctx context.Context, prompts []model.Prompt, fp Fingerprint) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var watermark int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(timestamp_ms), 0) FROM prompt_history`,
	).Scan(&watermark); err != nil {
		return 0, err
	}

	added := 0
	for _, p := range prompts {
		if p.TimestampMs < watermark {
			continue
		}
		// Entries at the watermark itself may be new: two prompts can
		// share a millisecond, so check for an exact duplicate instead
		// of skipping outright.
		if p.TimestampMs == watermark {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM prompt_history WHERE timestamp_ms = ? AND prompt = ?`,
				p.TimestampMs, p.Text,
			).Scan(&n); err != nil {
				return 0, err
			}
			if n > 0 {
				continue
			}
		}
		ts := ""
		if p.TimestampMs > 0 {
			ts = formatTime(time.UnixMilli(p.TimestampMs))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompt_history (prompt, project_path, timestamp, timestamp_ms) VALUES (?, ?, ?, ?)`,
			p.Text, p.ProjectPath, ts, p.TimestampMs,
		); err != nil {
			return 0, fmt.Errorf("insert prompt: %w", err)
		}
		added++
	}
	if err := saveFingerprint(ctx, tx, fp); err != nil {
		return 0, err
	}
	return added, tx.Commit()
}

func (s *SQLiteStore) ArtifactFingerprint(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM artifact_fingerprints WHERE path = ?`, path,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

func (s *SQLiteStore) AddTag(ctx context.Context, sessionID, label string, auto bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tags (session_id, tag, auto_generated)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id, tag) DO UPDATE SET auto_generated = excluded.auto_generated`,
		sessionID, label, boolToInt(auto),
	)
	return err
}

func (s *SQLiteStore) SessionTags(ctx context.Context, sessionID string) ([]model.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, auto_generated FROM session_tags WHERE session_id = ? ORDER BY tag`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var t model.Tag
		var auto int
		if err := rows.Scan(&t.Label, &auto); err != nil {
			return nil, err
		}
		t.SessionID = sessionID
		t.AutoGenerated = auto != 0
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	sess := &model.Session{}
	var started, ended string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_path, model, started_at, ended_at, total_tokens_in, total_tokens_out, source_path
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.ProjectPath, &sess.Model, &started, &ended,
		&sess.TokensIn, &sess.TokensOut, &sess.SourcePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = parseStoredTime(started)
	sess.EndedAt = parseStoredTime(ended)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, timestamp, role, content FROM messages
		 WHERE session_id = ? ORDER BY sequence`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]int) // message row id -> index in sess.Messages
	for rows.Next() {
		var msgID int64
		var ts string
		var m model.Message
		if err := rows.Scan(&msgID, &m.Sequence, &ts, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		m.Timestamp = parseStoredTime(ts)
		byID[msgID] = len(sess.Messages)
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tcRows, err := s.db.QueryContext(ctx,
		`SELECT message_id, sequence, tool_name, tool_input, tool_output, duration_ms, success
		 FROM tool_calls WHERE session_id = ? ORDER BY message_id, sequence`, id,
	)
	if err != nil {
		return nil, err
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var msgID int64
		var success int
		var tc model.ToolCall
		if err := tcRows.Scan(&msgID, &tc.Sequence, &tc.Name, &tc.Input, &tc.Output, &tc.DurationMs, &success); err != nil {
			return nil, err
		}
		tc.Success = success != 0
		if idx, ok := byID[msgID]; ok {
			sess.Messages[idx].ToolCalls = append(sess.Messages[idx].ToolCalls, tc)
		}
	}
	return sess, tcRows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM sessions`, &c.Sessions},
		{`SELECT COUNT(*) FROM messages`, &c.Messages},
		{`SELECT COUNT(*) FROM tool_calls`, &c.ToolCalls},
		{`SELECT COUNT(*) FROM file_changes`, &c.FileChanges},
		{`SELECT COUNT(*) FROM session_tags`, &c.Tags},
		{`SELECT COUNT(*) FROM prompt_history`, &c.Prompts},
		{`SELECT COUNT(*) FROM plans`, &c.Plans},
		{`SELECT COUNT(*) FROM session_todos`, &c.Todos},
		{`SELECT COUNT(*) FROM usage_stats`, &c.UsageStats},
		{`SELECT COUNT(*) FROM messages_fts`, &c.FTS},
	}
	for _, q := range counts {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return c, err
		}
	}
	return c, nil
}

func saveFingerprint(ctx context.Context, tx *sql.Tx, fp Fingerprint) error {
	if fp.Path == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_fingerprints (path, hash, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, processed_at = excluded.processed_at`,
		fp.Path, fp.Hash, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

func changesBySequence(changes []model.FileChange) map[int][]model.FileChange {
	if len(changes) == 0 {
		return nil
	}
	m := make(map[int][]model.FileChange)
	for _, fc := range changes {
		m[fc.MessageSequence] = append(m[fc.MessageSequence], fc)
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
