package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessionlog/sessiondb/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    project_path     TEXT NOT NULL DEFAULT '',
    model            TEXT NOT NULL DEFAULT '',
    started_at       TEXT NOT NULL DEFAULT '',
    ended_at         TEXT NOT NULL DEFAULT '',
    total_messages   INTEGER NOT NULL DEFAULT 0,
    total_tokens_in  BIGINT NOT NULL DEFAULT 0,
    total_tokens_out BIGINT NOT NULL DEFAULT 0,
    source_path      TEXT NOT NULL DEFAULT '',
    imported_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence     INTEGER NOT NULL,
    timestamp    TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool','unknown')),
    content      TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    content_tsv  tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    UNIQUE (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    message_id  BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    sequence    INTEGER NOT NULL,
    tool_name   TEXT NOT NULL,
    tool_input  TEXT NOT NULL DEFAULT '',
    tool_output TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    success     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS file_changes (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    message_id   BIGINT NOT NULL DEFAULT 0,
    file_path    TEXT NOT NULL,
    change_type  TEXT NOT NULL DEFAULT '',
    diff_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_tags (
    session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    tag            TEXT NOT NULL,
    auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (session_id, tag)
);

CREATE TABLE IF NOT EXISTS token_usage (
    id                    BIGSERIAL PRIMARY KEY,
    session_id            TEXT NOT NULL,
    message_sequence      INTEGER NOT NULL DEFAULT 0,
    timestamp             TEXT NOT NULL DEFAULT '',
    model                 TEXT NOT NULL DEFAULT '',
    input_tokens          BIGINT NOT NULL DEFAULT 0,
    output_tokens         BIGINT NOT NULL DEFAULT 0,
    cache_read_tokens     BIGINT NOT NULL DEFAULT 0,
    cache_creation_tokens BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prompt_history (
    id           BIGSERIAL PRIMARY KEY,
    prompt       TEXT NOT NULL,
    project_path TEXT NOT NULL DEFAULT '',
    timestamp    TEXT NOT NULL DEFAULT '',
    timestamp_ms BIGINT NOT NULL DEFAULT 0,
    prompt_tsv   tsvector GENERATED ALWAYS AS (to_tsvector('english', prompt)) STORED
);

CREATE TABLE IF NOT EXISTS plans (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    title      TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_todos (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    content    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'unknown',
    sequence   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_stats (
    id                    BIGSERIAL PRIMARY KEY,
    stat_date             TEXT NOT NULL,
    model                 TEXT NOT NULL,
    input_tokens          BIGINT NOT NULL DEFAULT 0,
    output_tokens         BIGINT NOT NULL DEFAULT 0,
    cache_read_tokens     BIGINT NOT NULL DEFAULT 0,
    cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
    updated_at            TEXT NOT NULL DEFAULT '',
    UNIQUE (stat_date, model)
);

CREATE TABLE IF NOT EXISTS artifact_fingerprints (
    path         TEXT PRIMARY KEY,
    hash         TEXT NOT NULL,
    processed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_tsv ON messages USING GIN (content_tsv);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_prompt_history_tsv ON prompt_history USING GIN (prompt_tsv);
CREATE INDEX IF NOT EXISTS idx_prompt_history_ts ON prompt_history(timestamp_ms);
`

// PostgresStore implements Store on a shared Postgres database, for team
// deployments where dashboards and the pipeline run on different hosts.
// Full-text search uses generated tsvector columns instead of SQLite FTS5.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks *sessionLocks
}

// OpenPostgres connects to databaseURL, verifies the connection and applies
// the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresStore{pool: pool, locks: newSessionLocks()}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, sess *model.Session, fp Fingerprint) error {
	mu := s.locks.forSession(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, project_path, model, started_at, ended_at,
		                       total_messages, total_tokens_in, total_tokens_out,
		                       source_path, imported_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     project_path = EXCLUDED.project_path,
		     model = EXCLUDED.model,
		     started_at = EXCLUDED.started_at,
		     ended_at = EXCLUDED.ended_at,
		     total_messages = EXCLUDED.total_messages,
		     total_tokens_in = EXCLUDED.total_tokens_in,
		     total_tokens_out = EXCLUDED.total_tokens_out,
		     source_path = EXCLUDED.source_path,
		     imported_at = EXCLUDED.imported_at`,
		sess.ID, sess.ProjectPath, sess.Model,
		formatTime(sess.StartedAt), formatTime(sess.EndedAt),
		len(sess.Messages), sess.TokensIn, sess.TokensOut,
		sess.SourcePath, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	changes := changesBySequence(sess.FileChanges)
	for i := range sess.Messages {
		m := &sess.Messages[i]
		var msgID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO messages (session_id, sequence, timestamp, role, content, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, sequence) DO NOTHING
			 RETURNING id`,
			sess.ID, m.Sequence, formatTime(m.Timestamp), m.Role, m.Content, m.Fingerprint(),
		).Scan(&msgID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // already recorded on an earlier pass
		}
		if err != nil {
			return fmt.Errorf("insert message %d: %w", m.Sequence, err)
		}

		for _, tc := range m.ToolCalls {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tool_calls (session_id, message_id, sequence, tool_name,
				                         tool_input, tool_output, duration_ms, success)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				sess.ID, msgID, tc.Sequence, tc.Name, tc.Input, tc.Output, tc.DurationMs, tc.Success,
			); err != nil {
				return fmt.Errorf("insert tool call: %w", err)
			}
		}

		for _, fc := range changes[m.Sequence] {
			if _, err := tx.Exec(ctx,
				`INSERT INTO file_changes (session_id, message_id, file_path, change_type, diff_summary)
				 VALUES ($1, $2, $3, $4, $5)`,
				sess.ID, msgID, fc.Path, fc.ChangeType, fc.DiffSummary,
			); err != nil {
				return fmt.Errorf("insert file change: %w", err)
			}
		}

		if m.Usage != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO token_usage (session_id, message_sequence, timestamp, model,
				                          input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				sess.ID, m.Sequence, formatTime(m.Timestamp), m.Usage.Model,
				m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheRead, m.Usage.CacheCreation,
			); err != nil {
				return fmt.Errorf("insert token usage: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM session_tags WHERE session_id = $1 AND auto_generated`, sess.ID,
	); err != nil {
		return fmt.Errorf("clear auto tags: %w", err)
	}
	for _, label := range sess.AutoTags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_tags (session_id, tag, auto_generated)
			 VALUES ($1, $2, TRUE)
			 ON CONFLICT (session_id, tag) DO NOTHING`,
			sess.ID, label,
		); err != nil {
			return fmt.Errorf("insert tag %s: %w", label, err)
		}
	}

	if err := s.saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpsertPlan(ctx context.Context, p *model.Plan, fp Fingerprint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO plans (name, title, content, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
		     title = EXCLUDED.title,
		     content = EXCLUDED.content,
		     created_at = EXCLUDED.created_at`,
		p.Name, p.Title, p.Content, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.Name, err)
	}
	if err := s.saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ReplaceTodos(ctx context.Context, sessionID string, todos []model.Todo, fp Fingerprint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM session_todos WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	for _, t := range todos {
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_todos (session_id, content, status, sequence) VALUES ($1, $2, $3, $4)`,
			sessionID, t.Content, t.Status, t.Sequence,
		); err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
	}
	if err := s.saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpsertUsageStats(ctx context.Context, stats []model.UsageStat, fp Fingerprint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, st := range stats {
		if _, err := tx.Exec(ctx,
			`INSERT INTO usage_stats (stat_date, model, input_tokens, output_tokens,
			                          cache_read_tokens, cache_creation_tokens, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (stat_date, model) DO UPDATE SET
			     input_tokens = EXCLUDED.input_tokens,
			     output_tokens = EXCLUDED.output_tokens,
			     cache_read_tokens = EXCLUDED.cache_read_tokens,
			     cache_creation_tokens = EXCLUDED.cache_creation_tokens,
			     updated_at = EXCLUDED.updated_at`,
			st.Date, st.Model, st.InputTokens, st.OutputTokens,
			st.CacheRead, st.CacheCreation, formatTime(time.Now()),
		); err != nil {
			return fmt.Errorf("upsert usage stat %s/%s: %w", st.Date, st.Model, err)
		}
	}
	if err := s.saveFingerprint(ctx, tx, fp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendPrompts(ctx context.Context, prompts []model.Prompt, fp Fingerprint) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var watermark int64
	if err := tx.QueryRow(ctx,
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
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM prompt_history WHERE timestamp_ms = $1 AND prompt = $2`,
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO prompt_history (prompt, project_path, timestamp, timestamp_ms) VALUES ($1, $2, $3, $4)`,
			p.Text, p.ProjectPath, ts, p.TimestampMs,
		); err != nil {
			return 0, fmt.Errorf("insert prompt: %w", err)
		}
		added++
	}
	if err := s.saveFingerprint(ctx, tx, fp); err != nil {
		return 0, err
	}
	return added, tx.Commit(ctx)
}

func (s *PostgresStore) ArtifactFingerprint(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT hash FROM artifact_fingerprints WHERE path = $1`, path,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *PostgresStore) AddTag(ctx context.Context, sessionID, label string, auto bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_tags (session_id, tag, auto_generated)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, tag) DO UPDATE SET auto_generated = EXCLUDED.auto_generated`,
		sessionID, label, auto,
	)
	return err
}

func (s *PostgresStore) SessionTags(ctx context.Context, sessionID string) ([]model.Tag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tag, auto_generated FROM session_tags WHERE session_id = $1 ORDER BY tag`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		t := model.Tag{SessionID: sessionID}
		if err := rows.Scan(&t.Label, &t.AutoGenerated); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	sess := &model.Session{}
	var started, ended string
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_path, model, started_at, ended_at, total_tokens_in, total_tokens_out, source_path
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.ProjectPath, &sess.Model, &started, &ended,
		&sess.TokensIn, &sess.TokensOut, &sess.SourcePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = parseStoredTime(started)
	sess.EndedAt = parseStoredTime(ended)

	rows, err := s.pool.Query(ctx,
		`SELECT id, sequence, timestamp, role, content FROM messages
		 WHERE session_id = $1 ORDER BY sequence`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]int)
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

	tcRows, err := s.pool.Query(ctx,
		`SELECT message_id, sequence, tool_name, tool_input, tool_output, duration_ms, success
		 FROM tool_calls WHERE session_id = $1 ORDER BY message_id, sequence`, id,
	)
	if err != nil {
		return nil, err
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var msgID int64
		var tc model.ToolCall
		if err := tcRows.Scan(&msgID, &tc.Sequence, &tc.Name, &tc.Input, &tc.Output, &tc.DurationMs, &tc.Success); err != nil {
			return nil, err
		}
		if idx, ok := byID[msgID]; ok {
			sess.Messages[idx].ToolCalls = append(sess.Messages[idx].ToolCalls, tc)
		}
	}
	return sess, tcRows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
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
	}
	for _, q := range counts {
		if err := s.pool.QueryRow(ctx, q.query).Scan(q.dst); err != nil {
			return c, err
		}
	}
	c.FTS = c.Messages // tsvector column is maintained by the database
	return c, nil
}

func (s *PostgresStore) saveFingerprint(ctx context.Context, tx pgx.Tx, fp Fingerprint) error {
	if fp.Path == "" {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO artifact_fingerprints (path, hash, processed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (path) DO UPDATE SET hash = EXCLUDED.hash, processed_at = EXCLUDED.processed_at`,
		fp.Path, fp.Hash, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}
