// Package search runs full-text queries over the indexed message and
// prompt-history tables. FTS5 handles space-delimited text; CJK queries
// fall back to substring matching because the unicode61 tokenizer does
// not segment ideographs.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// Result is one search hit, at most one per session.
type Result struct {
	SessionID   string
	ProjectPath string
	StartedAt   string
	Model       string
	Role        string
	Snippet     string
	Rank        float64
}

// PromptResult is one prompt-history hit.
type PromptResult struct {
	Prompt      string
	ProjectPath string
	Timestamp   string
}

type Options struct {
	Query   string
	Project string // "" = all, substring match on project path
	Role    string // "" = all, "user", "assistant", ...
	Since   string // "" = no filter, e.g. "2024-01-01"
	Limit   int
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// makeSnippet extracts a window around the first occurrence of query in
// text, wrapping the match in >>> <<< markers.
func makeSnippet(text, query string, contextChars int) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		if len([]rune(text)) > contextChars*2 {
			return string([]rune(text)[:contextChars*2]) + "..."
		}
		return text
	}
	runes := []rune(text)
	qRunes := []rune(query)
	runePos := len([]rune(text[:idx]))
	start := runePos - contextChars
	if start < 0 {
		start = 0
	}
	end := runePos + len(qRunes) + contextChars
	if end > len(runes) {
		end = len(runes)
	}
	prefix := ""
	suffix := ""
	if start > 0 {
		prefix = "..."
	}
	if end < len(runes) {
		suffix = "..."
	}
	snippet := string(runes[start:runePos]) +
		">>>" + string(runes[runePos:runePos+len(qRunes)]) + "<<<" +
		string(runes[runePos+len(qRunes):end])
	return prefix + snippet + suffix
}

// Messages searches message content and returns the best hit per session.
func Messages(ctx context.Context, db *sql.DB, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	// Fetch extra rows before dedup so we still have enough after.
	origLimit := opts.Limit
	opts.Limit = origLimit * 3

	var results []Result
	var err error
	if containsCJK(opts.Query) {
		results, err = messagesLike(ctx, db, opts)
	} else {
		results, err = messagesFTS(ctx, db, opts)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var deduped []Result
	for _, r := range results {
		if seen[r.SessionID] {
			continue
		}
		seen[r.SessionID] = true
		deduped = append(deduped, r)
		if len(deduped) >= origLimit {
			break
		}
	}
	return deduped, nil
}

func messagesFTS(ctx context.Context, db *sql.DB, opts Options) ([]Result, error) {
	conditions := []string{"messages_fts MATCH ?"}
	args := []interface{}{opts.Query}

	conditions, args = appendFilters(conditions, args, opts)
	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT
			m.session_id,
			s.project_path,
			s.started_at,
			s.model,
			m.role,
			snippet(messages_fts, 0, '>>>', '<<<', '...', 40) AS snip,
			bm25(messages_fts) AS rank
		FROM messages_fts
		JOIN messages m ON messages_fts.rowid = m.id
		JOIN sessions s ON m.session_id = s.id
		WHERE %s
		ORDER BY rank
		LIMIT ?
	`, where)
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.SessionID, &r.ProjectPath, &r.StartedAt, &r.Model, &r.Role, &r.Snippet, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func messagesLike(ctx context.Context, db *sql.DB, opts Options) ([]Result, error) {
	conditions := []string{"m.content LIKE ?"}
	args := []interface{}{"%" + opts.Query + "%"}

	conditions, args = appendFilters(conditions, args, opts)
	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT
			m.session_id,
			s.project_path,
			s.started_at,
			s.model,
			m.role,
			m.content
		FROM messages m
		JOIN sessions s ON m.session_id = s.id
		WHERE %s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, where)
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var content string
		if err := rows.Scan(&r.SessionID, &r.ProjectPath, &r.StartedAt, &r.Model, &r.Role, &content); err != nil {
			return nil, err
		}
		r.Snippet = makeSnippet(content, opts.Query, 30)
		results = append(results, r)
	}
	return results, rows.Err()
}

func appendFilters(conditions []string, args []interface{}, opts Options) ([]string, []interface{}) {
	if opts.Project != "" {
		conditions = append(conditions, "s.project_path LIKE ?")
		args = append(args, "%"+opts.Project+"%")
	}
	if opts.Role != "" {
		conditions = append(conditions, "m.role = ?")
		args = append(args, opts.Role)
	}
	if opts.Since != "" {
		conditions = append(conditions, "s.started_at >= ?")
		args = append(args, opts.Since)
	}
	return conditions, args
}

// Prompts searches the shared prompt-history log.
func Prompts(ctx context.Context, db *sql.DB, opts Options) ([]PromptResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	var query string
	var args []interface{}
	if containsCJK(opts.Query) {
		query = `
			SELECT prompt, project_path, timestamp
			FROM prompt_history
			WHERE prompt LIKE ?
			ORDER BY timestamp_ms DESC
			LIMIT ?`
		args = []interface{}{"%" + opts.Query + "%", opts.Limit}
	} else {
		query = `
			SELECT p.prompt, p.project_path, p.timestamp
			FROM prompt_history_fts
			JOIN prompt_history p ON prompt_history_fts.rowid = p.id
			WHERE prompt_history_fts MATCH ?
			ORDER BY bm25(prompt_history_fts)
			LIMIT ?`
		args = []interface{}{opts.Query, opts.Limit}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("prompt search: %w", err)
	}
	defer rows.Close()

	var results []PromptResult
	for rows.Next() {
		var r PromptResult
		if err := rows.Scan(&r.Prompt, &r.ProjectPath, &r.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
