package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/parse"
	"github.com/sessionlog/sessiondb/internal/store"
)

const fixtureTranscript = `{"type":"summary","summary":"Fixing the build"}
{"type":"user","timestamp":"2024-05-01T10:00:00Z","cwd":"/tmp/proj","message":{"role":"user","content":"please fix this error"}}
{"type":"assistant","timestamp":"2024-05-01T10:00:05Z","message":{"role":"assistant","model":"sonnet-4","content":[{"type":"text","text":"found the bug"}],"usage":{"input_tokens":100,"output_tokens":50}}}
{"type":"user","timestamp":"2024-05-01T10:01:00Z","message":{"role":"user","content":"thanks"}}
{"type":"assistant","mes
`

const appendedLines = `{"type":"user","timestamp":"2024-05-01T10:02:00Z","message":{"role":"user","content":"one more thing"}}
{"type":"assistant","timestamp":"2024-05-01T10:02:05Z","message":{"role":"assistant","content":"on it"}}
`

// writeFixtureTree lays out a log root with one artifact of every kind.
func writeFixtureTree(t *testing.T, root string) string {
	t.Helper()
	projDir := filepath.Join(root, "projects", "-tmp-proj")
	for _, dir := range []string{projDir, filepath.Join(root, "plans"), filepath.Join(root, "todos")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	transcript := filepath.Join(projDir, "sess1.jsonl")
	writeFile(t, transcript, fixtureTranscript)
	writeFile(t, filepath.Join(root, "history.jsonl"),
		`{"display":"fix the login bug","project":"/tmp/proj","timestamp":1714550400000}`+"\n"+
			`{"display":"add tests","timestamp":1714550500000}`+"\n")
	writeFile(t, filepath.Join(root, "stats-cache.json"),
		`{"lastComputedDate":"2024-05-01","modelUsage":{"sonnet-4":{"inputTokens":100,"outputTokens":50}}}`)
	writeFile(t, filepath.Join(root, "plans", "rollout.md"), "# Rollout Plan\n\nship it\n")
	writeFile(t, filepath.Join(root, "todos", "sess1-agent-sess1.json"),
		`[{"content":"write the parser","status":"completed"},{"content":"wire the store","status":"pending"}]`)
	return transcript
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestIngester(t *testing.T, root string) (*Ingester, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		LogRoot:          root,
		Workers:          2,
		ScanIntervalSecs: 30,
		Tags:             config.DefaultTags(),
	}
	return New(cfg, st), st
}

func TestRunFullPass(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFixtureTree(t, root)
	in, st := newTestIngester(t, root)

	stats, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if stats.Scanned != 5 {
		t.Errorf("scanned = %d, want 5", stats.Scanned)
	}
	if stats.Imported != 5 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Warnings != 1 {
		t.Errorf("warnings = %d, want 1 (malformed transcript line)", stats.Warnings)
	}
	if stats.Prompts != 2 || stats.Plans != 1 || stats.Todos != 2 {
		t.Errorf("stats = %+v", stats)
	}

	sess, err := st.LoadSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess == nil {
		t.Fatal("session not imported")
	}
	if len(sess.Messages) != 3 {
		t.Errorf("got %d messages, want 3", len(sess.Messages))
	}
	if sess.ProjectPath != "/tmp/proj" || sess.TokensIn != 100 || sess.TokensOut != 50 {
		t.Errorf("session = %+v", sess)
	}

	tags, err := st.SessionTags(ctx, "sess1")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	found := false
	for _, tg := range tags {
		if tg.Label == "debugging" && tg.AutoGenerated {
			found = true
		}
	}
	if !found {
		t.Errorf("debugging tag not applied, tags = %+v", tags)
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.UsageStats != 1 {
		t.Errorf("usage stats = %d, want 1", counts.UsageStats)
	}
}

func TestRunSkipsUnchangedArtifacts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFixtureTree(t, root)
	in, st := newTestIngester(t, root)

	if _, err := in.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	before, _ := st.Counts(ctx)

	stats, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Skipped != 5 || stats.Imported != 0 {
		t.Errorf("second pass stats = %+v, want everything skipped", stats)
	}

	after, _ := st.Counts(ctx)
	if before != after {
		t.Errorf("row counts changed on unchanged input: %+v vs %+v", before, after)
	}
}

func TestRunAppendedTranscript(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	transcript := writeFixtureTree(t, root)
	in, st := newTestIngester(t, root)

	if _, err := in.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	writeFile(t, transcript, fixtureTranscript+appendedLines)

	stats, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Imported != 1 || stats.Skipped != 4 {
		t.Errorf("stats = %+v, want only the transcript reimported", stats)
	}

	sess, err := st.LoadSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sess.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(sess.Messages))
	}
	for i, m := range sess.Messages {
		if m.Sequence != i {
			t.Errorf("message %d has sequence %d", i, m.Sequence)
		}
	}
	if sess.Messages[0].Content != "please fix this error" {
		t.Errorf("recorded message changed on reimport: %q", sess.Messages[0].Content)
	}
}

func TestRunHistoryWatermark(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFixtureTree(t, root)
	in, st := newTestIngester(t, root)

	if _, err := in.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	writeFile(t, filepath.Join(root, "history.jsonl"),
		`{"display":"fix the login bug","project":"/tmp/proj","timestamp":1714550400000}`+"\n"+
			`{"display":"add tests","timestamp":1714550500000}`+"\n"+
			`{"display":"deploy","timestamp":1714550600000}`+"\n")

	stats, err := in.Run(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Prompts != 1 {
		t.Errorf("prompts = %d, want 1 new entry past the watermark", stats.Prompts)
	}

	counts, _ := st.Counts(ctx)
	if counts.Prompts != 3 {
		t.Errorf("stored prompts = %d, want 3", counts.Prompts)
	}
}

func TestScanClassifiesArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root)

	// Too small and index files must not surface; subagents trees are skipped.
	projDir := filepath.Join(root, "projects", "-tmp-proj")
	writeFile(t, filepath.Join(projDir, "tiny.jsonl"), "{}")
	writeFile(t, filepath.Join(projDir, "sessions-index.json"), `{"sessions": [1, 2, 3], "padding": "xxxxxxxxxxxxxxxx"}`)
	sub := filepath.Join(projDir, "subagents")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(sub, "agent.jsonl"), fixtureTranscript)

	artifacts, err := Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	byFormat := map[parse.Format]int{}
	for _, a := range artifacts {
		byFormat[a.Format]++
	}
	if byFormat[parse.FormatTranscript] != 1 {
		t.Errorf("transcripts = %d, want 1", byFormat[parse.FormatTranscript])
	}
	if byFormat[parse.FormatHistory] != 1 || byFormat[parse.FormatPlan] != 1 || byFormat[parse.FormatTodos] != 1 {
		t.Errorf("formats = %v", byFormat)
	}
	if byFormat[parse.FormatStats] != 1 {
		t.Errorf("stats caches = %d, want 1", byFormat[parse.FormatStats])
	}
	if byFormat[parse.FormatDocument] != 0 {
		t.Errorf("index file classified as document: %v", byFormat)
	}
}

func TestScanMissingRoot(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing log root")
	}

	// A root without any of the known subdirectories is merely empty.
	artifacts, err := Scan(t.TempDir())
	if err != nil {
		t.Fatalf("scan of empty root: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(artifacts))
	}
}

func TestRunMissingRoot(t *testing.T) {
	in, _ := newTestIngester(t, filepath.Join(t.TempDir(), "absent"))
	if _, err := in.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing projects root")
	}
}
