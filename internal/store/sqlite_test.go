package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionlog/sessiondb/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(n int) *model.Session {
	s := &model.Session{
		ID:          "sess-1",
		ProjectPath: "/work/app",
		Model:       "sonnet-4",
		StartedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		TokensIn:    100,
		TokensOut:   50,
		SourcePath:  "/logs/sess-1.jsonl",
	}
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg := model.Message{
			Sequence: i,
			Role:     role,
			Content:  "message content " + string(rune('a'+i)),
		}
		if role == model.RoleAssistant {
			msg.ToolCalls = []model.ToolCall{
				{Sequence: 0, Name: "Bash", Input: `{"command":"ls"}`, Output: "ok", Success: true},
			}
		}
		s.Messages = append(s.Messages, msg)
	}
	return s
}

func TestUpsertSessionAndReload(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sess := testSession(3)
	sess.FileChanges = []model.FileChange{{MessageSequence: 1, Path: "main.go", ChangeType: "edit"}}
	sess.AutoTags = []string{"debugging"}

	if err := st.UpsertSession(ctx, sess, Fingerprint{Path: sess.SourcePath, Hash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("session not found after upsert")
	}
	if got.ProjectPath != "/work/app" || got.Model != "sonnet-4" {
		t.Errorf("session = %+v", got)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(got.Messages))
	}
	if len(got.Messages[1].ToolCalls) != 1 || got.Messages[1].ToolCalls[0].Name != "Bash" {
		t.Errorf("tool calls = %+v", got.Messages[1].ToolCalls)
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Sessions != 1 || counts.Messages != 3 || counts.ToolCalls != 1 || counts.FileChanges != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.FTS != counts.Messages {
		t.Errorf("FTS out of sync: %d vs %d", counts.FTS, counts.Messages)
	}
}

func TestUpsertSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	fp := Fingerprint{Path: "/logs/sess-1.jsonl", Hash: "h1"}
	if err := st.UpsertSession(ctx, testSession(3), fp); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, _ := st.Counts(ctx)

	if err := st.UpsertSession(ctx, testSession(3), fp); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, _ := st.Counts(ctx)

	if first != second {
		t.Errorf("counts changed on identical reimport: %+v vs %+v", first, second)
	}
}

func TestSequenceStability(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.UpsertSession(ctx, testSession(3), Fingerprint{Path: "/p", Hash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Reimport with two appended messages; the first three also carry
	// altered content, which must NOT replace the recorded rows.
	grown := testSession(5)
	grown.Messages[0].Content = "rewritten history"
	if err := st.UpsertSession(ctx, grown, Fingerprint{Path: "/p", Hash: "h2"}); err != nil {
		t.Fatalf("reimport: %v", err)
	}

	got, err := st.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(got.Messages))
	}
	for i, m := range got.Messages {
		if m.Sequence != i {
			t.Errorf("message %d has sequence %d", i, m.Sequence)
		}
	}
	if got.Messages[0].Content != "message content a" {
		t.Errorf("recorded message was modified on reimport: %q", got.Messages[0].Content)
	}
}

func TestManualTagPreserved(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sess := testSession(1)
	sess.AutoTags = []string{"debugging"}
	if err := st.UpsertSession(ctx, sess, Fingerprint{Path: "/p", Hash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.AddTag(ctx, "sess-1", "important", false); err != nil {
		t.Fatalf("add tag: %v", err)
	}

	// Reimport with a different auto set: "debugging" no longer fires.
	sess2 := testSession(1)
	sess2.AutoTags = []string{"testing"}
	if err := st.UpsertSession(ctx, sess2, Fingerprint{Path: "/p", Hash: "h2"}); err != nil {
		t.Fatalf("reimport: %v", err)
	}

	tags, err := st.SessionTags(ctx, "sess-1")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}

	byLabel := map[string]bool{} // label -> auto
	for _, tg := range tags {
		byLabel[tg.Label] = tg.AutoGenerated
	}
	if auto, ok := byLabel["important"]; !ok || auto {
		t.Errorf("manual tag lost or flipped: %+v", tags)
	}
	if _, ok := byLabel["debugging"]; ok {
		t.Errorf("stale auto tag survived: %+v", tags)
	}
	if auto, ok := byLabel["testing"]; !ok || !auto {
		t.Errorf("new auto tag missing: %+v", tags)
	}
}

func TestManualTagNotOverwrittenByAuto(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.UpsertSession(ctx, testSession(1), Fingerprint{Path: "/p", Hash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.AddTag(ctx, "sess-1", "debugging", false); err != nil {
		t.Fatalf("add tag: %v", err)
	}

	// Auto set now contains the same label; the manual row must keep
	// auto_generated=false.
	sess := testSession(1)
	sess.AutoTags = []string{"debugging"}
	if err := st.UpsertSession(ctx, sess, Fingerprint{Path: "/p", Hash: "h2"}); err != nil {
		t.Fatalf("reimport: %v", err)
	}

	tags, _ := st.SessionTags(ctx, "sess-1")
	if len(tags) != 1 || tags[0].AutoGenerated {
		t.Errorf("tags = %+v, want single manual debugging tag", tags)
	}
}

func TestUpsertRollbackOnFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sess := testSession(3)
	sess.Messages[2].Role = "alien" // violates the role CHECK constraint

	fp := Fingerprint{Path: "/logs/sess-1.jsonl", Hash: "h1"}
	if err := st.UpsertSession(ctx, sess, fp); err == nil {
		t.Fatal("expected upsert to fail on constraint violation")
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Sessions != 0 || counts.Messages != 0 || counts.ToolCalls != 0 {
		t.Errorf("partial rows after failed upsert: %+v", counts)
	}

	hash, err := st.ArtifactFingerprint(ctx, fp.Path)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if hash != "" {
		t.Errorf("fingerprint advanced despite rollback: %q", hash)
	}
}

func TestArtifactFingerprint(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	hash, err := st.ArtifactFingerprint(ctx, "/never/seen")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty for unseen artifact", hash)
	}

	if err := st.UpsertSession(ctx, testSession(1), Fingerprint{Path: "/p", Hash: "abc"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hash, err = st.ArtifactFingerprint(ctx, "/p")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if hash != "abc" {
		t.Errorf("hash = %q, want abc", hash)
	}
}

func TestAppendPromptsWatermark(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	batch := []model.Prompt{
		{Text: "first", TimestampMs: 1000},
		{Text: "second", TimestampMs: 2000},
	}
	added, err := st.AppendPrompts(ctx, batch, Fingerprint{Path: "/h", Hash: "h1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// Reimport the whole file plus one new entry: only the new one lands.
	batch = append(batch, model.Prompt{Text: "third", TimestampMs: 3000})
	added, err = st.AppendPrompts(ctx, batch, Fingerprint{Path: "/h", Hash: "h2"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	counts, _ := st.Counts(ctx)
	if counts.Prompts != 3 {
		t.Errorf("prompts = %d, want 3", counts.Prompts)
	}
}

func TestAppendPromptsSameMillisecond(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	batch := []model.Prompt{
		{Text: "first", TimestampMs: 1000},
		{Text: "second", TimestampMs: 1000},
	}
	added, err := st.AppendPrompts(ctx, batch, Fingerprint{Path: "/h", Hash: "h1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// A reimport carrying another prompt in the same millisecond must land
	// it without duplicating the two already stored.
	batch = append(batch, model.Prompt{Text: "third", TimestampMs: 1000})
	added, err = st.AppendPrompts(ctx, batch, Fingerprint{Path: "/h", Hash: "h2"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	added, err = st.AppendPrompts(ctx, batch, Fingerprint{Path: "/h", Hash: "h3"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0 on identical reimport", added)
	}

	counts, _ := st.Counts(ctx)
	if counts.Prompts != 3 {
		t.Errorf("prompts = %d, want 3", counts.Prompts)
	}
}

func TestUpsertPlan(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p := &model.Plan{Name: "migrate", Title: "Migration Plan", Content: "# Migration Plan\n", CreatedAt: time.Now()}
	if err := st.UpsertPlan(ctx, p, Fingerprint{Path: "/plans/migrate.md", Hash: "h1"}); err != nil {
		t.Fatalf("upsert plan: %v", err)
	}

	p.Title = "Migration Plan v2"
	if err := st.UpsertPlan(ctx, p, Fingerprint{Path: "/plans/migrate.md", Hash: "h2"}); err != nil {
		t.Fatalf("update plan: %v", err)
	}

	counts, _ := st.Counts(ctx)
	if counts.Plans != 1 {
		t.Errorf("plans = %d, want 1 (upsert by name)", counts.Plans)
	}
}

func TestReplaceTodos(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	todos := []model.Todo{{Sequence: 0, Content: "a", Status: "pending"}, {Sequence: 1, Content: "b", Status: "completed"}}
	if err := st.ReplaceTodos(ctx, "sess-1", todos, Fingerprint{Path: "/t", Hash: "h1"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := st.ReplaceTodos(ctx, "sess-1", todos[:1], Fingerprint{Path: "/t", Hash: "h2"}); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	counts, _ := st.Counts(ctx)
	if counts.Todos != 1 {
		t.Errorf("todos = %d, want 1 after replacement", counts.Todos)
	}
}

func TestUpsertUsageStats(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	stats := []model.UsageStat{
		{Date: "2024-05-01", Model: "sonnet-4", InputTokens: 100, OutputTokens: 50},
		{Date: "2024-05-01", Model: "opus-4", InputTokens: 20, OutputTokens: 10},
	}
	if err := st.UpsertUsageStats(ctx, stats, Fingerprint{Path: "/stats", Hash: "h1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stats[0].InputTokens = 250
	if err := st.UpsertUsageStats(ctx, stats, Fingerprint{Path: "/stats", Hash: "h2"}); err != nil {
		t.Fatalf("reupsert: %v", err)
	}

	counts, _ := st.Counts(ctx)
	if counts.UsageStats != 2 {
		t.Errorf("usage stats = %d, want 2 (upsert by date and model)", counts.UsageStats)
	}

	var in int
	if err := st.Raw().QueryRowContext(ctx,
		`SELECT input_tokens FROM usage_stats WHERE stat_date = ? AND model = ?`,
		"2024-05-01", "sonnet-4",
	).Scan(&in); err != nil {
		t.Fatalf("query: %v", err)
	}
	if in != 250 {
		t.Errorf("input_tokens = %d, want 250 after update", in)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		i := i
		go func() {
			s := testSession(2)
			s.ID = "sess-" + string(rune('a'+i))
			s.SourcePath = "/logs/" + s.ID + ".jsonl"
			done <- st.UpsertSession(ctx, s, Fingerprint{Path: s.SourcePath, Hash: "h"})
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}

	counts, _ := st.Counts(ctx)
	if counts.Sessions != 4 || counts.Messages != 8 {
		t.Errorf("counts = %+v", counts)
	}
}
