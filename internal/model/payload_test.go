package model

import (
	"testing"
	"time"
)

func TestBuildPayload(t *testing.T) {
	s := &Session{
		ID:          "sess-1",
		ProjectPath: "/work/app",
		Model:       "sonnet-4",
		StartedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		TokensIn:    100,
		TokensOut:   50,
		Messages: []Message{
			{Sequence: 0, Role: RoleUser, Content: "run the tests"},
			{Sequence: 1, Role: RoleAssistant, Content: "running", ToolCalls: []ToolCall{
				{Name: "Bash", Success: true},
				{Name: "Bash", Success: false},
				{Name: "Edit", Success: true},
			}},
		},
	}

	p := BuildPayload(s, []string{"testing"}, false)

	if p.SessionID != "sess-1" || p.TotalMessages != 2 {
		t.Errorf("payload = %+v", p)
	}
	if p.StartedAt != "2024-05-01T10:00:00Z" {
		t.Errorf("StartedAt = %q", p.StartedAt)
	}
	if len(p.Messages) != 0 {
		t.Errorf("messages included without opt-in: %d", len(p.Messages))
	}

	bash := p.Tools["Bash"]
	if bash.Count != 2 || bash.Success != 1 || bash.Errors != 1 {
		t.Errorf("Bash stats = %+v", bash)
	}
	if p.Tools["Edit"].Count != 1 {
		t.Errorf("Edit stats = %+v", p.Tools["Edit"])
	}

	p = BuildPayload(s, nil, true)
	if len(p.Messages) != 2 || p.Messages[1].Content != "running" {
		t.Errorf("messages = %+v", p.Messages)
	}
	if p.Tags == nil || len(p.Tags) != 0 {
		t.Errorf("Tags = %#v, want empty non-nil slice", p.Tags)
	}
}

func TestSessionDuration(t *testing.T) {
	s := &Session{
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
	}
	d, ok := s.Duration()
	if !ok || d != 30*time.Minute {
		t.Errorf("Duration = %v, %v", d, ok)
	}

	s.EndedAt = s.StartedAt.Add(-time.Minute)
	if _, ok := s.Duration(); ok {
		t.Error("negative duration reported as present")
	}

	if _, ok := (&Session{}).Duration(); ok {
		t.Error("zero timestamps reported as present")
	}
}

func TestMessageFingerprint(t *testing.T) {
	a := Message{Role: RoleUser, Content: "hello"}
	b := Message{Role: RoleUser, Content: "hello"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical messages hash differently")
	}
	c := Message{Role: RoleUser, Content: "hello!"}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different content hashes identically")
	}
}
