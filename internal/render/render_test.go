package render

import (
	"strings"
	"testing"
	"time"

	"github.com/sessionlog/sessiondb/internal/model"
)

func TestSessionTranscript(t *testing.T) {
	s := &model.Session{
		ID:          "sess-1",
		ProjectPath: "/work/app",
		Model:       "sonnet-4",
		Messages: []model.Message{
			{Sequence: 0, Role: model.RoleUser, Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Content: "fix the bug"},
			{Sequence: 1, Role: model.RoleAssistant, Content: "done", ToolCalls: []model.ToolCall{{Name: "Edit", Success: true}}},
		},
	}
	tags := []model.Tag{{Label: "debugging"}}

	out := Session(s, tags, Options{ShowTools: true})

	for _, want := range []string{"sess-1", "/work/app", "USER", "ASST", "fix the bug", "tags: debugging", "[Edit ok]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSessionEmpty(t *testing.T) {
	out := Session(&model.Session{ID: "sess-1"}, nil, Options{})
	if !strings.Contains(out, "(empty session)") {
		t.Errorf("output = %q", out)
	}
}

func TestHighlightKeywords(t *testing.T) {
	out := highlightKeywords("an Error occurred", "error AND panic")
	if !strings.Contains(out, colorBoldRed+"Error"+colorReset) {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, colorBoldRed+"AND") {
		t.Error("FTS operator highlighted")
	}
}

func TestWrapLineSkipsANSI(t *testing.T) {
	line := colorUser + "abcdef" + colorReset
	wrapped := wrapLine(line, 3)
	if len(wrapped) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(wrapped), wrapped)
	}
	if !strings.Contains(wrapped[0], "abc") || !strings.Contains(wrapped[1], "def") {
		t.Errorf("wrapped = %q", wrapped)
	}
}
