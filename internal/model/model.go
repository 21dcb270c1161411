// Package model defines the canonical entity set that every supported
// artifact format normalizes into: Session, Message, ToolCall, FileChange
// and Tag, plus the standalone prompt-history, plan and todo records.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Roles recognized in normalized messages. Parsers that encounter anything
// else map it to RoleUnknown rather than failing.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
	RoleUnknown   = "unknown"
)

// Session is one coding-assistant conversation, fully normalized.
// It owns its Messages, FileChanges and auto tags; the store is the only
// component that persists any of them.
type Session struct {
	ID          string
	ProjectPath string
	Model       string
	StartedAt   time.Time
	EndedAt     time.Time
	TokensIn    int
	TokensOut   int
	SourcePath  string

	Messages    []Message
	FileChanges []FileChange
	AutoTags    []string
}

// Duration returns the session duration, or false when either timestamp is
// missing or the end precedes the start.
func (s *Session) Duration() (time.Duration, bool) {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0, false
	}
	d := s.EndedAt.Sub(s.StartedAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// Message is one turn within a session. Sequence is assigned in source order
// and is stable across reimports; messages are immutable once stored.
type Message struct {
	Sequence  int
	Role      string
	Timestamp time.Time
	Content   string

	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// Fingerprint returns the content hash used for change detection on
// individual messages.
func (m *Message) Fingerprint() string {
	sum := sha256.Sum256([]byte(m.Content))
	return hex.EncodeToString(sum[:])
}

// ToolCall is one tool invocation nested within a message.
type ToolCall struct {
	Sequence   int // position within the owning message
	Name       string
	Input      string // serialized JSON
	Output     string
	DurationMs int64
	Success    bool
}

// FileChange records a file path touched by a tool call.
type FileChange struct {
	MessageSequence int
	Path            string
	ChangeType      string // "edit", "write", "unknown"
	DiffSummary     string
}

// TokenUsage is the per-message token accounting reported by the assistant.
type TokenUsage struct {
	Model         string
	InputTokens   int
	OutputTokens  int
	CacheRead     int
	CacheCreation int
}

// Tag is a (session, label) pair. AutoGenerated marks heuristic tags;
// manual tags are never overwritten by the pipeline.
type Tag struct {
	SessionID     string
	Label         string
	AutoGenerated bool
}

// Prompt is one entry from the shared prompt-history log.
type Prompt struct {
	Text        string
	ProjectPath string
	TimestampMs int64
}

// Plan is an implementation-plan document.
type Plan struct {
	Name      string
	Title     string
	Content   string
	CreatedAt time.Time
}

// Todo is one item from a session's todo list.
type Todo struct {
	Sequence int
	Content  string
	Status   string
}

// UsageStat is one model's aggregate token usage snapshot from the
// assistant's stats cache.
type UsageStat struct {
	Date          string
	Model         string
	InputTokens   int
	OutputTokens  int
	CacheRead     int
	CacheCreation int
}
