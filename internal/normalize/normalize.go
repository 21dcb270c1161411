// Package normalize maps format-specific record sequences onto the
// canonical session schema. Each supported format registers a variant that
// implements the same contract, so adding a format never touches the rest
// of the pipeline.
package normalize

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessionlog/sessiondb/internal/model"
	"github.com/sessionlog/sessiondb/internal/parse"
)

const maxToolResultSize = 500

// Source describes the artifact a record sequence came from. Mtime is the
// timestamp fallback for formats that carry none of their own.
type Source struct {
	Path  string
	Mtime time.Time
}

// Warning is a non-fatal normalization problem, reported with the record
// index it occurred at so the caller can log it with artifact context.
type Warning struct {
	Index   int
	Message string
}

func (w Warning) String() string {
	if w.Index > 0 {
		return fmt.Sprintf("record %d: %s", w.Index, w.Message)
	}
	return w.Message
}

// SessionNormalizer turns one artifact's records into a canonical session.
type SessionNormalizer interface {
	Normalize(res *parse.Result, src Source) (*model.Session, []Warning)
}

var sessionFormats = map[parse.Format]SessionNormalizer{
	parse.FormatTranscript: transcriptNormalizer{},
	parse.FormatDocument:   documentNormalizer{},
	parse.FormatMarkdown:   markdownNormalizer{},
}

// Session dispatches to the normalizer registered for format.
func Session(format parse.Format, res *parse.Result, src Source) (*model.Session, []Warning, error) {
	n, ok := sessionFormats[format]
	if !ok {
		return nil, nil, fmt.Errorf("no session normalizer for format %s", format)
	}
	s, warns := n.Normalize(res, src)
	return s, warns, nil
}

// sessionIDFromPath derives the stable session identifier from the artifact
// filename when the records carry no embedded id.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// projectFromDir recovers a project path from the flattened parent
// directory name used in the log tree (e.g. "-Users-anna-proj" -> "/Users/anna/proj").
func projectFromDir(path string) string {
	parent := filepath.Base(filepath.Dir(path))
	if strings.HasPrefix(parent, "-") {
		return strings.ReplaceAll(parent, "-", "/")
	}
	return ""
}

// finalize fills derived session fields: timestamp fallbacks, token totals,
// and the duration sanity check.
func finalize(s *model.Session, src Source, warns []Warning) []Warning {
	if s.StartedAt.IsZero() && !src.Mtime.IsZero() {
		s.StartedAt = src.Mtime
		s.EndedAt = src.Mtime
	}
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() && s.EndedAt.Before(s.StartedAt) {
		warns = append(warns, Warning{Message: "end timestamp precedes start, duration treated as absent"})
	}

	if s.TokensIn == 0 && s.TokensOut == 0 {
		for _, m := range s.Messages {
			if m.Usage != nil {
				s.TokensIn += m.Usage.InputTokens
				s.TokensOut += m.Usage.OutputTokens
			}
		}
	}
	return warns
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case model.RoleUser, "human":
		return model.RoleUser
	case model.RoleAssistant, "claude":
		return model.RoleAssistant
	case model.RoleSystem:
		return model.RoleSystem
	case model.RoleTool:
		return model.RoleTool
	default:
		return model.RoleUnknown
	}
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// extractContent flattens a message content value into plain text. Content
// may be a bare string or a list of typed blocks; tool results are
// truncated so one huge command output cannot dominate the index.
func extractContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		var bs string
		if err := json.Unmarshal(b, &bs); err == nil {
			parts = append(parts, bs)
			continue
		}
		var blk contentBlock
		if err := json.Unmarshal(b, &blk); err != nil {
			continue
		}
		switch blk.Type {
		case "text":
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[Tool: %s]", blk.Name))
		case "tool_result":
			if r := extractToolResult(blk.Content); r != "" {
				parts = append(parts, fmt.Sprintf("[Tool Result: %s]", r))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func extractToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, maxToolResultSize)
	}
	var nested []contentBlock
	if err := json.Unmarshal(raw, &nested); err != nil {
		return ""
	}
	var parts []string
	for _, b := range nested {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, truncate(b.Text, maxToolResultSize))
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// fileChangeTools maps file-modifying tool names to a change type. Tool
// calls with these names produce FileChange rows.
var fileChangeTools = map[string]string{
	"Edit":         "edit",
	"MultiEdit":    "edit",
	"NotebookEdit": "edit",
	"Write":        "write",
}

// fileChangeFromTool derives a FileChange from a file-modifying tool_use
// input, or nil when the tool does not touch files.
func fileChangeFromTool(name string, input json.RawMessage, msgSeq int) *model.FileChange {
	changeType, ok := fileChangeTools[name]
	if !ok {
		return nil
	}
	var in struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil
	}
	path := in.FilePath
	if path == "" {
		path = in.NotebookPath
	}
	if path == "" {
		return nil
	}
	return &model.FileChange{
		MessageSequence: msgSeq,
		Path:            path,
		ChangeType:      changeType,
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}
