package normalize

import (
	"encoding/json"

	"github.com/sessionlog/sessiondb/internal/model"
	"github.com/sessionlog/sessiondb/internal/parse"
)

// transcriptRecord is the field mapping for line-delimited session
// transcripts. The assistant writes one envelope per line; older logs use a
// flat shape with a top-level role, and standalone tool_call entries.
type transcriptRecord struct {
	Type      string          `json:"type"`
	IsMeta    bool            `json:"isMeta"`
	Timestamp string          `json:"timestamp"`
	Ts        string          `json:"ts"`
	Cwd       string          `json:"cwd"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`

	// standalone tool_call entries (legacy)
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Output  string          `json:"output"`
	Success *bool           `json:"success"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *usageFields    `json:"usage"`
}

type usageFields struct {
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	CacheRead     int `json:"cache_read_input_tokens"`
	CacheCreation int `json:"cache_creation_input_tokens"`
}

type toolUseBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type transcriptNormalizer struct{}

func (transcriptNormalizer) Normalize(res *parse.Result, src Source) (*model.Session, []Warning) {
	s := &model.Session{
		ID:          sessionIDFromPath(src.Path),
		ProjectPath: projectFromDir(src.Path),
		SourcePath:  src.Path,
	}

	var warns []Warning
	for _, sk := range res.Skipped {
		warns = append(warns, Warning{Index: sk.Index, Message: sk.Reason})
	}

	for _, rec := range res.Records {
		var env transcriptRecord
		if err := json.Unmarshal(rec.Data, &env); err != nil {
			warns = append(warns, Warning{Index: rec.Index, Message: "unrecognized record shape"})
			continue
		}

		if env.Cwd != "" && s.ProjectPath == "" {
			s.ProjectPath = env.Cwd
		}
		if env.IsMeta || env.Type == "summary" {
			continue
		}

		ts := parseTimestamp(env.Timestamp)
		if ts.IsZero() {
			ts = parseTimestamp(env.Ts)
		}
		if !ts.IsZero() {
			if s.StartedAt.IsZero() {
				s.StartedAt = ts
			}
			s.EndedAt = ts
		}

		switch {
		case env.Type == "user" || env.Type == "assistant":
			msgRaw := env.Message
			if msgRaw == nil {
				msgRaw = rec.Data
			}
			var inner transcriptMessage
			if err := json.Unmarshal(msgRaw, &inner); err != nil {
				warns = append(warns, Warning{Index: rec.Index, Message: "unreadable message body"})
				continue
			}

			msg := model.Message{
				Sequence:  len(s.Messages),
				Role:      normalizeRole(env.Type),
				Timestamp: ts,
				Content:   extractContent(inner.Content),
			}

			if env.Type == "assistant" {
				if inner.Model != "" && s.Model == "" {
					s.Model = inner.Model
				}
				if inner.Usage != nil {
					msg.Usage = &model.TokenUsage{
						Model:         inner.Model,
						InputTokens:   inner.Usage.InputTokens,
						OutputTokens:  inner.Usage.OutputTokens,
						CacheRead:     inner.Usage.CacheRead,
						CacheCreation: inner.Usage.CacheCreation,
					}
				}
				collectToolUses(&msg, s, inner.Content)
			}
			s.Messages = append(s.Messages, msg)

		case env.Type == "message" || env.Role != "":
			s.Messages = append(s.Messages, model.Message{
				Sequence:  len(s.Messages),
				Role:      normalizeRole(env.Role),
				Timestamp: ts,
				Content:   extractContent(env.Content),
			})

		case env.Type == "tool_call":
			if len(s.Messages) == 0 {
				warns = append(warns, Warning{Index: rec.Index, Message: "tool_call before any message"})
				continue
			}
			last := &s.Messages[len(s.Messages)-1]
			success := true
			if env.Success != nil {
				success = *env.Success
			}
			last.ToolCalls = append(last.ToolCalls, model.ToolCall{
				Sequence: len(last.ToolCalls),
				Name:     env.Name,
				Input:    compactJSON(env.Input),
				Output:   env.Output,
				Success:  success,
			})
			if fc := fileChangeFromTool(env.Name, env.Input, last.Sequence); fc != nil {
				s.FileChanges = append(s.FileChanges, *fc)
			}
		}
	}

	return s, finalize(s, src, warns)
}

// collectToolUses extracts tool_use blocks from an assistant message's
// content list into tool calls and file changes.
func collectToolUses(msg *model.Message, s *model.Session, content json.RawMessage) {
	var blocks []toolUseBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}
	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			Sequence: len(msg.ToolCalls),
			Name:     b.Name,
			Input:    compactJSON(b.Input),
			Success:  true,
		})
		if fc := fileChangeFromTool(b.Name, b.Input, msg.Sequence); fc != nil {
			s.FileChanges = append(s.FileChanges, *fc)
		}
	}
}
