package normalize

import (
	"encoding/json"

	"github.com/sessionlog/sessiondb/internal/model"
	"github.com/sessionlog/sessiondb/internal/parse"
)

// documentSession is the field mapping for whole-file JSON session
// documents. Exporters disagree on field names, so synonyms are declared
// side by side and resolved with firstOf.
type documentSession struct {
	SessionID    string            `json:"sessionId"`
	ID           string            `json:"id"`
	Cwd          string            `json:"cwd"`
	ProjectPath  string            `json:"projectPath"`
	Model        string            `json:"model"`
	StartedAt    string            `json:"startedAt"`
	Timestamp    string            `json:"timestamp"`
	EndedAt      string            `json:"endedAt"`
	TokensIn     int               `json:"tokensIn"`
	TokensOut    int               `json:"tokensOut"`
	Usage        *documentUsage    `json:"usage"`
	Messages     []json.RawMessage `json:"messages"`
	Conversation []json.RawMessage `json:"conversation"`
}

type documentUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type documentMessage struct {
	Timestamp string          `json:"timestamp"`
	Ts        string          `json:"ts"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	ToolCalls  []documentTool `json:"tool_calls"`
	ToolCalls2 []documentTool `json:"toolCalls"`
}

type documentTool struct {
	Name     string          `json:"name"`
	Function *struct {
		Name string `json:"name"`
	} `json:"function"`
	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
	Output    string          `json:"output"`
	Result    string          `json:"result"`
	Success   *bool           `json:"success"`
}

type documentNormalizer struct{}

func (documentNormalizer) Normalize(res *parse.Result, src Source) (*model.Session, []Warning) {
	s := &model.Session{
		ID:         sessionIDFromPath(src.Path),
		SourcePath: src.Path,
	}

	var warns []Warning
	for _, sk := range res.Skipped {
		warns = append(warns, Warning{Index: sk.Index, Message: sk.Reason})
	}
	if len(res.Records) == 0 {
		return s, finalize(s, src, warns)
	}

	// A single object record is the full session document; an array-shaped
	// document is treated as a bare message list.
	var rawMessages []json.RawMessage
	if len(res.Records) == 1 {
		var doc documentSession
		if err := json.Unmarshal(res.Records[0].Data, &doc); err != nil {
			warns = append(warns, Warning{Index: res.Records[0].Index, Message: "unrecognized document shape"})
			return s, finalize(s, src, warns)
		}
		if id := firstOf(doc.SessionID, doc.ID); id != "" {
			s.ID = id
		}
		s.ProjectPath = firstOf(doc.Cwd, doc.ProjectPath)
		s.Model = doc.Model
		s.StartedAt = parseTimestamp(firstOf(doc.StartedAt, doc.Timestamp))
		s.EndedAt = parseTimestamp(doc.EndedAt)
		s.TokensIn = doc.TokensIn
		s.TokensOut = doc.TokensOut
		if doc.Usage != nil {
			if s.TokensIn == 0 {
				s.TokensIn = doc.Usage.InputTokens
			}
			if s.TokensOut == 0 {
				s.TokensOut = doc.Usage.OutputTokens
			}
		}
		rawMessages = doc.Messages
		if rawMessages == nil {
			rawMessages = doc.Conversation
		}
	} else {
		for _, rec := range res.Records {
			rawMessages = append(rawMessages, rec.Data)
		}
	}

	for i, raw := range rawMessages {
		var dm documentMessage
		if err := json.Unmarshal(raw, &dm); err != nil {
			warns = append(warns, Warning{Index: i + 1, Message: "unreadable message entry"})
			continue
		}

		msg := model.Message{
			Sequence:  len(s.Messages),
			Role:      normalizeRole(dm.Role),
			Timestamp: parseTimestamp(firstOf(dm.Timestamp, dm.Ts)),
			Content:   extractContent(dm.Content),
		}

		tools := dm.ToolCalls
		if tools == nil {
			tools = dm.ToolCalls2
		}
		for _, tc := range tools {
			name := tc.Name
			if name == "" && tc.Function != nil {
				name = tc.Function.Name
			}
			input := tc.Input
			if input == nil {
				input = tc.Arguments
			}
			success := true
			if tc.Success != nil {
				success = *tc.Success
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				Sequence: len(msg.ToolCalls),
				Name:     name,
				Input:    compactJSON(input),
				Output:   firstOf(tc.Output, tc.Result),
				Success:  success,
			})
			if fc := fileChangeFromTool(name, input, msg.Sequence); fc != nil {
				s.FileChanges = append(s.FileChanges, *fc)
			}
		}
		s.Messages = append(s.Messages, msg)
	}

	return s, finalize(s, src, warns)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
