package model

import "time"

// Payload is the canonical session payload consumed by the remote upload
// collaborator. Field names are part of the external contract.
type Payload struct {
	SessionID      string               `json:"session_id"`
	ProjectName    string               `json:"project_name"`
	StartedAt      string               `json:"started_at"`
	EndedAt        string               `json:"ended_at"`
	TotalMessages  int                  `json:"total_messages"`
	TotalTokensIn  int                  `json:"total_tokens_in"`
	TotalTokensOut int                  `json:"total_tokens_out"`
	Model          string               `json:"model"`
	Tools          map[string]ToolStats `json:"tools"`
	Tags           []string             `json:"tags"`
	Messages       []PayloadMessage     `json:"messages,omitempty"`
}

// ToolStats aggregates invocations of one tool across a session.
type ToolStats struct {
	Count   int `json:"count"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
}

// PayloadMessage is the reduced message shape included only when full
// content sharing is enabled.
type PayloadMessage struct {
	Sequence  int    `json:"sequence"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp,omitempty"`
	Content   string `json:"content"`
}

// BuildPayload flattens a normalized session into the upload payload.
// Messages are included only when includeMessages is set.
func BuildPayload(s *Session, tags []string, includeMessages bool) *Payload {
	p := &Payload{
		SessionID:      s.ID,
		ProjectName:    s.ProjectPath,
		StartedAt:      formatTS(s.StartedAt),
		EndedAt:        formatTS(s.EndedAt),
		TotalMessages:  len(s.Messages),
		TotalTokensIn:  s.TokensIn,
		TotalTokensOut: s.TokensOut,
		Model:          s.Model,
		Tools:          map[string]ToolStats{},
		Tags:           tags,
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	for _, m := range s.Messages {
		for _, tc := range m.ToolCalls {
			st := p.Tools[tc.Name]
			st.Count++
			if tc.Success {
				st.Success++
			} else {
				st.Errors++
			}
			p.Tools[tc.Name] = st
		}
		if includeMessages {
			p.Messages = append(p.Messages, PayloadMessage{
				Sequence:  m.Sequence,
				Role:      m.Role,
				Timestamp: formatTS(m.Timestamp),
				Content:   m.Content,
			})
		}
	}
	return p
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
