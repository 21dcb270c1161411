package normalize

import (
	"strings"

	"github.com/sessionlog/sessiondb/internal/model"
	"github.com/sessionlog/sessiondb/internal/parse"
)

// markdownNormalizer handles plain-text transcripts segmented by role
// markers. These carry no timestamps or token counts; the artifact mtime
// stands in for both session bounds.
type markdownNormalizer struct{}

func (markdownNormalizer) Normalize(res *parse.Result, src Source) (*model.Session, []Warning) {
	s := &model.Session{
		ID:         sessionIDFromPath(src.Path),
		SourcePath: src.Path,
	}

	var warns []Warning
	for _, sk := range res.Skipped {
		warns = append(warns, Warning{Index: sk.Index, Message: sk.Reason})
	}

	for _, rec := range res.Records {
		role, content := splitRoleMarker(rec.Text)
		if content == "" {
			continue
		}
		s.Messages = append(s.Messages, model.Message{
			Sequence: len(s.Messages),
			Role:     role,
			Content:  content,
		})
	}

	return s, finalize(s, src, warns)
}

// splitRoleMarker separates the leading "role:" marker from the segment
// body. The marker line's remainder becomes the first content line.
func splitRoleMarker(text string) (role, content string) {
	first, rest, _ := strings.Cut(text, "\n")
	marker, tail, ok := strings.Cut(first, ":")
	if !ok {
		return model.RoleUnknown, strings.TrimSpace(text)
	}
	role = normalizeRole(strings.TrimSpace(marker))

	parts := []string{strings.TrimSpace(tail)}
	if rest != "" {
		parts = append(parts, rest)
	}
	return role, strings.TrimSpace(strings.Join(parts, "\n"))
}
