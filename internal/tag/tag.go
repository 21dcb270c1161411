// Package tag assigns categorical labels to sessions by matching keyword
// lists against message content.
package tag

import (
	"sort"
	"strings"

	"github.com/sessionlog/sessiondb/internal/model"
)

// Config maps a tag label to the keywords that trigger it. The set of
// recognized tags is configuration, not code; see config.DefaultTags for
// the shipped defaults.
type Config map[string][]string

// Apply returns the sorted set of labels whose keywords appear in the
// session's concatenated message content (case-insensitive substring
// match), plus one "tool:<name>" label per distinct tool used.
func Apply(cfg Config, s *model.Session) []string {
	seen := make(map[string]struct{})

	var b strings.Builder
	for _, m := range s.Messages {
		b.WriteString(m.Content)
		b.WriteByte(' ')
		for _, tc := range m.ToolCalls {
			if tc.Name != "" {
				seen["tool:"+tc.Name] = struct{}{}
			}
		}
	}
	content := strings.ToLower(b.String())

	for label, keywords := range cfg {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
				seen[label] = struct{}{}
				break
			}
		}
	}

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
