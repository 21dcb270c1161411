package normalize

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/sessionlog/sessiondb/internal/model"
	"github.com/sessionlog/sessiondb/internal/parse"
)

// historyRecord is the field mapping for the shared prompt-history log.
type historyRecord struct {
	Display   string `json:"display"`
	Project   string `json:"project"`
	Timestamp int64  `json:"timestamp"` // milliseconds
}

// Prompts maps prompt-history records onto Prompt values. Entries without
// text are dropped silently; the file routinely carries blanks.
func Prompts(res *parse.Result) ([]model.Prompt, []Warning) {
	var warns []Warning
	for _, sk := range res.Skipped {
		warns = append(warns, Warning{Index: sk.Index, Message: sk.Reason})
	}

	var prompts []model.Prompt
	for _, rec := range res.Records {
		var h historyRecord
		if err := json.Unmarshal(rec.Data, &h); err != nil {
			warns = append(warns, Warning{Index: rec.Index, Message: "unrecognized history entry"})
			continue
		}
		if h.Display == "" {
			continue
		}
		prompts = append(prompts, model.Prompt{
			Text:        h.Display,
			ProjectPath: h.Project,
			TimestampMs: h.Timestamp,
		})
	}
	return prompts, warns
}

// todoRecord is the field mapping for session todo-list documents.
type todoRecord struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Todos maps a todo-list document onto Todo values. The owning session id
// comes from the filename, which is formed as "<session>-agent-<agent>.json".
func Todos(res *parse.Result, src Source) (sessionID string, todos []model.Todo, warns []Warning) {
	stem := sessionIDFromPath(src.Path)
	sessionID, _, _ = strings.Cut(stem, "-agent-")

	for _, sk := range res.Skipped {
		warns = append(warns, Warning{Index: sk.Index, Message: sk.Reason})
	}

	for _, rec := range res.Records {
		var t todoRecord
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			warns = append(warns, Warning{Index: rec.Index, Message: "unrecognized todo entry"})
			continue
		}
		if t.Content == "" {
			continue
		}
		if t.Status == "" {
			t.Status = "unknown"
		}
		todos = append(todos, model.Todo{
			Sequence: len(todos),
			Content:  t.Content,
			Status:   t.Status,
		})
	}
	return sessionID, todos, warns
}

// statsCache is the field mapping for the assistant's usage-stats cache
// file.
type statsCache struct {
	LastComputedDate string                `json:"lastComputedDate"`
	ModelUsage       map[string]modelUsage `json:"modelUsage"`
}

type modelUsage struct {
	InputTokens   int `json:"inputTokens"`
	OutputTokens  int `json:"outputTokens"`
	CacheRead     int `json:"cacheReadInputTokens"`
	CacheCreation int `json:"cacheCreationInputTokens"`
}

// UsageStats maps the stats-cache document onto per-model usage snapshots,
// ordered by model name.
func UsageStats(data []byte) ([]model.UsageStat, []Warning) {
	var cache statsCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, []Warning{{Message: "unrecognized stats cache"}}
	}

	date := cache.LastComputedDate
	if date == "" {
		date = "unknown"
	}

	var stats []model.UsageStat
	for name, u := range cache.ModelUsage {
		stats = append(stats, model.UsageStat{
			Date:          date,
			Model:         name,
			InputTokens:   u.InputTokens,
			OutputTokens:  u.OutputTokens,
			CacheRead:     u.CacheRead,
			CacheCreation: u.CacheCreation,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Model < stats[j].Model })
	return stats, nil
}

// Plan builds a Plan from a markdown plan document. The title comes from
// the first top-level heading, falling back to the filename.
func Plan(data []byte, src Source) *model.Plan {
	name := sessionIDFromPath(src.Path)
	title := name

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(line[2:])
			break
		}
	}

	created := src.Mtime
	if created.IsZero() {
		created = time.Now()
	}
	return &model.Plan{
		Name:      name,
		Title:     title,
		Content:   string(data),
		CreatedAt: created,
	}
}
