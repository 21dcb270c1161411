// Package render formats a normalized session as an ANSI-colored terminal
// transcript.
package render

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/sessionlog/sessiondb/internal/model"
)

const (
	colorReset   = "\033[0m"
	colorUser    = "\033[1;34m" // bold blue
	colorAssist  = "\033[1;32m" // bold green
	colorDim     = "\033[2m"
	colorBoldRed = "\033[1;31m" // keyword highlights
)

type Options struct {
	Width     int    // wrap width (0 = no wrap)
	Query     string // search query for keyword highlighting
	ShowTools bool
}

// fts5Operators are FTS5 operators that should not be highlighted as keywords.
var fts5Operators = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NEAR": true,
	"and": true, "or": true, "not": true, "near": true,
}

// highlightKeywords wraps case-insensitive matches of query terms in bold
// red ANSI codes.
func highlightKeywords(text, query string) string {
	if query == "" {
		return text
	}
	var filtered []string
	for _, t := range strings.Fields(query) {
		if !fts5Operators[t] {
			filtered = append(filtered, t)
		}
	}
	for _, term := range filtered {
		lower := strings.ToLower(term)
		i := 0
		for i < len(text) {
			idx := strings.Index(strings.ToLower(text[i:]), lower)
			if idx < 0 {
				break
			}
			pos := i + idx
			orig := text[pos : pos+len(term)]
			replacement := colorBoldRed + orig + colorReset
			text = text[:pos] + replacement + text[pos+len(term):]
			i = pos + len(replacement)
		}
	}
	return text
}

func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// wrapLine breaks a single line into lines that fit within maxWidth visible
// columns, skipping ANSI escape sequences when measuring width.
func wrapLine(line string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{line}
	}

	var result []string
	var cur strings.Builder
	visW := 0

	i := 0
	for i < len(line) {
		if i+1 < len(line) && line[i] == '\033' && line[i+1] == '[' {
			j := i + 2
			for j < len(line) && line[j] != 'm' {
				j++
			}
			if j < len(line) {
				j++
			}
			cur.WriteString(line[i:j])
			i = j
			continue
		}

		r, size := utf8.DecodeRuneInString(line[i:])
		rw := runewidth.RuneWidth(r)

		if visW+rw > maxWidth {
			result = append(result, cur.String())
			cur.Reset()
			visW = 0
		}

		cur.WriteRune(r)
		visW += rw
		i += size
	}

	if cur.Len() > 0 {
		result = append(result, cur.String())
	}
	if len(result) == 0 {
		return []string{""}
	}
	return result
}

// Session renders a full conversation transcript.
func Session(s *model.Session, tags []model.Tag, opts Options) string {
	var b strings.Builder
	separator := colorDim + "--------------------------------------------------" + colorReset

	writeLine := func(line string) {
		for _, wl := range wrapLine(line, opts.Width) {
			b.WriteString(wl)
			b.WriteString("\n")
		}
	}

	header := fmt.Sprintf("%s--- %s [%s] %s ---%s", colorDim, s.ID, s.Model, s.ProjectPath, colorReset)
	writeLine(header)
	if len(tags) > 0 {
		var labels []string
		for _, t := range tags {
			labels = append(labels, t.Label)
		}
		writeLine(fmt.Sprintf("%stags: %s%s", colorDim, strings.Join(labels, ", "), colorReset))
	}

	if len(s.Messages) == 0 {
		writeLine("(empty session)")
		return b.String()
	}

	for i, m := range s.Messages {
		if i > 0 {
			writeLine(separator)
		}

		var roleColor, roleLabel string
		switch m.Role {
		case model.RoleUser:
			roleColor = colorUser
			roleLabel = "USER"
		case model.RoleAssistant:
			roleColor = colorAssist
			roleLabel = "ASST"
		default:
			roleColor = colorDim
			roleLabel = strings.ToUpper(m.Role)
		}

		ts := ""
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.UTC().Format(time.RFC3339)
		}
		writeLine(fmt.Sprintf("%s%s >%s %s%s%s", roleColor, roleLabel, colorReset, colorDim, ts, colorReset))

		text := highlightKeywords(m.Content, opts.Query)
		for _, tl := range strings.Split(indentLines(text, "  "), "\n") {
			writeLine(tl)
		}

		if opts.ShowTools {
			for _, tc := range m.ToolCalls {
				status := "ok"
				if !tc.Success {
					status = "error"
				}
				writeLine(fmt.Sprintf("  %s[%s %s]%s", colorDim, tc.Name, status, colorReset))
			}
		}
		writeLine("")
	}

	return b.String()
}
