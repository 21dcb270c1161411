// Package parse turns raw artifact bytes into sequences of loosely-typed
// records. It knows nothing about field meanings; mapping records onto the
// canonical schema is the normalize package's job.
//
// A malformed entry never aborts a parse: it becomes a Skipped value with
// its index and reason, and the remaining entries are kept.
package parse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

const maxLineSize = 10 * 1024 * 1024 // 10MB

// Format identifies the on-disk shape of an artifact.
type Format int

const (
	FormatTranscript Format = iota // line-delimited JSON session transcript
	FormatDocument                 // whole-file JSON session document
	FormatMarkdown                 // markdown/plain-text transcript
	FormatHistory                  // line-delimited prompt history
	FormatTodos                    // whole-file JSON todo list
	FormatPlan                     // markdown plan document
	FormatStats                    // whole-file JSON usage-stats cache
)

func (f Format) String() string {
	switch f {
	case FormatTranscript:
		return "transcript"
	case FormatDocument:
		return "document"
	case FormatMarkdown:
		return "markdown"
	case FormatHistory:
		return "history"
	case FormatTodos:
		return "todos"
	case FormatPlan:
		return "plan"
	case FormatStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Record is one loosely decoded entry from an artifact. JSON formats fill
// Data; markdown formats fill Text. Index is the 1-based line (or entry)
// position in the source file.
type Record struct {
	Index int
	Data  json.RawMessage
	Text  string
}

// Skipped marks an entry that could not be decoded.
type Skipped struct {
	Index  int
	Reason string
}

// Result is the outcome of parsing one artifact.
type Result struct {
	Records []Record
	Skipped []Skipped
}

// Lines parses line-delimited JSON. Blank lines are ignored; lines that are
// not valid JSON (including a truncated trailing line) are reported as
// skipped. An empty input yields an empty result.
func Lines(r io.Reader) (*Result, error) {
	res := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			res.Skipped = append(res.Skipped, Skipped{Index: lineNum, Reason: "invalid JSON"})
			continue
		}
		data := make(json.RawMessage, len(line))
		copy(data, line)
		res.Records = append(res.Records, Record{Index: lineNum, Data: data})
	}
	return res, scanner.Err()
}

// Document parses a whole-file JSON artifact. A top-level array yields one
// record per element; a top-level object yields a single record. Anything
// else is reported as skipped.
func Document(data []byte) (*Result, error) {
	res := &Result{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return res, nil
	}

	if trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			res.Skipped = append(res.Skipped, Skipped{Index: 1, Reason: "invalid JSON array"})
			return res, nil
		}
		for i, e := range elems {
			res.Records = append(res.Records, Record{Index: i + 1, Data: e})
		}
		return res, nil
	}

	if !json.Valid(trimmed) {
		res.Skipped = append(res.Skipped, Skipped{Index: 1, Reason: "invalid JSON document"})
		return res, nil
	}
	res.Records = append(res.Records, Record{Index: 1, Data: json.RawMessage(trimmed)})
	return res, nil
}

// Markdown splits a markdown or plain-text transcript into role-marked
// segments. A segment starts at a line beginning with a role marker
// ("user:", "human:", "assistant:", "claude:", case-insensitive) and runs
// until the next marker. Content before the first marker is skipped.
func Markdown(data []byte) (*Result, error) {
	res := &Result{}

	lines := strings.Split(string(data), "\n")
	segStart := 0
	var seg []string

	flush := func() {
		if seg == nil {
			return
		}
		text := strings.TrimRight(strings.Join(seg, "\n"), "\n \t")
		res.Records = append(res.Records, Record{Index: segStart, Text: text})
		seg = nil
	}

	sawLeading := false
	for i, line := range lines {
		if hasRoleMarker(line) {
			flush()
			segStart = i + 1
			seg = []string{line}
			continue
		}
		if seg != nil {
			seg = append(seg, line)
		} else if strings.TrimSpace(line) != "" && !sawLeading {
			sawLeading = true
			res.Skipped = append(res.Skipped, Skipped{Index: i + 1, Reason: "content before first role marker"})
		}
	}
	flush()
	return res, nil
}

var roleMarkers = []string{"user:", "human:", "assistant:", "claude:"}

func hasRoleMarker(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	for _, m := range roleMarkers {
		if strings.HasPrefix(l, m) {
			return true
		}
	}
	return false
}
