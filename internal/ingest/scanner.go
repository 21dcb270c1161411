package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessionlog/sessiondb/internal/parse"
)

// Artifacts smaller than this are unlikely to be real logs.
const minSessionArtifactSize = 50

// Artifact is one candidate file discovered under the log root.
type Artifact struct {
	Path   string
	Format parse.Format
	Size   int64
	Mtime  time.Time
}

// Scan enumerates candidate artifacts under root: session transcripts and
// documents under projects/, the shared prompt-history file, the usage-stats
// cache, plan documents under plans/ and todo lists under todos/. Unreadable
// entries are skipped, not fatal.
func Scan(root string) ([]Artifact, error) {
	// A missing root is a configuration error, not an empty tree.
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("log root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("log root %s: not a directory", root)
	}

	var artifacts []Artifact
	for _, name := range []string{"history.jsonl", "stats-cache.json"} {
		fi, err := os.Stat(filepath.Join(root, name))
		if err != nil || fi.IsDir() {
			continue
		}
		format := parse.FormatHistory
		if name == "stats-cache.json" {
			format = parse.FormatStats
		}
		artifacts = append(artifacts, Artifact{
			Path:   filepath.Join(root, name),
			Format: format,
			Size:   fi.Size(),
			Mtime:  fi.ModTime(),
		})
	}

	projects, err := scanProjects(filepath.Join(root, "projects"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	artifacts = append(artifacts, projects...)

	plans, err := scanGlob(filepath.Join(root, "plans"), ".md", parse.FormatPlan)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, plans...)

	todos, err := scanGlob(filepath.Join(root, "todos"), ".json", parse.FormatTodos)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, todos...)

	return artifacts, nil
}

func scanProjects(dir string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return err
			}
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			if filepath.Base(path) == "subagents" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Contains(filepath.Base(path), "sessions-index") {
			return nil
		}
		if info.Size() < minSessionArtifactSize {
			return nil
		}

		var format parse.Format
		switch filepath.Ext(path) {
		case ".jsonl":
			format = parse.FormatTranscript
		case ".json":
			format = parse.FormatDocument
		case ".md", ".txt":
			format = parse.FormatMarkdown
		default:
			return nil
		}

		artifacts = append(artifacts, Artifact{
			Path:   path,
			Format: format,
			Size:   info.Size(),
			Mtime:  info.ModTime(),
		})
		return nil
	})
	return artifacts, err
}

func scanGlob(dir, ext string, format parse.Format) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:   filepath.Join(dir, e.Name()),
			Format: format,
			Size:   info.Size(),
			Mtime:  info.ModTime(),
		})
	}
	return artifacts, nil
}
