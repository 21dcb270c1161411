// Package ingest drives the pipeline: it scans the log root for candidate
// artifacts and runs each one through change detection, parsing,
// normalization, tagging and the store. A failure on one artifact never
// halts the pass.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/logging"
	"github.com/sessionlog/sessiondb/internal/normalize"
	"github.com/sessionlog/sessiondb/internal/parse"
	"github.com/sessionlog/sessiondb/internal/store"
	"github.com/sessionlog/sessiondb/internal/tag"
)

// state tracks where a scan pass currently is, for debug logging.
type state int

const (
	stateIdle state = iota
	stateScanning
	stateProcessing
	stateCommitting
)

func (s state) String() string {
	switch s {
	case stateScanning:
		return "scanning"
	case stateProcessing:
		return "processing"
	case stateCommitting:
		return "committing"
	default:
		return "idle"
	}
}

// Stats summarizes one scan pass.
type Stats struct {
	RunID    string
	Scanned  int
	Imported int
	Skipped  int
	Errors   int
	Warnings int
	Prompts  int
	Plans    int
	Todos    int
}

func (s Stats) String() string {
	return fmt.Sprintf("scanned=%d imported=%d skipped=%d errors=%d warnings=%d prompts=%d plans=%d todos=%d",
		s.Scanned, s.Imported, s.Skipped, s.Errors, s.Warnings, s.Prompts, s.Plans, s.Todos)
}

// Ingester owns one store and runs scan passes over one log root. All of
// its state is explicit; there is no hidden global cache.
type Ingester struct {
	cfg   *config.Config
	store store.Store

	mu    sync.Mutex // guards stats during a pass
	stats Stats
}

func New(cfg *config.Config, st store.Store) *Ingester {
	return &Ingester{cfg: cfg, store: st}
}

// Run performs one full scan pass. Independent artifacts are processed on a
// bounded worker pool; per-artifact failures are logged and counted but do
// not fail the pass. Cancellation stops cleanly between artifacts.
func (in *Ingester) Run(ctx context.Context) (Stats, error) {
	runID := uuid.NewString()
	in.mu.Lock()
	in.stats = Stats{RunID: runID}
	in.mu.Unlock()

	logging.Debugf("pass %s: %s", runID, stateScanning)
	artifacts, err := Scan(in.cfg.LogRoot)
	if err != nil {
		return in.snapshot(), fmt.Errorf("scan %s: %w", in.cfg.LogRoot, err)
	}
	in.add(func(s *Stats) { s.Scanned = len(artifacts) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.Workers)

	for _, a := range artifacts {
		if gctx.Err() != nil {
			break
		}
		a := a
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			in.processArtifact(gctx, a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return in.snapshot(), err
	}

	logging.Debugf("pass %s: %s", runID, stateIdle)
	return in.snapshot(), ctx.Err()
}

// processArtifact runs the per-artifact state machine:
// detect -> parse -> normalize -> tag -> commit.
func (in *Ingester) processArtifact(ctx context.Context, a Artifact) {
	logging.Debugf("%s: %s (%s)", stateProcessing, a.Path, a.Format)

	data, fp, changed, err := readArtifact(ctx, in.store, a.Path)
	if err != nil {
		logging.Errorf("detect %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	if !changed {
		in.add(func(s *Stats) { s.Skipped++ })
		return
	}

	src := normalize.Source{Path: a.Path, Mtime: a.Mtime}

	switch a.Format {
	case parse.FormatTranscript, parse.FormatDocument, parse.FormatMarkdown:
		in.importSession(ctx, a, data, src, fp)
	case parse.FormatHistory:
		in.importHistory(ctx, a, data, fp)
	case parse.FormatPlan:
		in.importPlan(ctx, data, src, fp)
	case parse.FormatTodos:
		in.importTodos(ctx, a, data, src, fp)
	case parse.FormatStats:
		in.importStats(ctx, a, data, fp)
	}
}

func (in *Ingester) importSession(ctx context.Context, a Artifact, data []byte, src normalize.Source, fp store.Fingerprint) {
	res, err := parseArtifact(a.Format, data)
	if err != nil {
		logging.Errorf("parse %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}

	sess, warns, err := normalize.Session(a.Format, res, src)
	if err != nil {
		logging.Errorf("normalize %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	in.logWarnings(a.Path, warns)

	if len(sess.Messages) == 0 {
		logging.Debugf("skip %s: no messages", a.Path)
		in.add(func(s *Stats) { s.Skipped++ })
		return
	}

	sess.AutoTags = tag.Apply(in.cfg.Tags, sess)

	logging.Debugf("%s: %s", stateCommitting, a.Path)
	if err := in.store.UpsertSession(ctx, sess, fp); err != nil {
		logging.Errorf("store %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}

	logging.Infof("imported session %s: %d messages, %d in / %d out tokens",
		sess.ID, len(sess.Messages), sess.TokensIn, sess.TokensOut)
	in.add(func(s *Stats) { s.Imported++ })
}

func (in *Ingester) importHistory(ctx context.Context, a Artifact, data []byte, fp store.Fingerprint) {
	res, err := parse.Lines(bytes.NewReader(data))
	if err != nil {
		logging.Errorf("parse %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}

	prompts, warns := normalize.Prompts(res)
	in.logWarnings(a.Path, warns)

	added, err := in.store.AppendPrompts(ctx, prompts, fp)
	if err != nil {
		logging.Errorf("store %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	if added > 0 {
		logging.Infof("imported %d new prompt history entries", added)
	}
	in.add(func(s *Stats) { s.Imported++; s.Prompts += added })
}

func (in *Ingester) importPlan(ctx context.Context, data []byte, src normalize.Source, fp store.Fingerprint) {
	plan := normalize.Plan(data, src)
	if err := in.store.UpsertPlan(ctx, plan, fp); err != nil {
		logging.Errorf("store %s: %v", src.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	in.add(func(s *Stats) { s.Imported++; s.Plans++ })
}

func (in *Ingester) importTodos(ctx context.Context, a Artifact, data []byte, src normalize.Source, fp store.Fingerprint) {
	res, err := parse.Document(data)
	if err != nil {
		logging.Errorf("parse %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}

	sessionID, todos, warns := normalize.Todos(res, src)
	in.logWarnings(a.Path, warns)
	if sessionID == "" || len(todos) == 0 {
		in.add(func(s *Stats) { s.Skipped++ })
		return
	}

	if err := in.store.ReplaceTodos(ctx, sessionID, todos, fp); err != nil {
		logging.Errorf("store %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	in.add(func(s *Stats) { s.Imported++; s.Todos += len(todos) })
}

func (in *Ingester) importStats(ctx context.Context, a Artifact, data []byte, fp store.Fingerprint) {
	stats, warns := normalize.UsageStats(data)
	in.logWarnings(a.Path, warns)
	if len(stats) == 0 {
		in.add(func(s *Stats) { s.Skipped++ })
		return
	}

	if err := in.store.UpsertUsageStats(ctx, stats, fp); err != nil {
		logging.Errorf("store %s: %v", a.Path, err)
		in.add(func(s *Stats) { s.Errors++ })
		return
	}
	logging.Infof("imported usage stats for %d models", len(stats))
	in.add(func(s *Stats) { s.Imported++ })
}

func parseArtifact(format parse.Format, data []byte) (*parse.Result, error) {
	switch format {
	case parse.FormatTranscript, parse.FormatHistory:
		return parse.Lines(bytes.NewReader(data))
	case parse.FormatDocument, parse.FormatTodos:
		return parse.Document(data)
	case parse.FormatMarkdown:
		return parse.Markdown(data)
	default:
		return nil, fmt.Errorf("no parser for format %s", format)
	}
}

func (in *Ingester) logWarnings(path string, warns []normalize.Warning) {
	for _, w := range warns {
		logging.Warnf("%s: %s", path, w)
	}
	if len(warns) > 0 {
		in.add(func(s *Stats) { s.Warnings += len(warns) })
	}
}

func (in *Ingester) add(f func(*Stats)) {
	in.mu.Lock()
	f(&in.stats)
	in.mu.Unlock()
}

func (in *Ingester) snapshot() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// Watch runs scan passes on the configured interval until ctx is canceled.
// Pass errors are logged; the loop keeps going.
func (in *Ingester) Watch(ctx context.Context) error {
	interval := time.Duration(in.cfg.ScanIntervalSecs) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := in.Run(ctx)
		if err != nil && ctx.Err() == nil {
			logging.Errorf("scan pass: %v", err)
		} else {
			logging.Infof("pass complete: %s", stats)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
