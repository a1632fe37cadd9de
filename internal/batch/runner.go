// Package batch runs the variation pipeline over every image in a directory
// with a bounded pool of workers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/gemini-variations/internal/filehandler"
	"github.com/fpang/gemini-variations/internal/variation"
)

// Factory builds the orchestrator owned by one worker. Each call must return
// an orchestrator with its own duplicate guard and adaptive controller; the
// generator and cache may be shared.
type Factory func(worker int) (*variation.Orchestrator, error)

// ResultHook is called after each source completes, from the worker goroutine
// that ran it. Hooks must be safe for concurrent use.
type ResultHook func(ctx context.Context, src *filehandler.SourceFile, res *variation.RunResult)

// Options configures a batch.
type Options struct {
	InputDir string
	Scan     filehandler.ScanOptions

	// Request is the template applied to every source. SourcePath is filled
	// per file; OutputDir, when set, is mirrored by the source's relative
	// directory under InputDir.
	Request variation.Request

	Concurrency int

	// Overwrite processes sources that already have variation outputs.
	Overwrite bool

	// DryRun lists what would be processed without generating anything.
	DryRun bool
}

// Summary aggregates a batch.
type Summary struct {
	Total      int           `json:"total"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Attempts   int           `json:"attempts"`
	CacheHits  int           `json:"cache_hits"`
	Duration   time.Duration `json:"duration"`

	// Planned lists the sources a dry run would process.
	Planned []string `json:"planned,omitempty"`

	Runs []*variation.RunResult `json:"-"`
}

// Outputs returns every accepted variation across runs.
func (s *Summary) Outputs() []string {
	var out []string
	for _, r := range s.Runs {
		out = append(out, r.Outputs()...)
	}
	return out
}

// Runner processes a directory.
type Runner struct {
	factory Factory
	opts    Options
	hook    ResultHook
}

// NewRunner creates a Runner. factory may be nil for dry runs.
func NewRunner(factory Factory, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{factory: factory, opts: opts}
}

// OnResult registers a hook invoked after each completed source.
func (r *Runner) OnResult(hook ResultHook) *Runner {
	r.hook = hook
	return r
}

type job struct {
	src *filehandler.SourceFile
	req variation.Request
}

// Run scans InputDir and processes every pending source. Per-source failures
// are counted in Summary.Errors and do not stop the batch; cancellation of ctx
// does.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	scan := r.opts.Scan
	if r.opts.Request.OutputDir != "" {
		scan.SkipDirs = append(scan.SkipDirs, r.opts.Request.OutputDir)
	}
	sources, err := filehandler.ScanDirectoryWithOptions(r.opts.InputDir, scan)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(sources)}
	var jobs []job
	for _, src := range sources {
		req := r.requestFor(src)
		if !r.opts.Overwrite && hasOutputs(outputDirFor(req), src.Stem()) {
			log.Info().Str("file", src.Path).Msg("Variations already exist, skipping")
			summary.Skipped++
			continue
		}
		jobs = append(jobs, job{src: src, req: req})
	}

	if r.opts.DryRun {
		for _, j := range jobs {
			summary.Planned = append(summary.Planned, j.src.Path)
			log.Info().
				Str("file", j.src.Path).
				Str("output_dir", outputDirFor(j.req)).
				Int("count", j.req.Count).
				Msg("Dry run: would generate variations")
		}
		summary.Duration = time.Since(start)
		return summary, nil
	}
	if len(jobs) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}
	if r.factory == nil {
		return nil, errors.New("batch: orchestrator factory is required")
	}

	workers := min(r.opts.Concurrency, len(jobs))
	orchestrators := make([]*variation.Orchestrator, workers)
	for i := range orchestrators {
		o, err := r.factory(i)
		if err != nil {
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		orchestrators[i] = o
	}

	log.Info().
		Int("sources", len(jobs)).
		Int("skipped", summary.Skipped).
		Int("workers", workers).
		Msg("Starting batch")

	queue := make(chan job)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, j := range jobs {
			select {
			case queue <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w, orch := range orchestrators {
		g.Go(func() error {
			for j := range queue {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res, err := orch.Generate(gctx, j.req)
				if res != nil && r.hook != nil {
					r.hook(gctx, j.src, res)
				}

				mu.Lock()
				summary.add(res, err)
				mu.Unlock()

				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Error().Err(err).Int("worker", w).Str("file", j.src.Path).Msg("Variation run failed")
				}
			}
			return nil
		})
	}

	err = g.Wait()
	summary.Duration = time.Since(start)

	log.Info().
		Int("processed", summary.Processed).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("errors", summary.Errors).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Msg("Batch complete")

	if err != nil {
		return summary, fmt.Errorf("batch interrupted: %w", err)
	}
	return summary, nil
}

func (s *Summary) add(res *variation.RunResult, err error) {
	if err != nil {
		s.Errors++
	}
	if res == nil {
		return
	}
	s.Processed++
	s.Successful += res.Successful
	s.Failed += res.Failed
	s.Attempts += res.Attempts
	if res.FromCache {
		s.CacheHits++
	}
	s.Runs = append(s.Runs, res)
}

// requestFor copies the template for src and mirrors its directory under the
// configured output root.
func (r *Runner) requestFor(src *filehandler.SourceFile) variation.Request {
	req := r.opts.Request
	req.SourcePath = src.Path
	req.Metadata = src.Metadata.Snapshot()
	if req.Styles != nil {
		req.Styles = append([]string(nil), req.Styles...)
	}
	if req.OutputDir == "" {
		return req
	}
	root, err := filepath.Abs(r.opts.InputDir)
	if err != nil {
		return req
	}
	if rel, err := filepath.Rel(root, filepath.Dir(src.Path)); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		req.OutputDir = filepath.Join(req.OutputDir, rel)
	}
	return req
}

func outputDirFor(req variation.Request) string {
	if req.OutputDir != "" {
		return req.OutputDir
	}
	return filepath.Dir(req.SourcePath)
}

// hasOutputs reports whether dir already holds a variation of stem.
func hasOutputs(dir, stem string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	prefix := stem + filehandler.VariationMarker
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return true
		}
	}
	return false
}
