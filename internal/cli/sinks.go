package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/metrics"
	"github.com/fpang/gemini-variations/internal/s3util"
	"github.com/fpang/gemini-variations/internal/store"
	"github.com/fpang/gemini-variations/internal/variation"
)

// Sinks receive each finished run. Every field is optional. Handle is safe
// for concurrent use.
type Sinks struct {
	Publisher *s3util.Publisher
	Runs      store.RunStore
	// Metrics receives one EMF document per run.
	Metrics io.Writer
	// Category is the requested category recorded with each run.
	Category string

	emfMu sync.Mutex
}

// Enabled reports whether any sink is configured.
func (s *Sinks) Enabled() bool {
	return s != nil && (s.Publisher != nil || s.Runs != nil || s.Metrics != nil)
}

// Handle publishes outputs, persists the run record and emits metrics. Each
// sink is attempted even if an earlier one fails; the errors are joined.
func (s *Sinks) Handle(ctx context.Context, res *variation.RunResult, metadata map[string]string) ([]string, error) {
	if !s.Enabled() || res == nil {
		return nil, nil
	}
	var errs []error

	var uris []string
	if s.Publisher != nil && len(res.Outputs()) > 0 {
		var err error
		uris, err = s.Publisher.UploadVariations(ctx, res.RunID, res.Outputs())
		if err != nil {
			errs = append(errs, fmt.Errorf("publish: %w", err))
		}
	}

	if s.Runs != nil {
		rec := store.NewRunRecord(res, s.Category, uris, metadata)
		if err := s.Runs.PutRun(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("record run: %w", err))
		}
	}

	if s.Metrics != nil {
		s.emfMu.Lock()
		err := metrics.EmitRun(s.Metrics, metrics.RunSample{
			RunID:     res.RunID,
			Source:    res.Source,
			Category:  s.Category,
			Level:     res.Level,
			Requested: res.Requested,
			Succeeded: res.Successful,
			Failed:    res.Failed,
			Attempts:  res.Attempts,
			FromCache: res.FromCache,
			Duration:  res.Duration,
		})
		s.emfMu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("emit metrics: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("Post-run sink failed")
	}
	return uris, err
}

// NewSinks builds the sinks selected by cfg. AWS config is only loaded when a
// bucket or table is set. emf may be nil.
func NewSinks(ctx context.Context, a *AWS, cfg config.Config, emf io.Writer, category string) (*Sinks, error) {
	s := &Sinks{Metrics: emf, Category: category}

	pub, err := a.Publisher(ctx, cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		s.Publisher = pub
	}

	runs, err := a.RunStore(ctx, cfg.RunsTable, cfg.RunsTTL)
	if err != nil {
		return nil, err
	}
	if runs != nil {
		s.Runs = runs
	}
	return s, nil
}
