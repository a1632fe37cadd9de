// Package variation drives the generation of several distinct, quality-checked
// variations of one source image.
package variation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/adaptive"
	"github.com/fpang/gemini-variations/internal/cache"
	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/imaging"
	"github.com/fpang/gemini-variations/internal/prompt"
	"github.com/fpang/gemini-variations/internal/retry"
	"github.com/fpang/gemini-variations/internal/storage"
)

// Config wires an Orchestrator. Zero values select the defaults noted on each
// field. Disabled features ignore their collaborator.
type Config struct {
	Features config.Features

	// Model is recorded in cache parameters so switching models misses.
	Model string

	// AttemptTimeout bounds a single generator call. Zero means no limit.
	AttemptTimeout time.Duration

	Retry      *retry.Coordinator   // default retry.New(3, 1s)
	Storage    storage.Storage      // default storage.Local
	Prompter   Prompter             // default prompt.Default()
	Scorer     Scorer               // required when Features.QualityGate
	Guard      Guard                // required when Features.DuplicateGuard
	Cache      Cache                // required when Features.Cache
	Controller *adaptive.Controller // default adaptive.NewController()

	Stop  StopFunc
	Clock func() time.Time
}

// Orchestrator runs variation requests for one worker. Generate calls on the
// same Orchestrator are serialized because the guard and controller hold
// per-run state.
type Orchestrator struct {
	gen Generator
	cfg Config

	runMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// Stats summarizes every run made by an Orchestrator.
type Stats struct {
	Features        config.Features   `json:"features"`
	Level           string            `json:"level"`
	Settings        adaptive.Settings `json:"settings"`
	SuccessHistory  []float64         `json:"success_history"`
	Runs            int               `json:"runs"`
	CacheHits       int               `json:"cache_hits"`
	TotalSuccessful int               `json:"total_successful"`
	TotalFailed     int               `json:"total_failed"`
	TotalAttempts   int               `json:"total_attempts"`
	Cache           *cache.Stats      `json:"cache,omitempty"`
}

// New returns an Orchestrator for gen.
func New(gen Generator, cfg Config) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("variation: generator is required")
	}
	if cfg.Features.QualityGate && cfg.Scorer == nil {
		return nil, errors.New("variation: quality gate enabled without a scorer")
	}
	if cfg.Features.DuplicateGuard && cfg.Guard == nil {
		return nil, errors.New("variation: duplicate guard enabled without a guard")
	}
	if cfg.Features.Cache && cfg.Cache == nil {
		return nil, errors.New("variation: cache enabled without a cache")
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultMaxAttempts, retry.DefaultBaseDelay)
	}
	if cfg.Storage == nil {
		cfg.Storage = storage.Local{}
	}
	if cfg.Prompter == nil {
		cfg.Prompter = prompt.Default()
	}
	if cfg.Controller == nil {
		cfg.Controller = adaptive.NewController()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{gen: gen, cfg: cfg}, nil
}

// CurrentSettings returns the settings in effect for the next run.
func (o *Orchestrator) CurrentSettings() adaptive.Settings {
	if !o.cfg.Features.Adaptive {
		return adaptive.SettingsFor(adaptive.High)
	}
	return o.cfg.Controller.CurrentSettings()
}

// RecordOutcome feeds an external success rate to the adaptive controller.
func (o *Orchestrator) RecordOutcome(rate float64) adaptive.Level {
	return o.cfg.Controller.RecordOutcome(rate)
}

// CacheStats returns the cache counters, or false when caching is off.
func (o *Orchestrator) CacheStats() (cache.Stats, bool) {
	if !o.cfg.Features.Cache {
		return cache.Stats{}, false
	}
	return o.cfg.Cache.Stats(), true
}

// Stats returns cumulative statistics for this orchestrator.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	s := o.stats
	o.statsMu.Unlock()

	s.Features = o.cfg.Features
	s.Level = o.level().String()
	s.Settings = o.CurrentSettings()
	s.SuccessHistory = o.cfg.Controller.History()
	if cs, ok := o.CacheStats(); ok {
		s.Cache = &cs
	}
	return s
}

func (o *Orchestrator) level() adaptive.Level {
	if !o.cfg.Features.Adaptive {
		return adaptive.High
	}
	return o.cfg.Controller.Level()
}

// run carries the state of one Generate call.
type run struct {
	req         Request
	logger      zerolog.Logger
	res         *RunResult
	source      image.Image
	payload     []byte
	mimeType    string
	outDir      string
	stem        string
	overallMin  float64
	maxAttempts int
	accepted    []image.Image
}

// Generate produces up to req.Count accepted variations. Configuration errors
// are returned before any attempt. Attempt failures are recorded in the
// result and never abort the loop. A failure to write accepted output or to
// populate the cache is returned together with the partial result.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !o.cfg.Storage.Exists(req.SourcePath) {
		return nil, fmt.Errorf("%w: source image not found: %s", ErrInvalidRequest, req.SourcePath)
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	start := o.cfg.Clock()
	runID := uuid.NewString()
	r := &run{
		req:    req,
		logger: log.With().Str("run_id", runID).Str("source", filepath.Base(req.SourcePath)).Logger(),
		res: &RunResult{
			RunID:     runID,
			Source:    req.SourcePath,
			Requested: req.Count,
			Level:     o.level().String(),
		},
	}

	settings := o.CurrentSettings()
	r.overallMin = settings.QualityThreshold
	if req.QualityThreshold > 0 {
		r.overallMin = req.QualityThreshold
	}
	r.maxAttempts = settings.MaxAttemptsPerVariation
	if req.MaxAttemptsPerVariation > 0 {
		r.maxAttempts = req.MaxAttemptsPerVariation
	}

	var cacheKey string
	if o.cfg.Features.Cache {
		key, err := cache.Key(req.SourcePath, "", o.cacheParams(req, r))
		if err != nil {
			r.logger.Warn().Err(err).Msg("Cache key derivation failed, running without cache")
		} else {
			cacheKey = key
			if locs, ok := o.cfg.Cache.Get(key); ok {
				o.finishFromCache(r, locs, start)
				return r.res, nil
			}
		}
	}

	if err := o.prepareSource(r, settings); err != nil {
		return nil, err
	}

	if o.cfg.Features.DuplicateGuard {
		o.cfg.Guard.Clear()
		defer o.cfg.Guard.Clear()
	}

	r.logger.Info().
		Int("count", req.Count).
		Str("category", string(req.Category)).
		Int("max_attempts_per_variation", r.maxAttempts).
		Float64("overall_min", r.overallMin).
		Str("level", r.res.Level).
		Msg("Starting variation run")

	loopErr := o.loop(ctx, r)

	if total := r.res.Successful + r.res.Failed; total > 0 && o.cfg.Features.Adaptive {
		o.cfg.Controller.RecordOutcome(r.res.SuccessRate())
	}

	var cacheErr error
	if cacheKey != "" && r.res.Successful > 0 && loopErr == nil {
		_, cacheErr = o.cfg.Cache.Put(cacheKey, r.res.Outputs(), cache.Metadata{
			Source:     req.SourcePath,
			Params:     o.cacheParams(req, r),
			SourceMeta: req.Metadata,
		})
		if cacheErr != nil {
			cacheErr = fmt.Errorf("failed to cache results: %w", cacheErr)
		}
	}

	r.res.Duration = o.cfg.Clock().Sub(start)
	o.record(r.res)

	r.logger.Info().
		Int("successful", r.res.Successful).
		Int("failed", r.res.Failed).
		Int("attempts", r.res.Attempts).
		Bool("stopped", r.res.Stopped).
		Dur("duration", r.res.Duration).
		Msg("Variation run complete")

	return r.res, errors.Join(loopErr, cacheErr)
}

func (o *Orchestrator) cacheParams(req Request, r *run) map[string]any {
	params := map[string]any{
		"count":        req.Count,
		"category":     string(req.Category),
		"styles":       req.Styles,
		"overall_min":  r.overallMin,
		"max_attempts": r.maxAttempts,
		"model":        o.cfg.Model,
	}
	if req.Seed != nil {
		params["seed"] = *req.Seed
	}
	return params
}

func (o *Orchestrator) finishFromCache(r *run, locs []string, start time.Time) {
	for i, loc := range locs {
		r.res.Results = append(r.res.Results, Result{
			VariationID: i + 1,
			Success:     true,
			Output:      loc,
			Category:    r.req.Category,
			FromCache:   true,
		})
	}
	r.res.Successful = len(locs)
	r.res.FromCache = true
	r.res.Duration = o.cfg.Clock().Sub(start)
	o.record(r.res)
	r.logger.Info().Int("outputs", len(locs)).Msg("Cache hit, returning stored variations")
}

// prepareSource loads the source and, when enabled, downsizes it to the
// current level's maximum dimension.
func (o *Orchestrator) prepareSource(r *run, settings adaptive.Settings) error {
	data, err := o.cfg.Storage.ReadFile(r.req.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	img, err := imaging.DecodeBytes(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, r.req.SourcePath, err)
	}
	r.source = img
	r.payload = data
	r.mimeType = imaging.MIMEType(r.req.SourcePath)

	if o.cfg.Features.Downsize {
		if small, resized := imaging.FitWithin(img, settings.MaxDimension); resized {
			ext := ".png"
			if r.mimeType == "image/jpeg" {
				ext = ".jpg"
			}
			encoded, err := imaging.EncodeBytes(small, ext)
			if err != nil {
				r.logger.Warn().Err(err).Msg("Failed to encode downsized source, sending original")
			} else {
				r.logger.Debug().
					Int("max_dimension", settings.MaxDimension).
					Int("original_bytes", len(data)).
					Int("downsized_bytes", len(encoded)).
					Msg("Downsized source image")
				r.source = small
				r.payload = encoded
				r.mimeType = imaging.MIMEType(ext)
			}
		}
	}

	r.outDir = r.req.OutputDir
	if r.outDir == "" {
		r.outDir = filepath.Dir(r.req.SourcePath)
	}
	base := filepath.Base(r.req.SourcePath)
	r.stem = strings.TrimSuffix(base, filepath.Ext(base))
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, r *run) error {
	budget := r.req.Count * r.maxAttempts
	for r.res.Successful < r.req.Count && r.res.Attempts < budget {
		if ctx.Err() != nil || (o.cfg.Stop != nil && o.cfg.Stop()) {
			r.res.Stopped = true
			r.logger.Info().Int("attempts", r.res.Attempts).Msg("Stop requested, ending run")
			return nil
		}

		attempt := r.res.Attempts
		r.res.Attempts++
		if err := o.attempt(ctx, r, attempt); err != nil {
			return err
		}
	}
	if r.res.Successful < r.req.Count {
		r.logger.Warn().
			Int("successful", r.res.Successful).
			Int("requested", r.req.Count).
			Msg("Attempt budget exhausted before reaching requested count")
	}
	return nil
}

// attempt runs one generation. Only output write failures are returned.
func (o *Orchestrator) attempt(ctx context.Context, r *run, index int) error {
	var seed *int64
	if r.req.Seed != nil {
		s := *r.req.Seed + int64(index)
		seed = &s
	}
	p := o.cfg.Prompter.Compose(r.req.Category, seed, r.req.Styles)
	result := Result{VariationID: index + 1, Category: p.Category, Prompt: p.Text}
	logger := r.logger.With().Int("attempt", index+1).Str("category", string(p.Category)).Logger()

	data, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		if o.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
			defer cancel()
		}
		return o.gen.Generate(ctx, r.payload, r.mimeType, p.Text)
	})
	if err != nil {
		logger.Warn().Err(err).Bool("terminal", retry.IsTerminal(err)).Msg("Generation failed")
		o.fail(r, result, err.Error())
		return nil
	}

	candidate, format, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		logger.Warn().Err(err).Msg("Generator returned undecodable image")
		o.fail(r, result, "undecodable output: "+err.Error())
		return nil
	}
	ext := extensionForFormat(format)

	pending := filepath.Join(r.outDir, fmt.Sprintf(".pending-%s-%d%s", r.res.RunID[:8], index, ext))
	if err := o.cfg.Storage.WriteFile(pending, data); err != nil {
		o.fail(r, result, err.Error())
		return fmt.Errorf("failed to write candidate: %w", err)
	}

	if reason := o.reject(r, candidate, &result); reason != "" {
		logger.Info().Str("reason", reason).Msg("Candidate rejected")
		if err := o.cfg.Storage.Delete(pending); err != nil {
			logger.Warn().Err(err).Str("path", pending).Msg("Failed to delete rejected candidate")
		}
		o.fail(r, result, reason)
		return nil
	}

	final := filepath.Join(r.outDir, fmt.Sprintf("%s_variation_%02d_%s%s", r.stem, r.res.Successful+1, p.Category, ext))
	if err := o.cfg.Storage.Move(pending, final); err != nil {
		if derr := o.cfg.Storage.Delete(pending); derr != nil {
			logger.Warn().Err(derr).Str("path", pending).Msg("Failed to delete unstored candidate")
		}
		o.fail(r, result, err.Error())
		return fmt.Errorf("failed to store variation: %w", err)
	}
	if o.cfg.Features.DuplicateGuard {
		o.cfg.Guard.TryAdd(candidate)
	}
	r.accepted = append(r.accepted, candidate)

	result.Success = true
	result.Output = final
	r.res.Results = append(r.res.Results, result)
	r.res.Successful++
	logger.Info().Str("output", filepath.Base(final)).Msg("Variation accepted")
	return nil
}

// reject returns a non-empty reason when the candidate must be discarded.
// It fills result.Metrics when scoring ran.
func (o *Orchestrator) reject(r *run, candidate image.Image, result *Result) string {
	if o.cfg.Features.DuplicateGuard && o.cfg.Guard.IsDuplicate(candidate) {
		return "duplicate of an accepted variation"
	}
	if o.cfg.Features.QualityGate {
		m := o.cfg.Scorer.Score(r.source, candidate, r.accepted)
		result.Metrics = &m
		if !o.cfg.Scorer.AcceptableAt(m, r.overallMin) {
			return fmt.Sprintf("quality below threshold (overall %.2f, min %.2f)", m.Overall, r.overallMin)
		}
	}
	return ""
}

func (o *Orchestrator) fail(r *run, result Result, reason string) {
	result.Success = false
	result.Error = reason
	r.res.Results = append(r.res.Results, result)
	r.res.Failed++
}

func (o *Orchestrator) record(res *RunResult) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats.Runs++
	if res.FromCache {
		o.stats.CacheHits++
	}
	o.stats.TotalSuccessful += res.Successful
	o.stats.TotalFailed += res.Failed
	o.stats.TotalAttempts += res.Attempts
}

func extensionForFormat(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "":
		return ".png"
	default:
		return "." + format
	}
}
