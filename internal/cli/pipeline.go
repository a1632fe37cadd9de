package cli

import (
	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/adaptive"
	"github.com/fpang/gemini-variations/internal/cache"
	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/dedup"
	"github.com/fpang/gemini-variations/internal/fingerprint"
	"github.com/fpang/gemini-variations/internal/quality"
	"github.com/fpang/gemini-variations/internal/retry"
	"github.com/fpang/gemini-variations/internal/variation"
)

// Pipeline holds what every worker of a process shares: the generator, the
// prompter, the result cache and the strategies chosen at startup.
type Pipeline struct {
	cfg        config.Config
	features   config.Features
	gen        variation.Generator
	prompter   variation.Prompter
	cache      *cache.ResultCache
	hasher     fingerprint.Hasher
	similarity quality.SimilarityStrategy

	// Stop is polled before each attempt by every orchestrator.
	Stop variation.StopFunc
}

// NewPipeline resolves strategies and opens the cache. A cache that cannot be
// opened disables caching for the process instead of failing it.
func NewPipeline(cfg config.Config, gen variation.Generator, prompter variation.Prompter) (*Pipeline, error) {
	hasher, err := fingerprint.Select(cfg.HashStrategy)
	if err != nil {
		return nil, err
	}
	similarity, err := quality.SelectSimilarity(cfg.SimilarityStrategy)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		features:   cfg.Features,
		gen:        gen,
		prompter:   prompter,
		hasher:     hasher,
		similarity: similarity,
	}

	if p.features.Cache {
		c, err := cache.New(cfg.CacheDir, cfg.CacheBudgetBytes())
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.CacheDir).Msg("Result cache unavailable, continuing without it")
			p.features.Cache = false
		} else {
			p.cache = c
		}
	}
	return p, nil
}

// Features returns the effective feature set.
func (p *Pipeline) Features() config.Features { return p.features }

// Cache returns the shared cache, or nil when caching is off.
func (p *Pipeline) Cache() *cache.ResultCache { return p.cache }

// NewOrchestrator builds one worker's orchestrator. The guard, controller,
// scorer and retry coordinator are private to it.
func (p *Pipeline) NewOrchestrator(worker int) (*variation.Orchestrator, error) {
	scorer := quality.NewScorer(p.similarity)
	vc := variation.Config{
		Features:       p.features,
		Model:          p.cfg.Model,
		AttemptTimeout: p.cfg.AttemptTimeout,
		Retry:          retry.New(p.cfg.RetryAttempts, p.cfg.RetryBaseDelay),
		Prompter:       p.prompter,
		Scorer:         scorer,
		Guard:          dedup.New(p.hasher, scorer, p.cfg.DuplicateThreshold),
		Controller:     adaptive.NewController(),
		Stop:           p.Stop,
	}
	if p.cache != nil {
		vc.Cache = p.cache
	}
	log.Debug().Int("worker", worker).Msg("Worker orchestrator created")
	return variation.New(p.gen, vc)
}
