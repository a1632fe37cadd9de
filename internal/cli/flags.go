package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/logging"
	"github.com/fpang/gemini-variations/internal/prompt"
	"github.com/fpang/gemini-variations/internal/variation"
)

// Flags are the options shared by every command.
type Flags struct {
	ConfigFile string
	EnvFile    string

	APIKey         string
	APIKeyFile     string
	SkipValidation bool

	Verbose bool
	Quiet   bool
	LogFile string

	Model       string
	Concurrency int
	RateLimit   float64

	Count     int
	Category  string
	Seed      int64
	Styles    []string
	Threshold float64
	Attempts  int
	Prompt    string
	OutputDir string

	NoCache    bool
	NoDedup    bool
	NoQuality  bool
	NoAdaptive bool
	NoDownsize bool

	Zip         string
	S3Bucket    string
	S3Prefix    string
	RunsTable   string
	EmitMetrics bool

	seedSet bool
}

// Register binds the shared flags to cmd.
func (f *Flags) Register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "dotenv file to load (missing file is ignored)")

	fs.StringVar(&f.APIKey, "api-key", "", "Gemini API key (visible in the process list; prefer GEMINI_API_KEY)")
	fs.StringVar(&f.APIKeyFile, "api-key-file", "", "file containing a GEMINI_API_KEY=value line")
	fs.BoolVar(&f.SkipValidation, "skip-key-check", false, "skip the API key probe call")

	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&f.Quiet, "quiet", "q", false, "only warnings and errors")
	fs.StringVarP(&f.LogFile, "log-file", "l", "", "also write JSON logs to this file")

	fs.StringVarP(&f.Model, "model", "m", "", "Gemini image model (default "+config.DefaultModel+")")
	fs.Float64Var(&f.RateLimit, "rate-limit", 0, "maximum generation requests per second (0 = unlimited)")

	fs.IntVarP(&f.Count, "count", "n", 3, "variations to generate per image")
	fs.StringVarP(&f.Category, "category", "c", string(prompt.CategoryRandom), "variation category: random, object_rearrange, object_add, object_remove, style_change, composition")
	fs.Int64Var(&f.Seed, "seed", 0, "seed for reproducible prompts")
	fs.StringSliceVar(&f.Styles, "styles", nil, "restrict style changes to these art styles")
	fs.Float64Var(&f.Threshold, "threshold", 0, "minimum overall quality score (0 = adaptive level default)")
	fs.IntVar(&f.Attempts, "attempts", 0, "maximum attempts per variation (0 = adaptive level default)")
	fs.StringVarP(&f.Prompt, "prompt", "p", "", "use this instruction instead of synthesized prompts")
	fs.StringVarP(&f.OutputDir, "output-dir", "o", "", "directory for accepted variations (default: next to the source)")

	fs.BoolVar(&f.NoCache, "no-cache", false, "disable the result cache")
	fs.BoolVar(&f.NoDedup, "no-dedup", false, "disable duplicate rejection")
	fs.BoolVar(&f.NoQuality, "no-quality", false, "disable quality scoring")
	fs.BoolVar(&f.NoAdaptive, "no-adaptive", false, "disable adaptive quality levels")
	fs.BoolVar(&f.NoDownsize, "no-downsize", false, "send sources at full resolution")

	fs.StringVar(&f.Zip, "zip", "", "write accepted variations to this zstd ZIP bundle")
	fs.StringVar(&f.S3Bucket, "s3-bucket", "", "upload accepted variations to this S3 bucket")
	fs.StringVar(&f.S3Prefix, "s3-prefix", "", "key prefix for S3 uploads")
	fs.StringVar(&f.RunsTable, "runs-table", "", "DynamoDB table for run records")
	fs.BoolVar(&f.EmitMetrics, "emit-metrics", false, "write CloudWatch EMF metrics to stdout")
}

// Env is the resolved runtime for a command.
type Env struct {
	Config config.Config
	AWS    *AWS
	// EMF is the metrics destination, nil unless --emit-metrics.
	EMF io.Writer

	logCloser io.Closer
}

// Close releases the log file.
func (e *Env) Close() error {
	if e.logCloser == nil {
		return nil
	}
	return e.logCloser.Close()
}

// Report is where human-readable summaries go. stdout carries EMF documents
// when metrics are enabled, so reports move to stderr.
func (e *Env) Report() io.Writer {
	if e.EMF != nil {
		return os.Stderr
	}
	return os.Stdout
}

// Setup loads configuration, applies flag overrides and initializes logging.
func (f *Flags) Setup(cmd *cobra.Command) (*Env, error) {
	f.seedSet = cmd.Flags().Changed("seed")

	cfg, err := config.Load(f.ConfigFile, f.EnvFile)
	if err != nil {
		return nil, err
	}
	f.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	closer, err := logging.Init(logging.Options{
		Verbose: f.Verbose,
		Quiet:   f.Quiet,
		Level:   cfg.LogLevel,
		File:    f.LogFile,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Continuing with console logging only")
	}

	env := &Env{Config: cfg, AWS: NewAWS(), logCloser: closer}
	if f.EmitMetrics {
		env.EMF = os.Stdout
	}
	return env, nil
}

func (f *Flags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if f.Model != "" {
		cfg.Model = f.Model
	}
	if changed("rate-limit") {
		cfg.RateLimit = f.RateLimit
	}
	if changed("concurrency") {
		cfg.Concurrency = f.Concurrency
	}
	if f.S3Bucket != "" {
		cfg.S3Bucket = f.S3Bucket
	}
	if f.S3Prefix != "" {
		cfg.S3Prefix = f.S3Prefix
	}
	if f.RunsTable != "" {
		cfg.RunsTable = f.RunsTable
	}
	if f.NoCache {
		cfg.Features.Cache = false
	}
	if f.NoDedup {
		cfg.Features.DuplicateGuard = false
	}
	if f.NoQuality {
		cfg.Features.QualityGate = false
	}
	if f.NoAdaptive {
		cfg.Features.Adaptive = false
	}
	if f.NoDownsize {
		cfg.Features.Downsize = false
	}
}

// Request builds the variation request template. SourcePath is left empty
// for batch use.
func (f *Flags) Request(source string) (variation.Request, error) {
	cat, err := prompt.ParseCategory(f.Category)
	if err != nil {
		return variation.Request{}, err
	}
	req := variation.Request{
		SourcePath:              source,
		Count:                   f.Count,
		Category:                cat,
		Styles:                  f.Styles,
		QualityThreshold:        f.Threshold,
		MaxAttemptsPerVariation: f.Attempts,
		OutputDir:               f.OutputDir,
	}
	if f.seedSet {
		seed := f.Seed
		req.Seed = &seed
	}
	return req, nil
}

// Prompter returns the fixed-prompt prompter when --prompt is set, otherwise
// nil so the orchestrator uses synthesized prompts.
func (f *Flags) Prompter() variation.Prompter {
	if f.Prompt == "" {
		return nil
	}
	return prompt.Fixed{Text: f.Prompt}
}

// Keys returns the API key options.
func (f *Flags) Keys() KeyOptions {
	return KeyOptions{Flag: f.APIKey, KeyFile: f.APIKeyFile, Validate: !f.SkipValidation}
}

// LogStartup emits the run configuration summary. Secrets are not logged.
func (e *Env) LogStartup(name, version string, start time.Time, features config.Features, extra map[string]string) {
	cfg := e.Config
	sl := logging.NewStartupLogger(name).
		Version(version).
		InitDuration(time.Since(start)).
		Config("model", cfg.Model).
		Config("concurrency", fmt.Sprintf("%d", cfg.Concurrency)).
		Config("hashStrategy", cfg.HashStrategy).
		Config("similarityStrategy", cfg.SimilarityStrategy).
		Feature("cache", features.Cache).
		Feature("duplicateGuard", features.DuplicateGuard).
		Feature("qualityGate", features.QualityGate).
		Feature("adaptive", features.Adaptive).
		Feature("downsize", features.Downsize).
		Feature("metrics", e.EMF != nil).
		S3Bucket("publish", cfg.S3Bucket).
		DynamoTable("runs", cfg.RunsTable).
		SSMParam("apiKey", cfg.APIKeySSMParam)
	if features.Cache {
		sl.Directory("cache", cfg.CacheDir)
	}
	for k, v := range extra {
		sl.Config(k, v)
	}
	sl.Log()
}
