package variation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/fpang/gemini-variations/internal/cache"
	"github.com/fpang/gemini-variations/internal/prompt"
	"github.com/fpang/gemini-variations/internal/quality"
)

// Category is the kind of edit requested for a variation.
type Category = prompt.Category

// ErrInvalidRequest is returned, wrapped, for requests rejected before any
// generation attempt.
var ErrInvalidRequest = errors.New("invalid variation request")

// Request describes one variation run. It is not modified by the orchestrator.
type Request struct {
	SourcePath string
	Count      int
	Category   Category
	Seed       *int64
	Styles     []string

	// QualityThreshold is the minimum overall score. Zero uses the adaptive
	// level's threshold.
	QualityThreshold float64
	// MaxAttemptsPerVariation bounds attempts at Count times this value. Zero
	// uses the adaptive level's value.
	MaxAttemptsPerVariation int

	// OutputDir receives accepted variations. Empty means the source's directory.
	OutputDir string

	// Metadata describes the source image. It is stored with cached results
	// and does not take part in the cache key.
	Metadata map[string]string
}

// Validate checks the request shape. It does not touch the filesystem.
func (r Request) Validate() error {
	if r.SourcePath == "" {
		return fmt.Errorf("%w: source path is required", ErrInvalidRequest)
	}
	if r.Count < 1 {
		return fmt.Errorf("%w: count must be at least 1, got %d", ErrInvalidRequest, r.Count)
	}
	if r.Category != prompt.CategoryRandom && !r.Category.IsConcrete() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, prompt.ErrUnknownCategory, r.Category)
	}
	if r.QualityThreshold < 0 || r.QualityThreshold > 1 {
		return fmt.Errorf("%w: quality threshold must be in [0,1], got %g", ErrInvalidRequest, r.QualityThreshold)
	}
	if r.MaxAttemptsPerVariation < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Result records the outcome of one attempt, or one cached output.
type Result struct {
	VariationID int              `json:"variation_id"`
	Success     bool             `json:"success"`
	Output      string           `json:"output,omitempty"`
	Metrics     *quality.Metrics `json:"metrics,omitempty"`
	Error       string           `json:"error,omitempty"`
	Category    Category         `json:"category"`
	Prompt      string           `json:"prompt,omitempty"`
	FromCache   bool             `json:"from_cache,omitempty"`
}

// RunResult aggregates a run. Successful may be lower than Requested when the
// attempt budget ran out or the run was stopped; that is a normal outcome.
type RunResult struct {
	RunID      string        `json:"run_id"`
	Source     string        `json:"source"`
	Requested  int           `json:"requested"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Attempts   int           `json:"attempts"`
	FromCache  bool          `json:"from_cache"`
	Stopped    bool          `json:"stopped,omitempty"`
	Level      string        `json:"level"`
	Duration   time.Duration `json:"duration"`
	Results    []Result      `json:"results"`
}

// Outputs returns the locations of every accepted variation, in order.
func (r *RunResult) Outputs() []string {
	var out []string
	for _, res := range r.Results {
		if res.Success && res.Output != "" {
			out = append(out, res.Output)
		}
	}
	return out
}

// SuccessRate is Successful over Successful+Failed, or 0 with no attempts.
func (r *RunResult) SuccessRate() float64 {
	total := r.Successful + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Successful) / float64(total)
}

// Generator produces an edited image from a source image and instruction.
type Generator interface {
	Generate(ctx context.Context, image []byte, mimeType, prompt string) ([]byte, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, image []byte, mimeType, prompt string) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, image []byte, mimeType, prompt string) ([]byte, error) {
	return f(ctx, image, mimeType, prompt)
}

// Scorer rates candidates. *quality.Scorer implements it.
type Scorer interface {
	Score(original, candidate image.Image, siblings []image.Image) quality.Metrics
	AcceptableAt(m quality.Metrics, overallMin float64) bool
}

// Guard rejects near-duplicates within a run. *dedup.Guard implements it.
type Guard interface {
	IsDuplicate(candidate image.Image) bool
	TryAdd(candidate image.Image) bool
	Clear()
}

// Cache stores run outputs across runs. *cache.ResultCache implements it.
type Cache interface {
	Get(key string) ([]string, bool)
	Put(key string, locations []string, meta cache.Metadata) ([]string, error)
	Stats() cache.Stats
}

// Prompter builds instructions. *prompt.Synthesizer implements it.
type Prompter interface {
	Compose(category prompt.Category, seed *int64, styles []string) prompt.Prompt
}

// StopFunc is polled before each attempt; returning true ends the run.
type StopFunc func() bool
