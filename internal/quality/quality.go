// Package quality scores generated variations against their source image and
// their accepted siblings.
//
// Every analysis degrades to a neutral 0.5 on failure instead of returning an
// error. Metrics built from a failed analysis are marked Degraded, and
// acceptance of degraded or malformed metrics is permissive so scoring never
// blocks progress. Both paths log at WARN so a degraded run can be diagnosed
// afterwards.
package quality

import (
	"image"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/imaging"
)

// NeutralScore is returned by any analysis that fails.
const NeutralScore = 0.5

// analysisMaxDim caps the size used for aesthetic and integrity analysis.
const analysisMaxDim = 512

// Metrics holds the sub-scores of one candidate. All values are in [0,1].
type Metrics struct {
	Similarity      float64 `json:"similarity"`
	Diversity       float64 `json:"diversity"`
	Aesthetic       float64 `json:"aesthetic"`
	ObjectIntegrity float64 `json:"object_integrity"`
	Overall         float64 `json:"overall"`

	// Degraded is set when at least one sub-score is the neutral fallback of
	// a failed analysis.
	Degraded bool `json:"degraded,omitempty"`
}

// NeutralMetrics returns mid-range metrics used when analysis fails.
func NeutralMetrics() Metrics {
	return Metrics{
		Degraded:        true,
		Similarity:      NeutralScore,
		Diversity:       NeutralScore,
		Aesthetic:       NeutralScore,
		ObjectIntegrity: NeutralScore,
		Overall:         NeutralScore,
	}
}

func (m Metrics) valid() bool {
	for _, v := range []float64{m.Similarity, m.Diversity, m.Aesthetic, m.ObjectIntegrity, m.Overall} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Thresholds are the acceptance gates applied by Scorer.Acceptable.
type Thresholds struct {
	SimilarityMin float64
	SimilarityMax float64
	DiversityMin  float64
	AestheticMin  float64
	IntegrityMin  float64
	OverallMin    float64
}

// DefaultThresholds returns the standard acceptance gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SimilarityMin: 0.3,
		SimilarityMax: 0.9,
		DiversityMin:  0.2,
		AestheticMin:  0.6,
		IntegrityMin:  0.7,
		OverallMin:    0.6,
	}
}

// Overall weights.
const (
	weightSimilarity = 0.2
	weightDiversity  = 0.3
	weightAesthetic  = 0.3
	weightIntegrity  = 0.2
)

// Scorer computes Metrics and acceptance decisions. It holds no per-run state
// and is safe for concurrent use.
type Scorer struct {
	strategy   SimilarityStrategy
	fallback   SimilarityStrategy
	thresholds Thresholds
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithThresholds replaces the default acceptance gates.
func WithThresholds(t Thresholds) Option {
	return func(s *Scorer) { s.thresholds = t }
}

// NewScorer returns a Scorer using strategy for similarity. When the strategy
// fails on a pair, histogram similarity is tried before falling back to the
// neutral score. A nil strategy selects SSIM.
func NewScorer(strategy SimilarityStrategy, opts ...Option) *Scorer {
	if strategy == nil {
		strategy = SSIMSimilarity{}
	}
	s := &Scorer{
		strategy:   strategy,
		thresholds: DefaultThresholds(),
	}
	if strategy.Name() != StrategyHistogram {
		s.fallback = HistogramSimilarity{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Thresholds returns the acceptance gates in use.
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// Score computes all metrics for candidate against the source image and the
// already accepted siblings.
func (s *Scorer) Score(original, candidate image.Image, siblings []image.Image) Metrics {
	if isEmpty(original) || isEmpty(candidate) {
		log.Warn().Msg("Quality scoring skipped for empty image, using neutral metrics")
		return NeutralMetrics()
	}
	sim, simOK := s.similarity(original, candidate)
	div, divOK := s.diversity(candidate, siblings)
	aes, aesOK := s.aesthetic(candidate)
	integ, integOK := s.objectIntegrity(candidate)
	m := Metrics{
		Similarity:      sim,
		Diversity:       div,
		Aesthetic:       aes,
		ObjectIntegrity: integ,
		Degraded:        !(simOK && divOK && aesOK && integOK),
	}
	m.Overall = Overall(m)
	return m
}

// Similarity returns how alike a and b are in [0,1].
func (s *Scorer) Similarity(a, b image.Image) float64 {
	v, _ := s.similarity(a, b)
	return v
}

func (s *Scorer) similarity(a, b image.Image) (float64, bool) {
	v, err := s.strategy.Similarity(a, b)
	if err == nil {
		return v, true
	}
	if s.fallback != nil {
		log.Debug().Err(err).Str("strategy", s.strategy.Name()).Msg("Similarity strategy failed, trying histogram")
		if v, ferr := s.fallback.Similarity(a, b); ferr == nil {
			return v, true
		}
	}
	log.Warn().Err(err).Msg("Similarity analysis failed, using neutral score")
	return NeutralScore, false
}

// Diversity is one minus the mean similarity to siblings. With no siblings the
// candidate is maximally diverse.
func (s *Scorer) Diversity(candidate image.Image, siblings []image.Image) float64 {
	v, _ := s.diversity(candidate, siblings)
	return v
}

func (s *Scorer) diversity(candidate image.Image, siblings []image.Image) (float64, bool) {
	if len(siblings) == 0 {
		return 1.0, true
	}
	var total float64
	ok := true
	for _, sib := range siblings {
		v, simOK := s.similarity(candidate, sib)
		ok = ok && simOK
		total += 1.0 - v
	}
	return clamp01(total / float64(len(siblings))), ok
}

// Aesthetic averages colour spread, contrast, exposure balance and sharpness.
func (s *Scorer) Aesthetic(img image.Image) float64 {
	v, _ := s.aesthetic(img)
	return v
}

func (s *Scorer) aesthetic(img image.Image) (float64, bool) {
	if isEmpty(img) {
		log.Warn().Msg("Aesthetic analysis failed on empty image, using neutral score")
		return NeutralScore, false
	}
	small, _ := imaging.FitWithin(img, analysisMaxDim)
	gray := imaging.Luminance(small)

	mean, std := meanStd(gray.Pix)
	contrast := math.Min(std/255*2, 1)
	brightness := mean / 255
	balance := math.Max(0, 1-math.Abs(brightness-0.5)*2)

	score := 0.25*colorSpread(small) + 0.25*contrast + 0.25*balance + 0.25*sharpness(gray)
	return clamp01(score), true
}

// ObjectIntegrity estimates how many distinct, sizeable structures the image
// contains from connected edge regions. The score never drops below 0.1.
func (s *Scorer) ObjectIntegrity(img image.Image) float64 {
	v, _ := s.objectIntegrity(img)
	return v
}

func (s *Scorer) objectIntegrity(img image.Image) (float64, bool) {
	if isEmpty(img) {
		log.Warn().Msg("Integrity analysis failed on empty image, using neutral score")
		return NeutralScore, false
	}
	small, _ := imaging.FitWithin(img, analysisMaxDim)
	gray := imaging.Luminance(small)
	regions := largeEdgeRegions(gray)
	return math.Max(0.1, math.Min(float64(regions)/10, 1)), true
}

// Overall combines sub-scores. Similarity contributes most in the middle of
// the [0.3,0.9] band and almost nothing outside it.
func Overall(m Metrics) float64 {
	var simWeighted float64
	if m.Similarity >= 0.3 && m.Similarity <= 0.9 {
		simWeighted = 1.0 - math.Abs(m.Similarity-0.6)/0.3
	} else {
		simWeighted = 0.1
	}
	overall := weightSimilarity*simWeighted +
		weightDiversity*m.Diversity +
		weightAesthetic*m.Aesthetic +
		weightIntegrity*m.ObjectIntegrity
	return clamp01(overall)
}

// Acceptable applies every gate with the configured overall minimum.
func (s *Scorer) Acceptable(m Metrics) bool {
	return s.AcceptableAt(m, s.thresholds.OverallMin)
}

// AcceptableAt applies every gate, using overallMin for the overall score.
// Degraded or malformed metrics are accepted.
func (s *Scorer) AcceptableAt(m Metrics, overallMin float64) bool {
	if m.Degraded {
		log.Warn().Interface("metrics", m).Msg("Quality analysis degraded, accepting candidate")
		return true
	}
	if !m.valid() {
		log.Warn().Interface("metrics", m).Msg("Malformed quality metrics, accepting candidate")
		return true
	}
	t := s.thresholds
	return m.Similarity >= t.SimilarityMin &&
		m.Similarity <= t.SimilarityMax &&
		m.Diversity >= t.DiversityMin &&
		m.Aesthetic >= t.AestheticMin &&
		m.ObjectIntegrity >= t.IntegrityMin &&
		m.Overall >= overallMin
}

func isEmpty(img image.Image) bool {
	return img == nil || img.Bounds().Empty()
}
