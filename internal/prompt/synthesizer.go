// Package prompt builds natural-language editing instructions for image variations.
//
// Instructions come from per-category sentence templates whose {slot}
// placeholders are filled from fixed vocabularies. Every sample is drawn from a
// random source owned by the call, so the same category and seed always yield
// the same text.
package prompt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fpang/gemini-variations/internal/assets"
)

// DefaultFallback is used when the vocabulary does not define its own fallback.
const DefaultFallback = "Create a creative variation of this image."

// StyleSlot is the slot restricted by a style filter.
const StyleSlot = "art_style"

var slotPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Vocabulary is the YAML document behind a Synthesizer.
type Vocabulary struct {
	Fallback  string                `yaml:"fallback"`
	Templates map[Category][]string `yaml:"templates"`
	Slots     map[string][]string   `yaml:"slots"`
}

// Prompt is a synthesized instruction together with the concrete category it
// was generated for. Category is never random.
type Prompt struct {
	Text     string
	Category Category
}

// Synthesizer produces variation prompts from a Vocabulary. It is immutable
// after construction and safe for concurrent use.
type Synthesizer struct {
	vocab Vocabulary
}

// NewSynthesizer parses a YAML vocabulary.
func NewSynthesizer(data []byte) (*Synthesizer, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse prompt vocabulary: %w", err)
	}
	if v.Fallback == "" {
		v.Fallback = DefaultFallback
	}
	return &Synthesizer{vocab: v}, nil
}

// NewSynthesizerFromVocabulary wraps an already-built vocabulary.
func NewSynthesizerFromVocabulary(v Vocabulary) *Synthesizer {
	if v.Fallback == "" {
		v.Fallback = DefaultFallback
	}
	return &Synthesizer{vocab: v}
}

var (
	defaultSynth     *Synthesizer
	defaultSynthOnce sync.Once
)

// Default returns the synthesizer for the embedded vocabulary. If the embedded
// document cannot be parsed, every prompt degrades to the fallback sentence.
func Default() *Synthesizer {
	defaultSynthOnce.Do(func() {
		s, err := NewSynthesizer(assets.VariationVocabulary)
		if err != nil {
			log.Warn().Err(err).Msg("Embedded prompt vocabulary unusable, using fallback prompts only")
			s = NewSynthesizerFromVocabulary(Vocabulary{})
		}
		defaultSynth = s
	})
	return defaultSynth
}

// Fallback returns the generic instruction used when templating fails.
func (s *Synthesizer) Fallback() string {
	return s.vocab.Fallback
}

// Synthesize returns the instruction text for category, reproducible from seed.
// A nil seed draws from an unseeded source.
func (s *Synthesizer) Synthesize(category Category, seed *int64) string {
	return s.Compose(category, seed, nil).Text
}

// Compose resolves random to a concrete category and fills a template for it.
// A non-empty styles list replaces the art_style vocabulary. On any templating
// failure the fallback sentence is returned; Text is never empty.
func (s *Synthesizer) Compose(category Category, seed *int64, styles []string) Prompt {
	rng := newRand(seed)

	resolved := category
	if category == CategoryRandom {
		resolved = concreteCategories[rng.IntN(len(concreteCategories))]
	}

	text, err := s.fill(rng, resolved, styles)
	if err != nil {
		log.Warn().Err(err).Str("category", string(resolved)).Msg("Prompt templating failed, using fallback")
		return Prompt{Text: s.vocab.Fallback, Category: resolved}
	}
	return Prompt{Text: text, Category: resolved}
}

func (s *Synthesizer) fill(rng *rand.Rand, category Category, styles []string) (string, error) {
	templates := s.vocab.Templates[category]
	if len(templates) == 0 {
		return "", fmt.Errorf("no templates for category %q", category)
	}
	tmpl := templates[rng.IntN(len(templates))]

	var fillErr error
	text := slotPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		if fillErr != nil {
			return m
		}
		slot := m[1 : len(m)-1]
		values := s.vocab.Slots[slot]
		if slot == StyleSlot && len(styles) > 0 {
			values = styles
		}
		if len(values) == 0 {
			fillErr = fmt.Errorf("empty or unknown slot %q", slot)
			return m
		}
		return values[rng.IntN(len(values))]
	})
	if fillErr != nil {
		return "", fillErr
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("template rendered empty text")
	}
	return text, nil
}

// newRand returns an owned random source. The stream for a given seed is fixed
// by the PCG algorithm, so prompts stay reproducible across releases.
func newRand(seed *int64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := uint64(*seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}
