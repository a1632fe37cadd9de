package prompt

import (
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func seedPtr(v int64) *int64 { return &v }

func TestSynthesize_DeterministicForSeed(t *testing.T) {
	s := Default()
	rapid.Check(t, func(rt *rapid.T) {
		cat := rapid.SampledFrom(AllCategories()).Draw(rt, "category")
		seed := rapid.Int64().Draw(rt, "seed")

		a := s.Synthesize(cat, seedPtr(seed))
		b := s.Synthesize(cat, seedPtr(seed))
		if a != b {
			rt.Fatalf("same inputs produced different prompts:\n%q\n%q", a, b)
		}
		if a == "" {
			rt.Fatalf("empty prompt for %s/%d", cat, seed)
		}
	})
}

func TestCompose_RandomResolvesToConcrete(t *testing.T) {
	s := Default()
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.Int64().Draw(rt, "seed")
		p := s.Compose(CategoryRandom, seedPtr(seed), nil)
		if !p.Category.IsConcrete() {
			rt.Fatalf("random resolved to %q", p.Category)
		}
		again := s.Compose(CategoryRandom, seedPtr(seed), nil)
		if again.Category != p.Category {
			rt.Fatalf("random resolution not reproducible: %q vs %q", p.Category, again.Category)
		}
	})
}

func TestCompose_EmbeddedTemplatesFillEverySlot(t *testing.T) {
	s := Default()
	for _, cat := range ConcreteCategories() {
		for seed := int64(0); seed < 50; seed++ {
			p := s.Compose(cat, seedPtr(seed), nil)
			if p.Text == s.Fallback() {
				t.Fatalf("%s seed %d fell back to generic prompt", cat, seed)
			}
			if strings.ContainsAny(p.Text, "{}") {
				t.Fatalf("%s seed %d left a placeholder: %q", cat, seed, p.Text)
			}
		}
	}
}

func TestCompose_StyleFilter(t *testing.T) {
	s := NewSynthesizerFromVocabulary(Vocabulary{
		Templates: map[Category][]string{
			CategoryStyleChange: {"Paint it as {art_style}."},
		},
		Slots: map[string][]string{
			"art_style": {"watercolor", "anime"},
		},
	})
	for seed := int64(0); seed < 20; seed++ {
		p := s.Compose(CategoryStyleChange, seedPtr(seed), []string{"charcoal"})
		if p.Text != "Paint it as charcoal." {
			t.Fatalf("seed %d: got %q", seed, p.Text)
		}
	}
}

func TestCompose_FallbackOnTemplatingFailure(t *testing.T) {
	tests := []struct {
		name  string
		vocab Vocabulary
	}{
		{
			name: "unknown slot",
			vocab: Vocabulary{
				Templates: map[Category][]string{CategoryObjectAdd: {"Add a {unicorn}."}},
			},
		},
		{
			name: "empty vocabulary",
			vocab: Vocabulary{
				Templates: map[Category][]string{CategoryObjectAdd: {"Add a {object}."}},
				Slots:     map[string][]string{"object": {}},
			},
		},
		{
			name:  "no templates",
			vocab: Vocabulary{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSynthesizerFromVocabulary(tt.vocab)
			p := s.Compose(CategoryObjectAdd, seedPtr(7), nil)
			if p.Text != DefaultFallback {
				t.Errorf("got %q, want fallback", p.Text)
			}
			if p.Category != CategoryObjectAdd {
				t.Errorf("category = %q", p.Category)
			}
		})
	}
}

func TestNewSynthesizer_BadYAML(t *testing.T) {
	if _, err := NewSynthesizer([]byte("templates: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{"", CategoryRandom, false},
		{"random", CategoryRandom, false},
		{"Style_Change", CategoryStyleChange, false},
		{"object-add", CategoryObjectAdd, false},
		{" composition ", CategoryComposition, false},
		{"sepia", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCategory(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownCategory) {
				t.Errorf("ParseCategory(%q) err = %v, want ErrUnknownCategory", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestConcreteCategories_ExcludesRandom(t *testing.T) {
	cats := ConcreteCategories()
	if len(cats) != 5 {
		t.Fatalf("got %d concrete categories", len(cats))
	}
	for _, c := range cats {
		if c == CategoryRandom {
			t.Fatal("random listed as concrete")
		}
		if c.Description() == "unknown category" {
			t.Errorf("%s has no description", c)
		}
	}
}

func TestFixed_Compose(t *testing.T) {
	f := Fixed{Text: "Turn the sky purple"}

	p := f.Compose(CategoryStyleChange, nil, []string{"watercolor"})
	if p.Text != "Turn the sky purple" || p.Category != CategoryStyleChange {
		t.Errorf("Compose(style_change) = %+v", p)
	}

	a := f.Compose(CategoryRandom, seedPtr(7), nil)
	b := f.Compose(CategoryRandom, seedPtr(7), nil)
	if !a.Category.IsConcrete() {
		t.Errorf("random category not resolved: %q", a.Category)
	}
	if a != b {
		t.Errorf("same seed resolved differently: %+v vs %+v", a, b)
	}
}
