package variation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/gemini-variations/internal/adaptive"
	"github.com/fpang/gemini-variations/internal/cache"
	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/dedup"
	"github.com/fpang/gemini-variations/internal/fingerprint"
	"github.com/fpang/gemini-variations/internal/prompt"
	"github.com/fpang/gemini-variations/internal/quality"
	"github.com/fpang/gemini-variations/internal/retry"
	"github.com/fpang/gemini-variations/internal/storage"
)

func patternPNG(t *testing.T, w, h, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*seed + y), G: uint8(y * seed), B: uint8(seed * 31), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeSource(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(p, patternPNG(t, 32, 24, 1), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// stubGenerator returns a distinct image per call unless err is set.
type stubGenerator struct {
	t     *testing.T
	mu    sync.Mutex
	calls int
	err   error
	same  bool

	lastPayload []byte
	prompts     []string
}

func (g *stubGenerator) Generate(_ context.Context, img []byte, _ string, p string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastPayload = img
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return nil, g.err
	}
	seed := g.calls + 1
	if g.same {
		seed = 7
	}
	return patternPNG(g.t, 16, 16, seed), nil
}

type stubScorer struct{ accept bool }

func (s stubScorer) Score(image.Image, image.Image, []image.Image) quality.Metrics {
	return quality.NeutralMetrics()
}

func (s stubScorer) AcceptableAt(quality.Metrics, float64) bool { return s.accept }

type stubGuard struct {
	reject  bool
	added   int
	cleared int
}

func (g *stubGuard) IsDuplicate(image.Image) bool { return g.reject }

func (g *stubGuard) TryAdd(image.Image) bool {
	if g.reject {
		return false
	}
	g.added++
	return true
}

func (g *stubGuard) Clear() { g.cleared++ }

type recordingPrompter struct {
	seeds []*int64
}

func (p *recordingPrompter) Compose(c prompt.Category, seed *int64, styles []string) prompt.Prompt {
	p.seeds = append(p.seeds, seed)
	return prompt.Default().Compose(c, seed, styles)
}

func noSleepRetry(attempts int) *retry.Coordinator {
	c := retry.New(attempts, time.Millisecond)
	c.Sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func gated() config.Features {
	return config.Features{QualityGate: true, DuplicateGuard: true}
}

func newOrchestrator(t *testing.T, gen Generator, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Retry == nil {
		cfg.Retry = noSleepRetry(1)
	}
	o, err := New(gen, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestGenerate_AllSucceed(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir)
	gen := &stubGenerator{t: t}
	guard := &stubGuard{}
	o := newOrchestrator(t, gen, Config{Features: gated(), Scorer: stubScorer{accept: true}, Guard: guard})

	res, err := o.Generate(context.Background(), Request{
		SourcePath: src, Count: 3, Category: prompt.CategoryStyleChange, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 3 || res.Failed != 0 || res.Attempts != 3 {
		t.Fatalf("successful=%d failed=%d attempts=%d", res.Successful, res.Failed, res.Attempts)
	}
	outs := res.Outputs()
	seen := map[string]bool{}
	for i, out := range outs {
		if seen[out] {
			t.Errorf("duplicate output location %s", out)
		}
		seen[out] = true
		if _, err := os.Stat(out); err != nil {
			t.Errorf("output %s missing: %v", out, err)
		}
		want := filepath.Join(dir, "photo_variation_0"+string(rune('1'+i))+"_style_change.png")
		if out != want {
			t.Errorf("output %d = %s, want %s", i, out, want)
		}
	}
	if len(seen) != 3 {
		t.Errorf("got %d distinct outputs", len(seen))
	}
	if guard.added != 3 || guard.cleared < 1 {
		t.Errorf("guard added=%d cleared=%d", guard.added, guard.cleared)
	}
	assertNoPending(t, dir)
}

func TestGenerate_RetryableFailuresExhaustBudget(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGenerator{t: t, err: errors.New("503 service unavailable")}
	o := newOrchestrator(t, gen, Config{Retry: noSleepRetry(2)})

	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, dir), Count: 3, Category: prompt.CategoryRandom, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 0 || res.Attempts != 6 || res.Failed != 6 {
		t.Fatalf("successful=%d attempts=%d failed=%d", res.Successful, res.Attempts, res.Failed)
	}
	if gen.calls != 12 {
		t.Errorf("generator calls = %d, want 6 attempts x 2 retries", gen.calls)
	}
	for _, r := range res.Results {
		if r.Success || !strings.Contains(r.Error, "503") {
			t.Errorf("result = %+v", r)
		}
	}
}

func TestGenerate_TerminalErrorsAreNotRetriedButLoopContinues(t *testing.T) {
	gen := &stubGenerator{t: t, err: errors.New("API key not valid")}
	o := newOrchestrator(t, gen, Config{Retry: noSleepRetry(3)})

	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 2, Category: prompt.CategoryObjectAdd, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 4 || gen.calls != 4 {
		t.Errorf("attempts=%d calls=%d", res.Attempts, gen.calls)
	}
}

func TestGenerate_GuardRejectsEverything(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{
		Features: gated(),
		Scorer:   stubScorer{accept: true},
		Guard:    &stubGuard{reject: true},
	})

	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, dir), Count: 3, Category: prompt.CategoryComposition, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 0 || res.Failed != 6 {
		t.Fatalf("successful=%d failed=%d", res.Successful, res.Failed)
	}
	assertNoPending(t, dir)
	files, _ := filepath.Glob(filepath.Join(dir, "*_variation_*"))
	if len(files) != 0 {
		t.Errorf("rejected artifacts left behind: %v", files)
	}
}

func TestGenerate_QualityRejectionRecordsMetrics(t *testing.T) {
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{
		Features: config.Features{QualityGate: true},
		Scorer:   stubScorer{accept: false},
	})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 1, Category: prompt.CategoryObjectRemove, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 2 {
		t.Fatalf("failed = %d", res.Failed)
	}
	for _, r := range res.Results {
		if r.Metrics == nil || !strings.Contains(r.Error, "quality below threshold") {
			t.Errorf("result = %+v", r)
		}
	}
}

type failingSimilarity struct{}

func (failingSimilarity) Name() string { return quality.StrategyHistogram }

func (failingSimilarity) Similarity(image.Image, image.Image) (float64, error) {
	return 0, errors.New("similarity backend unavailable")
}

func TestGenerate_ScoringFailureDoesNotBlockAcceptance(t *testing.T) {
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{
		Features: config.Features{QualityGate: true},
		Scorer:   quality.NewScorer(failingSimilarity{}),
	})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 2, Category: prompt.CategoryComposition,
		QualityThreshold: 0.8, MaxAttemptsPerVariation: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 2 || res.Failed != 0 {
		t.Fatalf("successful=%d failed=%d", res.Successful, res.Failed)
	}
	for _, r := range res.Results {
		if r.Metrics == nil || !r.Metrics.Degraded {
			t.Errorf("result metrics = %+v", r.Metrics)
		}
	}
}

func TestGenerate_RealGuardRejectsRepeatedOutput(t *testing.T) {
	gen := &stubGenerator{t: t, same: true}
	guard := dedup.New(fingerprint.GridHasher{}, quality.NewScorer(nil), dedup.DefaultThreshold)
	o := newOrchestrator(t, gen, Config{
		Features: config.Features{DuplicateGuard: true},
		Guard:    guard,
	})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 2, Category: prompt.CategoryObjectAdd, MaxAttemptsPerVariation: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 1 || res.Failed != 3 {
		t.Errorf("successful=%d failed=%d", res.Successful, res.Failed)
	}
	if guard.Len() != 0 {
		t.Error("guard not cleared at end of run")
	}
}

func TestGenerate_CacheHitSkipsGeneration(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir)
	rc, err := cache.New(filepath.Join(dir, "cache"), 0)
	if err != nil {
		t.Fatal(err)
	}
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{Features: config.Features{Cache: true}, Cache: rc, Model: "m"})
	seed := int64(5)
	req := Request{SourcePath: src, Count: 2, Category: prompt.CategoryStyleChange, Seed: &seed, MaxAttemptsPerVariation: 1}

	first, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache || first.Successful != 2 {
		t.Fatalf("first run = %+v", first)
	}
	calls := gen.calls

	second, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache || second.Successful != 2 {
		t.Fatalf("second run = %+v", second)
	}
	if gen.calls != calls {
		t.Error("cache hit still called the generator")
	}
	for _, r := range second.Results {
		if !r.FromCache || !strings.HasPrefix(r.Output, rc.Dir()) {
			t.Errorf("result = %+v", r)
		}
	}

	other := req
	other.Count = 1
	third, err := o.Generate(context.Background(), other)
	if err != nil {
		t.Fatal(err)
	}
	if third.FromCache {
		t.Error("different parameters should miss the cache")
	}
	if cs, ok := o.CacheStats(); !ok || cs.Hits != 1 {
		t.Errorf("cache stats = %+v, %v", cs, ok)
	}
}

func TestGenerate_CacheStoresSourceMetadata(t *testing.T) {
	dir := t.TempDir()
	rc, err := cache.New(filepath.Join(dir, "cache"), 0)
	if err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, &stubGenerator{t: t}, Config{Features: config.Features{Cache: true}, Cache: rc, Model: "m"})
	req := Request{
		SourcePath: writeSource(t, dir), Count: 1, Category: prompt.CategoryObjectAdd, MaxAttemptsPerVariation: 1,
		Metadata: map[string]string{"camera": "Apple iPhone 15"},
	}
	if _, err := o.Generate(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	key, err := cache.Key(req.SourcePath, "", o.cacheParams(req, &run{overallMin: adaptive.SettingsFor(adaptive.High).QualityThreshold, maxAttempts: 1}))
	if err != nil {
		t.Fatal(err)
	}
	e, ok := rc.Entry(key)
	if !ok {
		t.Fatal("entry not cached")
	}
	if e.SourceMeta["camera"] != "Apple iPhone 15" {
		t.Errorf("source metadata = %v", e.SourceMeta)
	}
	if _, inKey := e.Params["camera"]; inKey {
		t.Error("source metadata leaked into key parameters")
	}
}

type failingCache struct{ puts int }

func (c *failingCache) Get(string) ([]string, bool) { return nil, false }

func (c *failingCache) Put(string, []string, cache.Metadata) ([]string, error) {
	c.puts++
	return nil, errors.New("disk full")
}

func (c *failingCache) Stats() cache.Stats { return cache.Stats{} }

func TestGenerate_CachePutFailureReturnsResultAndError(t *testing.T) {
	fc := &failingCache{}
	o := newOrchestrator(t, &stubGenerator{t: t}, Config{Features: config.Features{Cache: true}, Cache: fc})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 2, Category: prompt.CategoryStyleChange, MaxAttemptsPerVariation: 1,
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.Successful != 2 || len(res.Outputs()) != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, out := range res.Outputs() {
		if _, statErr := os.Stat(out); statErr != nil {
			t.Errorf("output %s missing: %v", out, statErr)
		}
	}
	if fc.puts != 1 {
		t.Errorf("puts = %d", fc.puts)
	}
}

// brokenStorage fails writes or moves and records deletes.
type brokenStorage struct {
	storage.Local
	failWrite bool
	failMove  bool
	deleted   []string
}

func (s *brokenStorage) WriteFile(path string, data []byte) error {
	if s.failWrite {
		return errors.New("read-only filesystem")
	}
	return s.Local.WriteFile(path, data)
}

func (s *brokenStorage) Move(src, dst string) error {
	if s.failMove {
		return errors.New("cross-device link")
	}
	return s.Local.Move(src, dst)
}

func (s *brokenStorage) Delete(path string) error {
	s.deleted = append(s.deleted, path)
	return s.Local.Delete(path)
}

func TestGenerate_StorageFailuresReturnResultAndError(t *testing.T) {
	tests := []struct {
		name    string
		store   *brokenStorage
		wantErr string
	}{
		{"write fails", &brokenStorage{failWrite: true}, "failed to write candidate"},
		{"move fails", &brokenStorage{failMove: true}, "failed to store variation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			gen := &stubGenerator{t: t}
			o := newOrchestrator(t, gen, Config{Storage: tt.store})
			res, err := o.Generate(context.Background(), Request{
				SourcePath: writeSource(t, dir), Count: 3, Category: prompt.CategoryObjectRemove, MaxAttemptsPerVariation: 2,
			})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v", err)
			}
			if res == nil {
				t.Fatal("partial result not returned")
			}
			if res.Successful != 0 || res.Failed != 1 || res.Attempts != 1 {
				t.Errorf("successful=%d failed=%d attempts=%d", res.Successful, res.Failed, res.Attempts)
			}
			if gen.calls != 1 {
				t.Errorf("generator calls = %d, run should stop after the resource error", gen.calls)
			}
			if tt.store.failMove && len(tt.store.deleted) != 1 {
				t.Errorf("deleted = %v", tt.store.deleted)
			}
			assertNoPending(t, dir)
		})
	}
}

func TestGenerate_InvalidRequests(t *testing.T) {
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{})
	src := writeSource(t, t.TempDir())

	tests := []struct {
		name string
		req  Request
	}{
		{"zero count", Request{SourcePath: src, Count: 0, Category: prompt.CategoryRandom}},
		{"unknown category", Request{SourcePath: src, Count: 1, Category: "sepia"}},
		{"threshold out of range", Request{SourcePath: src, Count: 1, Category: prompt.CategoryRandom, QualityThreshold: 1.5}},
		{"missing source", Request{SourcePath: filepath.Join(t.TempDir(), "nope.png"), Count: 1, Category: prompt.CategoryRandom}},
		{"empty source path", Request{Count: 1, Category: prompt.CategoryRandom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Generate(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times for invalid requests", gen.calls)
	}
}

func TestGenerate_UndecodableSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.png")
	os.WriteFile(src, []byte("not a png"), 0o644)
	o := newOrchestrator(t, &stubGenerator{t: t}, Config{})
	if _, err := o.Generate(context.Background(), Request{SourcePath: src, Count: 1, Category: prompt.CategoryRandom}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestGenerate_StopFunc(t *testing.T) {
	gen := &stubGenerator{t: t, err: errors.New("timeout")}
	o := newOrchestrator(t, gen, Config{Stop: func() bool { return gen.calls >= 1 }})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 5, Category: prompt.CategoryRandom, MaxAttemptsPerVariation: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Attempts != 1 {
		t.Errorf("stopped=%v attempts=%d", res.Stopped, res.Attempts)
	}
}

func TestGenerate_CancelledContextStopsBeforeFirstAttempt(t *testing.T) {
	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Generate(ctx, Request{SourcePath: writeSource(t, t.TempDir()), Count: 2, Category: prompt.CategoryRandom})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || gen.calls != 0 {
		t.Errorf("stopped=%v calls=%d", res.Stopped, gen.calls)
	}
}

func TestGenerate_SeedAdvancesPerAttempt(t *testing.T) {
	p := &recordingPrompter{}
	gen := &stubGenerator{t: t, err: errors.New("flaky")}
	o := newOrchestrator(t, gen, Config{Prompter: p})
	seed := int64(10)
	if _, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 3, Category: prompt.CategoryRandom, Seed: &seed, MaxAttemptsPerVariation: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if len(p.seeds) != 3 {
		t.Fatalf("prompts = %d", len(p.seeds))
	}
	for i, s := range p.seeds {
		if s == nil || *s != int64(10+i) {
			t.Errorf("seed %d = %v", i, s)
		}
	}
}

func TestGenerate_AdaptiveDefaultsAndFeedback(t *testing.T) {
	gen := &stubGenerator{t: t, err: errors.New("flaky")}
	ctrl := adaptive.NewController()
	o := newOrchestrator(t, gen, Config{Features: config.Features{Adaptive: true}, Controller: ctrl})

	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 1, Category: prompt.CategoryRandom,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want high level's 3", res.Attempts)
	}
	if h := ctrl.History(); len(h) != 1 || h[0] != 0 {
		t.Errorf("history = %v", h)
	}
	for i := 0; i < 4; i++ {
		o.RecordOutcome(0)
	}
	if o.CurrentSettings().MaxAttemptsPerVariation != 2 {
		t.Errorf("settings = %+v", o.CurrentSettings())
	}
	st := o.Stats()
	if st.Runs != 1 || st.TotalFailed != 3 || st.Level != "medium" || len(st.SuccessHistory) != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGenerate_DownsizesLargeSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wide.png")
	os.WriteFile(src, patternPNG(t, 2100, 8, 3), 0o644)

	gen := &stubGenerator{t: t}
	o := newOrchestrator(t, gen, Config{Features: config.Features{Downsize: true}})
	if _, err := o.Generate(context.Background(), Request{SourcePath: src, Count: 1, Category: prompt.CategoryRandom}); err != nil {
		t.Fatal(err)
	}
	img, _, err := image.Decode(bytes.NewReader(gen.lastPayload))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 2048 {
		t.Errorf("payload width = %d, want 2048", img.Bounds().Dx())
	}
}

func TestGenerate_OutputDir(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	o := newOrchestrator(t, &stubGenerator{t: t}, Config{})
	res, err := o.Generate(context.Background(), Request{
		SourcePath: writeSource(t, t.TempDir()), Count: 1, Category: prompt.CategoryObjectAdd, OutputDir: out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Outputs(); len(got) != 1 || filepath.Dir(got[0]) != out {
		t.Errorf("outputs = %v", got)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	gen := &stubGenerator{t: t}
	if _, err := New(nil, Config{}); err == nil {
		t.Error("nil generator accepted")
	}
	if _, err := New(gen, Config{Features: config.Features{QualityGate: true}}); err == nil {
		t.Error("quality gate without scorer accepted")
	}
	if _, err := New(gen, Config{Features: config.Features{DuplicateGuard: true}}); err == nil {
		t.Error("guard feature without guard accepted")
	}
	if _, err := New(gen, Config{Features: config.Features{Cache: true}}); err == nil {
		t.Error("cache feature without cache accepted")
	}
}

func TestRunResult_SuccessRate(t *testing.T) {
	if (&RunResult{}).SuccessRate() != 0 {
		t.Error("empty run should have rate 0")
	}
	if r := (&RunResult{Successful: 1, Failed: 3}).SuccessRate(); r != 0.25 {
		t.Errorf("rate = %f", r)
	}
}

func assertNoPending(t *testing.T, dir string) {
	t.Helper()
	pending, _ := filepath.Glob(filepath.Join(dir, ".pending-*"))
	if len(pending) != 0 {
		t.Errorf("pending files left behind: %v", pending)
	}
}
