package cli

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
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/fpang/gemini-variations/internal/auth"
	"github.com/fpang/gemini-variations/internal/batch"
	"github.com/fpang/gemini-variations/internal/config"
	"github.com/fpang/gemini-variations/internal/prompt"
	"github.com/fpang/gemini-variations/internal/quality"
	"github.com/fpang/gemini-variations/internal/store"
	"github.com/fpang/gemini-variations/internal/variation"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{65 * time.Second, "1:05"},
		{3*time.Hour + 2*time.Minute + 9*time.Second, "3:02:09"},
	}
	for _, tt := range tests {
		if got := FormatDurationShort(tt.d); got != tt.want {
			t.Errorf("FormatDurationShort(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestPrintRunSummary(t *testing.T) {
	res := &variation.RunResult{
		RunID: "run-1", Source: "/p/cat.png", Requested: 2, Successful: 1, Failed: 1, Attempts: 2,
		Level: "high", Duration: 90 * time.Second,
		Results: []variation.Result{
			{VariationID: 1, Success: true, Output: "/o/cat_variation_01_composition.png", Metrics: &quality.Metrics{Overall: 0.81}},
			{VariationID: 2, Category: prompt.CategoryObjectAdd, Error: "duplicate of an accepted variation"},
		},
	}
	var buf bytes.Buffer
	PrintRunSummary(&buf, res)
	out := buf.String()
	for _, want := range []string{"1/2", "cat_variation_01_composition.png  overall=0.81", "attempt 2 (object_add): duplicate", "1:30"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintBatchSummaryDryRun(t *testing.T) {
	var buf bytes.Buffer
	PrintBatchSummary(&buf, &batch.Summary{Planned: []string{"/a.png", "/b.png"}, Skipped: 1})
	if !strings.Contains(buf.String(), "2 image(s) would be processed, 1 skipped") {
		t.Errorf("unexpected dry-run output:\n%s", buf.String())
	}
}

func TestResolveDirectory(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveDirectory(dir)
	if err != nil || !filepath.IsAbs(got) {
		t.Errorf("ResolveDirectory(%q) = %q, %v", dir, got, err)
	}
	if _, err := ResolveDirectory(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
	file := filepath.Join(dir, "f.png")
	os.WriteFile(file, []byte("x"), 0o644)
	if _, err := ResolveDirectory(file); err == nil {
		t.Error("expected error for a file")
	}
}

func TestPromptForDirectory(t *testing.T) {
	var out bytes.Buffer
	if got := PromptForDirectory(strings.NewReader("/photos\n"), &out); got != "/photos" {
		t.Errorf("got %q", got)
	}
	if !strings.HasPrefix(out.String(), "Directory [") {
		t.Errorf("prompt = %q", out.String())
	}
	cwd, _ := os.Getwd()
	if got := PromptForDirectory(strings.NewReader("\n"), &out); got != cwd {
		t.Errorf("empty input = %q, want %q", got, cwd)
	}
	if got := PromptForDirectory(strings.NewReader(""), &out); got != cwd {
		t.Errorf("EOF = %q, want %q", got, cwd)
	}
}

func TestValidationHint(t *testing.T) {
	if ValidationHint(errors.New("boom")) != "" {
		t.Error("plain errors carry no hint")
	}
	err := &auth.ValidationError{Type: auth.ErrTypeQuotaExceeded, Message: "quota"}
	if !strings.Contains(ValidationHint(err), "quota") {
		t.Errorf("hint = %q", ValidationHint(err))
	}
	wrapped := errors.Join(errors.New("ctx"), &auth.ValidationError{Type: auth.ErrTypeNoKey})
	if !strings.Contains(ValidationHint(wrapped), "GEMINI_API_KEY") {
		t.Errorf("hint = %q", ValidationHint(wrapped))
	}
}

func TestAWSLoadsOnceAndSkipsWhenUnused(t *testing.T) {
	calls := 0
	a := &AWS{load: func(context.Context) (aws.Config, error) {
		calls++
		return aws.Config{Region: "us-west-2"}, nil
	}}
	ctx := context.Background()

	pub, err := a.Publisher(ctx, "", "")
	if err != nil || pub != nil {
		t.Fatalf("Publisher without bucket = %v, %v", pub, err)
	}
	rs, err := a.RunStore(ctx, "", 0)
	if err != nil || rs != nil {
		t.Fatalf("RunStore without table = %v, %v", rs, err)
	}
	if calls != 0 {
		t.Fatalf("AWS config loaded %d times with nothing configured", calls)
	}

	if pub, _ := a.Publisher(ctx, "bucket", "p"); pub == nil || pub.Bucket() != "bucket" {
		t.Errorf("Publisher = %v", pub)
	}
	if rs, _ := a.RunStore(ctx, "runs", time.Hour); rs == nil || rs.TableName() != "runs" {
		t.Errorf("RunStore = %v", rs)
	}
	if calls != 1 {
		t.Errorf("AWS config loaded %d times, want 1", calls)
	}

	local, err := ResolveSource(ctx, a, "/local/cat.png", t.TempDir())
	if err != nil || local != "/local/cat.png" {
		t.Errorf("ResolveSource(local) = %q, %v", local, err)
	}
}

func TestAWSLoadError(t *testing.T) {
	a := &AWS{load: func(context.Context) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}}
	if _, err := a.Publisher(context.Background(), "bucket", ""); err == nil {
		t.Error("expected load error")
	}
	if _, err := NewSinks(context.Background(), a, config.Config{RunsTable: "runs"}, nil, "random"); err == nil {
		t.Error("expected NewSinks to surface the load error")
	}
}

type memRunStore struct {
	runs map[string]*store.RunRecord
	err  error
}

func (m *memRunStore) PutRun(_ context.Context, r *store.RunRecord) error {
	if m.err != nil {
		return m.err
	}
	m.runs[r.RunID] = r
	return nil
}

func (m *memRunStore) GetRun(_ context.Context, id string) (*store.RunRecord, error) {
	return m.runs[id], nil
}

func TestSinksHandle(t *testing.T) {
	var emf bytes.Buffer
	runs := &memRunStore{runs: map[string]*store.RunRecord{}}
	s := &Sinks{Runs: runs, Metrics: &emf, Category: "random"}

	res := &variation.RunResult{RunID: "r1", Source: "/p/cat.png", Requested: 1, Successful: 1, Attempts: 1, Level: "high"}
	if _, err := s.Handle(context.Background(), res, map[string]string{"camera": "Apple"}); err != nil {
		t.Fatal(err)
	}
	rec := runs.runs["r1"]
	if rec == nil || rec.Category != "random" || rec.Metadata["camera"] != "Apple" {
		t.Errorf("run record = %+v", rec)
	}
	if !strings.Contains(emf.String(), `"VariationsSucceeded":1`) {
		t.Errorf("EMF output = %s", emf.String())
	}

	runs.err = errors.New("throttled")
	emf.Reset()
	if _, err := s.Handle(context.Background(), res, nil); err == nil {
		t.Error("expected run store error")
	}
	if emf.Len() == 0 {
		t.Error("metrics must still be emitted after a store failure")
	}
}

func TestSinksDisabled(t *testing.T) {
	var s *Sinks
	if s.Enabled() {
		t.Error("nil sinks are disabled")
	}
	uris, err := (&Sinks{}).Handle(context.Background(), &variation.RunResult{}, nil)
	if uris != nil || err != nil {
		t.Errorf("Handle on empty sinks = %v, %v", uris, err)
	}
}

func writeSourcePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 15), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineWorkersShareCache(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.RetryAttempts = 1
	cfg.Features = config.Features{Cache: true}

	var calls int
	gen := variation.GeneratorFunc(func(context.Context, []byte, string, string) ([]byte, error) {
		calls++
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = uint8(calls * 40)
		}
		var buf bytes.Buffer
		png.Encode(&buf, img)
		return buf.Bytes(), nil
	})

	p, err := NewPipeline(cfg, gen, prompt.Fixed{Text: "Add a hat"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Cache() == nil || !p.Features().Cache {
		t.Fatal("cache should be enabled")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "cat.png")
	writeSourcePNG(t, src)
	req := variation.Request{SourcePath: src, Count: 1, Category: prompt.CategoryObjectAdd, OutputDir: filepath.Join(dir, "out")}

	first, err := p.NewOrchestrator(0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := first.Generate(context.Background(), req)
	if err != nil || res.Successful != 1 {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	if res.Results[0].Prompt != "Add a hat" {
		t.Errorf("prompt = %q", res.Results[0].Prompt)
	}

	second, err := p.NewOrchestrator(1)
	if err != nil {
		t.Fatal(err)
	}
	res, err = second.Generate(context.Background(), req)
	if err != nil || !res.FromCache {
		t.Fatalf("second worker should hit the shared cache: %+v, %v", res, err)
	}
	if calls != 1 {
		t.Errorf("generator calls = %d, want 1", calls)
	}
}

func TestPipelineBadStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.HashStrategy = "nope"
	if _, err := NewPipeline(cfg, variation.GeneratorFunc(nil), nil); err == nil {
		t.Error("expected unknown hash strategy error")
	}
}
