package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Features != AllFeatures() {
		t.Errorf("features = %+v", cfg.Features)
	}
	if cfg.CacheBudgetBytes() != 1<<30 {
		t.Errorf("budget = %d", cfg.CacheBudgetBytes())
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "variations.yaml")
	os.WriteFile(yamlPath, []byte(`
model: from-yaml
concurrency: 4
attempt_timeout: 45s
features:
  cache: false
  duplicate_guard: true
  quality_gate: true
  adaptive: false
  downsize: true
`), 0o644)
	envPath := filepath.Join(dir, ".env")
	os.WriteFile(envPath, []byte("VARIATIONS_S3_BUCKET=from-dotenv\nGEMINI_MODEL=from-dotenv\n"), 0o644)

	t.Setenv("GEMINI_MODEL", "from-env")
	t.Setenv("VARIATIONS_CACHE_MAX_GB", "0.5")
	// Unset so the .env value is visible; t.Setenv restores it afterwards.
	t.Setenv("VARIATIONS_S3_BUCKET", "")
	os.Unsetenv("VARIATIONS_S3_BUCKET")

	cfg, err := Load(yamlPath, envPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "from-env" {
		t.Errorf("model = %q, environment should win over .env and yaml", cfg.Model)
	}
	if cfg.S3Bucket != "from-dotenv" {
		t.Errorf("bucket = %q", cfg.S3Bucket)
	}
	if cfg.Concurrency != 4 || cfg.AttemptTimeout != 45*time.Second {
		t.Errorf("yaml values lost: %+v", cfg)
	}
	if cfg.Features.Cache || cfg.Features.Adaptive || !cfg.Features.Downsize {
		t.Errorf("features = %+v", cfg.Features)
	}
	if cfg.CacheMaxGB != 0.5 {
		t.Errorf("cache max = %f", cfg.CacheMaxGB)
	}
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml"), ""); err == nil {
		t.Error("expected error for missing config file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("concurrency: [1"), 0o644)
	if _, err := Load(bad, ""); err == nil {
		t.Error("expected parse error")
	}

	t.Setenv("VARIATIONS_CONCURRENCY", "many")
	if _, err := Load("", ""); err == nil || !strings.Contains(err.Error(), "VARIATIONS_CONCURRENCY") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Concurrency = 0
	cfg.DuplicateThreshold = 1.5
	cfg.LogLevel = "chatty"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"concurrency", "duplicate_threshold", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}
