// Package config resolves runtime settings for the variation tools.
//
// Precedence, lowest first: built-in defaults, the YAML file passed with
// --config, a .env file, process environment, then command-line flags (applied
// by the caller after Load).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultModel              = "gemini-2.5-flash-image"
	DefaultCacheMaxGB         = 1.0
	DefaultConcurrency        = 2
	DefaultAttemptTimeout     = 2 * time.Minute
	DefaultRetryAttempts      = 3
	DefaultRetryBaseDelay     = time.Second
	DefaultDuplicateThreshold = 0.95
	DefaultHashStrategy       = "perceptual"
	DefaultSimilarity         = "ssim"
	DefaultRunsTTL            = 30 * 24 * time.Hour
)

// Features lists the optional pipeline stages. It is built once at startup
// and handed to the orchestrator; nothing probes for capabilities later.
type Features struct {
	Cache          bool `yaml:"cache" json:"cache"`
	DuplicateGuard bool `yaml:"duplicate_guard" json:"duplicate_guard"`
	QualityGate    bool `yaml:"quality_gate" json:"quality_gate"`
	Adaptive       bool `yaml:"adaptive" json:"adaptive"`
	Downsize       bool `yaml:"downsize" json:"downsize"`
}

// AllFeatures enables every optional stage.
func AllFeatures() Features {
	return Features{Cache: true, DuplicateGuard: true, QualityGate: true, Adaptive: true, Downsize: true}
}

// Config is the resolved configuration.
type Config struct {
	Model    string `yaml:"model"`
	LogLevel string `yaml:"log_level"`

	CacheDir   string  `yaml:"cache_dir"`
	CacheMaxGB float64 `yaml:"cache_max_gb"`

	S3Bucket  string        `yaml:"s3_bucket"`
	S3Prefix  string        `yaml:"s3_prefix"`
	RunsTable string        `yaml:"runs_table"`
	RunsTTL   time.Duration `yaml:"runs_ttl"`

	// APIKeySSMParam names an SSM SecureString holding the Gemini key.
	APIKeySSMParam string `yaml:"api_key_ssm_param"`

	Concurrency int     `yaml:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit"`

	HashStrategy       string  `yaml:"hash_strategy"`
	SimilarityStrategy string  `yaml:"similarity_strategy"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`

	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	Features Features `yaml:"features"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model:              DefaultModel,
		LogLevel:           "info",
		CacheDir:           defaultCacheDir(),
		CacheMaxGB:         DefaultCacheMaxGB,
		Concurrency:        DefaultConcurrency,
		RunsTTL:            DefaultRunsTTL,
		HashStrategy:       DefaultHashStrategy,
		SimilarityStrategy: DefaultSimilarity,
		DuplicateThreshold: DefaultDuplicateThreshold,
		AttemptTimeout:     DefaultAttemptTimeout,
		RetryAttempts:      DefaultRetryAttempts,
		RetryBaseDelay:     DefaultRetryBaseDelay,
		Features:           AllFeatures(),
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "gemini-variations"
	}
	return ".variation-cache"
}

// Load resolves configuration from configPath (optional), envPath (optional,
// missing file ignored) and the environment. Variables already set in the
// environment are not overridden by the .env file.
func Load(configPath, envPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("GEMINI_MODEL", &cfg.Model)
	str("GEMINI_LOG_LEVEL", &cfg.LogLevel)
	str("VARIATIONS_CACHE_DIR", &cfg.CacheDir)
	str("VARIATIONS_S3_BUCKET", &cfg.S3Bucket)
	str("VARIATIONS_S3_PREFIX", &cfg.S3Prefix)
	str("VARIATIONS_RUNS_TABLE", &cfg.RunsTable)
	str("GEMINI_API_KEY_SSM_PARAM", &cfg.APIKeySSMParam)
	str("VARIATIONS_HASH_STRATEGY", &cfg.HashStrategy)
	str("VARIATIONS_SIMILARITY_STRATEGY", &cfg.SimilarityStrategy)

	if v := os.Getenv("VARIATIONS_CACHE_MAX_GB"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VARIATIONS_CACHE_MAX_GB: %w", err)
		}
		cfg.CacheMaxGB = f
	}
	if v := os.Getenv("VARIATIONS_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VARIATIONS_CONCURRENCY: %w", err)
		}
		cfg.Concurrency = n
	}
	if v := os.Getenv("VARIATIONS_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VARIATIONS_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	return nil
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	var problems []string
	if c.Model == "" {
		problems = append(problems, "model must not be empty")
	}
	if c.CacheMaxGB < 0 {
		problems = append(problems, "cache_max_gb must not be negative")
	}
	if c.Concurrency < 1 {
		problems = append(problems, "concurrency must be at least 1")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "rate_limit must not be negative")
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		problems = append(problems, "duplicate_threshold must be in (0,1]")
	}
	if c.RetryAttempts < 1 {
		problems = append(problems, "retry_attempts must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CacheBudgetBytes converts CacheMaxGB to bytes.
func (c Config) CacheBudgetBytes() int64 {
	return int64(c.CacheMaxGB * (1 << 30))
}
