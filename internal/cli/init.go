package cli

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/gemini-variations/internal/auth"
	"github.com/fpang/gemini-variations/internal/chat"
	"github.com/fpang/gemini-variations/internal/config"
)

// KeyOptions are the command-line inputs for API key resolution.
type KeyOptions struct {
	Flag    string
	KeyFile string
	// Validate makes a cheap probe call before any generation.
	Validate bool
}

// InitGeminiClient resolves the API key, creates a client and optionally
// validates the key. emf receives the validation metric; nil disables it.
func InitGeminiClient(ctx context.Context, cfg config.Config, keys KeyOptions, aws *AWS, emf io.Writer) (*genai.Client, error) {
	src := auth.Sources{
		Flag:     keys.Flag,
		KeyFile:  keys.KeyFile,
		SSMParam: cfg.APIKeySSMParam,
	}
	if cfg.APIKeySSMParam != "" && aws != nil {
		ssmClient, err := aws.SSM(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("AWS config unavailable, skipping SSM API key lookup")
		} else {
			src.SSM = ssmClient
		}
	}

	apiKey, err := auth.GetAPIKey(ctx, src)
	if err != nil {
		return nil, err
	}

	client, err := chat.NewGeminiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("connection successful - Gemini client initialized")

	if keys.Validate {
		if err := auth.ValidateAPIKey(ctx, client.Models, emf); err != nil {
			return nil, err
		}
		log.Info().Msg("API key validation complete - ready for operations")
	}
	return client, nil
}

// NewGenerator wraps client.Models with the configured model and rate limit.
func NewGenerator(models chat.ContentGenerator, cfg config.Config) *chat.GeminiGenerator {
	return chat.NewGeminiGenerator(models,
		chat.WithModel(cfg.Model),
		chat.WithRateLimit(cfg.RateLimit),
	)
}
