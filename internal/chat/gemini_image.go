package chat

// gemini_image.go sends a source image plus an editing instruction to a Gemini
// image model and returns the first image in the response.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fpang/gemini-variations/internal/assets"
	"github.com/fpang/gemini-variations/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ContentGenerator is the subset of *genai.Models used for image editing.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewGeminiClient creates a Gemini API client for the given key.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// GeminiGenerator edits images with a Gemini image model.
type GeminiGenerator struct {
	models            ContentGenerator
	model             string
	systemInstruction string
	limiter           *rate.Limiter
}

// GeneratorOption configures a GeminiGenerator.
type GeneratorOption func(*GeminiGenerator)

// WithModel overrides the model ID.
func WithModel(model string) GeneratorOption {
	return func(g *GeminiGenerator) {
		if model != "" {
			g.model = model
		}
	}
}

// WithSystemInstruction replaces the system instruction. Empty disables it.
func WithSystemInstruction(s string) GeneratorOption {
	return func(g *GeminiGenerator) { g.systemInstruction = s }
}

// WithRateLimit caps requests per second across every caller sharing the
// generator. A non-positive value disables limiting.
func WithRateLimit(perSecond float64) GeneratorOption {
	return func(g *GeminiGenerator) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewGeminiGenerator wraps client.Models (or any ContentGenerator).
func NewGeminiGenerator(models ContentGenerator, opts ...GeneratorOption) *GeminiGenerator {
	g := &GeminiGenerator{
		models:            models,
		model:             GetModelName(""),
		systemInstruction: assets.VariationSystemInstruction,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model returns the model ID requests are sent to.
func (g *GeminiGenerator) Model() string { return g.model }

// Generate sends imageData with the instruction and returns the edited image bytes.
// Errors that retrying cannot fix are marked terminal.
func (g *GeminiGenerator) Generate(ctx context.Context, imageData []byte, mimeType, instruction string) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	startTime := time.Now()
	log.Debug().
		Str("model", g.model).
		Int("image_bytes", len(imageData)).
		Str("image_mime", mimeType).
		Msg("Sending image to Gemini for editing")

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if g.systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: g.systemInstruction}},
		}
	}

	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: imageData}},
		{Text: instruction},
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		log.Warn().Err(err).Str("model", g.model).Msg("Gemini image editing call failed")
		return nil, classifyError(err)
	}

	out, _, err := extractImage(resp)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("output_bytes", len(out)).
		Dur("duration", time.Since(startTime)).
		Msg("Gemini image editing complete")
	return out, nil
}

// blockedFinishReasons are candidate finish reasons that indicate a policy block.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"IMAGE_SAFETY":       true,
}

// extractImage returns the first inline image part of resp and its MIME type.
// A blocked prompt or a safety finish is a terminal content policy violation.
// A response without an image and without a block is retryable, since image
// models sometimes answer with text only.
func extractImage(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil {
		return nil, "", errors.New("gemini returned an empty response")
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		return nil, "", retry.MarkTerminal(fmt.Errorf("content policy violation: prompt blocked (%s)", pf.BlockReason))
	}

	var text string
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if blockedFinishReasons[string(candidate.FinishReason)] {
			return nil, "", retry.MarkTerminal(fmt.Errorf("content policy violation: finish reason %s", candidate.FinishReason))
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, part.InlineData.MIMEType, nil
			}
			text += part.Text
		}
	}

	return nil, "", fmt.Errorf("no image returned in response (text: %s)", truncateString(text, 200))
}

// truncateString truncates a string to maxLen, appending "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
