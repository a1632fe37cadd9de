package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fpang/gemini-variations/internal/retry"
	"google.golang.org/genai"
)

// apiError extracts a Gemini API error from err, whichever form the SDK returned.
func apiError(err error) (genai.APIError, bool) {
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val genai.APIError
	if errors.As(err, &val) {
		return val, true
	}
	return genai.APIError{}, false
}

// classifyError maps a GenerateContent failure to an error the retry package
// understands. Authentication failures and exhausted quota are terminal;
// rate limiting without quota exhaustion, server errors and timeouts stay retryable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini request: %w", err)
	}

	if apiErr, ok := apiError(err); ok {
		switch apiErr.Code {
		case 401:
			return retry.MarkTerminal(fmt.Errorf("authentication failed: %w", err))
		case 403:
			return retry.MarkTerminal(fmt.Errorf("permission denied: %w", err))
		case 400:
			if strings.Contains(strings.ToLower(apiErr.Message), "api key") {
				return retry.MarkTerminal(fmt.Errorf("invalid api key: %w", err))
			}
			return fmt.Errorf("gemini bad request: %w", err)
		case 429:
			if strings.Contains(strings.ToLower(apiErr.Message), "quota") {
				return retry.MarkTerminal(fmt.Errorf("quota exceeded: %w", err))
			}
			return fmt.Errorf("gemini rate limited: %w", err)
		}
		return fmt.Errorf("gemini API error %d: %w", apiErr.Code, err)
	}

	return fmt.Errorf("gemini request failed: %w", err)
}
