// Package retry runs an operation with bounded exponential backoff.
//
// Failures whose message matches a known terminal pattern, or that were
// wrapped with MarkTerminal, are returned at once without further attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults used when Coordinator fields are zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// terminalPatterns are lower-case substrings of errors that retrying cannot fix.
var terminalPatterns = []string{
	"authentication failed",
	"invalid api key",
	"api key not valid",
	"invalid credential",
	"quota exceeded",
	"content policy violation",
	"permission denied",
}

// TerminalError marks an error as non-retryable.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// MarkTerminal wraps err so IsTerminal reports true. A nil err stays nil.
func MarkTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err should not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range terminalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Coordinator retries failed operations with delay BaseDelay × 2^i after the
// i-th failed attempt. MaxAttempts is a hard ceiling.
type Coordinator struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Coordinator with the given limits.
func New(maxAttempts int, baseDelay time.Duration) *Coordinator {
	return &Coordinator{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Delay returns the backoff after the attempt with zero-based index i.
func (c *Coordinator) Delay(i int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base << uint(i)
}

func (c *Coordinator) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// Run calls op until it succeeds, returns a terminal error, the attempts run
// out, or ctx is cancelled. It returns the last error seen. A deadline that
// expires inside op is retryable; cancellation of ctx itself is not.
func (c *Coordinator) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, c *Coordinator, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := c.maxAttempts()
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (after: %v)", err, lastErr)
			}
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if IsTerminal(err) {
			log.Debug().Err(err).Int("attempt", i+1).Msg("Terminal error, not retrying")
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if i == attempts-1 {
			break
		}

		delay := c.Delay(i)
		log.Info().
			Err(err).
			Dur("delay", delay).
			Int("attempt", i+1).
			Int("max_attempts", attempts).
			Msg("Attempt failed, retrying after backoff")
		if err := c.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	log.Warn().Err(lastErr).Int("attempts", attempts).Msg("All retry attempts failed")
	return zero, lastErr
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
