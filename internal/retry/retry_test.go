package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestCoordinator(attempts int) (*Coordinator, *recordingSleep) {
	rec := &recordingSleep{}
	c := New(attempts, 100*time.Millisecond)
	c.Sleep = rec.sleep
	return c, rec
}

func TestRun_TerminalErrorNotRetried(t *testing.T) {
	c, rec := newTestCoordinator(3)
	calls := 0
	err := c.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("400 Bad Request: Invalid API key provided")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v before terminal error", rec.delays)
	}
}

func TestRun_SucceedsOnThirdAttempt(t *testing.T) {
	c, rec := newTestCoordinator(3)
	calls := 0
	v, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if fmt.Sprint(rec.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	c, rec := newTestCoordinator(4)
	calls := 0
	err := c.Run(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("503 unavailable (call %d)", calls)
	})
	if err == nil || err.Error() != "503 unavailable (call 4)" {
		t.Fatalf("err = %v, want last failure", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d", calls)
	}
	if len(rec.delays) != 3 {
		t.Errorf("slept %d times, want 3", len(rec.delays))
	}
}

func TestRun_MarkTerminal(t *testing.T) {
	c, _ := newTestCoordinator(5)
	calls := 0
	sentinel := errors.New("no image in response")
	err := c.Run(context.Background(), func(context.Context) error {
		calls++
		return MarkTerminal(sentinel)
	})
	if calls != 1 || !errors.Is(err, sentinel) {
		t.Errorf("calls=%d err=%v", calls, err)
	}
}

func TestRun_DeadlineInsideAttemptIsRetryable(t *testing.T) {
	c, _ := newTestCoordinator(3)
	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context) error {
		calls++
		attemptCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
		defer cancel()
		<-attemptCtx.Done()
		return attemptCtx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRun_CancelledContextStops(t *testing.T) {
	c, _ := newTestCoordinator(5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.Run(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("temporary failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRun_RealSleepHonoursCancel(t *testing.T) {
	c := New(3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := c.Run(ctx, func(context.Context) error { return errors.New("flaky") })
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff sleep ignored cancellation")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Authentication failed for project"), true},
		{errors.New("googleapi: API key not valid. Please pass a valid API key."), true},
		{errors.New("Quota exceeded for metric"), true},
		{errors.New("blocked: content policy violation"), true},
		{errors.New("PERMISSION DENIED"), true},
		{errors.New("invalid credentials"), true},
		{errors.New("i/o timeout"), false},
		{errors.New("429 too many requests"), false},
		{fmt.Errorf("wrapped: %w", MarkTerminal(errors.New("x"))), true},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.err); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDelay(t *testing.T) {
	c := New(3, 0)
	if c.Delay(0) != DefaultBaseDelay || c.Delay(2) != 4*DefaultBaseDelay {
		t.Errorf("delays %v %v", c.Delay(0), c.Delay(2))
	}
}
