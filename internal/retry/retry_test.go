package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2,
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d (calls %d), want 3", result.Attempts, calls)
	}
}

func TestDoStopsAtAttemptBudget(t *testing.T) {
	wantErr := errors.New("still broken")
	result := Do(context.Background(), fastConfig(3), func() error { return wantErr })
	if !errors.Is(result.Err, wantErr) {
		t.Fatalf("err = %v, want %v", result.Err, wantErr)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestPermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
	if !errors.Is(result.Err, cause) {
		t.Errorf("err = %v, want wrapped %v", result.Err, cause)
	}
	if !IsPermanent(result.Err) {
		t.Error("IsPermanent lost the marker")
	}
	if IsRetryable(result.Err) {
		t.Error("permanent errors must not be retryable")
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	result := Do(ctx, fastConfig(10), func() error {
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestDoWithValueReturnsValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if result.Err != nil || value != "ok" {
		t.Fatalf("value %q err %v, want ok/nil", value, result.Err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	if got := Backoff(1, initial, max, 2); got != initial {
		t.Errorf("attempt 1 = %s, want %s", got, initial)
	}
	if got := Backoff(3, initial, max, 2); got != 400*time.Millisecond {
		t.Errorf("attempt 3 = %s, want 400ms", got)
	}
	if got := Backoff(10, initial, max, 2); got != max {
		t.Errorf("attempt 10 = %s, want cap %s", got, max)
	}
}
