package provider

import (
	"context"
	"time"

	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/tokens"
)

// Retrying wraps a provider with before-first-byte retry. Once any stream
// event beyond KindRetry has been delivered, failures are surfaced as-is:
// retrying a stream that already produced output would duplicate content the
// caller may have persisted or forwarded.
type Retrying struct {
	inner   Provider
	config  retry.Config
	onRetry func()
}

// WithRetry wraps inner. onRetry, when set, is called once per retry attempt
// (for metrics).
func WithRetry(inner Provider, config retry.Config, onRetry func()) *Retrying {
	if config.MaxAttempts <= 0 {
		config = retry.DefaultConfig()
	}
	return &Retrying{inner: inner, config: config, onRetry: onRetry}
}

func (r *Retrying) Name() string               { return r.inner.Name() }
func (r *Retrying) Models() []string           { return r.inner.Models() }
func (r *Retrying) UsageMethod() tokens.Method { return r.inner.UsageMethod() }

// StreamTurn starts the inner stream, transparently restarting it while no
// byte has been delivered and the failure is retryable.
func (r *Retrying) StreamTurn(ctx context.Context, req Request) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan StreamEvent, 32)

	go func() {
		defer close(out)

		for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
			retryable, lastErr := r.runAttempt(streamCtx, req, out)
			if lastErr == nil {
				return // stream finished (done or interrupted)
			}
			if !retryable || attempt >= r.config.MaxAttempts || streamCtx.Err() != nil {
				out <- StreamEvent{Kind: KindError, Err: lastErr}
				return
			}

			if r.onRetry != nil {
				r.onRetry()
			}
			out <- StreamEvent{Kind: KindRetry, Attempt: attempt, Err: lastErr}

			delay := retry.Backoff(attempt, r.config.InitialDelay, r.config.MaxDelay, r.config.Factor)
			select {
			case <-streamCtx.Done():
				out <- StreamEvent{Kind: KindDone, StopReason: StopInterrupted}
				return
			case <-time.After(delay):
			}
		}
	}()

	return NewStream(out, cancel), nil
}

// runAttempt runs one inner stream to completion or first failure. It returns
// (retryable, err); err nil means the stream finished and was forwarded.
func (r *Retrying) runAttempt(ctx context.Context, req Request, out chan<- StreamEvent) (bool, error) {
	inner, err := r.inner.StreamTurn(ctx, req)
	if err != nil {
		return IsRetryable(err), err
	}
	defer inner.Cancel()

	delivered := false
	for ev := range inner.Events() {
		if ev.Kind == KindError && !delivered {
			// Nothing has left this attempt yet; eligible for retry.
			return IsRetryable(ev.Err), ev.Err
		}
		delivered = true
		out <- ev
		if ev.Kind == KindDone || ev.Kind == KindError {
			return false, nil
		}
	}
	// Inner channel closed without a terminal event; treat as a server drop.
	perr := &Error{
		Reason:   ReasonServerError,
		Provider: r.inner.Name(),
		Model:    req.Model,
		Message:  "stream closed without terminal event",
	}
	if !delivered {
		return true, perr
	}
	out <- StreamEvent{Kind: KindError, Err: perr}
	return false, nil
}
