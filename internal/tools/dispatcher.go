package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/pkg/models"
)

// DispatcherConfig bounds tool execution.
type DispatcherConfig struct {
	// MaxConcurrency limits parallel executions. Default: 4.
	MaxConcurrency int

	// Timeout is the per-execution deadline. Default: 2m.
	Timeout time.Duration

	// MaxRetries is how many extra attempts a failed execution gets. Only
	// side-effect-free tools are retried. Default: 0.
	MaxRetries int

	// RetryBackoff is the initial delay between attempts. Default: 500ms.
	RetryBackoff time.Duration
}

// Dispatcher resolves tool calls against a registry, enforces denials,
// validates arguments, and executes under a concurrency semaphore with panic
// recovery. Every outcome is reported as a ToolResult so the model can see
// it; the error return is reserved for dispatcher-internal failures.
type Dispatcher struct {
	registry  *Registry
	validator *Validator
	config    DispatcherConfig
	sem       chan struct{}
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry, config DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		registry:  registry,
		validator: NewValidator(),
		config:    config,
		sem:       make(chan struct{}, config.MaxConcurrency),
		logger:    logger,
		metrics:   metrics,
	}
}

// Registry exposes the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs a single tool call to a ToolResult. The result is never nil
// and always carries the call id.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, opts ExecOptions, denial *DenialConfig) *models.ToolResult {
	start := time.Now()
	opts.ToolCallID = call.ID
	opts.Denials = denial

	var result *models.ToolResult
	status := "success"
	if denied, message := denial.Check(call.Name, call.Input); denied {
		result = &models.ToolResult{Content: message, IsError: true}
		status = "denied"
	} else {
		result = d.dispatch(ctx, call, opts)
		switch {
		case result.NeedsRetry:
			status = "invalid_input"
		case result.IsError:
			status = "error"
		}
	}
	result.ToolCallID = call.ID
	if d.metrics != nil {
		d.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
		d.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	if d.logger != nil {
		d.logger.Debug(ctx, "tool dispatched",
			"tool", call.Name, "call_id", call.ID, "status", status,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call models.ToolCall, opts ExecOptions) *models.ToolResult {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return &models.ToolResult{
			Content: fmt.Sprintf("unknown tool: %s", call.Name),
			IsError: true,
		}
	}

	if err := d.validator.Validate(tool, call.Input); err != nil {
		// The model gets the validation errors back and may re-call with
		// corrections; the orchestrator bounds how often.
		return &models.ToolResult{
			Content:    fmt.Sprintf("invalid arguments for %s: %v", call.Name, err),
			NeedsRetry: true,
		}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return &models.ToolResult{
			Content: fmt.Sprintf("tool %s canceled before execution: %v", call.Name, ctx.Err()),
			IsError: true,
		}
	}

	if d.config.MaxRetries <= 0 || !tool.Meta().SideEffectFree {
		return d.executeWithTimeout(ctx, tool, call, opts)
	}

	var result *models.ToolResult
	retry.Do(ctx, retry.Config{
		MaxAttempts:  d.config.MaxRetries + 1,
		InitialDelay: d.config.RetryBackoff,
		MaxDelay:     d.config.Timeout,
		Factor:       2,
		Jitter:       true,
	}, func() error {
		result = d.executeWithTimeout(ctx, tool, call, opts)
		switch {
		case !result.IsError:
			return nil
		case ctx.Err() != nil:
			return retry.Permanent(errors.New(result.Content))
		default:
			return errors.New(result.Content)
		}
	})
	return result
}

func (d *Dispatcher) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, opts ExecOptions) *models.ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if d.logger != nil {
					d.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(r))
				}
				resultCh <- execResult{err: fmt.Errorf("panic: %v\n%s", r, stack)}
			}
		}()
		result, err := tool.Execute(execCtx, call.Input, opts)
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return &models.ToolResult{
				Content: fmt.Sprintf("tool %s failed: %v", call.Name, res.err),
				IsError: true,
			}
		}
		if res.result == nil {
			return &models.ToolResult{Content: ""}
		}
		return res.result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return &models.ToolResult{
				Content: fmt.Sprintf("tool %s canceled: %v", call.Name, ctx.Err()),
				IsError: true,
			}
		}
		return &models.ToolResult{
			Content: fmt.Sprintf("tool %s timed out after %s", call.Name, d.config.Timeout),
			IsError: true,
		}
	}
}

// DispatchAll executes calls, running side-effect-free tools in parallel and
// everything else sequentially in input order. Results come back in input
// order.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []models.ToolCall, opts ExecOptions, denial *DenialConfig) []*models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*models.ToolResult, len(calls))

	parallel := make([]int, 0, len(calls))
	sequential := make([]int, 0, len(calls))
	for i, call := range calls {
		if tool, ok := d.registry.Get(call.Name); ok && tool.Meta().SideEffectFree {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range parallel {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = d.Dispatch(ctx, calls[idx], opts, denial)
		}(i)
	}
	wg.Wait()

	for _, i := range sequential {
		results[i] = d.Dispatch(ctx, calls[i], opts, denial)
	}
	return results
}
