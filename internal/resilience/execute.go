package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
)

const (
	// backoffBase and backoffMax bound the retry delay:
	// min(base * 2^attempt, max) plus up to 10% jitter.
	backoffBase = time.Second
	backoffMax  = 10 * time.Second
	jitterRatio = 0.10
)

// OutcomeRecorder receives the terminal result of each wrapped operation.
// The health monitor implements this.
type OutcomeRecorder interface {
	RecordRequest(operation string, start time.Time, success bool, end time.Time)
}

// ExecOptions controls one wrapped invocation.
type ExecOptions struct {
	// Timeout races the operation against a deadline. Zero disables it.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first, only
	// taken for retryable error classes.
	Retries int

	// Breaker, when set, gates every attempt.
	Breaker *Breaker
}

// Executor applies the retry/timeout/breaker policy and classifies
// failures before they cross the boundary.
type Executor struct {
	recorder    OutcomeRecorder
	production  bool
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration) error
	breakerOpts []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithRecorder wires terminal outcomes into a recorder.
func WithRecorder(r OutcomeRecorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithProductionMode controls failure sanitization: in production, raw
// internal detail never reaches the boundary.
func WithProductionMode(enabled bool) ExecutorOption {
	return func(e *Executor) {
		e.production = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithBreakerDefaults sets the options applied to breakers created
// implicitly through BreakerFor.
func WithBreakerDefaults(opts ...BreakerOption) ExecutorOption {
	return func(e *Executor) {
		e.breakerOpts = opts
	}
}

// withSleep overrides backoff sleeping, for tests.
func withSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   slog.Default(),
		breakers: make(map[string]*Breaker),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BreakerFor returns the shared breaker for an operation class, creating
// it on first use.
func (e *Executor) BreakerFor(operation string, opts ...BreakerOption) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[operation]
	if !ok {
		if len(opts) == 0 {
			opts = e.breakerOpts
		}
		b = NewBreaker(opts...)
		e.breakers[operation] = b
	}
	return b
}

// Execute runs fn under the configured policy. Validation and not-found
// failures surface immediately; timeouts and transient failures retry up
// to the bound with exponential backoff and jitter. The terminal outcome
// is recorded, and the returned error is classified (and sanitized in
// production mode).
func (e *Executor) Execute(ctx context.Context, operation string, opts ExecOptions, fn func(context.Context) error) error {
	start := time.Now()
	err := e.run(ctx, opts, fn)
	end := time.Now()

	if e.recorder != nil {
		e.recorder.RecordRequest(operation, start, err == nil, end)
	}
	if err == nil {
		return nil
	}

	classified := domain.Classify(err).WithOperation(operation)
	e.logger.Error("operation failed",
		slog.String("operation", operation),
		slog.String("type", string(classified.Type)),
		slog.String("error", classified.Message),
		slog.Duration("elapsed", end.Sub(start)),
	)
	if e.production {
		return classified.Sanitized()
	}
	return classified
}

func (e *Executor) run(ctx context.Context, opts ExecOptions, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if opts.Breaker != nil {
			if err := opts.Breaker.Allow(); err != nil {
				return err
			}
		}

		err := e.attempt(ctx, opts.Timeout, fn)
		if opts.Breaker != nil {
			switch {
			case err == nil:
				opts.Breaker.RecordSuccess()
			case breakerCounts(err):
				opts.Breaker.RecordFailure()
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.Classify(err).Retryable() {
			return err
		}
		if attempt >= opts.Retries {
			return lastErr
		}
		if err := e.sleep(ctx, backoff(attempt)); err != nil {
			return lastErr
		}
	}
}

// breakerCounts reports whether a failure should advance the breaker.
// Caller mistakes never trip it.
func breakerCounts(err error) bool {
	switch domain.Classify(err).Type {
	case domain.ErrorTypeValidation, domain.ErrorTypeNotFound:
		return false
	default:
		return true
	}
}

// attempt runs fn once, racing it against the timeout when one is set.
func (e *Executor) attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if attemptCtx.Err() == context.DeadlineExceeded {
			return domain.ErrTimeout("operation exceeded its time budget")
		}
		return attemptCtx.Err()
	}
}

// backoff returns min(base * 2^attempt, max) plus up to 10% jitter.
func backoff(attempt int) time.Duration {
	delay := float64(backoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(backoffMax) {
		delay = float64(backoffMax)
	}
	jitter := rand.Float64() * jitterRatio * delay
	return time.Duration(delay + jitter)
}
