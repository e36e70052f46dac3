package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// ExhaustedError is returned when every allowed attempt failed with a retryable error.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Policy, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is makes an exhausted retry budget match interfaces.ErrTimeout.
func (e *ExhaustedError) Is(target error) bool {
	return target == interfaces.ErrTimeout
}

// Executor runs operations under a Policy.
type Executor struct {
	log *slog.Logger
}

// NewExecutor creates an Executor logging retries to log.
func NewExecutor(log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{log: log}
}

// Execute runs op until it succeeds, fails terminally, the attempt budget
// is exhausted or ctx is done.
func (e *Executor) Execute(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	var (
		attempts int
		lastErr  error
		terminal bool
	)

	operation := func() error {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		err := op(attemptCtx)
		attemptTimedOut := err != nil && attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			terminal = true
			return backoff.Permanent(err)
		}
		if !attemptTimedOut && !Retryable(err) {
			terminal = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		e.log.Warn("Retrying operation",
			slog.String("policy", policy.Name),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			"err", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy.backOff(), ctx), notify)
	switch {
	case err == nil:
		return nil
	case terminal, !policy.Idempotent:
		return lastErr
	case ctx.Err() != nil:
		if lastErr == nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (last error: %v)", policy.Name, ctx.Err(), lastErr)
	default:
		return &ExhaustedError{Policy: policy.Name, Attempts: attempts, Err: lastErr}
	}
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, interfaces.ErrInvalidRequest),
		errors.Is(err, interfaces.ErrResourceNotFound),
		errors.Is(err, interfaces.ErrUnauthorized),
		errors.Is(err, interfaces.ErrKeyInUse),
		errors.Is(err, interfaces.ErrAcquisitionIntegrity),
		errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	if interfaces.IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
