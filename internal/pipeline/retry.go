package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
)

// RetryPolicy controls how often a task query is sent before the pipeline
// gives up on it.
type RetryPolicy struct {
	MaxAttempts    int           // Attempts per task, including the first
	InitialBackoff time.Duration // Wait after the first failed attempt
	Factor         float64       // Multiplier applied for each further attempt
}

// DefaultRetryPolicy returns 3 attempts with waits of 1s and 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Factor:         2.0,
	}
}

// Backoff returns the wait after failed attempt n, counting from 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// IsRetryable reports whether a failed agent call may be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.HasCode(err, errors.CodeAgentRetryable) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// query sends one task query under the policy. It returns the number of
// attempts made. Exhausted retries return errors.ErrMaxRetries wrapping the
// last failure; non-retryable failures are returned as they are. A cancelled
// ctx stops between attempts with ctx.Err().
func (p RetryPolicy) query(ctx context.Context, logger *slog.Logger, executionID string,
	send func(ctx context.Context) (ports.QueryResult, error)) (ports.QueryResult, int, error) {
	limit := p.attempts()
	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		res, err := send(ctx)
		if err == nil {
			return res, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ports.QueryResult{}, attempt, ctxErr
		}
		if !IsRetryable(err) {
			return ports.QueryResult{}, attempt, err
		}
		last = err
		if attempt == limit {
			break
		}

		backoff := p.Backoff(attempt)
		logger.Warn("agent query failed, retrying",
			"attempt", attempt,
			"max_attempts", limit,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ports.QueryResult{}, attempt, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return ports.QueryResult{}, limit, errors.MaxRetries(executionID, limit, last)
}
