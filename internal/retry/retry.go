package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy is a bounded retry schedule: a fixed attempt count with a delay that
// grows by Multiplier between attempts.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
}

// ExhaustedError is returned after every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do runs fn until it succeeds, the context is cancelled, retryable rejects
// the error, or the attempt budget runs out. A nil retryable retries on every
// error.
func (p Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Delay
	var last error
	for i := 0; i < attempts; i++ {
		last = fn()
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: last}
}
