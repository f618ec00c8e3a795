package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes that mean "try the same statement again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// writeRetry is the policy for participant writes. Concurrent exits and batch
// closes touch the same rows, so lock conflicts are expected under load.
var writeRetry = retryPolicy{attempts: 4, base: 10 * time.Millisecond}

// retryPolicy retries a statement on transient conflicts with jittered
// exponential backoff. attempts counts the first try.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return false
	}
	// Connection failures before the statement reached the server.
	return pgconn.SafeToRetry(err)
}

// do runs fn until it succeeds, fails permanently, or runs out of attempts.
// The last error is returned unchanged so callers can still match it.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.base
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !transient(err) || attempt >= p.attempts {
			return err
		}

		wait := delay + rand.N(delay) //nolint:gosec // jitter only
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
