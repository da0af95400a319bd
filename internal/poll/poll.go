// Package poll retries probes until they succeed or a budget runs out.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gitopslab/e2e/internal/config"
	"github.com/sirupsen/logrus"
)

// Options bound a wait. Attempts <= 0 means no attempt limit, in which case
// Timeout must be set. Timeout <= 0 means no wall clock limit.
type Options struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// NotReadyError is returned when a probe never succeeded.
type NotReadyError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s not ready after %d attempts: %v", e.Name, e.Attempts, e.Cause)
}

func (e *NotReadyError) Unwrap() error {
	return e.Cause
}

// Probe returns a value once the resource is ready.
type Probe[T any] func(ctx context.Context) (T, error)

// Until calls probe until it succeeds, sleeping Interval between failures.
// It gives up after Attempts calls or once Timeout elapses.
func Until[T any](ctx context.Context, log logrus.FieldLogger, name string, opts Options, probe Probe[T]) (T, error) {
	var zero T
	if opts.Attempts <= 0 && opts.Timeout <= 0 {
		opts.Attempts = 1
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var last error
	attempt := 0
	for {
		attempt++
		v, err := probe(ctx)
		if err == nil {
			return v, nil
		}
		last = err

		if opts.Attempts > 0 && attempt >= opts.Attempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.Infof("%s not ready yet: %v. Retrying...", name, err)

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	if last == nil {
		last = ctx.Err()
	}
	return zero, &NotReadyError{Name: name, Attempts: attempt, Cause: last}
}

// CandidateProbe checks one candidate base URL.
type CandidateProbe[T any] func(ctx context.Context, candidate string) (T, error)

// UntilAny runs Until against each distinct candidate in order, with opts as
// the per-candidate budget, and returns the first candidate that became ready.
func UntilAny[T any](ctx context.Context, log logrus.FieldLogger, name string, candidates []string, opts Options, probe CandidateProbe[T]) (string, T, error) {
	var zero T
	var last error
	total := 0
	for _, candidate := range config.Dedupe(candidates) {
		if err := ctx.Err(); err != nil {
			last = err
			break
		}
		c := candidate
		v, err := Until(ctx, log, fmt.Sprintf("%s (%s)", name, c), opts, func(ctx context.Context) (T, error) {
			return probe(ctx, c)
		})
		if err == nil {
			log.Infof("%s -> %s ok", name, c)
			return c, v, nil
		}
		var notReady *NotReadyError
		if errors.As(err, &notReady) {
			total += notReady.Attempts
			last = notReady.Cause
		} else {
			last = err
		}
	}
	if last == nil {
		last = errors.New("no candidates")
	}
	return "", zero, &NotReadyError{Name: name, Attempts: total, Cause: last}
}
