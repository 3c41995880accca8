package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	obsmetrics "github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker is open. It is the sentinel the
// scheduler metrics classify as a storage outage.
var ErrUnavailable = obsmetrics.ErrStorageUnavailable

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker trips after consecutive backend failures so a dead store fails fast.
// Missing objects and invalid paths are answers, not failures.
type Breaker struct {
	next Storage
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreaker(next Storage, settings BreakerSettings, log *zap.Logger) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	log = log.Named("storage.breaker")

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPath) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Open(ctx, name)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return out.(io.ReadCloser), nil
}

func (b *Breaker) Save(ctx context.Context, name string, r io.Reader) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Save(ctx, name, r)
	})
	return b.translate(err)
}

func (b *Breaker) Delete(ctx context.Context, name string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Delete(ctx, name)
	})
	return b.translate(err)
}

func (b *Breaker) ListDir(ctx context.Context, prefix string) ([]string, []string, error) {
	type listing struct{ dirs, files []string }
	out, err := b.cb.Execute(func() (any, error) {
		dirs, files, err := b.next.ListDir(ctx, prefix)
		return listing{dirs: dirs, files: files}, err
	})
	if err != nil {
		return nil, nil, b.translate(err)
	}
	l := out.(listing)
	return l.dirs, l.files, nil
}

func (b *Breaker) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
