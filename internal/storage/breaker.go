package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"lateralguard/internal/config"
	"lateralguard/internal/model"
)

// BreakerStore fails fast while the wrapped store keeps failing, so an
// unreachable database costs the detection loop nothing but a counter.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(inner Store, cfg config.BreakerConfig, logger *slog.Logger, onState func(name string, state gobreaker.State)) *BreakerStore {
	settings := gobreaker.Settings{
		Name:        "event-store",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("event store breaker state changed", "name", name, "from", from.String(), "to", to.String())
			}
			if onState != nil {
				onState(name, to)
			}
		},
	}
	return &BreakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) Init(ctx context.Context) error {
	return b.inner.Init(ctx)
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}

func (b *BreakerStore) Append(ctx context.Context, ev model.StoredEvent) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Append(ctx, ev)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.CountDistinctTargets(ctx, source, since)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *BreakerStore) Query(ctx context.Context, q Query) ([]model.StoredEvent, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Query(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.StoredEvent), nil
}
