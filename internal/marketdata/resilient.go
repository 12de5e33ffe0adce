package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// ResilientProvider wraps a BarProvider with retry and a circuit breaker.
// Transient failures retry with exponential backoff capped at 30s; repeated
// failure opens the breaker and fails fast until the provider recovers.
type ResilientProvider struct {
	inner   model.BarProvider
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	maxElapsed time.Duration
}

func NewResilientProvider(inner model.BarProvider) *ResilientProvider {
	log := logging.Component("marketdata")
	settings := gobreaker.Settings{
		Name:    "bar-provider",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider breaker state change")
		},
	}
	return &ResilientProvider{
		inner:      inner,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
		maxElapsed: 2 * time.Minute,
	}
}

// FetchBars retries the inner provider until it succeeds, the backoff
// budget runs out, or the breaker opens.
func (p *ResilientProvider) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = p.maxElapsed

	var bars []model.Candle
	op := func() error {
		result, err := p.breaker.Execute(func() (interface{}, error) {
			return p.inner.FetchBars(ctx, symbol, tf, from, to)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Retrying against an open breaker is pointless.
				return backoff.Permanent(err)
			}
			p.log.Warn().Err(err).Str("tf", string(tf)).Msg("fetch failed, will retry")
			return err
		}
		bars = result.([]model.Candle)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return bars, nil
}

var _ model.BarProvider = (*ResilientProvider)(nil)
