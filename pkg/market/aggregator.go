package market

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fee-lens/pkg/breaker"
	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownProvider is returned for a provider name the service was not
	// configured with.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderDisabled is reported when a requested provider was disabled
	// by an operator.
	ErrProviderDisabled = errors.New("provider disabled")
)

const maxRetryDelay = 5 * time.Second

// ProviderStatus describes one configured provider.
type ProviderStatus struct {
	Name     string             `json:"name"`
	Disabled bool               `json:"disabled"`
	Breaker  types.BreakerState `json:"breaker"`
}

// source is a provider together with its breaker and operator switch.
type source[T any] struct {
	provider Provider[T]
	breaker  *breaker.Breaker
	disabled atomic.Bool
}

// result is the outcome of one aggregated lookup.
type result[T any] struct {
	value T
	// provider is empty when no provider answered.
	provider string
	// rotated is true when the answer did not come from the first provider
	// tried.
	rotated bool
	errs    []string
}

// aggregator walks its providers in round-robin order until one returns a
// valid value.
type aggregator[T any] struct {
	service   string
	sources   []*source[T]
	cursor    atomic.Uint64
	attempts  int
	retryBase time.Duration
	validate  func(T) error
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

func newAggregator[T any](
	service string,
	providers []Provider[T],
	reg *breaker.Registry,
	attempts int,
	retryBase time.Duration,
	validate func(T) error,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *aggregator[T] {
	if attempts <= 0 {
		attempts = 1
	}
	a := &aggregator[T]{
		service:   service,
		attempts:  attempts,
		retryBase: retryBase,
		validate:  validate,
		logger:    logger,
		metrics:   m,
		sleep:     sleepCtx,
	}
	for _, p := range providers {
		a.sources = append(a.sources, &source[T]{
			provider: p,
			breaker:  reg.Get(service + ":" + p.Name()),
		})
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *aggregator[T]) lookup(name string) *source[T] {
	for _, s := range a.sources {
		if s.provider.Name() == name {
			return s
		}
	}
	return nil
}

func (a *aggregator[T]) has(name string) bool {
	return a.lookup(name) != nil
}

// setDisabled flips a provider's operator switch.
func (a *aggregator[T]) setDisabled(name string, disabled bool) error {
	s := a.lookup(name)
	if s == nil {
		return fmt.Errorf("%s provider %q: %w", a.service, name, ErrUnknownProvider)
	}
	s.disabled.Store(disabled)
	a.logger.Info().Str("provider", name).Bool("disabled", disabled).Msg("Provider switch changed")
	return nil
}

func (a *aggregator[T]) statuses() []ProviderStatus {
	out := make([]ProviderStatus, len(a.sources))
	for i, s := range a.sources {
		out[i] = ProviderStatus{
			Name:     s.provider.Name(),
			Disabled: s.disabled.Load(),
			Breaker:  s.breaker.State(),
		}
	}
	return out
}

// order returns the enabled sources whose breakers would admit a call,
// starting at the next round-robin position. When no breaker is ready every
// enabled source is returned so the caller still sees their errors.
func (a *aggregator[T]) order() []*source[T] {
	enabled := make([]*source[T], 0, len(a.sources))
	ready := make([]*source[T], 0, len(a.sources))
	for _, s := range a.sources {
		if s.disabled.Load() {
			continue
		}
		enabled = append(enabled, s)
		if s.breaker.Ready() {
			ready = append(ready, s)
		}
	}
	pool := ready
	if len(pool) == 0 {
		pool = enabled
	}
	n := len(pool)
	if n == 0 {
		return nil
	}
	start := int((a.cursor.Add(1) - 1) % uint64(n))
	out := make([]*source[T], n)
	for i := range out {
		out[i] = pool[(start+i)%n]
	}
	return out
}

// fetch asks the providers in turn. With only set, just that provider is
// asked.
func (a *aggregator[T]) fetch(ctx context.Context, only string) result[T] {
	var sources []*source[T]
	if only != "" {
		s := a.lookup(only)
		if s == nil {
			return result[T]{errs: []string{fmt.Sprintf("%s: %v", only, ErrUnknownProvider)}}
		}
		if s.disabled.Load() {
			return result[T]{errs: []string{fmt.Sprintf("%s: %v", only, ErrProviderDisabled)}}
		}
		sources = []*source[T]{s}
	} else {
		sources = a.order()
	}

	var res result[T]
	for i, s := range sources {
		v, err := a.try(ctx, s)
		if err == nil {
			res.value = v
			res.provider = s.provider.Name()
			res.rotated = i > 0
			return res
		}
		res.errs = append(res.errs, fmt.Sprintf("%s: %v", s.provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return res
}

// try runs up to attempts calls of one provider through its breaker.
func (a *aggregator[T]) try(ctx context.Context, s *source[T]) (T, error) {
	name := s.provider.Name()
	var err error
	for attempt := 0; attempt < a.attempts; attempt++ {
		var value T
		err = s.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := s.provider.Fetch(ctx)
			if err != nil {
				return err
			}
			if a.validate != nil {
				if err := a.validate(v); err != nil {
					return err
				}
			}
			value = v
			return nil
		})
		a.metrics.ProviderFetch(a.service, name, err)
		if err == nil {
			return value, nil
		}

		a.logger.Debug().Err(err).Str("provider", name).Int("attempt", attempt+1).Msg("Provider attempt failed")
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrPermanent) || ctx.Err() != nil {
			break
		}
		if attempt < a.attempts-1 {
			if serr := a.sleep(ctx, breaker.BackoffDelay(attempt, a.retryBase, maxRetryDelay)); serr != nil {
				break
			}
		}
	}
	var zero T
	return zero, err
}
