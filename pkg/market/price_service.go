package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"fee-lens/pkg/cache"
	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/rs/zerolog"
)

const priceCacheKey = "price:btc_usd"

// PriceConfig tunes a PriceService.
type PriceConfig struct {
	TTL time.Duration
	// StaticPrice is returned when every provider failed.
	StaticPrice float64
	Attempts    int
	RetryDelay  time.Duration
}

// DefaultPriceConfig returns a one minute TTL and a zero static price.
func DefaultPriceConfig() PriceConfig {
	return PriceConfig{
		TTL:        time.Minute,
		Attempts:   1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// PriceService answers BTC/USD lookups. Like FeeService it never fails.
type PriceService struct {
	agg    *aggregator[types.PriceData]
	loader *cache.Loader
	cfg    PriceConfig
	logger zerolog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

// NewPriceService creates a service over providers, asked in round-robin
// order.
func NewPriceService(providers []PriceProvider, cfg PriceConfig, deps Deps) *PriceService {
	d := DefaultPriceConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	s := &PriceService{
		loader: deps.Loader,
		cfg:    cfg,
		logger: deps.Logger.With().Str("service", "price").Logger(),
		m:      deps.Metrics,
		now:    time.Now,
	}
	s.agg = newAggregator("price", providers, deps.Registry, cfg.Attempts, cfg.RetryDelay,
		validatePrice, s.logger, deps.Metrics)
	return s
}

func validatePrice(p types.PriceData) error {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
		return fmt.Errorf("invalid price %v", p.Price)
	}
	return nil
}

func (s *PriceService) cacheKey(source string) string {
	if source == "" {
		return priceCacheKey
	}
	return priceCacheKey + ":" + source
}

// GetPrice returns the BTC/USD price. With source set only that provider is
// asked; an unknown source is ignored.
func (s *PriceService) GetPrice(ctx context.Context, source string) types.PriceData {
	if source != "" && !s.agg.has(source) {
		s.logger.Debug().Str("source", source).Msg("Ignoring unknown price source")
		source = ""
	}

	p, hit, err := cache.Load(ctx, s.loader, s.cacheKey(source), s.cfg.TTL,
		func(ctx context.Context) (types.PriceData, bool, error) {
			p := s.fetch(ctx, source)
			return p, p.Source != staticSource, nil
		})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Price cache load failed")
		return staticPriceData(s.cfg.StaticPrice, s.now(), err.Error(), nil)
	}
	if hit {
		s.logger.Debug().Str("source", p.Source).Msg("Price served from cache")
	}
	return p
}

func (s *PriceService) fetch(ctx context.Context, source string) types.PriceData {
	res := s.agg.fetch(ctx, source)
	if res.provider == "" {
		s.logger.Warn().
			Strs("errors", res.errs).
			Float64("price", s.cfg.StaticPrice).
			Msg("All price providers failed, using static fallback")
		s.m.Fallback("price")
		return staticPriceData(s.cfg.StaticPrice, s.now(), "All price providers failed", res.errs)
	}

	p := res.value
	p.Source = res.provider
	p.FallbackUsed = res.rotated
	p.Errors = res.errs
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	s.logger.Info().
		Str("source", p.Source).
		Float64("price", p.Price).
		Bool("fallback_used", p.FallbackUsed).
		Msg("Price fetched")
	return p
}

// Refresh drops the cached price and fetches a new one.
func (s *PriceService) Refresh(ctx context.Context) error {
	if err := s.InvalidateCache(ctx); err != nil {
		return err
	}
	s.GetPrice(ctx, "")
	return nil
}

// InvalidateCache drops every cached price.
func (s *PriceService) InvalidateCache(ctx context.Context) error {
	keys := []string{priceCacheKey}
	for _, st := range s.agg.statuses() {
		keys = append(keys, s.cacheKey(st.Name))
	}
	return s.loader.Invalidate(ctx, keys...)
}

// Providers reports every configured provider in configuration order.
func (s *PriceService) Providers() []ProviderStatus {
	return s.agg.statuses()
}

// DisableProvider removes a provider from rotation until enabled again.
func (s *PriceService) DisableProvider(name string) error {
	return s.agg.setDisabled(name, true)
}

// EnableProvider puts a disabled provider back into rotation.
func (s *PriceService) EnableProvider(name string) error {
	return s.agg.setDisabled(name, false)
}
