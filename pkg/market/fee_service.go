package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"fee-lens/pkg/breaker"
	"fee-lens/pkg/cache"
	"fee-lens/pkg/metrics"
	"fee-lens/pkg/types"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const feeCacheKey = "fees:estimate"

// Deps are the collaborators shared by the market services.
type Deps struct {
	Registry *breaker.Registry
	Loader   *cache.Loader
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// FeeConfig tunes a FeeService.
type FeeConfig struct {
	// TTL is how long an estimate is served from cache.
	TTL time.Duration
	// MinRate and MaxRate bound an acceptable provider answer in sat/vB.
	MinRate float64
	MaxRate float64
	// Attempts per provider before moving to the next one.
	Attempts int
	// RetryDelay is the base back-off between attempts.
	RetryDelay time.Duration
}

// DefaultFeeConfig returns a one minute TTL and the [1, 1000] sat/vB bounds.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		TTL:        time.Minute,
		MinRate:    1,
		MaxRate:    1000,
		Attempts:   1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// PriceSource supplies the BTC price attached to fee estimates.
type PriceSource interface {
	GetPrice(ctx context.Context, source string) types.PriceData
}

// CacheInfo describes the cached estimate.
type CacheInfo struct {
	Key       string        `json:"key"`
	Cached    bool          `json:"cached"`
	TTL       time.Duration `json:"ttl"`
	Remaining time.Duration `json:"remaining"`
}

// FeeService answers fee-rate lookups. It never fails: when no provider
// can answer, a static conservative rate is returned.
type FeeService struct {
	agg    *aggregator[types.FeeEstimate]
	loader *cache.Loader
	cfg    FeeConfig
	price  PriceSource
	logger zerolog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

// NewFeeService creates a service over providers, asked in round-robin
// order. deps.Registry and deps.Loader are required; price may be nil.
func NewFeeService(providers []FeeProvider, cfg FeeConfig, price PriceSource, deps Deps) *FeeService {
	d := DefaultFeeConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = d.MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = d.MaxRate
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	s := &FeeService{
		loader: deps.Loader,
		cfg:    cfg,
		price:  price,
		logger: deps.Logger.With().Str("service", "fees").Logger(),
		m:      deps.Metrics,
		now:    time.Now,
	}
	s.agg = newAggregator("fees", providers, deps.Registry, cfg.Attempts, cfg.RetryDelay,
		s.validate, s.logger, deps.Metrics)
	return s
}

// validate rejects rates outside the configured bounds.
func (s *FeeService) validate(est types.FeeEstimate) error {
	r := est.RecommendedFeeSatsPerVb
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return fmt.Errorf("fee rate %v is not a number", r)
	}
	if r < s.cfg.MinRate || r > s.cfg.MaxRate {
		return fmt.Errorf("fee rate %.2f sat/vB outside [%.0f, %.0f]", r, s.cfg.MinRate, s.cfg.MaxRate)
	}
	return nil
}

func (s *FeeService) cacheKey(source string) string {
	if source == "" {
		return feeCacheKey
	}
	return feeCacheKey + ":" + source
}

// GetFeeEstimate returns the current fee estimate.
func (s *FeeService) GetFeeEstimate(ctx context.Context) types.FeeEstimate {
	return s.GetFeeEstimateFrom(ctx, "")
}

// GetFeeEstimateFrom asks only the named provider. An unknown name is
// ignored and the normal rotation is used.
func (s *FeeService) GetFeeEstimateFrom(ctx context.Context, source string) types.FeeEstimate {
	if source != "" && !s.agg.has(source) {
		s.logger.Debug().Str("source", source).Msg("Ignoring unknown fee source")
		source = ""
	}

	var (
		est   types.FeeEstimate
		price float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		est = s.load(gctx, source)
		return nil
	})
	if s.price != nil {
		g.Go(func() error {
			price = s.price.GetPrice(gctx, "").Price
			return nil
		})
	}
	_ = g.Wait()

	est.BTCPrice = price
	return est
}

func (s *FeeService) load(ctx context.Context, source string) types.FeeEstimate {
	est, hit, err := cache.Load(ctx, s.loader, s.cacheKey(source), s.cfg.TTL,
		func(ctx context.Context) (types.FeeEstimate, bool, error) {
			est := s.fetch(ctx, source)
			return est, est.Source != staticSource, nil
		})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Fee cache load failed")
		return staticFeeEstimate(s.now(), err.Error(), nil)
	}
	if hit {
		s.logger.Debug().Str("source", est.Source).Msg("Fee estimate served from cache")
	}
	return est
}

// fetch asks the providers, falling back to static rates.
func (s *FeeService) fetch(ctx context.Context, source string) types.FeeEstimate {
	res := s.agg.fetch(ctx, source)
	if res.provider == "" {
		s.logger.Warn().
			Strs("errors", res.errs).
			Float64("rate", StaticConservativeRate).
			Msg("All fee providers failed, using static fallback")
		s.m.Fallback("fees")
		return staticFeeEstimate(s.now(), "All API sources failed", res.errs)
	}

	est := res.value
	est.Source = res.provider
	est.FallbackUsed = res.rotated
	est.Errors = res.errs
	if est.Timestamp.IsZero() {
		est.Timestamp = s.now()
	}
	s.logger.Info().
		Str("source", est.Source).
		Float64("rate", est.RecommendedFeeSatsPerVb).
		Str("confidence", string(est.Confidence)).
		Bool("fallback_used", est.FallbackUsed).
		Msg("Fee estimate fetched")
	return est
}

// Refresh drops the cached estimate and fetches a new one.
func (s *FeeService) Refresh(ctx context.Context) error {
	if err := s.InvalidateCache(ctx); err != nil {
		return err
	}
	s.load(ctx, "")
	return nil
}

// InvalidateCache drops every cached estimate.
func (s *FeeService) InvalidateCache(ctx context.Context) error {
	keys := []string{feeCacheKey}
	for _, st := range s.agg.statuses() {
		keys = append(keys, s.cacheKey(st.Name))
	}
	return s.loader.Invalidate(ctx, keys...)
}

// CacheInfo reports on the default cached estimate.
func (s *FeeService) CacheInfo(ctx context.Context) (CacheInfo, error) {
	info := CacheInfo{Key: feeCacheKey, TTL: s.cfg.TTL}
	remaining, ok, err := s.loader.Store().TTL(ctx, feeCacheKey)
	if err != nil {
		return info, err
	}
	info.Cached = ok
	if ok {
		info.Remaining = remaining
	}
	return info, nil
}

// Providers reports every configured provider in configuration order.
func (s *FeeService) Providers() []ProviderStatus {
	return s.agg.statuses()
}

// DisableProvider removes a provider from rotation until enabled again.
func (s *FeeService) DisableProvider(name string) error {
	return s.agg.setDisabled(name, true)
}

// EnableProvider puts a disabled provider back into rotation.
func (s *FeeService) EnableProvider(name string) error {
	return s.agg.setDisabled(name, false)
}
