// Package app assembles the services from a Config. Both binaries use it.
package app

import (
	"context"
	"errors"
	"fmt"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/api"
	"fee-lens/pkg/breaker"
	"fee-lens/pkg/broadcast"
	"fee-lens/pkg/cache"
	"fee-lens/pkg/config"
	"fee-lens/pkg/log"
	"fee-lens/pkg/market"
	"fee-lens/pkg/metrics"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
)

// App owns the wired services and the resources behind them.
type App struct {
	Config    *config.Config
	Network   *chaincfg.Params
	Metrics   *metrics.Metrics
	Breakers  *breaker.Registry
	Fees      *market.FeeService
	Price     *market.PriceService
	Broadcast *broadcast.Service
	Refresher *market.Refresher

	closers []func() error
}

// New builds every service described by cfg. reg may be nil, in which case
// no metrics are collected.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	a := &App{
		Config:  cfg,
		Network: analyzer.NetParams(string(cfg.Network)),
	}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	a.Breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		RequestTimeout:   cfg.Breaker.RequestTimeout,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
	}, log.Breaker, a.Metrics)

	store, err := openStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	log.Cache.Info().Str("backend", cfg.Cache.Backend).Msg("Cache store ready")

	deps := market.Deps{
		Registry: a.Breakers,
		Loader:   cache.NewLoader(store, log.Cache, a.Metrics),
		Metrics:  a.Metrics,
	}
	fetcher := market.NewHTTPFetcher(cfg.Breaker.RequestTimeout)

	priceProviders := make([]market.PriceProvider, 0, len(cfg.Price.Providers))
	for _, name := range cfg.Price.Providers {
		switch name {
		case config.ProviderCoinGecko:
			priceProviders = append(priceProviders, market.NewCoinGeckoPriceProvider(cfg.Price.CoinGeckoURL, fetcher))
		case config.ProviderBinance:
			priceProviders = append(priceProviders, market.NewBinancePriceProvider(cfg.Price.BinanceURL, fetcher))
		case config.ProviderCoinpaprika:
			priceProviders = append(priceProviders, market.NewCoinpaprikaPriceProvider(cfg.Price.CoinpaprikaURL, fetcher))
		default:
			_ = a.Close()
			return nil, fmt.Errorf("unknown price provider %q", name)
		}
	}
	deps.Logger = log.Price
	a.Price = market.NewPriceService(priceProviders, market.PriceConfig{
		TTL:         cfg.Price.TTL,
		StaticPrice: cfg.Price.StaticPrice,
		Attempts:    cfg.Price.Attempts,
		RetryDelay:  cfg.Price.RetryDelay,
	}, deps)

	feeProviders := make([]market.FeeProvider, 0, len(cfg.Fees.Providers))
	for _, name := range cfg.Fees.Providers {
		switch name {
		case config.ProviderMempool:
			feeProviders = append(feeProviders, market.NewMempoolFeeProvider(cfg.Fees.MempoolURL, fetcher))
		case config.ProviderEsplora:
			feeProviders = append(feeProviders, market.NewEsploraFeeProvider(cfg.Fees.EsploraURL, fetcher))
		case config.ProviderNode:
			node, err := market.DialNode(market.NodeRPCConfig{
				Host: cfg.Fees.Node.Host,
				User: cfg.Fees.Node.User,
				Pass: cfg.Fees.Node.Pass,
				TLS:  cfg.Fees.Node.TLS,
			})
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("node fee provider: %w", err)
			}
			a.closers = append(a.closers, func() error {
				node.Shutdown()
				return nil
			})
			feeProviders = append(feeProviders, market.NewNodeFeeProvider(node, cfg.Fees.Node.ConfTarget, cfg.Fees.Node.Mode))
		default:
			_ = a.Close()
			return nil, fmt.Errorf("unknown fee provider %q", name)
		}
	}
	deps.Logger = log.Fees
	feeCfg := market.DefaultFeeConfig()
	feeCfg.TTL = cfg.Fees.TTL
	feeCfg.MinRate = cfg.Fees.MinRate
	feeCfg.MaxRate = cfg.Fees.MaxRate
	feeCfg.Attempts = cfg.Fees.Attempts
	feeCfg.RetryDelay = cfg.Fees.RetryDelay
	a.Fees = market.NewFeeService(feeProviders, feeCfg, a.Price, deps)

	endpoints := make([]broadcast.Endpoint, len(cfg.Broadcast.Endpoints))
	for i, ep := range cfg.Broadcast.Endpoints {
		endpoints[i] = broadcast.Endpoint{Name: ep.Name, URL: ep.URL, Format: ep.Format}
	}
	a.Broadcast = broadcast.New(endpoints, broadcast.Options{
		Timeout: cfg.Broadcast.Timeout,
		Network: a.Network,
	}, log.Broadcast, a.Metrics)

	a.Refresher = market.NewRefresher(cfg.RefreshInterval, log.Fees, a.Price, a.Fees)
	return a, nil
}

func openStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		s, err := cache.NewRedisStoreFromConfig(ctx, cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return s, nil
	case "memory", "":
		s, err := cache.NewMemoryStore(ctx, cache.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

// Server returns the HTTP handler state for the wired services.
func (a *App) Server() *api.Server {
	return &api.Server{
		Fees:      a.Fees,
		Price:     a.Price,
		Broadcast: a.Broadcast,
		Breakers:  a.Breakers,
		Network:   a.Network,
		Logger:    log.API,
		Metrics:   a.Metrics,
	}
}

// Close releases the cache store and node connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
