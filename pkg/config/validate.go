package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in range [0, 65535]")
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.backend=redis requires cache.redis.addr")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis")
	}

	b := cfg.Breaker
	if b.FailureThreshold <= 0 || b.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if b.ResetTimeout <= 0 || b.RequestTimeout <= 0 || b.MonitoringWindow <= 0 {
		return fmt.Errorf("breaker durations must be positive")
	}

	if len(cfg.Fees.Providers) == 0 {
		return fmt.Errorf("fees.providers must list at least one provider")
	}
	if err := checkProviders("fees.providers", cfg.Fees.Providers, ProviderMempool, ProviderEsplora, ProviderNode); err != nil {
		return err
	}
	if cfg.Fees.TTL <= 0 {
		return fmt.Errorf("fees.ttl must be positive")
	}
	if cfg.Fees.MinRate <= 0 || cfg.Fees.MaxRate < cfg.Fees.MinRate {
		return fmt.Errorf("fees.min must be positive and not above fees.max")
	}
	if cfg.Fees.Attempts <= 0 {
		return fmt.Errorf("fees.attempts must be positive")
	}
	if cfg.Fees.RetryDelay < 0 {
		return fmt.Errorf("fees.retry must not be negative")
	}
	if contains(cfg.Fees.Providers, ProviderNode) {
		if cfg.Fees.Node.Host == "" {
			return fmt.Errorf("fees.node.host is required for the node provider")
		}
		if cfg.Fees.Node.ConfTarget < 1 {
			return fmt.Errorf("fees.node.target must be at least 1")
		}
		if m := cfg.Fees.Node.Mode; m != "economical" && m != "conservative" {
			return fmt.Errorf("fees.node.mode must be economical or conservative")
		}
	}

	if len(cfg.Price.Providers) == 0 {
		return fmt.Errorf("price.providers must list at least one provider")
	}
	if err := checkProviders("price.providers", cfg.Price.Providers, ProviderCoinGecko, ProviderBinance, ProviderCoinpaprika); err != nil {
		return err
	}
	if cfg.Price.TTL <= 0 {
		return fmt.Errorf("price.ttl must be positive")
	}
	if cfg.Price.StaticPrice < 0 {
		return fmt.Errorf("price.static must not be negative")
	}
	if cfg.Price.Attempts <= 0 {
		return fmt.Errorf("price.attempts must be positive")
	}
	if cfg.Price.RetryDelay < 0 {
		return fmt.Errorf("price.retry must not be negative")
	}

	if len(cfg.Broadcast.Endpoints) == 0 {
		return fmt.Errorf("broadcast.endpoints must list at least one endpoint")
	}
	for i, ep := range cfg.Broadcast.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("broadcast.endpoints[%d] has no name", i)
		}
		if ep.Format != FormatText && ep.Format != FormatJSON {
			return fmt.Errorf("broadcast endpoint %s: format must be %s or %s", ep.Name, FormatText, FormatJSON)
		}
		if u, err := url.Parse(ep.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("broadcast endpoint %s: invalid url %q", ep.Name, ep.URL)
		}
	}
	if cfg.Broadcast.Timeout <= 0 {
		return fmt.Errorf("broadcast.timeout must be positive")
	}

	if cfg.RefreshInterval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}

	return nil
}

func checkProviders(field string, names []string, known ...string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if !contains(known, n) {
			return fmt.Errorf("%s: unknown provider %q", field, n)
		}
		if _, ok := seen[n]; ok {
			return fmt.Errorf("%s: duplicate provider %q", field, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
