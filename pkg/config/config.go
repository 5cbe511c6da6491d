// Package config handles fee-lens configuration.
//
// Values come from three layers, each overriding the previous one:
// network defaults, a key = value config file, and command-line flags.
package config

import "time"

// NetworkType identifies the Bitcoin network.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Known provider names.
const (
	ProviderMempool     = "mempool"
	ProviderEsplora     = "esplora"
	ProviderNode        = "node"
	ProviderCoinGecko   = "coingecko"
	ProviderBinance     = "binance"
	ProviderCoinpaprika = "coinpaprika"
)

// Broadcast endpoint formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds the runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`

	Log       LogConfig
	Server    ServerConfig
	Cache     CacheConfig
	Breaker   BreakerConfig
	Fees      FeesConfig
	Price     PriceConfig
	Broadcast BroadcastConfig

	// RefreshInterval is how often cached market data is refreshed in the
	// background. 0 disables the refresher.
	RefreshInterval time.Duration `conf:"refresh.interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string   `conf:"server.addr"`
	Port        int      `conf:"server.port"`
	CORSOrigins []string `conf:"server.cors"` // "*" = all
}

// CacheConfig selects and configures the market data cache.
type CacheConfig struct {
	Backend       string `conf:"cache.backend"` // memory or redis
	RedisAddr     string `conf:"cache.redis.addr"`
	RedisPassword string `conf:"cache.redis.password"`
	RedisDB       int    `conf:"cache.redis.db"`
	RedisPrefix   string `conf:"cache.redis.prefix"`
}

// BreakerConfig holds the default circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `conf:"breaker.failures"`
	SuccessThreshold int           `conf:"breaker.successes"`
	ResetTimeout     time.Duration `conf:"breaker.reset"`
	RequestTimeout   time.Duration `conf:"breaker.timeout"`
	MonitoringWindow time.Duration `conf:"breaker.window"`
}

// FeesConfig configures the fee-rate providers.
type FeesConfig struct {
	Providers  []string      `conf:"fees.providers"`
	MempoolURL string        `conf:"fees.mempool.url"`
	EsploraURL string        `conf:"fees.esplora.url"`
	TTL        time.Duration `conf:"fees.ttl"`
	MinRate    float64       `conf:"fees.min"`
	MaxRate    float64       `conf:"fees.max"`
	Attempts   int           `conf:"fees.attempts"`
	RetryDelay time.Duration `conf:"fees.retry"`

	Node NodeConfig
}

// NodeConfig is the Bitcoin Core RPC used by the node fee provider.
type NodeConfig struct {
	Host       string `conf:"fees.node.host"`
	User       string `conf:"fees.node.user"`
	Pass       string `conf:"fees.node.pass"`
	TLS        bool   `conf:"fees.node.tls"`
	ConfTarget int    `conf:"fees.node.target"`
	Mode       string `conf:"fees.node.mode"` // economical or conservative
}

// PriceConfig configures the BTC/USD price providers.
type PriceConfig struct {
	Providers      []string      `conf:"price.providers"`
	CoinGeckoURL   string        `conf:"price.coingecko.url"`
	BinanceURL     string        `conf:"price.binance.url"`
	CoinpaprikaURL string        `conf:"price.coinpaprika.url"`
	TTL            time.Duration `conf:"price.ttl"`
	StaticPrice    float64       `conf:"price.static"`
	Attempts       int           `conf:"price.attempts"`
	RetryDelay     time.Duration `conf:"price.retry"`
}

// BroadcastConfig lists the relays, tried in order.
type BroadcastConfig struct {
	Endpoints []EndpointConfig `conf:"broadcast.endpoints"`
	Timeout   time.Duration    `conf:"broadcast.timeout"`
}

// EndpointConfig is one relay. In the config file it is written as
// name|format|url.
type EndpointConfig struct {
	Name   string
	Format string
	URL    string
}
