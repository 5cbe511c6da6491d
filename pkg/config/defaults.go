package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Cache: CacheConfig{
			Backend:     "memory",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "feelens:",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			ResetTimeout:     30 * time.Second,
			RequestTimeout:   10 * time.Second,
			MonitoringWindow: 60 * time.Second,
		},
		Fees: FeesConfig{
			Providers:  []string{ProviderMempool, ProviderEsplora},
			MempoolURL: "https://mempool.space/api",
			EsploraURL: "https://blockstream.info/api",
			TTL:        60 * time.Second,
			MinRate:    1,
			MaxRate:    1000,
			Attempts:   1,
			RetryDelay: 500 * time.Millisecond,
			Node: NodeConfig{
				Host:       "127.0.0.1:8332",
				ConfTarget: 6,
				Mode:       "economical",
			},
		},
		Price: PriceConfig{
			Providers:      []string{ProviderCoinGecko, ProviderBinance, ProviderCoinpaprika},
			CoinGeckoURL:   "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd",
			BinanceURL:     "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT",
			CoinpaprikaURL: "https://api.coinpaprika.com/v1/tickers/btc-bitcoin",
			TTL:            60 * time.Second,
			Attempts:       1,
			RetryDelay:     500 * time.Millisecond,
		},
		Broadcast: BroadcastConfig{
			Endpoints: []EndpointConfig{
				{Name: "mempool", Format: FormatText, URL: "https://mempool.space/api/tx"},
				{Name: "blockstream", Format: FormatText, URL: "https://blockstream.info/api/tx"},
				{Name: "blockcypher", Format: FormatJSON, URL: "https://api.blockcypher.com/v1/btc/main/txs/push"},
			},
			Timeout: 15 * time.Second,
		},
		RefreshInterval: 0,
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Fees.MempoolURL = "https://mempool.space/testnet/api"
	cfg.Fees.EsploraURL = "https://blockstream.info/testnet/api"
	cfg.Fees.Node.Host = "127.0.0.1:18332"
	cfg.Broadcast.Endpoints = []EndpointConfig{
		{Name: "mempool", Format: FormatText, URL: "https://mempool.space/testnet/api/tx"},
		{Name: "blockstream", Format: FormatText, URL: "https://blockstream.info/testnet/api/tx"},
		{Name: "blockcypher", Format: FormatJSON, URL: "https://api.blockcypher.com/v1/btc/test3/txs/push"},
	}
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
