package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"fee-lens/pkg/types"
)

// PriceProvider returns BTC/USD prices.
type PriceProvider = Provider[types.PriceData]

// CoinGeckoPriceProvider reads the simple/price endpoint.
type CoinGeckoPriceProvider struct {
	url     string
	fetcher Fetcher
	now     func() time.Time
}

// NewCoinGeckoPriceProvider creates a provider for the full request url.
func NewCoinGeckoPriceProvider(url string, f Fetcher) *CoinGeckoPriceProvider {
	return &CoinGeckoPriceProvider{url: url, fetcher: f, now: time.Now}
}

// Name implements Provider.
func (p *CoinGeckoPriceProvider) Name() string { return "coingecko" }

// Fetch implements Provider.
func (p *CoinGeckoPriceProvider) Fetch(ctx context.Context) (types.PriceData, error) {
	var resp struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	raw, err := fetchJSON(ctx, p.fetcher, p.url, &resp)
	if err != nil {
		return types.PriceData{}, err
	}
	return priceData(resp.Bitcoin.USD, raw, p.Name(), p.now()), nil
}

// BinancePriceProvider reads the ticker/price endpoint, which quotes the
// price as a string.
type BinancePriceProvider struct {
	url     string
	fetcher Fetcher
	now     func() time.Time
}

// NewBinancePriceProvider creates a provider for the full request url.
func NewBinancePriceProvider(url string, f Fetcher) *BinancePriceProvider {
	return &BinancePriceProvider{url: url, fetcher: f, now: time.Now}
}

// Name implements Provider.
func (p *BinancePriceProvider) Name() string { return "binance" }

// Fetch implements Provider.
func (p *BinancePriceProvider) Fetch(ctx context.Context) (types.PriceData, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	raw, err := fetchJSON(ctx, p.fetcher, p.url, &resp)
	if err != nil {
		return types.PriceData{}, err
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return types.PriceData{}, fmt.Errorf("binance price %q: %w", resp.Price, err)
	}
	return priceData(price, raw, p.Name(), p.now()), nil
}

// CoinpaprikaPriceProvider reads the tickers/btc-bitcoin endpoint.
type CoinpaprikaPriceProvider struct {
	url     string
	fetcher Fetcher
	now     func() time.Time
}

// NewCoinpaprikaPriceProvider creates a provider for the full request url.
func NewCoinpaprikaPriceProvider(url string, f Fetcher) *CoinpaprikaPriceProvider {
	return &CoinpaprikaPriceProvider{url: url, fetcher: f, now: time.Now}
}

// Name implements Provider.
func (p *CoinpaprikaPriceProvider) Name() string { return "coinpaprika" }

// Fetch implements Provider.
func (p *CoinpaprikaPriceProvider) Fetch(ctx context.Context) (types.PriceData, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Quotes struct {
			USD struct {
				Price float64 `json:"price"`
			} `json:"USD"`
		} `json:"quotes"`
	}
	raw, err := fetchJSON(ctx, p.fetcher, p.url, &resp)
	if err != nil {
		return types.PriceData{}, err
	}
	return priceData(resp.Quotes.USD.Price, raw, p.Name(), p.now()), nil
}

func priceData(price float64, raw json.RawMessage, source string, now time.Time) types.PriceData {
	return types.PriceData{
		Price:      price,
		Source:     source,
		Confidence: types.ConfidenceHigh,
		Timestamp:  now,
		Details:    raw,
	}
}

// staticPriceData is the answer when every provider failed.
func staticPriceData(price float64, now time.Time, reason string, errs []string) types.PriceData {
	details, _ := json.Marshal(struct {
		StaticFallback bool    `json:"static_fallback"`
		Reason         string  `json:"reason"`
		FallbackPrice  float64 `json:"fallback_price"`
	}{true, reason, price})
	return types.PriceData{
		Price:        price,
		Source:       staticSource,
		Confidence:   types.ConfidenceLow,
		Timestamp:    now,
		Details:      details,
		FallbackUsed: true,
		Errors:       errs,
	}
}
