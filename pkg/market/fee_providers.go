package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fee-lens/pkg/fees"
	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
)

// Static fee rates in sat/vB used when no provider can answer.
const (
	StaticConservativeRate = 10
	StaticNormalRate       = 6
	StaticMinimumRate      = 1
)

// staticSource is the Source of fallback answers.
const staticSource = "default"

// Provider is one external source of T.
type Provider[T any] interface {
	Name() string
	Fetch(ctx context.Context) (T, error)
}

// FeeProvider returns fee-rate estimates.
type FeeProvider = Provider[types.FeeEstimate]

// MempoolFeeProvider reads mempool.space style /v1/fees/recommended.
type MempoolFeeProvider struct {
	baseURL string
	fetcher Fetcher
	now     func() time.Time
}

// NewMempoolFeeProvider creates a provider for the API rooted at baseURL,
// e.g. https://mempool.space/api.
func NewMempoolFeeProvider(baseURL string, f Fetcher) *MempoolFeeProvider {
	return &MempoolFeeProvider{baseURL: strings.TrimRight(baseURL, "/"), fetcher: f, now: time.Now}
}

// Name implements Provider.
func (p *MempoolFeeProvider) Name() string { return "mempool" }

type recommendedFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// Fetch implements Provider.
func (p *MempoolFeeProvider) Fetch(ctx context.Context) (types.FeeEstimate, error) {
	var resp recommendedFees
	raw, err := fetchJSON(ctx, p.fetcher, p.baseURL+"/v1/fees/recommended", &resp)
	if err != nil {
		return types.FeeEstimate{}, err
	}
	return normalizeRecommended(resp, raw, p.Name(), p.now()), nil
}

// normalizeRecommended picks fastestFee, then halfHourFee, then the static
// normal rate, lowering the confidence at each step.
func normalizeRecommended(r recommendedFees, raw json.RawMessage, source string, now time.Time) types.FeeEstimate {
	est := types.FeeEstimate{
		Source:      source,
		Timestamp:   now,
		Debug:       raw,
		FastestFee:  r.FastestFee,
		HalfHourFee: r.HalfHourFee,
		HourFee:     r.HourFee,
		EconomyFee:  r.EconomyFee,
		MinimumFee:  r.MinimumFee,
	}
	switch {
	case r.FastestFee >= 1:
		est.RecommendedFeeSatsPerVb = r.FastestFee
		est.Confidence = types.ConfidenceHigh
	case r.HalfHourFee >= 1:
		est.RecommendedFeeSatsPerVb = r.HalfHourFee
		est.Confidence = types.ConfidenceMedium
	default:
		est.RecommendedFeeSatsPerVb = StaticNormalRate
		est.Confidence = types.ConfidenceLow
	}
	return est
}

// EsploraFeeProvider reads an Esplora /fee-estimates map of confirmation
// target to sat/vB.
type EsploraFeeProvider struct {
	baseURL string
	fetcher Fetcher
	now     func() time.Time
}

// NewEsploraFeeProvider creates a provider for the API rooted at baseURL,
// e.g. https://blockstream.info/api.
func NewEsploraFeeProvider(baseURL string, f Fetcher) *EsploraFeeProvider {
	return &EsploraFeeProvider{baseURL: strings.TrimRight(baseURL, "/"), fetcher: f, now: time.Now}
}

// Name implements Provider.
func (p *EsploraFeeProvider) Name() string { return "esplora" }

// Fetch implements Provider.
func (p *EsploraFeeProvider) Fetch(ctx context.Context) (types.FeeEstimate, error) {
	var resp map[string]float64
	raw, err := fetchJSON(ctx, p.fetcher, p.baseURL+"/fee-estimates", &resp)
	if err != nil {
		return types.FeeEstimate{}, err
	}
	return normalizeEsplora(resp, raw, p.Name(), p.now())
}

// normalizeEsplora maps targets to the recommended tiers: 1 block fastest,
// 3 half hour, 6 hour, 144 economy and the largest target minimum.
func normalizeEsplora(m map[string]float64, raw json.RawMessage, source string, now time.Time) (types.FeeEstimate, error) {
	byTarget := make(map[int]float64, len(m))
	targets := make([]int, 0, len(m))
	for k, v := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 || v <= 0 {
			continue
		}
		byTarget[n] = v
		targets = append(targets, n)
	}
	if len(targets) == 0 {
		return types.FeeEstimate{}, errors.New("esplora returned no usable fee estimates")
	}
	sort.Ints(targets)

	// rate for the smallest available target >= want
	rateFor := func(want int) float64 {
		for _, t := range targets {
			if t >= want {
				return byTarget[t]
			}
		}
		return byTarget[targets[len(targets)-1]]
	}

	est := types.FeeEstimate{
		Source:      source,
		Timestamp:   now,
		Debug:       raw,
		FastestFee:  rateFor(1),
		HalfHourFee: rateFor(3),
		HourFee:     rateFor(6),
		EconomyFee:  rateFor(144),
		MinimumFee:  byTarget[targets[len(targets)-1]],
	}
	est.RecommendedFeeSatsPerVb = est.FastestFee
	est.Confidence = types.ConfidenceHigh
	if targets[0] > 2 {
		est.Confidence = types.ConfidenceMedium
	}
	return est, nil
}

// SmartFeeEstimator is the estimatesmartfee RPC. *rpcclient.Client
// satisfies it.
type SmartFeeEstimator interface {
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
}

// NodeFeeProvider asks a Bitcoin Core node for a smart fee estimate.
type NodeFeeProvider struct {
	node   SmartFeeEstimator
	target int64
	mode   btcjson.EstimateSmartFeeMode
	now    func() time.Time
}

// NewNodeFeeProvider creates a provider estimating for confTarget blocks.
// mode is "economical" or "conservative".
func NewNodeFeeProvider(node SmartFeeEstimator, confTarget int, mode string) *NodeFeeProvider {
	m := btcjson.EstimateModeEconomical
	if strings.EqualFold(mode, "conservative") {
		m = btcjson.EstimateModeConservative
	}
	if confTarget <= 0 {
		confTarget = 6
	}
	return &NodeFeeProvider{node: node, target: int64(confTarget), mode: m, now: time.Now}
}

// NodeRPCConfig is the connection to a Bitcoin Core node.
type NodeRPCConfig struct {
	Host string
	User string
	Pass string
	TLS  bool
}

// DialNode creates an HTTP POST mode RPC client. No connection is made
// until the first call.
func DialNode(cfg NodeRPCConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   !cfg.TLS,
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating node RPC client: %w", err)
	}
	return client, nil
}

// Name implements Provider.
func (p *NodeFeeProvider) Name() string { return "node" }

// Fetch implements Provider.
func (p *NodeFeeProvider) Fetch(ctx context.Context) (types.FeeEstimate, error) {
	if err := ctx.Err(); err != nil {
		return types.FeeEstimate{}, err
	}
	mode := p.mode
	res, err := p.node.EstimateSmartFee(p.target, &mode)
	if err != nil {
		return types.FeeEstimate{}, err
	}
	if res == nil || res.FeeRate == nil || *res.FeeRate <= 0 {
		msg := "fee rate couldn't be estimated"
		if res != nil && len(res.Errors) > 0 {
			msg += ": " + strings.Join(res.Errors, "; ")
		}
		return types.FeeEstimate{}, errors.New(msg)
	}

	blocks := res.Blocks
	if blocks <= 0 {
		blocks = p.target
	}
	debug, _ := json.Marshal(struct {
		FeeRateBTCPerKB float64 `json:"feerate_btc_per_kb"`
		Blocks          int64   `json:"blocks"`
		Target          int64   `json:"target"`
		Mode            string  `json:"mode"`
	}{*res.FeeRate, blocks, p.target, string(mode)})

	return types.FeeEstimate{
		RecommendedFeeSatsPerVb: fees.FeeRateFromBTCPerKB(*res.FeeRate),
		Confidence:              confidenceForTarget(blocks),
		Source:                  p.Name(),
		Timestamp:               p.now(),
		Debug:                   debug,
	}, nil
}

func confidenceForTarget(blocks int64) types.Confidence {
	switch {
	case blocks <= 2:
		return types.ConfidenceHigh
	case blocks <= 6:
		return types.ConfidenceMedium
	}
	return types.ConfidenceLow
}

// staticFeeEstimate is the answer when every provider failed.
func staticFeeEstimate(now time.Time, reason string, errs []string) types.FeeEstimate {
	debug, _ := json.Marshal(struct {
		StaticFallback bool               `json:"static_fallback"`
		AvailableRates map[string]float64 `json:"available_rates"`
		SelectedRate   float64            `json:"selected_rate"`
		Reason         string             `json:"reason"`
	}{
		StaticFallback: true,
		AvailableRates: map[string]float64{
			"conservative": StaticConservativeRate,
			"normal":       StaticNormalRate,
			"minimum":      StaticMinimumRate,
		},
		SelectedRate: StaticConservativeRate,
		Reason:       reason,
	})
	return types.FeeEstimate{
		RecommendedFeeSatsPerVb: StaticConservativeRate,
		Confidence:              types.ConfidenceLow,
		Source:                  staticSource,
		Timestamp:               now,
		Debug:                   debug,
		FallbackUsed:            true,
		Errors:                  errs,
	}
}
