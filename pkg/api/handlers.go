package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/breaker"
	"fee-lens/pkg/broadcast"
	"fee-lens/pkg/fees"
	"fee-lens/pkg/market"
	"fee-lens/pkg/parser"
	"fee-lens/pkg/txsize"
	"fee-lens/pkg/types"

	"github.com/gin-gonic/gin"
)

const satsPerBTC = 1e8

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "network": s.Network.Name})
}

func (s *Server) handleFees(c *gin.Context) {
	if s.Fees == nil {
		abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "fee service not configured")
		return
	}
	c.JSON(http.StatusOK, s.Fees.GetFeeEstimateFrom(c.Request.Context(), c.Query("source")))
}

func (s *Server) handlePrice(c *gin.Context) {
	if s.Price == nil {
		abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "price service not configured")
		return
	}
	c.JSON(http.StatusOK, s.Price.GetPrice(c.Request.Context(), c.Query("source")))
}

// resolveRate returns rate when positive, else the current recommendation
// from the fee service. The price is zero when unknown.
func (s *Server) resolveRate(c *gin.Context, rate float64, source string) (float64, string, float64, bool) {
	if rate > 0 {
		var price float64
		if s.Price != nil {
			price = s.Price.GetPrice(c.Request.Context(), "").Price
		}
		return rate, "request", price, true
	}
	if s.Fees == nil {
		abort(c, http.StatusBadRequest, "MISSING_FEE_RATE", "fee_rate is required when no fee service is configured")
		return 0, "", 0, false
	}
	est := s.Fees.GetFeeEstimateFrom(c.Request.Context(), source)
	return est.RecommendedFeeSatsPerVb, est.Source, est.BTCPrice, true
}

func usd(sats int64, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Round(float64(sats)/satsPerBTC*price*100) / 100
}

type estimateRequest struct {
	// Sized mode: typed inputs and outputs.
	Inputs        []types.TxInputDescriptor  `json:"inputs"`
	Outputs       []types.TxOutputDescriptor `json:"outputs"`
	IncludeChange *bool                      `json:"include_change"`
	ChangeType    types.ScriptType           `json:"change_type"`

	// Payment mode: outputs by address or script, funded by InputCount
	// P2WPKH inputs.
	Payments   []fees.FeeOutput     `json:"payments"`
	InputCount int                  `json:"input_count"`
	Ancestors  []types.AncestorInfo `json:"ancestors"`

	FeeRate float64 `json:"fee_rate"`
	Source  string  `json:"source"`
}

type estimateResponse struct {
	VBytes    int64           `json:"vbytes,omitempty"`
	Weight    int64           `json:"weight,omitempty"`
	FeeRate   float64         `json:"fee_rate"`
	FeeSource string          `json:"fee_source"`
	FeeSats   int64           `json:"fee_sats"`
	FeeUSD    float64         `json:"fee_usd,omitempty"`
	Warnings  []types.Warning `json:"warnings"`
}

func (s *Server) handleEstimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if len(req.Inputs) == 0 && len(req.Payments) == 0 {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", "inputs or payments are required")
		return
	}
	if req.FeeRate < 0 || math.IsNaN(req.FeeRate) || math.IsInf(req.FeeRate, 0) {
		abort(c, http.StatusBadRequest, "INVALID_FEE_RATE", "fee_rate must be a non-negative number")
		return
	}
	if req.InputCount > fees.MaxInputs || len(req.Inputs) > fees.MaxInputs {
		abort(c, http.StatusBadRequest, "INVALID_PARAM",
			fmt.Sprintf("at most %d inputs fit in a standard transaction", fees.MaxInputs))
		return
	}

	rate, source, price, ok := s.resolveRate(c, req.FeeRate, req.Source)
	if !ok {
		return
	}
	resp := estimateResponse{FeeRate: rate, FeeSource: source, Warnings: []types.Warning{}}

	if len(req.Payments) > 0 {
		if req.InputCount <= 0 {
			req.InputCount = 1
		}
		resp.FeeSats = fees.EstimateFee(req.Payments, rate, req.InputCount, req.Ancestors)
	} else {
		opts := fees.DefaultMiningFeeOptions()
		if req.IncludeChange != nil {
			opts.IncludeChangeOutput = *req.IncludeChange
		}
		if req.ChangeType != "" {
			opts.ChangeType = req.ChangeType
		}
		size := txsize.Estimate(req.Inputs, req.Outputs, opts.IncludeChangeOutput, opts.ChangeType)
		resp.VBytes = size.VBytes
		resp.Weight = size.Weight
		resp.Warnings = size.Warnings
		resp.FeeSats = fees.CalculateMiningFee(req.Inputs, req.Outputs, rate, opts)
	}
	resp.FeeUSD = usd(resp.FeeSats, price)

	c.JSON(http.StatusOK, resp)
}

type dustResponse struct {
	PayloadBytes  int     `json:"payload_bytes"`
	Outputs       int     `json:"outputs"`
	DustSats      int64   `json:"dust_sats"`
	FeeRate       float64 `json:"fee_rate"`
	FeeSource     string  `json:"fee_source"`
	MiningFeeSats int64   `json:"mining_fee_sats"`
	TotalSats     int64   `json:"total_sats"`
	TotalUSD      float64 `json:"total_usd,omitempty"`
}

func queryFloat(c *gin.Context, key string) (float64, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		abort(c, http.StatusBadRequest, "INVALID_PARAM", key+" must be a non-negative number")
		return 0, false
	}
	return f, true
}

func (s *Server) handleDust(c *gin.Context) {
	payload, err := strconv.Atoi(c.Query("bytes"))
	if err != nil || payload < 0 {
		abort(c, http.StatusBadRequest, "INVALID_PARAM", "bytes must be a non-negative integer")
		return
	}
	if payload > fees.MaxPayloadBytes {
		abort(c, http.StatusBadRequest, "INVALID_PARAM",
			fmt.Sprintf("bytes must be at most %d to fit in a standard transaction", fees.MaxPayloadBytes))
		return
	}
	feeRate, ok := queryFloat(c, "fee_rate")
	if !ok {
		return
	}
	ancRate, ok := queryFloat(c, "ancestor_rate")
	if !ok {
		return
	}

	rate, source, price, ok := s.resolveRate(c, feeRate, c.Query("source"))
	if !ok {
		return
	}

	var anc *types.AncestorInfo
	if ancRate > 0 {
		anc = &types.AncestorInfo{EffectiveRate: ancRate}
	}
	resp := dustResponse{
		PayloadBytes:  payload,
		Outputs:       fees.DustOutputs(payload),
		DustSats:      fees.CalculateDust(payload),
		FeeRate:       rate,
		FeeSource:     source,
		MiningFeeSats: fees.CalculateP2WSHMiningFee(payload, rate, anc != nil, anc),
	}
	resp.TotalSats = resp.DustSats + resp.MiningFeeSats
	resp.TotalUSD = usd(resp.TotalSats, price)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAddress(c *gin.Context) {
	var allowed []types.ScriptType
	if t := c.Query("type"); t != "" {
		for _, part := range strings.Split(t, ",") {
			st := types.ScriptType(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Known() {
				abort(c, http.StatusBadRequest, "INVALID_PARAM", "unknown script type "+part)
				return
			}
			allowed = append(allowed, st)
		}
	}
	c.JSON(http.StatusOK, analyzer.ValidateAddressForTypeOn(c.Param("address"), s.Network, allowed...))
}

type analyzeRequest struct {
	RawTx string `json:"raw_tx" binding:"required"`
	// FeeSats is the fee paid, when the caller knows the prevouts.
	FeeSats int64 `json:"fee_sats"`
}

type analyzeResponse struct {
	OK       bool            `json:"ok"`
	Tx       types.TxSummary `json:"tx"`
	FeeSats  int64           `json:"fee_sats,omitempty"`
	FeeRate  float64         `json:"fee_rate_sat_vb,omitempty"`
	Warnings []types.Warning `json:"warnings"`
	// RecommendedFeeSats prices the same size at the current
	// recommendation.
	RecommendedFeeSats int64 `json:"recommended_fee_sats,omitempty"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	summary, _, err := parser.DecodeTransaction(req.RawTx, s.Network)
	if err != nil {
		abort(c, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	resp := analyzeResponse{OK: true, Tx: summary}
	if req.FeeSats > 0 {
		resp.FeeSats = req.FeeSats
		resp.FeeRate = parser.FeeRate(req.FeeSats, summary.Vbytes)
	}
	resp.Warnings = analyzer.GenerateWarnings(summary, resp.FeeRate)
	if s.Fees != nil {
		est := s.Fees.GetFeeEstimate(c.Request.Context())
		resp.RecommendedFeeSats = int64(math.Ceil(float64(summary.Vbytes) * est.RecommendedFeeSatsPerVb))
	}

	c.JSON(http.StatusOK, resp)
}

type broadcastRequest struct {
	SignedTx string `json:"signed_tx" binding:"required"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	if s.Broadcast == nil {
		abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "broadcast service not configured")
		return
	}
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	res, err := s.Broadcast.Broadcast(c.Request.Context(), req.SignedTx)
	if err != nil {
		switch {
		case errors.Is(err, broadcast.ErrInvalidPSBT):
			abort(c, http.StatusBadRequest, "INVALID_PSBT", err.Error())
		case errors.Is(err, broadcast.ErrInvalidTx):
			abort(c, http.StatusBadRequest, "INVALID_TX", err.Error())
		case errors.Is(err, broadcast.ErrNoEndpoints):
			abort(c, http.StatusServiceUnavailable, "NO_ENDPOINTS", err.Error())
		default:
			abort(c, http.StatusBadGateway, "BROADCAST_FAILED", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.Breakers.States())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	name := c.Param("name")
	if err := s.Breakers.Reset(name); err != nil {
		if errors.Is(err, breaker.ErrNotFound) {
			abort(c, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.Logger.Info().Str("breaker", name).Msg("Circuit breaker reset by operator")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleBreakerResetAll(c *gin.Context) {
	s.Breakers.ResetAll()
	s.Logger.Info().Msg("All circuit breakers reset by operator")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleProviders(c *gin.Context) {
	resp := gin.H{}
	if s.Fees != nil {
		resp["fees"] = s.Fees.Providers()
	}
	if s.Price != nil {
		resp["price"] = s.Price.Providers()
	}
	c.JSON(http.StatusOK, resp)
}

// toggler is implemented by both market services.
type toggler interface {
	DisableProvider(name string) error
	EnableProvider(name string) error
}

func (s *Server) handleProviderToggle(c *gin.Context) {
	var svc toggler
	switch c.Param("service") {
	case "fees":
		if s.Fees != nil {
			svc = s.Fees
		}
	case "price":
		if s.Price != nil {
			svc = s.Price
		}
	}
	if svc == nil {
		abort(c, http.StatusNotFound, "NOT_FOUND", "unknown service "+c.Param("service"))
		return
	}

	name := c.Param("name")
	var err error
	switch c.Param("action") {
	case "disable":
		err = svc.DisableProvider(name)
	case "enable":
		err = svc.EnableProvider(name)
	default:
		abort(c, http.StatusBadRequest, "INVALID_PARAM", "action must be enable or disable")
		return
	}
	if err != nil {
		if errors.Is(err, market.ErrUnknownProvider) {
			abort(c, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	s.Logger.Info().
		Str("service", c.Param("service")).
		Str("provider", name).
		Str("action", c.Param("action")).
		Msg("Provider toggled by operator")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCacheInfo(c *gin.Context) {
	if s.Fees == nil {
		abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "fee service not configured")
		return
	}
	info, err := s.Fees.CacheInfo(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "CACHE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleCacheInvalidate(c *gin.Context) {
	ctx := c.Request.Context()
	if s.Fees != nil {
		if err := s.Fees.InvalidateCache(ctx); err != nil {
			abort(c, http.StatusInternalServerError, "CACHE_ERROR", err.Error())
			return
		}
	}
	if s.Price != nil {
		if err := s.Price.InvalidateCache(ctx); err != nil {
			abort(c, http.StatusInternalServerError, "CACHE_ERROR", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
