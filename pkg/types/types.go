package types

import (
	"encoding/json"
	"time"
)

// ScriptType identifies the locking script family of an input or output.
type ScriptType string

const (
	P2PKH    ScriptType = "P2PKH"
	P2SH     ScriptType = "P2SH"
	P2WPKH   ScriptType = "P2WPKH"
	P2WSH    ScriptType = "P2WSH"
	P2TR     ScriptType = "P2TR"
	OpReturn ScriptType = "OP_RETURN"
)

// Known reports whether t is one of the script types the estimator has
// size constants for.
func (t ScriptType) Known() bool {
	switch t {
	case P2PKH, P2SH, P2WPKH, P2WSH, P2TR, OpReturn:
		return true
	}
	return false
}

// AncestorInfo describes an unconfirmed parent transaction as reported by a
// mempool ancestor query.
type AncestorInfo struct {
	Fees          int64   `json:"fees"`
	VSize         int64   `json:"vsize"`
	EffectiveRate float64 `json:"effective_rate"`
}

// TxInputDescriptor describes an input for size estimation.
type TxInputDescriptor struct {
	ScriptType ScriptType    `json:"script_type"`
	IsWitness  bool          `json:"is_witness"`
	Ancestor   *AncestorInfo `json:"ancestor,omitempty"`
}

// TxOutputDescriptor describes an output for size estimation. DataSize is
// only meaningful for OP_RETURN outputs.
type TxOutputDescriptor struct {
	ScriptType ScriptType `json:"script_type"`
	Value      int64      `json:"value"`
	DataSize   int        `json:"data_size,omitempty"`
}

// Confidence grades how much a fee or price figure can be trusted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// FeeEstimate is the normalized result of a fee-rate lookup.
type FeeEstimate struct {
	RecommendedFeeSatsPerVb float64         `json:"recommended_fee_sats_per_vb"`
	Confidence              Confidence      `json:"confidence"`
	Source                  string          `json:"source"`
	Timestamp               time.Time       `json:"timestamp"`
	Debug                   json.RawMessage `json:"debug_payload,omitempty"`
	FallbackUsed            bool            `json:"fallback_used"`
	Errors                  []string        `json:"errors,omitempty"`
	FastestFee              float64         `json:"fastest_fee,omitempty"`
	HalfHourFee             float64         `json:"half_hour_fee,omitempty"`
	HourFee                 float64         `json:"hour_fee,omitempty"`
	EconomyFee              float64         `json:"economy_fee,omitempty"`
	MinimumFee              float64         `json:"minimum_fee,omitempty"`
	BTCPrice                float64         `json:"btc_price"`
}

// PriceData is the normalized result of a BTC/USD price lookup.
type PriceData struct {
	Price        float64         `json:"price"`
	Source       string          `json:"source"`
	Confidence   Confidence      `json:"confidence"`
	Timestamp    time.Time       `json:"timestamp"`
	Details      json.RawMessage `json:"details,omitempty"`
	FallbackUsed bool            `json:"fallback_used"`
	Errors       []string        `json:"errors,omitempty"`
}

// BreakerState is a snapshot of one circuit breaker's counters.
type BreakerState struct {
	Name                  string     `json:"name"`
	State                 string     `json:"state"`
	FailureCount          int        `json:"failure_count"`
	SuccessCount          int        `json:"success_count"`
	LastFailureTime       *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime       *time.Time `json:"last_success_time,omitempty"`
	LastStateChange       time.Time  `json:"last_state_change"`
	RequestCount          int64      `json:"request_count"`
	TotalFailures         int64      `json:"total_failures"`
	TotalSuccesses        int64      `json:"total_successes"`
	AverageResponseTimeMs float64    `json:"average_response_time_ms"`
}

// BroadcastResult is returned when a relay accepted a transaction.
type BroadcastResult struct {
	Txid     string `json:"txid"`
	Endpoint string `json:"endpoint"`
	Attempts int    `json:"attempts"`
}

// TxSummary holds the size and identity figures of a decoded transaction.
type TxSummary struct {
	Txid         string          `json:"txid"`
	Wtxid        *string         `json:"wtxid"`
	Version      int32           `json:"version"`
	Locktime     uint32          `json:"locktime"`
	LocktimeType string          `json:"locktime_type"`
	Segwit       bool            `json:"segwit"`
	SizeBytes    int             `json:"size_bytes"`
	Weight       int             `json:"weight"`
	Vbytes       int             `json:"vbytes"`
	RbfSignaling bool            `json:"rbf_signaling"`
	Vin          []InputSummary  `json:"vin"`
	Vout         []OutputSummary `json:"vout"`
	// TotalOutputSats is the sum of all output values.
	TotalOutputSats int64 `json:"total_output_sats"`
}

// InputSummary describes one decoded input.
type InputSummary struct {
	Txid             string            `json:"txid"`
	Vout             uint32            `json:"vout"`
	Sequence         uint32            `json:"sequence"`
	WitnessItems     int               `json:"witness_items"`
	RelativeTimelock *RelativeTimelock `json:"relative_timelock,omitempty"`
}

// RelativeTimelock is a BIP68 sequence lock.
type RelativeTimelock struct {
	Type  string `json:"type"` // "blocks" or "time"
	Value uint32 `json:"value"`
}

// OutputSummary describes one decoded output. ScriptType uses the
// lower-case classifier tags, including "op_return" and "unknown".
type OutputSummary struct {
	N               int     `json:"n"`
	ValueSats       int64   `json:"value_sats"`
	ScriptType      string  `json:"script_type"`
	Address         *string `json:"address"`
	OpReturnDataHex *string `json:"op_return_data_hex,omitempty"`
}

// Warning represents a non-fatal estimation or analysis warning
type Warning struct {
	Code string `json:"code"`
}

// ErrorInfo represents an error response
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
