// Package fees turns transaction sizes into satoshi amounts: dust for
// data-carrying outputs and mining fees at a given fee rate.
package fees

import (
	"encoding/hex"
	"math"
	"strings"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/txsize"
	"fee-lens/pkg/types"
)

// DustSize is the value in sats given to each data-carrying P2WSH output.
const DustSize = 333

// bytesPerDustOutput is the payload carried by one P2WSH data output.
const bytesPerDustOutput = 32

// MaxInputs bounds the P2WPKH inputs a standard transaction can hold.
var MaxInputs = txsize.MaxStandardWeight /
	(txsize.P2WPKHInput.NonWitness*txsize.WitnessScaleFactor + txsize.P2WPKHInput.Witness)

// MaxPayloadBytes is the largest payload whose dust outputs, funded by one
// P2WPKH input with change, fit in a standard transaction.
var MaxPayloadBytes = maxPayloadBytes()

func maxPayloadBytes() int {
	funding := txsize.EstimateBulk(p2wpkhInput, 1, nil, dustOutput, 0, true, types.P2WPKH).Weight
	// the output count grows to a 3-byte varint
	room := txsize.MaxStandardWeight - funding - 2*txsize.WitnessScaleFactor
	return int(room/(txsize.P2WSHOutput*txsize.WitnessScaleFactor)) * bytesPerDustOutput
}

var (
	p2wpkhInput = types.TxInputDescriptor{ScriptType: types.P2WPKH, IsWitness: true}
	dustOutput  = types.TxOutputDescriptor{ScriptType: types.P2WSH, Value: DustSize}
)

// MiningFeeOptions tunes CalculateMiningFee.
type MiningFeeOptions struct {
	IncludeChangeOutput bool
	ChangeType          types.ScriptType
}

// DefaultMiningFeeOptions includes a P2WPKH change output.
func DefaultMiningFeeOptions() MiningFeeOptions {
	return MiningFeeOptions{IncludeChangeOutput: true, ChangeType: types.P2WPKH}
}

// FeeOutput is a payment output described by address or locking script.
// Script takes precedence when both are set.
type FeeOutput struct {
	Value   int64  `json:"value"`
	Address string `json:"address,omitempty"`
	Script  string `json:"script,omitempty"`
}

// DustOutputs is the number of P2WSH outputs needed to carry payloadBytes.
func DustOutputs(payloadBytes int) int {
	if payloadBytes <= 0 {
		return 0
	}
	n := payloadBytes / bytesPerDustOutput
	if payloadBytes%bytesPerDustOutput != 0 {
		n++
	}
	return n
}

// CalculateDust returns the total dust value needed to carry payloadBytes
// in P2WSH outputs, saturating at math.MaxInt64.
func CalculateDust(payloadBytes int) int64 {
	n := int64(DustOutputs(payloadBytes))
	if n > math.MaxInt64/DustSize {
		return math.MaxInt64
	}
	return n * DustSize
}

// feeFor is ceil(vbytes*rate), saturating at math.MaxInt64. Negative rates
// count as zero.
func feeFor(vbytes int64, rate float64) int64 {
	if rate <= 0 || math.IsNaN(rate) {
		return 0
	}
	f := math.Ceil(float64(vbytes) * rate)
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

// cpfpDeficit is what a child must add so an unconfirmed parent reaches
// rate.
func cpfpDeficit(anc *types.AncestorInfo, rate float64) int64 {
	if anc == nil {
		return 0
	}
	need := feeFor(anc.VSize, rate) - anc.Fees
	if need < 0 {
		return 0
	}
	return need
}

// CalculateMiningFee prices the described transaction at rate sat/vB.
// Inputs spending unconfirmed parents also pay the parents' shortfall.
func CalculateMiningFee(
	inputs []types.TxInputDescriptor,
	outputs []types.TxOutputDescriptor,
	rate float64,
	opts MiningFeeOptions,
) int64 {
	vbytes := txsize.VBytes(inputs, outputs, opts.IncludeChangeOutput, opts.ChangeType)
	fee := feeFor(vbytes, rate)
	for _, in := range inputs {
		fee += cpfpDeficit(in.Ancestor, rate)
	}
	return fee
}

// outputDescriptor maps a FeeOutput to its size descriptor.
func outputDescriptor(o FeeOutput) types.TxOutputDescriptor {
	if s := strings.ToLower(strings.TrimSpace(o.Script)); s != "" {
		if strings.HasPrefix(s, "6a") {
			if raw, err := hex.DecodeString(s); err == nil {
				return types.TxOutputDescriptor{
					ScriptType: types.OpReturn,
					Value:      o.Value,
					DataSize:   len(analyzer.OpReturnPayload(raw)),
				}
			}
		}
		return types.TxOutputDescriptor{ScriptType: analyzer.DetectScriptType(s), Value: o.Value}
	}
	return types.TxOutputDescriptor{ScriptType: analyzer.DetectScriptType(o.Address), Value: o.Value}
}

// EstimateFee prices a payment funded by inputCount P2WPKH inputs with a
// P2WPKH change output, plus the fees already paid by ancestors.
func EstimateFee(outputs []FeeOutput, rate float64, inputCount int, ancestors []types.AncestorInfo) int64 {
	descs := make([]types.TxOutputDescriptor, len(outputs))
	for i, o := range outputs {
		descs[i] = outputDescriptor(o)
	}

	size := txsize.EstimateBulk(p2wpkhInput, inputCount, descs, dustOutput, 0, true, types.P2WPKH)
	fee := feeFor(size.VBytes, rate)
	for _, a := range ancestors {
		fee += a.Fees
	}
	return fee
}

// CalculateP2WSHMiningFee prices a transaction that embeds payloadBytes in
// P2WSH dust outputs, funded by one P2WPKH input with change. With
// includeAncestors the rate is raised to the ancestor's effective rate when
// that is higher.
func CalculateP2WSHMiningFee(payloadBytes int, rate float64, includeAncestors bool, anc *types.AncestorInfo) int64 {
	if includeAncestors && anc != nil && anc.EffectiveRate > rate {
		rate = anc.EffectiveRate
	}

	size := txsize.EstimateBulk(p2wpkhInput, 1, nil, dustOutput, DustOutputs(payloadBytes), true, types.P2WPKH)
	return feeFor(size.VBytes, rate)
}

// FeeRateFromBTCPerKB converts a node's BTC/kvB estimate to sat/vB, never
// below 1.
func FeeRateFromBTCPerKB(btcPerKB float64) float64 {
	rate := math.Round(btcPerKB * 1e8 / 1000)
	if rate < 1 || math.IsNaN(rate) {
		return 1
	}
	return rate
}
