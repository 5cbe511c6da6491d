// Package txsize estimates the BIP141 weight and virtual size of a
// transaction from descriptions of its inputs and outputs.
package txsize

import (
	"math"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/wire"
)

// WitnessScaleFactor is the BIP141 weight multiplier for non-witness bytes.
const WitnessScaleFactor = 4

// MaxStandardWeight is the largest weight relayed as standard.
const MaxStandardWeight = 400_000

// MaxStandardVBytes is MaxStandardWeight in virtual bytes.
const MaxStandardVBytes = MaxStandardWeight / WitnessScaleFactor

// Fixed transaction overhead.
const (
	VersionSize  = 4
	LocktimeSize = 4
	// SegwitMarkerFlagWeight covers the marker and flag bytes, which are
	// witness data.
	SegwitMarkerFlagWeight = 2
)

// InputSize is the byte layout of one spend: non-witness bytes (outpoint,
// scriptSig, sequence) and witness bytes (stack item count plus items).
type InputSize struct {
	NonWitness int
	Witness    int
}

// Input sizes per script type. Signatures are counted at their 72-byte
// upper bound so estimates never fall short.
var (
	// 32 txid + 4 vout + 1 len + 107 scriptSig (sig + compressed key) + 4 sequence
	P2PKHInput = InputSize{NonWitness: 148}
	// scriptSig carries the 22-byte P2WPKH redeem script
	P2SHInput = InputSize{NonWitness: 64, Witness: 108}
	// witness: count + sig + compressed key
	P2WPKHInput = InputSize{NonWitness: 41, Witness: 108}
	// 2-of-3 multisig witness: count + empty + 2 sigs + 105-byte script
	P2WSHInput = InputSize{NonWitness: 41, Witness: 254}
	// key path: count + 64-byte Schnorr signature
	P2TRInput = InputSize{NonWitness: 41, Witness: 66}
	// legacy 2-of-3 P2SH multisig, the largest common standard spend
	UnknownInput = InputSize{NonWitness: 297}
)

// Output sizes per script type: 8 value + script length varint + script.
const (
	P2PKHOutput   = 34
	P2SHOutput    = 32
	P2WPKHOutput  = 31
	P2WSHOutput   = 43
	P2TROutput    = 43
	UnknownOutput = 43
)

// Result is the outcome of a size estimate.
type Result struct {
	VBytes   int64           `json:"vbytes"`
	Weight   int64           `json:"weight"`
	Warnings []types.Warning `json:"warnings"`
}

// InputSizeFor returns the byte layout of a spend of the given type. The
// second result is false for types without a size model.
func InputSizeFor(t types.ScriptType) (InputSize, bool) {
	switch t {
	case types.P2PKH:
		return P2PKHInput, true
	case types.P2SH:
		return P2SHInput, true
	case types.P2WPKH:
		return P2WPKHInput, true
	case types.P2WSH:
		return P2WSHInput, true
	case types.P2TR:
		return P2TRInput, true
	}
	return UnknownInput, false
}

// OutputSize returns the serialized size of an output. dataSize is only
// read for OP_RETURN.
func OutputSize(t types.ScriptType, dataSize int) (int, bool) {
	switch t {
	case types.P2PKH:
		return P2PKHOutput, true
	case types.P2SH:
		return P2SHOutput, true
	case types.P2WPKH:
		return P2WPKHOutput, true
	case types.P2WSH:
		return P2WSHOutput, true
	case types.P2TR:
		return P2TROutput, true
	case types.OpReturn:
		return opReturnOutputSize(dataSize), true
	}
	return UnknownOutput, false
}

// opReturnOutputSize is 8 value + script length varint + OP_RETURN + push
// opcode(s) + data.
func opReturnOutputSize(dataSize int) int {
	if dataSize < 0 {
		dataSize = 0
	}
	script := 1 + pushPrefixSize(dataSize) + dataSize
	return 8 + wire.VarIntSerializeSize(uint64(script)) + script
}

func pushPrefixSize(n int) int {
	switch {
	case n == 0:
		return 0
	case n <= 75:
		return 1
	case n <= 0xff:
		return 2
	case n <= 0xffff:
		return 3
	}
	return 5
}

// inputWeight returns the weight of one input. Witness bytes only get the
// discount when the input is flagged as witness-bearing.
func inputWeight(in types.TxInputDescriptor, segwitTx bool) (int64, bool) {
	size, known := InputSizeFor(in.ScriptType)

	w := int64(size.NonWitness) * WitnessScaleFactor
	if in.IsWitness {
		w += int64(size.Witness)
	} else {
		w += int64(size.Witness) * WitnessScaleFactor
		if segwitTx {
			// empty witness stack count
			w++
		}
	}
	return w, known
}

func hasWitness(inputs []types.TxInputDescriptor) bool {
	for _, in := range inputs {
		if in.IsWitness {
			return true
		}
	}
	return false
}

// Estimate computes weight and vbytes for the described transaction. With
// includeChange an extra output of changeType (P2WPKH when empty) is added.
func Estimate(
	inputs []types.TxInputDescriptor,
	outputs []types.TxOutputDescriptor,
	includeChange bool,
	changeType types.ScriptType,
) Result {
	warnings := make([]types.Warning, 0)

	if includeChange {
		if changeType == "" {
			changeType = types.P2WPKH
		}
		outputs = append(outputs[:len(outputs):len(outputs)], types.TxOutputDescriptor{ScriptType: changeType})
	}

	segwit := hasWitness(inputs)

	base := VersionSize + LocktimeSize +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(len(outputs)))
	weight := int64(base) * WitnessScaleFactor
	if segwit {
		weight += SegwitMarkerFlagWeight
	}

	unknownIn := false
	for _, in := range inputs {
		w, known := inputWeight(in, segwit)
		weight += w
		unknownIn = unknownIn || !known
	}

	unknownOut := false
	for _, out := range outputs {
		size, known := OutputSize(out.ScriptType, out.DataSize)
		weight += int64(size) * WitnessScaleFactor
		unknownOut = unknownOut || !known
	}

	if unknownIn {
		warnings = append(warnings, types.Warning{Code: analyzer.WarnUnknownInputType})
	}
	if unknownOut {
		warnings = append(warnings, types.Warning{Code: analyzer.WarnUnknownOutputType})
	}

	return Result{
		VBytes:   WeightToVBytes(weight),
		Weight:   weight,
		Warnings: warnings,
	}
}

// VBytes is Estimate without the warnings.
func VBytes(
	inputs []types.TxInputDescriptor,
	outputs []types.TxOutputDescriptor,
	includeChange bool,
	changeType types.ScriptType,
) int64 {
	return Estimate(inputs, outputs, includeChange, changeType).VBytes
}

// EstimateBulk is Estimate for nIn copies of in and, after outputs, nOut
// copies of out. The copies are priced in closed form rather than built, and
// the weight saturates at math.MaxInt64.
func EstimateBulk(
	in types.TxInputDescriptor, nIn int,
	outputs []types.TxOutputDescriptor,
	out types.TxOutputDescriptor, nOut int,
	includeChange bool,
	changeType types.ScriptType,
) Result {
	nIn = max(nIn, 0)
	nOut = max(nOut, 0)
	warnings := make([]types.Warning, 0)

	if includeChange {
		if changeType == "" {
			changeType = types.P2WPKH
		}
		outputs = append(outputs[:len(outputs):len(outputs)], types.TxOutputDescriptor{ScriptType: changeType})
	}

	segwit := nIn > 0 && in.IsWitness
	totalOut := uint64(len(outputs)) + uint64(nOut)

	base := VersionSize + LocktimeSize +
		wire.VarIntSerializeSize(uint64(nIn)) +
		wire.VarIntSerializeSize(totalOut)
	weight := int64(base) * WitnessScaleFactor
	if segwit {
		weight += SegwitMarkerFlagWeight
	}

	inW, knownIn := inputWeight(in, segwit)
	weight = addMul(weight, inW, nIn)

	unknownOut := false
	for _, o := range outputs {
		size, known := OutputSize(o.ScriptType, o.DataSize)
		weight = addMul(weight, int64(size)*WitnessScaleFactor, 1)
		unknownOut = unknownOut || !known
	}
	outSize, knownOut := OutputSize(out.ScriptType, out.DataSize)
	weight = addMul(weight, int64(outSize)*WitnessScaleFactor, nOut)
	unknownOut = unknownOut || (nOut > 0 && !knownOut)

	if nIn > 0 && !knownIn {
		warnings = append(warnings, types.Warning{Code: analyzer.WarnUnknownInputType})
	}
	if unknownOut {
		warnings = append(warnings, types.Warning{Code: analyzer.WarnUnknownOutputType})
	}

	return Result{
		VBytes:   WeightToVBytes(weight),
		Weight:   weight,
		Warnings: warnings,
	}
}

// addMul returns acc + unit*n, saturating at math.MaxInt64.
func addMul(acc, unit int64, n int) int64 {
	if n <= 0 || unit <= 0 {
		return acc
	}
	if unit > (math.MaxInt64-acc)/int64(n) {
		return math.MaxInt64
	}
	return acc + unit*int64(n)
}

// WeightToVBytes rounds weight up to whole virtual bytes.
func WeightToVBytes(weight int64) int64 {
	v := weight / WitnessScaleFactor
	if weight%WitnessScaleFactor > 0 {
		v++
	}
	return v
}
