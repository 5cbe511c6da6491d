// Package parser decodes raw Bitcoin transactions into size and identity
// summaries.
package parser

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"fee-lens/pkg/analyzer"
	"fee-lens/pkg/txsize"
	"fee-lens/pkg/types"
	"fee-lens/pkg/utils"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidHex is returned when the input is not a hex string.
	ErrInvalidHex = errors.New("invalid transaction hex")
	// ErrTrailingData is returned when bytes remain after the transaction.
	ErrTrailingData = errors.New("trailing data after transaction")
)

// DecodeTransaction parses a raw transaction hex and summarizes it. The
// decoded transaction is returned too for callers that relay it.
func DecodeTransaction(rawHex string, net *chaincfg.Params) (types.TxSummary, *wire.MsgTx, error) {
	raw, err := utils.HexToBytes(rawHex)
	if err != nil {
		return types.TxSummary{}, nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(raw) == 0 {
		return types.TxSummary{}, nil, fmt.Errorf("%w: empty input", ErrInvalidHex)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return types.TxSummary{}, nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	if r.Len() != 0 {
		return types.TxSummary{}, nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, r.Len())
	}

	return Summarize(tx, net), tx, nil
}

// Summarize computes the identity, BIP141 size figures and per-input and
// per-output details of tx.
func Summarize(tx *wire.MsgTx, net *chaincfg.Params) types.TxSummary {
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	isSegwit := tx.HasWitness()

	var wtxid *string
	if isSegwit {
		w := tx.WitnessHash().String()
		wtxid = &w
	}

	// weight = base*3 + total
	sizeBytes := tx.SerializeSize()
	baseSize := tx.SerializeSizeStripped()
	weight := baseSize*(txsize.WitnessScaleFactor-1) + sizeBytes
	vbytes := (weight + txsize.WitnessScaleFactor - 1) / txsize.WitnessScaleFactor

	inputs := make([]types.InputSummary, 0, len(tx.TxIn))
	sequences := make([]uint32, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		inputs = append(inputs, types.InputSummary{
			Txid:             in.PreviousOutPoint.Hash.String(),
			Vout:             in.PreviousOutPoint.Index,
			Sequence:         in.Sequence,
			WitnessItems:     len(in.Witness),
			RelativeTimelock: analyzer.ParseRelativeTimelock(in.Sequence),
		})
		sequences = append(sequences, in.Sequence)
	}

	outputs := make([]types.OutputSummary, 0, len(tx.TxOut))
	var totalOutputSats int64
	for i, out := range tx.TxOut {
		totalOutputSats += out.Value

		o := types.OutputSummary{
			N:          i,
			ValueSats:  out.Value,
			ScriptType: analyzer.ClassifyOutputScript(out.PkScript),
			Address:    analyzer.AddressFromScript(out.PkScript, net),
		}
		if st, _ := analyzer.ScriptTypeFromTag(o.ScriptType); st == types.OpReturn {
			data := hex.EncodeToString(analyzer.OpReturnPayload(out.PkScript))
			o.OpReturnDataHex = &data
		}
		outputs = append(outputs, o)
	}

	return types.TxSummary{
		Txid:            tx.TxHash().String(),
		Wtxid:           wtxid,
		Version:         tx.Version,
		Locktime:        tx.LockTime,
		LocktimeType:    analyzer.GetLocktimeType(tx.LockTime),
		Segwit:          isSegwit,
		SizeBytes:       sizeBytes,
		Weight:          weight,
		Vbytes:          vbytes,
		RbfSignaling:    analyzer.IsRBFSignaling(sequences),
		Vin:             inputs,
		Vout:            outputs,
		TotalOutputSats: totalOutputSats,
	}
}

// FeeRate is fee/vbytes, or 0 when either is unknown.
func FeeRate(feeSats int64, vbytes int) float64 {
	if feeSats <= 0 || vbytes <= 0 {
		return 0
	}
	return float64(feeSats) / float64(vbytes)
}
