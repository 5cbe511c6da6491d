package broadcast

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"fee-lens/pkg/parser"
	"fee-lens/pkg/utils"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	psbtHexPrefix    = "70736274"
	psbtBase64Prefix = "cHNidP"
)

var (
	errMissingUtxo = errors.New("missing UTXO information")
	errOutOfBounds = errors.New("index out of bounds")
)

// IsPSBT reports whether s looks like a hex or base64 encoded PSBT.
func IsPSBT(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, psbtBase64Prefix) ||
		(utils.IsHex(s) && strings.HasPrefix(strings.ToLower(s), psbtHexPrefix))
}

// Prepare turns signedTx into a transaction ready to relay. A PSBT is
// finalized, extracted and every input script executed against its UTXO.
// A raw transaction only has to decode.
func Prepare(signedTx string, net *chaincfg.Params) (*wire.MsgTx, error) {
	s := strings.TrimSpace(signedTx)
	switch {
	case s == "":
		return nil, invalidTx(errors.New("empty input"))
	case strings.HasPrefix(s, psbtBase64Prefix):
		p, err := psbt.NewFromRawBytes(strings.NewReader(s), true)
		if err != nil {
			return nil, invalidPSBT(-1, err)
		}
		return finalize(p)
	case IsPSBT(s):
		raw, err := utils.HexToBytes(s)
		if err != nil {
			return nil, invalidPSBT(-1, err)
		}
		p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
		if err != nil {
			return nil, invalidPSBT(-1, err)
		}
		return finalize(p)
	case utils.IsHex(utils.CleanHex(s)):
		_, tx, err := parser.DecodeTransaction(s, net)
		if err != nil {
			return nil, invalidTx(err)
		}
		return tx, nil
	}
	return nil, invalidTx(errors.New("input is neither hex nor a PSBT"))
}

func finalize(p *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(p); err != nil {
		return nil, invalidPSBT(-1, fmt.Errorf("finalize: %w", err))
	}
	tx, err := psbt.Extract(p)
	if err != nil {
		return nil, invalidPSBT(-1, fmt.Errorf("extract: %w", err))
	}
	if err := verify(p, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// verify runs the script engine on every input of the extracted tx.
func verify(p *psbt.Packet, tx *wire.MsgTx) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	utxos := make([]*wire.TxOut, len(tx.TxIn))
	for i, in := range tx.TxIn {
		utxo, err := packetUtxo(p, i)
		if err != nil {
			return invalidPSBT(i, err)
		}
		utxos[i] = utxo
		fetcher.AddPrevOut(in.PreviousOutPoint, utxo)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, utxo := range utxos {
		vm, err := txscript.NewEngine(utxo.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, utxo.Value, fetcher)
		if err != nil {
			return invalidPSBT(i, err)
		}
		if err := vm.Execute(); err != nil {
			return invalidPSBT(i, fmt.Errorf("script verification failed: %w", err))
		}
	}
	return nil
}

// packetUtxo returns the output spent by input idx, preferring the witness
// UTXO.
func packetUtxo(p *psbt.Packet, idx int) (*wire.TxOut, error) {
	if idx >= len(p.Inputs) || idx >= len(p.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("%w: input %d", errOutOfBounds, idx)
	}
	in := &p.Inputs[idx]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo == nil {
		return nil, errMissingUtxo
	}
	prev := p.UnsignedTx.TxIn[idx].PreviousOutPoint
	if in.NonWitnessUtxo.TxHash() != prev.Hash {
		return nil, errors.New("non-witness UTXO does not match outpoint")
	}
	if int(prev.Index) >= len(in.NonWitnessUtxo.TxOut) {
		return nil, fmt.Errorf("%w: prevout index %d", errOutOfBounds, prev.Index)
	}
	return in.NonWitnessUtxo.TxOut[prev.Index], nil
}
