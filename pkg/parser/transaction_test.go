package parser

import (
	"bytes"
	"encoding/hex"
	"testing"

	"fee-lens/pkg/analyzer"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wpkhScript, _ = hex.DecodeString("0014751e76e8199196d454941c45d1b3a323f1433bd6")

func encode(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func segwitTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 3}, nil, nil)
	in.Sequence = 0xfffffffd
	in.Witness = wire.TxWitness{bytes.Repeat([]byte{0x30}, 72), bytes.Repeat([]byte{0x02}, 33)}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(50000, wpkhScript))
	return tx
}

func TestDecodeSegwitTransaction(t *testing.T) {
	tx := segwitTx()
	summary, decoded, err := DecodeTransaction(encode(t, tx), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, tx.TxHash().String(), summary.Txid)
	require.NotNil(t, summary.Wtxid)
	assert.Equal(t, tx.WitnessHash().String(), *summary.Wtxid)
	assert.True(t, summary.Segwit)

	// base 82 bytes, total 192 bytes
	assert.Equal(t, 192, summary.SizeBytes)
	assert.Equal(t, 438, summary.Weight)
	assert.Equal(t, 110, summary.Vbytes)

	assert.True(t, summary.RbfSignaling)
	assert.Equal(t, "none", summary.LocktimeType)
	require.Len(t, summary.Vin, 1)
	assert.Equal(t, uint32(3), summary.Vin[0].Vout)
	assert.Equal(t, 2, summary.Vin[0].WitnessItems)
	require.NotNil(t, summary.Vin[0].RelativeTimelock)
	assert.Equal(t, "blocks", summary.Vin[0].RelativeTimelock.Type)

	require.Len(t, summary.Vout, 1)
	assert.Equal(t, "p2wpkh", summary.Vout[0].ScriptType)
	require.NotNil(t, summary.Vout[0].Address)
	assert.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", *summary.Vout[0].Address)
	assert.Equal(t, int64(50000), summary.TotalOutputSats)
}

func TestDecodeLegacyTransaction(t *testing.T) {
	tx := wire.NewMsgTx(1)
	in := wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{2}}, []byte{0x51}, nil)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x6a, 0x04, 0xde, 0xad, 0xbe, 0xef}))
	tx.AddTxOut(wire.NewTxOut(100, wpkhScript))
	tx.LockTime = 840000

	summary, _, err := DecodeTransaction("  "+encode(t, tx)+"\n", nil)
	require.NoError(t, err)

	assert.False(t, summary.Segwit)
	assert.Nil(t, summary.Wtxid)
	assert.Equal(t, summary.SizeBytes*4, summary.Weight)
	assert.Equal(t, summary.SizeBytes, summary.Vbytes)
	assert.False(t, summary.RbfSignaling)
	assert.Nil(t, summary.Vin[0].RelativeTimelock)
	assert.Equal(t, "block_height", summary.LocktimeType)

	op := summary.Vout[0]
	assert.Equal(t, "op_return", op.ScriptType)
	assert.Nil(t, op.Address)
	require.NotNil(t, op.OpReturnDataHex)
	assert.Equal(t, "deadbeef", *op.OpReturnDataHex)

	codes := map[string]bool{}
	for _, w := range analyzer.GenerateWarnings(summary, 0) {
		codes[w.Code] = true
	}
	assert.True(t, codes[analyzer.WarnDustOutput])
}

func TestSummarizeCarriesDataOnlyForOpReturn(t *testing.T) {
	tx := segwitTx()
	tx.AddTxOut(wire.NewTxOut(333, append([]byte{0x00, 0x20}, bytes.Repeat([]byte{0xab}, 32)...)))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x51}))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x6a}))

	summary := Summarize(tx, nil)
	require.Len(t, summary.Vout, 4)

	for i, want := range []string{"p2wpkh", "p2wsh", "unknown"} {
		assert.Equal(t, want, summary.Vout[i].ScriptType)
		assert.Nil(t, summary.Vout[i].OpReturnDataHex, want)
	}
	assert.NotNil(t, summary.Vout[1].Address)

	op := summary.Vout[3]
	assert.Equal(t, "op_return", op.ScriptType)
	require.NotNil(t, op.OpReturnDataHex)
	assert.Empty(t, *op.OpReturnDataHex)
}

func TestDecodeTransactionErrors(t *testing.T) {
	_, _, err := DecodeTransaction("zz", nil)
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, _, err = DecodeTransaction("", nil)
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, _, err = DecodeTransaction("0200000001", nil)
	assert.Error(t, err)

	_, _, err = DecodeTransaction(encode(t, segwitTx())+"00", nil)
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestFeeRate(t *testing.T) {
	assert.Equal(t, 10.0, FeeRate(1410, 141))
	assert.Zero(t, FeeRate(0, 141))
	assert.Zero(t, FeeRate(100, 0))
}
