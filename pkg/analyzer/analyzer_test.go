package analyzer

import (
	"encoding/hex"
	"strings"
	"testing"

	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hash20 = strings.Repeat("ab", 20)
	hash32 = strings.Repeat("cd", 32)
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDetectScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   types.ScriptType
	}{
		{"p2pkh", "76a914" + hash20 + "88ac", types.P2PKH},
		{"p2sh", "a914" + hash20 + "87", types.P2SH},
		{"p2wpkh", "0014" + hash20, types.P2WPKH},
		{"p2wsh", "0020" + hash32, types.P2WSH},
		{"p2tr", "5120" + hash32, types.P2TR},
		{"truncated p2pkh", "76a914" + hash20, types.P2WPKH},
		{"op_return", "6a0401020304", types.P2WPKH},
		{"empty", "", types.P2WPKH},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectScript(mustHex(t, tt.script)))
		})
	}
}

func TestDetectScriptType(t *testing.T) {
	tests := []struct {
		in   string
		want types.ScriptType
	}{
		{"76a914" + hash20 + "88ac", types.P2PKH},
		{"A914" + strings.ToUpper(hash20) + "87", types.P2SH},
		{"0020" + hash32, types.P2WSH},
		{"5120" + hash32, types.P2TR},
		{"bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr", types.P2TR},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", types.P2WPKH},
		{"bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", types.P2WSH},
		{"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", types.P2SH},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", types.P2PKH},
		{"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", types.P2WPKH},
		{"2MzQwSSnBHWHqSAqtTVQ6v47XtaisrJa1Vc", types.P2SH},
		{"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", types.P2PKH},
		{"", types.P2WPKH},
		{"xyz-not-an-address", types.P2WPKH},
		{"deadbeef", types.P2WPKH},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectScriptType(tt.in))
		})
	}
}

func TestClassifyOutputScript(t *testing.T) {
	assert.Equal(t, "p2pkh", ClassifyOutputScript(mustHex(t, "76a914"+hash20+"88ac")))
	assert.Equal(t, "p2tr", ClassifyOutputScript(mustHex(t, "5120"+hash32)))
	assert.Equal(t, "op_return", ClassifyOutputScript(mustHex(t, "6a0401020304")))
	assert.Equal(t, "unknown", ClassifyOutputScript(mustHex(t, "51")))
	assert.Equal(t, "unknown", ClassifyOutputScript(nil))

	typ, ok := ScriptTypeFromTag("op_return")
	assert.True(t, ok)
	assert.Equal(t, types.OpReturn, typ)
	_, ok = ScriptTypeFromTag("unknown")
	assert.False(t, ok)
}

func TestOpReturnPayload(t *testing.T) {
	assert.Equal(t, []byte{1, 2, 3, 4}, OpReturnPayload(mustHex(t, "6a0401020304")))
	// PUSHDATA1 with 3 bytes followed by a direct push
	assert.Equal(t, []byte{9, 9, 9, 7}, OpReturnPayload(mustHex(t, "6a4c0309090901"+"07")))
	// truncated push keeps what was read so far
	assert.Equal(t, []byte{1}, OpReturnPayload(mustHex(t, "6a0101050203")))
	assert.Nil(t, OpReturnPayload(mustHex(t, "0014"+hash20)))
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name  string
		addr  string
		net   *chaincfg.Params
		valid bool
		typ   types.ScriptType
	}{
		{"p2pkh", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.MainNetParams, true, types.P2PKH},
		{"p2sh", "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", &chaincfg.MainNetParams, true, types.P2SH},
		{"p2wpkh", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.MainNetParams, true, types.P2WPKH},
		{"p2wpkh upper", "BC1QW508D6QEJXTDG4Y5R3ZARVARY0C5XW7KV8F3T4", &chaincfg.MainNetParams, true, types.P2WPKH},
		{"p2wsh", "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", &chaincfg.MainNetParams, true, types.P2WSH},
		{"p2tr", "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr", &chaincfg.MainNetParams, true, types.P2TR},
		{"testnet p2wpkh", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", &chaincfg.TestNet3Params, true, types.P2WPKH},
		{"bad checksum", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t5", &chaincfg.MainNetParams, false, types.P2WPKH},
		{"wrong network", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", &chaincfg.MainNetParams, false, ""},
		{"mixed case", "bc1qW508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.MainNetParams, false, ""},
		{"garbage", "hello", &chaincfg.MainNetParams, false, ""},
		{"empty", "", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateAddress(tt.addr, tt.net)
			assert.Equal(t, tt.valid, v.IsValid, v.Error)
			assert.Equal(t, tt.typ, v.Type)
			if !tt.valid {
				assert.NotEmpty(t, v.Error)
			}
		})
	}
}

func TestValidateAddressForType(t *testing.T) {
	v := ValidateAddressForType("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", types.P2WPKH, types.P2TR)
	assert.False(t, v.IsValid)
	assert.Contains(t, v.Error, "P2PKH")

	v = ValidateAddressForType("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", types.P2WPKH, types.P2TR)
	assert.True(t, v.IsValid)

	v = ValidateAddressForType("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.True(t, v.IsValid)
}

func TestAddressFromScript(t *testing.T) {
	script := mustHex(t, "0014751e76e8199196d454941c45d1b3a323f1433bd6")
	addr := AddressFromScript(script, &chaincfg.MainNetParams)
	require.NotNil(t, addr)
	assert.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", *addr)

	assert.Nil(t, AddressFromScript(mustHex(t, "6a0401020304"), nil))
}

func TestTimelocks(t *testing.T) {
	assert.Equal(t, "none", GetLocktimeType(0))
	assert.Equal(t, "block_height", GetLocktimeType(840000))
	assert.Equal(t, "unix_timestamp", GetLocktimeType(1700000000))

	assert.Nil(t, ParseRelativeTimelock(0xffffffff))
	assert.Equal(t, &types.RelativeTimelock{Type: "blocks", Value: 10}, ParseRelativeTimelock(10))
	assert.Equal(t, &types.RelativeTimelock{Type: "time", Value: 1024}, ParseRelativeTimelock(1<<22|2))

	assert.True(t, IsRBFSignaling([]uint32{0xffffffff, 0xfffffffd}))
	assert.False(t, IsRBFSignaling([]uint32{0xffffffff, 0xfffffffe}))
}

func TestGenerateWarnings(t *testing.T) {
	summary := types.TxSummary{
		RbfSignaling: true,
		Vout: []types.OutputSummary{
			{ScriptType: "p2wpkh", ValueSats: 300},
			{ScriptType: "op_return", ValueSats: 0},
			{ScriptType: "unknown", ValueSats: 10000},
		},
	}
	codes := []string{}
	for _, w := range GenerateWarnings(summary, 250) {
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []string{WarnHighFee, WarnDustOutput, WarnUnknownOutputScript, WarnRBFSignaling}, codes)

	assert.Empty(t, GenerateWarnings(types.TxSummary{}, 5))
}
