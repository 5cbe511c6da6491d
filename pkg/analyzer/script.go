package analyzer

import (
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"

	"fee-lens/pkg/types"
)

// Fixed-length locking script patterns, matched against lower-case hex.
var scriptPatterns = []struct {
	re  *regexp.Regexp
	typ types.ScriptType
}{
	{regexp.MustCompile(`^76a914[0-9a-f]{40}88ac$`), types.P2PKH},
	{regexp.MustCompile(`^a914[0-9a-f]{40}87$`), types.P2SH},
	{regexp.MustCompile(`^0014[0-9a-f]{40}$`), types.P2WPKH},
	{regexp.MustCompile(`^0020[0-9a-f]{64}$`), types.P2WSH},
	{regexp.MustCompile(`^5120[0-9a-f]{64}$`), types.P2TR},
}

var hexOnly = regexp.MustCompile(`^[0-9a-f]+$`)

// DefaultScriptType is returned whenever detection has nothing better to go
// on. P2WPKH is by far the most common spend type.
const DefaultScriptType = types.P2WPKH

// DetectScript classifies a raw locking script. It never fails: anything
// that is not one of the five standard templates is reported as P2WPKH.
func DetectScript(script []byte) types.ScriptType {
	if len(script) == 0 {
		return DefaultScriptType
	}
	if t, ok := matchScriptHex(hex.EncodeToString(script)); ok {
		return t
	}
	return DefaultScriptType
}

// DetectScriptType classifies a string that is either a hex-encoded locking
// script or an address. Hex scripts are checked first, then address
// prefixes.
func DetectScriptType(s string) types.ScriptType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultScriptType
	}

	if hexOnly.MatchString(s) {
		if t, ok := matchScriptHex(s); ok {
			return t
		}
	}

	return detectAddressPrefix(s)
}

func matchScriptHex(h string) (types.ScriptType, bool) {
	for _, p := range scriptPatterns {
		if p.re.MatchString(h) {
			return p.typ, true
		}
	}
	return "", false
}

// detectAddressPrefix maps an address (already lower-cased) to its script
// type by prefix alone. Base58 prefixes are case-sensitive in general but
// the leading version characters checked here are digits or lower-case
// testnet letters, so lower-casing is harmless.
func detectAddressPrefix(addr string) types.ScriptType {
	switch {
	case strings.HasPrefix(addr, "bc1p"), strings.HasPrefix(addr, "tb1p"), strings.HasPrefix(addr, "bcrt1p"):
		return types.P2TR
	case strings.HasPrefix(addr, "bc1q") && len(addr) == 62,
		strings.HasPrefix(addr, "tb1q") && len(addr) == 62:
		// v0 witness program of 32 bytes
		return types.P2WSH
	case strings.HasPrefix(addr, "bc1"), strings.HasPrefix(addr, "tb1"), strings.HasPrefix(addr, "bcrt1"):
		return types.P2WPKH
	case strings.HasPrefix(addr, "3"), strings.HasPrefix(addr, "2"):
		return types.P2SH
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "m"), strings.HasPrefix(addr, "n"):
		return types.P2PKH
	}
	return DefaultScriptType
}

// ClassifyOutputScript determines the script type of an output using the
// lower-case tags of the transaction decoder ("p2pkh" ... "op_return",
// "unknown").
func ClassifyOutputScript(scriptPubkey []byte) string {
	if len(scriptPubkey) == 0 {
		return "unknown"
	}

	// P2PKH: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
	if len(scriptPubkey) == 25 &&
		scriptPubkey[0] == 0x76 &&
		scriptPubkey[1] == 0xa9 &&
		scriptPubkey[2] == 0x14 &&
		scriptPubkey[23] == 0x88 &&
		scriptPubkey[24] == 0xac {
		return "p2pkh"
	}

	// P2SH: OP_HASH160 <20 bytes> OP_EQUAL
	if len(scriptPubkey) == 23 &&
		scriptPubkey[0] == 0xa9 &&
		scriptPubkey[1] == 0x14 &&
		scriptPubkey[22] == 0x87 {
		return "p2sh"
	}

	// P2WPKH: OP_0 <20 bytes>
	if len(scriptPubkey) == 22 && scriptPubkey[0] == 0x00 && scriptPubkey[1] == 0x14 {
		return "p2wpkh"
	}

	// P2WSH: OP_0 <32 bytes>
	if len(scriptPubkey) == 34 && scriptPubkey[0] == 0x00 && scriptPubkey[1] == 0x20 {
		return "p2wsh"
	}

	// P2TR: OP_1 <32 bytes>
	if len(scriptPubkey) == 34 && scriptPubkey[0] == 0x51 && scriptPubkey[1] == 0x20 {
		return "p2tr"
	}

	if scriptPubkey[0] == 0x6a {
		return "op_return"
	}

	return "unknown"
}

// ScriptTypeFromTag converts a ClassifyOutputScript tag to a ScriptType.
// The second result is false for "unknown".
func ScriptTypeFromTag(tag string) (types.ScriptType, bool) {
	switch tag {
	case "p2pkh":
		return types.P2PKH, true
	case "p2sh":
		return types.P2SH, true
	case "p2wpkh":
		return types.P2WPKH, true
	case "p2wsh":
		return types.P2WSH, true
	case "p2tr":
		return types.P2TR, true
	case "op_return":
		return types.OpReturn, true
	}
	return "", false
}

// OpReturnPayload returns the concatenated data pushes that follow
// OP_RETURN. Handles direct pushes and PUSHDATA1/2/4; parsing stops at the
// first non-push opcode or truncated push.
func OpReturnPayload(script []byte) []byte {
	if len(script) == 0 || script[0] != 0x6a {
		return nil
	}

	var data []byte
	i := 1
	for i < len(script) {
		opcode := script[i]
		i++

		var pushLen int
		switch {
		case opcode >= 0x01 && opcode <= 0x4b:
			pushLen = int(opcode)
		case opcode == 0x4c: // OP_PUSHDATA1
			if i >= len(script) {
				return data
			}
			pushLen = int(script[i])
			i++
		case opcode == 0x4d: // OP_PUSHDATA2
			if i+1 >= len(script) {
				return data
			}
			pushLen = int(binary.LittleEndian.Uint16(script[i : i+2]))
			i += 2
		case opcode == 0x4e: // OP_PUSHDATA4
			if i+3 >= len(script) {
				return data
			}
			pushLen = int(binary.LittleEndian.Uint32(script[i : i+4]))
			i += 4
		default:
			return data
		}

		if i+pushLen > len(script) {
			return data
		}
		data = append(data, script[i:i+pushLen]...)
		i += pushLen
	}
	return data
}
