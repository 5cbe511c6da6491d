package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"fee-lens/pkg/types"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// AddressValidation is the advisory result of an address check.
type AddressValidation struct {
	IsValid bool             `json:"is_valid"`
	Type    types.ScriptType `json:"type,omitempty"`
	Error   string           `json:"error,omitempty"`
}

const (
	base58Chars = `[1-9A-HJ-NP-Za-km-z]`
	bech32Chars = `[02-9ac-hj-np-z]`
)

type addressPattern struct {
	typ     types.ScriptType
	mainnet *regexp.Regexp
	testnet *regexp.Regexp
}

// Ordered so that the length-specific bech32 forms are tried before the
// generic ones.
var addressPatterns = []addressPattern{
	{
		typ:     types.P2TR,
		mainnet: regexp.MustCompile(`^bc1p` + bech32Chars + `{58}$`),
		testnet: regexp.MustCompile(`^(tb1p|bcrt1p)` + bech32Chars + `{58}$`),
	},
	{
		typ:     types.P2WSH,
		mainnet: regexp.MustCompile(`^bc1q` + bech32Chars + `{58}$`),
		testnet: regexp.MustCompile(`^(tb1q|bcrt1q)` + bech32Chars + `{58}$`),
	},
	{
		typ:     types.P2WPKH,
		mainnet: regexp.MustCompile(`^bc1q` + bech32Chars + `{38}$`),
		testnet: regexp.MustCompile(`^(tb1q|bcrt1q)` + bech32Chars + `{38}$`),
	},
	{
		typ:     types.P2SH,
		mainnet: regexp.MustCompile(`^3` + base58Chars + `{25,34}$`),
		testnet: regexp.MustCompile(`^2` + base58Chars + `{25,34}$`),
	},
	{
		typ:     types.P2PKH,
		mainnet: regexp.MustCompile(`^1` + base58Chars + `{25,34}$`),
		testnet: regexp.MustCompile(`^[mn]` + base58Chars + `{25,34}$`),
	},
}

// NetParams maps a network name to its chain parameters. Unknown names fall
// back to mainnet.
func NetParams(network string) *chaincfg.Params {
	switch network {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	}
	return &chaincfg.MainNetParams
}

// ValidateAddress checks an address against the pattern of its script type
// and then decodes it with btcutil for checksum verification. The result is
// advisory; callers decide whether an invalid address is fatal.
func ValidateAddress(addr string, net *chaincfg.Params) AddressValidation {
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	addr = strings.TrimSpace(addr)
	if addr == "" {
		return AddressValidation{Error: "address is empty"}
	}

	candidate := addr
	// bech32 is case-insensitive but must not mix cases
	if lower := strings.ToLower(addr); strings.HasPrefix(lower, "bc1") ||
		strings.HasPrefix(lower, "tb1") || strings.HasPrefix(lower, "bcrt1") {
		if addr != lower && addr != strings.ToUpper(addr) {
			return AddressValidation{Error: "mixed-case bech32 address"}
		}
		candidate = lower
	}

	testnet := net.Net != chaincfg.MainNetParams.Net
	var typ types.ScriptType
	for _, p := range addressPatterns {
		re := p.mainnet
		if testnet {
			re = p.testnet
		}
		if re.MatchString(candidate) {
			typ = p.typ
			break
		}
	}
	if typ == "" {
		return AddressValidation{Error: fmt.Sprintf("unrecognized address format for %s", net.Name)}
	}

	decoded, err := btcutil.DecodeAddress(candidate, net)
	if err != nil {
		return AddressValidation{Type: typ, Error: fmt.Sprintf("decode address: %v", err)}
	}
	if !decoded.IsForNet(net) {
		return AddressValidation{Type: typ, Error: fmt.Sprintf("address is not for %s", net.Name)}
	}

	return AddressValidation{IsValid: true, Type: typ}
}

// ValidateAddressForType validates addr on mainnet and additionally requires
// its script type to be one of allowed.
func ValidateAddressForType(addr string, allowed ...types.ScriptType) AddressValidation {
	return ValidateAddressForTypeOn(addr, &chaincfg.MainNetParams, allowed...)
}

// ValidateAddressForTypeOn is ValidateAddressForType for an explicit network.
func ValidateAddressForTypeOn(addr string, net *chaincfg.Params, allowed ...types.ScriptType) AddressValidation {
	v := ValidateAddress(addr, net)
	if !v.IsValid || len(allowed) == 0 {
		return v
	}
	for _, t := range allowed {
		if v.Type == t {
			return v
		}
	}
	return AddressValidation{
		Type:  v.Type,
		Error: fmt.Sprintf("address type %s is not supported", v.Type),
	}
}

// AddressFromScript derives a Bitcoin address from a scriptPubKey.
// Returns nil if script type doesn't have an address (e.g., OP_RETURN, unknown)
func AddressFromScript(scriptPubkey []byte, net *chaincfg.Params) *string {
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	var addr btcutil.Address
	var err error

	switch ClassifyOutputScript(scriptPubkey) {
	case "p2pkh":
		addr, err = btcutil.NewAddressPubKeyHash(scriptPubkey[3:23], net)
	case "p2sh":
		addr, err = btcutil.NewAddressScriptHashFromHash(scriptPubkey[2:22], net)
	case "p2wpkh":
		addr, err = btcutil.NewAddressWitnessPubKeyHash(scriptPubkey[2:22], net)
	case "p2wsh":
		addr, err = btcutil.NewAddressWitnessScriptHash(scriptPubkey[2:34], net)
	case "p2tr":
		addr, err = btcutil.NewAddressTaproot(scriptPubkey[2:34], net)
	default:
		return nil
	}

	if err != nil {
		return nil
	}

	addrStr := addr.EncodeAddress()
	return &addrStr
}
