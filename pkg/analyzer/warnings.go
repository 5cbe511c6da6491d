package analyzer

import "fee-lens/pkg/types"

// Warning codes shared by the estimator and the transaction analyzer.
const (
	WarnHighFee             = "HIGH_FEE"
	WarnDustOutput          = "DUST_OUTPUT"
	WarnUnknownOutputScript = "UNKNOWN_OUTPUT_SCRIPT"
	WarnRBFSignaling        = "RBF_SIGNALING"
	WarnUnknownInputType    = "UNKNOWN_INPUT_TYPE"
	WarnUnknownOutputType   = "UNKNOWN_OUTPUT_TYPE"
)

// DustLimit is the relay dust threshold used for the DUST_OUTPUT warning.
const DustLimit = 546

// GenerateWarnings creates warning array based on a decoded transaction and
// an optional fee rate (0 when unknown).
func GenerateWarnings(summary types.TxSummary, feeRate float64) []types.Warning {
	warnings := make([]types.Warning, 0)

	// HIGH_FEE: fee rate > 200 sat/vB
	if feeRate > 200 {
		warnings = append(warnings, types.Warning{Code: WarnHighFee})
	}

	// DUST_OUTPUT: any non-OP_RETURN output < 546 sats
	for _, out := range summary.Vout {
		if out.ScriptType != "op_return" && out.ValueSats < DustLimit {
			warnings = append(warnings, types.Warning{Code: WarnDustOutput})
			break
		}
	}

	for _, out := range summary.Vout {
		if out.ScriptType == "unknown" {
			warnings = append(warnings, types.Warning{Code: WarnUnknownOutputScript})
			break
		}
	}

	if summary.RbfSignaling {
		warnings = append(warnings, types.Warning{Code: WarnRBFSignaling})
	}

	return warnings
}
