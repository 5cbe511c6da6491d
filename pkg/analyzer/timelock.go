package analyzer

import "fee-lens/pkg/types"

// GetLocktimeType determines if locktime is block height, timestamp, or none
func GetLocktimeType(locktime uint32) string {
	if locktime == 0 {
		return "none"
	}
	if locktime < 500000000 {
		return "block_height"
	}
	return "unix_timestamp"
}

// ParseRelativeTimelock decodes a BIP68 relative timelock from an input
// sequence. Returns nil when the lock is disabled.
func ParseRelativeTimelock(sequence uint32) *types.RelativeTimelock {
	// bit 31 set disables the relative lock
	if sequence&(1<<31) != 0 {
		return nil
	}

	// Bit 22 determines type: 0 = blocks, 1 = time
	if sequence&(1<<22) != 0 {
		// 512-second granularity
		return &types.RelativeTimelock{Type: "time", Value: (sequence & 0xffff) * 512}
	}

	return &types.RelativeTimelock{Type: "blocks", Value: sequence & 0xffff}
}

// IsRBFSignaling checks if transaction signals BIP125 replaceability
func IsRBFSignaling(sequences []uint32) bool {
	// Any input with sequence < 0xfffffffe signals RBF
	for _, seq := range sequences {
		if seq < 0xfffffffe {
			return true
		}
	}
	return false
}
