package utils

import (
	"encoding/hex"
	"errors"
	"strings"
)

// ErrOddLength is returned for hex input with an odd number of digits.
var ErrOddLength = errors.New("hex string has odd length")

// CleanHex strips surrounding whitespace and an optional 0x prefix.
func CleanHex(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return s
}

// IsHex reports whether s is a non-empty, even-length hex string.
func IsHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// HexToBytes converts hex string to bytes
func HexToBytes(hexStr string) ([]byte, error) {
	hexStr = CleanHex(hexStr)
	if len(hexStr)%2 != 0 {
		return nil, ErrOddLength
	}
	return hex.DecodeString(hexStr)
}
