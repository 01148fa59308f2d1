package proto

import (
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/common/hexutil"
)

// NormalizeAddress returns the canonical (lowercased, trimmed) form of an account identifier.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func IsValidAddress(address string) bool {
	b, err := hexutil.Decode(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	return len(b) == 20
}

// SameAddress compares two account identifiers ignoring case and surrounding whitespace.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
