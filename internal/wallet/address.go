package wallet

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("address must be 0x followed by 40 hex characters")

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a 0x-prefixed 20 byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress validates s and returns its EIP-55 checksummed form so
// that the same account always maps to the same key.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !ValidAddress(s) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(s).Hex(), nil
}

// NormalizeAddresses normalizes every entry, reporting the first bad one.
func NormalizeAddresses(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		addr, err := NormalizeAddress(raw)
		if err != nil {
			return nil, &AddressError{Value: raw}
		}
		out = append(out, addr)
	}
	return out, nil
}

func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// AddressError names the offending input.
type AddressError struct {
	Value string
}

func (e *AddressError) Error() string {
	return "invalid address " + strings.TrimSpace(e.Value) + ": " + ErrInvalidAddress.Error()
}

func (e *AddressError) Unwrap() error {
	return ErrInvalidAddress
}
