// Package account checks recipient accounts before anything is issued to them and
// reads their balances.
package account

import (
	"strings"

	"github.com/stellar/go/strkey"

	"github.com/ipeknurercan/mintelligence/failure"
)

const (
	// AddressLength is the length of a G... account address.
	AddressLength = 56
	// AddressPrefix is the leading character of every account address.
	AddressPrefix = "G"
)

// ValidateAddress rejects anything that is not a well-formed account address.
// It never touches the network.
func ValidateAddress(address string) error {
	if address == "" {
		return failure.Validation("Address is required")
	}
	if len(address) != AddressLength || !strings.HasPrefix(address, AddressPrefix) {
		return failure.Validation("Invalid Stellar address format")
	}
	if _, err := strkey.Decode(strkey.VersionByteAccountID, address); err != nil {
		return failure.Validation("Invalid Stellar address checksum")
	}
	return nil
}
