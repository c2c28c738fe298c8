// Package identity holds the single signing keypair the service issues from.
package identity

import (
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/support/errors"
	"github.com/stellar/go/txnbuild"
)

// ErrMissingSecret is returned when no secret seed was configured.
var ErrMissingSecret = errors.New("issuer secret is not set")

// ErrMalformedSecret is returned when the configured value is not a valid secret seed.
// The offending value is never part of the message.
var ErrMalformedSecret = errors.New("issuer secret is not a valid Stellar secret seed")

// Issuer is the process-wide signing identity. The seed stays inside this type:
// String, GoString, MarshalJSON and MarshalText all render the public address.
type Issuer struct {
	kp *keypair.Full
}

// Load parses seed once at startup. A missing or malformed seed is fatal to the caller.
func Load(seed string) (*Issuer, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return nil, ErrMissingSecret
	}
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, ErrMalformedSecret
	}
	return &Issuer{kp: kp}, nil
}

// Address is the issuing account's public key (G...).
func (i *Issuer) Address() string {
	return i.kp.Address()
}

// Sign signs tx for the network identified by passphrase.
func (i *Issuer) Sign(tx *txnbuild.Transaction, passphrase string) (*txnbuild.Transaction, error) {
	signed, err := tx.Sign(passphrase, i.kp)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	return signed, nil
}

func (i *Issuer) String() string   { return i.Address() }
func (i *Issuer) GoString() string { return "identity.Issuer{" + i.Address() + "}" }

func (i *Issuer) MarshalText() ([]byte, error) {
	return []byte(i.Address()), nil
}

func (i *Issuer) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.Address() + `"`), nil
}
