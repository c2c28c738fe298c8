package issuance

import (
	"fmt"

	"github.com/stellar/go/support/errors"
	"github.com/stellar/go/txnbuild"

	"github.com/ipeknurercan/mintelligence/network"
)

// Instruction is one ledger effect requested by an issuer. Encoding into Stellar
// operations happens only here.
type Instruction interface {
	// Operation encodes the instruction for a transaction sourced from issuer.
	Operation(issuer string) (txnbuild.Operation, error)
}

// TransferAsset pays Amount of an existing asset from the issuing account.
type TransferAsset struct {
	Asset     network.Asset
	Recipient string
	Amount    string
}

func (t TransferAsset) Operation(string) (txnbuild.Operation, error) {
	if t.Asset.Code == "" || t.Asset.Issuer == "" {
		return nil, errors.New("transfer asset is incomplete")
	}
	return &txnbuild.Payment{
		Destination: t.Recipient,
		Amount:      t.Amount,
		Asset:       txnbuild.CreditAsset{Code: t.Asset.Code, Issuer: t.Asset.Issuer},
	}, nil
}

// IssueAsset creates Amount units of Code, issued by the signing account, directly in
// the recipient's balance. On Stellar issuance is the first payment out of the issuer.
type IssueAsset struct {
	Code      string
	Recipient string
	Amount    string
}

func (i IssueAsset) Operation(issuer string) (txnbuild.Operation, error) {
	if i.Code == "" || len(i.Code) > 12 {
		return nil, fmt.Errorf("asset code %q is not 1-12 characters", i.Code)
	}
	return &txnbuild.Payment{
		Destination: i.Recipient,
		Amount:      i.Amount,
		Asset:       txnbuild.CreditAsset{Code: i.Code, Issuer: issuer},
	}, nil
}

// PublishHomeDomain sets the issuing account's home domain, where wallets look up
// asset metadata.
type PublishHomeDomain struct {
	Domain string
}

func (p PublishHomeDomain) Operation(string) (txnbuild.Operation, error) {
	if len(p.Domain) > 32 {
		return nil, fmt.Errorf("home domain %q is longer than 32 characters", p.Domain)
	}
	return &txnbuild.SetOptions{HomeDomain: txnbuild.NewHomeDomain(p.Domain)}, nil
}

// Plan is everything the sequencer needs to build one transaction.
type Plan struct {
	// Operation labels the request in logs and metrics ("reward", "certificate").
	Operation    string
	Network      network.Network
	Instructions []Instruction
	Memo         string
	AssetCode    string
}

func (p Plan) operations(issuer string) ([]txnbuild.Operation, error) {
	ops := make([]txnbuild.Operation, 0, len(p.Instructions))
	for _, in := range p.Instructions {
		op, err := in.Operation(issuer)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
