package issuance

import (
	"github.com/ipeknurercan/mintelligence/failure"
)

// Result is the structured outcome of one issuance request.
//
// TransactionHash is set whenever a transaction was signed, including failures where
// the ledger's verdict is unknown; callers use it to look the transaction up before
// retrying.
type Result struct {
	Success         bool           `json:"success"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	AssetCode       string         `json:"assetCode,omitempty"`
	Sequence        int64          `json:"sequence,omitempty"`
	Ledger          int32          `json:"ledger,omitempty"`
	State           State          `json:"state"`
	Certificate     *Certificate   `json:"certificate,omitempty"`
	Error           *failure.Error `json:"error,omitempty"`
}

func rejected(m *machine, err error) Result {
	m.to(StateRejected)
	return Result{State: StateRejected, Error: failure.From(err)}
}
