package account

import (
	"context"

	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/network"
)

// ZeroBalance is reported for assets the account does not hold.
const ZeroBalance = "0"

// Balances is a read-only view of one account. Error is advisory: when set, Native and
// Custom are zero and the caller should show the balances as unavailable.
type Balances struct {
	Address string         `json:"address"`
	Network network.Network `json:"network"`
	Native  string         `json:"native"`
	Asset   network.Asset  `json:"asset"`
	Custom  string         `json:"custom"`
	Error   *failure.Error `json:"error,omitempty"`
}

// BalanceReader reads native and custom-asset balances. It never fails outward.
type BalanceReader struct {
	loader Loader
	table  *network.Table
	logger *zap.Logger
}

// NewBalanceReader creates a BalanceReader.
func NewBalanceReader(loader Loader, table *network.Table, logger *zap.Logger) *BalanceReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceReader{loader: loader, table: table, logger: logger.With(zap.String("component", "balance_reader"))}
}

// Balances returns the native balance of address and its balance of asset, matched
// by exact (code, issuer). Any failure degrades to zero balances plus an advisory error.
func (r *BalanceReader) Balances(ctx context.Context, address string, n network.Network, asset network.Asset) Balances {
	out := Balances{Address: address, Network: n, Native: ZeroBalance, Asset: asset, Custom: ZeroBalance}

	if !n.Valid() {
		out.Error = failure.Validationf("Invalid network %q. Must be testnet or mainnet", string(n))
		return out
	}
	if err := ValidateAddress(address); err != nil {
		out.Error = failure.From(err)
		return out
	}

	acc, err := r.loader.LoadAccount(ctx, n, address)
	if err != nil {
		r.logger.Info("balance lookup failed",
			zap.String("network", string(n)),
			zap.String("address", address),
			zap.Error(err))
		out.Error = failure.From(err)
		return out
	}

	for _, b := range acc.Balances {
		switch {
		case b.Asset.Type == "native":
			out.Native = b.Balance
		case asset.Code != "" && b.Asset.Code == asset.Code && b.Asset.Issuer == asset.Issuer:
			out.Custom = b.Balance
		}
	}
	return out
}

// RewardBalances is Balances for the network's reward asset.
func (r *BalanceReader) RewardBalances(ctx context.Context, address string, n network.Network) Balances {
	s, err := r.table.Lookup(n)
	if err != nil {
		return Balances{Address: address, Network: n, Native: ZeroBalance, Custom: ZeroBalance, Error: failure.From(err)}
	}
	return r.Balances(ctx, address, n, s.RewardAsset)
}
