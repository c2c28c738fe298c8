package account

import (
	"context"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/support/errors"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
)

// MinimumNativeBalance is the native balance, in stroops, an account needs before it
// can receive a payment and pay its own future fees: 1 XLM.
const MinimumNativeBalance int64 = amount.One

// User-facing reasons for the two expected negative probe outcomes.
const (
	ReasonNotFound    = "Recipient account not found. Please fund the account with XLM first."
	ReasonUnderfunded = "Recipient account needs more XLM for transaction fees."
)

// Loader loads account state from a ledger. *ledger.Gateway implements it.
type Loader interface {
	LoadAccount(ctx context.Context, n network.Network, address string) (horizon.Account, error)
}

// ProbeResult is the outcome of a probe that reached the ledger.
type ProbeResult struct {
	Exists        bool   `json:"exists"`
	Funded        bool   `json:"funded"`
	NativeBalance string `json:"nativeBalance,omitempty"`
}

// Prober checks that an account exists and holds the minimum native balance.
type Prober struct {
	loader  Loader
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewProber creates a Prober.
func NewProber(loader Loader, m *metrics.Collector, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{loader: loader, metrics: m, logger: logger.With(zap.String("component", "account_probe"))}
}

// Probe reports whether address exists on n and is funded.
//
// A confirmed absence is not an error: it returns {Exists:false, Funded:false} and nil.
// A non-nil error means the probe itself failed (validation, connectivity, malformed
// response) and callers should not conclude the account is missing.
func (p *Prober) Probe(ctx context.Context, address string, n network.Network) (ProbeResult, error) {
	if !n.Valid() {
		return ProbeResult{}, failure.Validationf("Invalid network %q. Must be testnet or mainnet", string(n))
	}
	if err := ValidateAddress(address); err != nil {
		return ProbeResult{}, err
	}

	acc, err := p.loader.LoadAccount(ctx, n, address)
	if err != nil {
		if failure.Is(err, failure.KindAccountNotFound) {
			p.metrics.RecordProbe(string(n), "not_found")
			return ProbeResult{}, nil
		}
		p.metrics.RecordProbe(string(n), "error")
		p.logger.Warn("account probe failed",
			zap.String("network", string(n)),
			zap.String("address", address),
			zap.Error(err))
		return ProbeResult{}, err
	}

	native := nativeBalance(acc)
	stroops, err := amount.ParseInt64(native)
	if err != nil {
		p.metrics.RecordProbe(string(n), "error")
		return ProbeResult{}, failure.Internal(errors.Wrapf(err, "parse native balance %q", native))
	}

	res := ProbeResult{Exists: true, Funded: stroops >= MinimumNativeBalance, NativeBalance: native}
	if res.Funded {
		p.metrics.RecordProbe(string(n), "funded")
	} else {
		p.metrics.RecordProbe(string(n), "underfunded")
	}
	return res, nil
}

// RequireFunded turns a probe into a precondition: nil only if the account exists and
// is funded, otherwise an AccountNotFound or AccountUnderfunded failure with a reason
// the end user can act on, or the probe's own error.
func (p *Prober) RequireFunded(ctx context.Context, address string, n network.Network) (ProbeResult, error) {
	res, err := p.Probe(ctx, address, n)
	if err != nil {
		return res, err
	}
	if !res.Exists {
		return res, failure.New(failure.KindAccountNotFound, ReasonNotFound)
	}
	if !res.Funded {
		return res, failure.New(failure.KindAccountUnderfunded, ReasonUnderfunded)
	}
	return res, nil
}

func nativeBalance(acc horizon.Account) string {
	for _, b := range acc.Balances {
		if b.Asset.Type == "native" {
			return b.Balance
		}
	}
	return "0"
}
