package issuance

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/stellar/go/amount"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
)

const (
	OperationReward      = "reward"
	OperationCertificate = "certificate"

	// DefaultRewardMemo is attached to every reward payment.
	DefaultRewardMemo = "Mintelligence Quiz Reward"
)

// Prober is the funding precondition. *account.Prober implements it.
type Prober interface {
	RequireFunded(ctx context.Context, address string, n network.Network) (account.ProbeResult, error)
}

// Runner executes a Plan serially per network. *Sequencers implements it.
type Runner interface {
	Do(ctx context.Context, plan Plan, m *machine) Result
}

// Deps are the collaborators shared by both issuers.
type Deps struct {
	Table   *network.Table
	Prober  Prober
	Runner  Runner
	Issuer  string // address of the signing identity
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// RewardRequest asks for Amount of the network's reward asset to be paid to Recipient.
type RewardRequest struct {
	Recipient string
	Amount    string
	Network   network.Network
}

// RewardIssuer pays the fungible reward asset.
type RewardIssuer struct {
	deps   Deps
	memo   string
	logger *zap.Logger
}

// NewRewardIssuer creates a RewardIssuer. An empty memo selects DefaultRewardMemo.
func NewRewardIssuer(deps Deps, memo string) *RewardIssuer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if memo == "" {
		memo = DefaultRewardMemo
	}
	return &RewardIssuer{deps: deps, memo: memo, logger: deps.Logger.With(zap.String("component", "reward_issuer"))}
}

// Issue validates req, probes the recipient, and pays the reward through the network's
// sequencer. Preconditions are checked in order: amount, network, recipient address,
// recipient funding. Nothing is retried.
func (r *RewardIssuer) Issue(ctx context.Context, req RewardRequest) Result {
	start := time.Now()
	m := newMachine(r.logger.With(
		zap.String("network", string(req.Network)),
		zap.String("recipient", req.Recipient)))

	res := r.issue(ctx, req, m)
	res.State = m.State()
	record(r.deps.Metrics, OperationReward, req.Network, res, time.Since(start))
	return res
}

func (r *RewardIssuer) issue(ctx context.Context, req RewardRequest, m *machine) Result {
	amt, err := ParseAmount(req.Amount)
	if err != nil {
		return rejected(m, err)
	}
	settings, err := r.deps.Table.Lookup(req.Network)
	if err != nil {
		return rejected(m, err)
	}
	if err := validateRecipient(req.Recipient, r.deps.Issuer); err != nil {
		return rejected(m, err)
	}
	m.to(StateValidated)

	if _, err := r.deps.Prober.RequireFunded(ctx, req.Recipient, req.Network); err != nil {
		return rejected(m, err)
	}
	m.to(StateProbed)

	return r.deps.Runner.Do(ctx, Plan{
		Operation: OperationReward,
		Network:   req.Network,
		Memo:      r.memo,
		AssetCode: settings.RewardAsset.Code,
		Instructions: []Instruction{TransferAsset{
			Asset:     settings.RewardAsset,
			Recipient: req.Recipient,
			Amount:    amt,
		}},
	}, m)
}

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,7})?$`)

// ParseAmount accepts a positive decimal with at most 7 fractional digits and returns
// it in canonical form.
func ParseAmount(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", failure.Validation("Amount is required")
	}
	if !amountPattern.MatchString(s) {
		return "", failure.Validation("Invalid amount. Must be a positive number with at most 7 decimal places")
	}
	stroops, err := amount.ParseInt64(s)
	if err != nil {
		return "", failure.Validation("Invalid amount. Must be a positive number with at most 7 decimal places")
	}
	if stroops <= 0 {
		return "", failure.Validation("Amount must be greater than zero")
	}
	return amount.StringFromInt64(stroops), nil
}

func validateRecipient(recipient, issuer string) error {
	if err := account.ValidateAddress(recipient); err != nil {
		return err
	}
	if recipient == issuer {
		return failure.Validation("Recipient cannot be the issuing account")
	}
	return nil
}

func record(m *metrics.Collector, operation string, n network.Network, res Result, d time.Duration) {
	label := string(n)
	if !n.Valid() {
		label = "invalid"
	}
	outcome := metrics.OutcomeSuccess
	if !res.Success && res.Error != nil {
		outcome = string(res.Error.Kind)
	}
	m.RecordIssuance(operation, label, outcome, res.TransactionHash, d)
}
