// Package issuance turns reward and certificate requests into signed, submitted ledger
// transactions from the single issuing identity.
package issuance

import (
	"context"
	"time"

	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/support/errors"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/ledger"
	"github.com/ipeknurercan/mintelligence/network"
)

// Ledger is what the submitter needs from the ledger. *ledger.Gateway implements it.
type Ledger interface {
	LoadAccount(ctx context.Context, n network.Network, address string) (horizon.Account, error)
	Submit(ctx context.Context, n network.Network, tx *txnbuild.Transaction) (horizon.Transaction, error)
	TransactionDetail(ctx context.Context, n network.Network, hash string) (horizon.Transaction, error)
}

// Signer is the issuing identity. *identity.Issuer implements it.
type Signer interface {
	Address() string
	Sign(tx *txnbuild.Transaction, passphrase string) (*txnbuild.Transaction, error)
}

// SubmitterOptions fixes the fee and validity window of every transaction.
type SubmitterOptions struct {
	BaseFee int64
	Timeout time.Duration

	// PollInterval spaces hash lookups after a submission whose outcome is unknown.
	PollInterval time.Duration
	// SettleGrace is how long past a transaction's max time it can still show up in
	// Horizon: the closing ledger plus ingestion lag.
	SettleGrace time.Duration
	Now         func() time.Time
}

const (
	defaultPollInterval = 2 * time.Second
	defaultSettleGrace  = 10 * time.Second
)

// ReasonExpiredUnapplied is reported when a submission with an unknown outcome was
// confirmed never to have been applied.
const ReasonExpiredUnapplied = "transaction expired without being applied; it is safe to retry"

// Submitter loads the issuer account, builds, signs and submits one Plan. It must only
// be called from a Sequencer worker: two concurrent calls for the same network would
// read the same sequence number.
type Submitter struct {
	ledger  Ledger
	signer  Signer
	table   *network.Table
	baseFee int64
	timeout int64
	poll    time.Duration
	grace   time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(l Ledger, signer Signer, table *network.Table, opts SubmitterOptions, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	fee := opts.BaseFee
	if fee < txnbuild.MinBaseFee {
		fee = txnbuild.MinBaseFee
	}
	timeout := int64(opts.Timeout / time.Second)
	if timeout <= 0 {
		timeout = 30
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	grace := opts.SettleGrace
	if grace <= 0 {
		grace = defaultSettleGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Submitter{
		ledger:  l,
		signer:  signer,
		table:   table,
		baseFee: fee,
		timeout: timeout,
		poll:    poll,
		grace:   grace,
		now:     now,
		logger:  logger.With(zap.String("component", "submitter"), zap.String("issuer", signer.Address())),
	}
}

// Execute runs plan to a terminal state. m must be in StateProbed.
func (s *Submitter) Execute(ctx context.Context, plan Plan, m *machine) Result {
	res := Result{AssetCode: plan.AssetCode}
	logger := s.logger.With(zap.String("operation", plan.Operation), zap.String("network", string(plan.Network)))

	settings, err := s.table.Lookup(plan.Network)
	if err != nil {
		return s.fail(logger, m, res, err)
	}

	issuer, err := s.ledger.LoadAccount(ctx, plan.Network, s.signer.Address())
	if err != nil {
		if failure.Is(err, failure.KindAccountNotFound) {
			err = failure.Internal(errors.Wrap(err, "issuing account does not exist on "+string(plan.Network)))
		}
		return s.fail(logger, m, res, err)
	}

	ops, err := plan.operations(s.signer.Address())
	if err != nil {
		return s.fail(logger, m, res, failure.Internal(errors.Wrap(err, "encode instructions")))
	}

	var memo txnbuild.Memo
	if plan.Memo != "" {
		memo = txnbuild.MemoText(plan.Memo)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &issuer,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              s.baseFee,
		Memo:                 memo,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(s.timeout)},
	})
	if err != nil {
		return s.fail(logger, m, res, failure.Internal(errors.Wrap(err, "build transaction")))
	}
	res.Sequence = tx.SourceAccount().Sequence
	logger = logger.With(zap.Int64("sequence", res.Sequence))
	m.to(StateBuilt)

	signed, err := s.signer.Sign(tx, settings.Passphrase)
	if err != nil {
		return s.fail(logger, m, res, failure.Internal(err))
	}
	hash, err := signed.HashHex(settings.Passphrase)
	if err != nil {
		return s.fail(logger, m, res, failure.Internal(errors.Wrap(err, "hash transaction")))
	}
	res.TransactionHash = hash
	logger = logger.With(zap.String("tx_hash", hash))
	m.to(StateSigned)

	m.to(StateSubmitted)
	resp, err := s.ledger.Submit(ctx, plan.Network, signed)
	if ledger.IsOutcomeUnknown(err) {
		resp, err = s.settle(ctx, logger, plan.Network, hash, signed.Timebounds().MaxTime, err)
	}
	if err != nil {
		if ledger.IsSequenceConflict(err) {
			logger.Warn("sequence conflict; another transaction from the issuing account was applied first")
		}
		return s.fail(logger, m, res, err)
	}
	if !resp.Successful {
		return s.fail(logger, m, res, failure.New(failure.KindSubmission, "transaction was not successful"))
	}

	m.to(StateConfirmed)
	res.Success = true
	res.State = StateConfirmed
	res.Ledger = resp.Ledger
	logger.Info("transaction confirmed", zap.Int32("ledger", resp.Ledger))
	return res
}

// settle blocks until the outcome of a submission that got no verdict is known. Until
// then the issuer's next sequence number is ambiguous, so the caller's queue must not
// move. The transaction is found by hash, or it is past its max time and can no longer
// be applied. A lookup that keeps failing past that point leaves unknown as the answer,
// but the sequence number is safe to reuse by then.
func (s *Submitter) settle(ctx context.Context, logger *zap.Logger, n network.Network, hash string, maxTime int64, unknown error) (horizon.Transaction, error) {
	deadline := time.Unix(maxTime, 0).Add(s.grace)
	logger.Warn("submission outcome unknown; waiting for the ledger", zap.Time("deadline", deadline))

	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	for {
		tx, err := s.ledger.TransactionDetail(ctx, n, hash)
		if err == nil {
			logger.Info("submission outcome settled", zap.Bool("successful", tx.Successful))
			return tx, nil
		}
		notFound := ledger.IsTransactionNotFound(err)
		if !notFound {
			logger.Warn("transaction lookup failed", zap.Error(err))
		}
		if s.now().After(deadline) {
			if notFound {
				logger.Info("submission expired without being applied")
				return horizon.Transaction{}, failure.New(failure.KindTransientNetwork, ReasonExpiredUnapplied)
			}
			return horizon.Transaction{}, unknown
		}

		select {
		case <-timer.C:
			timer.Reset(s.poll)
		case <-ctx.Done():
			return horizon.Transaction{}, unknown
		}
	}
}

func (s *Submitter) fail(logger *zap.Logger, m *machine, res Result, err error) Result {
	fe := failure.From(err)
	m.to(StateFailed)
	res.State = StateFailed
	res.Error = fe

	fields := []zap.Field{zap.String("kind", string(fe.Kind)), zap.Error(err)}
	if len(fe.ResultCodes) > 0 {
		fields = append(fields, zap.Strings("result_codes", fe.ResultCodes))
	}
	if fe.Kind == failure.KindInternal {
		logger.Error("issuance failed", fields...)
	} else {
		logger.Warn("issuance failed", fields...)
	}
	return res
}
