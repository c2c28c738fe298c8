package issuance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/identity"
	"github.com/ipeknurercan/mintelligence/ledger"
	"github.com/ipeknurercan/mintelligence/network"
)

type fakeAccount struct {
	sequence int64
	native   string
}

// fakeLedger is an in-memory ledger that enforces sequence numbers the way the real
// one does: a transaction is accepted only if its sequence is exactly current+1.
type fakeLedger struct {
	mu        sync.Mutex
	accounts  map[string]*fakeAccount
	submitted []*txnbuild.Transaction
	sequences []int64
	loads     int
	submits   int

	// loadDelay widens the window between reading and using a sequence number.
	loadDelay time.Duration
	// gate, when set, blocks issuer loads until it is closed.
	gate   chan struct{}
	issuer string
	// externalBump simulates another party using the issuer account before each submit.
	externalBump bool
	submitErr    error

	// lostResponse parks the next submission and answers "outcome unknown"; the parked
	// transaction is applied once lookups have missed detailMisses times.
	lostResponse bool
	detailMisses int
	pending      *txnbuild.Transaction
	byHash       map[string]horizon.Transaction
	lookups      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*fakeAccount), byHash: make(map[string]horizon.Transaction)}
}

func (f *fakeLedger) add(address string, sequence int64, native string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[address] = &fakeAccount{sequence: sequence, native: native}
}

func (f *fakeLedger) LoadAccount(_ context.Context, _ network.Network, address string) (horizon.Account, error) {
	f.mu.Lock()
	f.loads++
	gate := f.gate
	acc, ok := f.accounts[address]
	var snapshot fakeAccount
	if ok {
		snapshot = *acc
	}
	f.mu.Unlock()

	if gate != nil && address == f.issuer {
		<-gate
	}
	if !ok {
		return horizon.Account{}, failure.New(failure.KindAccountNotFound, ledger.ReasonAccountNotFound)
	}
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	return horizon.Account{
		AccountID: address,
		Sequence:  snapshot.sequence,
		Balances:  []horizon.Balance{{Balance: snapshot.native, Asset: base.Asset{Type: "native"}}},
	}, nil
}

func (f *fakeLedger) Submit(_ context.Context, _ network.Network, tx *txnbuild.Transaction) (horizon.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return horizon.Transaction{}, f.submitErr
	}

	if f.lostResponse {
		f.lostResponse = false
		f.pending = tx
		return horizon.Transaction{}, outcomeUnknown()
	}
	if f.externalBump {
		f.accounts[tx.SourceAccount().AccountID].sequence++
	}
	return f.apply(tx)
}

// caller holds mu
func (f *fakeLedger) apply(tx *txnbuild.Transaction) (horizon.Transaction, error) {
	src := tx.SourceAccount()
	acc := f.accounts[src.AccountID]
	if src.Sequence != acc.sequence+1 {
		return horizon.Transaction{}, ledger.Classify(txFailed("tx_bad_seq"), ledger.CallSubmit)
	}
	acc.sequence = src.Sequence
	f.submitted = append(f.submitted, tx)
	f.sequences = append(f.sequences, src.Sequence)

	hash, err := tx.HashHex(testPassphrase)
	if err != nil {
		return horizon.Transaction{}, err
	}
	resp := horizon.Transaction{Hash: hash, Ledger: int32(1000 + len(f.submitted)), Successful: true}
	f.byHash[hash] = resp
	return resp, nil
}

func (f *fakeLedger) TransactionDetail(_ context.Context, _ network.Network, hash string) (horizon.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.pending != nil && f.lookups > f.detailMisses {
		_, _ = f.apply(f.pending)
		f.pending = nil
	}
	if tx, ok := f.byHash[hash]; ok {
		return tx, nil
	}
	return horizon.Transaction{}, ledger.Classify(&horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/not_found",
		Status: 404,
	}}, ledger.CallTransaction)
}

func outcomeUnknown() error {
	return ledger.Classify(&horizonclient.Error{Problem: problem.P{Title: "Timeout", Status: 504}}, ledger.CallSubmit)
}

func (f *fakeLedger) last() *txnbuild.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

func (f *fakeLedger) counts() (loads, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.submits
}

func txFailed(opCodes ...string) error {
	codes := map[string]interface{}{"transaction": "tx_failed", "operations": opCodes}
	if len(opCodes) == 1 && opCodes[0] == "tx_bad_seq" {
		codes = map[string]interface{}{"transaction": "tx_bad_seq"}
	}
	return &horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/transaction_failed",
		Title:  "Transaction Failed",
		Status: 400,
		Extras: map[string]interface{}{"result_codes": codes},
	}}
}

var testPassphrase = func() string {
	s, _ := network.DefaultTable().Lookup(network.Test)
	return s.Passphrase
}()

type harness struct {
	ledger      *fakeLedger
	signer      *identity.Issuer
	seed        string
	submitter   *Submitter
	sequencers  *Sequencers
	reward      *RewardIssuer
	certificate *CertificateIssuer
}

const issuerStartSequence = 4_000_000_000

func newHarness(t *testing.T, logger *zap.Logger, tune ...func(*SubmitterOptions)) *harness {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}

	kp := keypair.MustRandom()
	signer, err := identity.Load(kp.Seed())
	require.NoError(t, err)

	fl := newFakeLedger()
	fl.issuer = signer.Address()
	fl.add(signer.Address(), issuerStartSequence, "10000.0000000")

	table := network.DefaultTable()
	opts := SubmitterOptions{BaseFee: 100, Timeout: 30 * time.Second, PollInterval: time.Millisecond}
	for _, fn := range tune {
		fn(&opts)
	}
	submitter := NewSubmitter(fl, signer, table, opts, logger)
	seqs := NewSequencers(table, submitter, 8, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = seqs.Close(ctx)
	})

	deps := Deps{
		Table:  table,
		Prober: account.NewProber(fl, nil, logger),
		Runner: seqs,
		Issuer: signer.Address(),
		Logger: logger,
	}
	return &harness{
		ledger:      fl,
		signer:      signer,
		seed:        kp.Seed(),
		submitter:   submitter,
		sequencers:  seqs,
		reward:      NewRewardIssuer(deps, ""),
		certificate: NewCertificateIssuer(deps, CertificateOptions{}),
	}
}

// fundedRecipient registers a new recipient holding native XLM.
func (h *harness) fundedRecipient(native string) string {
	addr := keypair.MustRandom().Address()
	h.ledger.add(addr, 1, native)
	return addr
}
