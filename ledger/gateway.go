// Package ledger is the only code that talks to Horizon. It loads accounts and submits
// transactions per network, and turns Horizon errors into failure kinds.
package ledger

import (
	"context"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
	"github.com/ipeknurercan/mintelligence/resilience"
)

// Client is the subset of horizonclient.ClientInterface the service uses.
// *horizonclient.Client and *horizonclient.MockClient both satisfy it.
type Client interface {
	AccountDetail(request horizonclient.AccountRequest) (horizon.Account, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (horizon.Transaction, error)
	TransactionDetail(txHash string) (horizon.Transaction, error)
}

// Options tunes the gateway.
type Options struct {
	Retry            *resilience.RetryPolicy
	BreakerThreshold int
	BreakerReset     time.Duration
	Metrics          *metrics.Collector
	Logger           *zap.Logger
}

// Gateway routes calls to the Horizon client for a network.
type Gateway struct {
	clients  map[network.Network]Client
	breakers map[network.Network]*resilience.CircuitBreaker
	retry    *resilience.RetryManager
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewHorizonClient builds a horizonclient for one table entry.
func NewHorizonClient(s network.Settings, timeout time.Duration, appName string) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: s.HorizonURL,
		HTTP:       &http.Client{Timeout: timeout},
		AppName:    appName,
	}
}

// NewHorizonClients builds one client per configured network.
func NewHorizonClients(table *network.Table, timeout time.Duration, appName string) map[network.Network]Client {
	clients := make(map[network.Network]Client)
	for _, n := range table.Networks() {
		s, _ := table.Lookup(n)
		clients[n] = NewHorizonClient(s, timeout, appName)
	}
	return clients
}

// NewGateway wires retry and one circuit breaker per network around clients.
func NewGateway(clients map[network.Network]Client, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ledger_gateway"))

	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := opts.BreakerReset
	if reset <= 0 {
		reset = 30 * time.Second
	}

	g := &Gateway{
		clients:  clients,
		breakers: make(map[network.Network]*resilience.CircuitBreaker, len(clients)),
		retry:    resilience.NewRetryManager(opts.Retry, logger),
		metrics:  opts.Metrics,
		logger:   logger,
	}
	for n := range clients {
		cb := resilience.NewCircuitBreaker("horizon-"+string(n), threshold, reset, logger)
		cb.OnStateChange = func(name string, s resilience.CircuitState) {
			g.metrics.SetBreakerState(name, int(s))
		}
		g.breakers[n] = cb
	}
	return g
}

// LoadAccount fetches the current state of address. A missing account is reported as
// failure.KindAccountNotFound; transient failures are retried before giving up.
func (g *Gateway) LoadAccount(ctx context.Context, n network.Network, address string) (horizon.Account, error) {
	client, breaker, err := g.route(n)
	if err != nil {
		return horizon.Account{}, err
	}

	return resilience.ExecuteWithResult(ctx, g.retry, CallAccountDetail, func() (horizon.Account, error) {
		var account horizon.Account
		err := breaker.Execute(func() error {
			start := time.Now()
			acc, err := client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
			fe := Classify(err, CallAccountDetail)
			g.observe(n, CallAccountDetail, fe, time.Since(start))
			if fe != nil {
				return fe
			}
			account = acc
			return nil
		})
		return account, err
	})
}

// Submit sends a signed transaction once. It is never retried here: a resubmission
// after an unknown outcome could apply the payment twice or burn a sequence number.
func (g *Gateway) Submit(ctx context.Context, n network.Network, tx *txnbuild.Transaction) (horizon.Transaction, error) {
	client, breaker, err := g.route(n)
	if err != nil {
		return horizon.Transaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return horizon.Transaction{}, failure.Wrap(err, failure.KindTransientNetwork, "request cancelled before submission")
	}

	var resp horizon.Transaction
	err = breaker.Execute(func() error {
		start := time.Now()
		r, err := client.SubmitTransaction(tx)
		fe := Classify(err, CallSubmit)
		g.observe(n, CallSubmit, fe, time.Since(start))
		if fe != nil {
			return fe
		}
		resp = r
		return nil
	})
	return resp, err
}

// TransactionDetail looks up a submitted transaction by hash, once. A hash Horizon has
// not ingested yields an error matching IsTransactionNotFound and does not count
// against the circuit breaker.
func (g *Gateway) TransactionDetail(ctx context.Context, n network.Network, hash string) (horizon.Transaction, error) {
	client, breaker, err := g.route(n)
	if err != nil {
		return horizon.Transaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return horizon.Transaction{}, Classify(err, CallTransaction)
	}

	var (
		resp    horizon.Transaction
		missing *failure.Error
	)
	err = breaker.Execute(func() error {
		start := time.Now()
		r, err := client.TransactionDetail(hash)
		fe := Classify(err, CallTransaction)
		g.observe(n, CallTransaction, fe, time.Since(start))
		if fe != nil && IsTransactionNotFound(fe) {
			missing = fe
			return nil
		}
		if fe != nil {
			return fe
		}
		resp = r
		return nil
	})
	if err != nil {
		return horizon.Transaction{}, err
	}
	if missing != nil {
		return horizon.Transaction{}, missing
	}
	return resp, nil
}

// BreakerState reports the breaker state for n, for /health.
func (g *Gateway) BreakerState(n network.Network) resilience.CircuitState {
	if cb, ok := g.breakers[n]; ok {
		return cb.GetState()
	}
	return resilience.StateClosed
}

func (g *Gateway) route(n network.Network) (Client, *resilience.CircuitBreaker, error) {
	client, ok := g.clients[n]
	if !ok {
		return nil, nil, failure.Validationf("network %q is not configured", string(n))
	}
	return client, g.breakers[n], nil
}

func (g *Gateway) observe(n network.Network, call string, fe *failure.Error, d time.Duration) {
	kind := ""
	if fe != nil {
		kind = string(fe.Kind)
		if (fe.Kind == failure.KindTransientNetwork && !IsTransactionNotFound(fe)) || fe.Kind == failure.KindInternal {
			g.logger.Warn("horizon request failed",
				zap.String("network", string(n)),
				zap.String("call", call),
				zap.String("kind", kind),
				zap.Duration("elapsed", d),
				zap.Error(fe))
		}
	}
	g.metrics.ObserveLedgerCall(string(n), call, kind, d)
}
