package issuance

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stellar/go/support/errors"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
)

// ErrSequencerClosed is returned for jobs offered after Close.
var ErrSequencerClosed = errors.New("issuer is shutting down")

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx    context.Context
	plan   Plan
	m      *machine
	status atomic.Int32
	done   chan Result
}

// Sequencer is a single-consumer queue for one network. The issuing account's sequence
// number is per account per ledger, so exactly one transaction is in flight per network:
// the worker loads the account, builds, signs, submits and waits for the outcome before
// it takes the next job.
type Sequencer struct {
	network   network.Network
	submitter *Submitter
	jobs      chan *job
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	depth  atomic.Int64
	wg     sync.WaitGroup
}

// NewSequencer starts the worker for n.
func NewSequencer(n network.Network, submitter *Submitter, queueSize int, m *metrics.Collector, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	s := &Sequencer{
		network:   n,
		submitter: submitter,
		jobs:      make(chan *job, queueSize),
		metrics:   m,
		logger:    logger.With(zap.String("component", "sequencer"), zap.String("network", string(n))),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Do queues plan and waits for its result. If ctx ends while the job is still queued,
// the job is withdrawn and rejected as transient without touching the ledger. Once the
// worker has started it, the job runs to its outcome regardless of ctx.
func (s *Sequencer) Do(ctx context.Context, plan Plan, m *machine) Result {
	j := &job{ctx: ctx, plan: plan, m: m, done: make(chan Result, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return rejected(m, failure.Wrap(ErrSequencerClosed, failure.KindTransientNetwork, ErrSequencerClosed.Error()))
	}
	// Counted before the send so the worker's decrement can never run first.
	s.metrics.SetQueueDepth(string(s.network), int(s.depth.Add(1)))
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		s.metrics.SetQueueDepth(string(s.network), int(s.depth.Add(-1)))
		s.mu.RUnlock()
		return rejected(m, cancelled(ctx))
	}
	s.mu.RUnlock()

	select {
	case r := <-j.done:
		return r
	case <-ctx.Done():
		if j.status.CompareAndSwap(jobQueued, jobAbandoned) {
			return rejected(m, cancelled(ctx))
		}
		return <-j.done
	}
}

// Close stops accepting jobs and waits until every queued job has finished, or ctx ends.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.metrics.SetQueueDepth(string(s.network), int(s.depth.Add(-1)))

		if !j.status.CompareAndSwap(jobQueued, jobRunning) {
			s.logger.Debug("skipping withdrawn job", zap.String("operation", j.plan.Operation))
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- rejected(j.m, cancelled(j.ctx))
			continue
		}

		// A started transaction is carried through to its outcome even if the caller goes away.
		j.done <- s.submitter.Execute(context.WithoutCancel(j.ctx), j.plan, j.m)
	}
	s.logger.Info("sequencer drained")
}

func cancelled(ctx context.Context) *failure.Error {
	return failure.Wrap(ctx.Err(), failure.KindTransientNetwork, "request cancelled before submission")
}

// Sequencers holds one Sequencer per configured network.
type Sequencers struct {
	byNetwork map[network.Network]*Sequencer
}

// NewSequencers starts a Sequencer for every network in table.
func NewSequencers(table *network.Table, submitter *Submitter, queueSize int, m *metrics.Collector, logger *zap.Logger) *Sequencers {
	out := &Sequencers{byNetwork: make(map[network.Network]*Sequencer)}
	for _, n := range table.Networks() {
		out.byNetwork[n] = NewSequencer(n, submitter, queueSize, m, logger)
	}
	return out
}

// Do routes plan to its network's queue.
func (s *Sequencers) Do(ctx context.Context, plan Plan, m *machine) Result {
	seq, ok := s.byNetwork[plan.Network]
	if !ok {
		return rejected(m, failure.Validationf("network %s is not configured", plan.Network))
	}
	return seq.Do(ctx, plan, m)
}

// Close drains every queue.
func (s *Sequencers) Close(ctx context.Context) error {
	var first error
	for _, seq := range s.byNetwork {
		if err := seq.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
