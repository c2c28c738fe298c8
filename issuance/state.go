package issuance

import (
	"go.uber.org/zap"
)

// State is a step of the issuance state machine. Every request starts at StateRequested
// and ends in exactly one of StateRejected, StateConfirmed or StateFailed.
type State string

const (
	StateRequested State = "REQUESTED"
	StateValidated State = "VALIDATED"
	StateProbed    State = "PROBED"
	StateBuilt     State = "BUILT"
	StateSigned    State = "SIGNED"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateRejected  State = "REJECTED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateConfirmed || s == StateFailed
}

// Anything that fails before the issuer account is loaded is a rejection; anything after
// is a failure, since a sequence number may already be in play.
var transitions = map[State][]State{
	StateRequested: {StateValidated, StateRejected},
	StateValidated: {StateProbed, StateRejected},
	StateProbed:    {StateBuilt, StateRejected, StateFailed},
	StateBuilt:     {StateSigned, StateFailed},
	StateSigned:    {StateSubmitted, StateFailed},
	StateSubmitted: {StateConfirmed, StateFailed},
}

// machine tracks one request. It is owned by a single goroutine at a time: the
// caller until the job is queued, then the sequencer worker.
type machine struct {
	state  State
	logger *zap.Logger
}

func newMachine(logger *zap.Logger) *machine {
	m := &machine{state: StateRequested, logger: logger}
	m.logger.Debug("issuance state", zap.String("state", string(StateRequested)))
	return m
}

func (m *machine) State() State { return m.state }

func (m *machine) to(next State) {
	if !allowed(m.state, next) {
		m.logger.DPanic("illegal issuance transition",
			zap.String("from", string(m.state)),
			zap.String("to", string(next)))
	}
	m.logger.Debug("issuance state",
		zap.String("from", string(m.state)),
		zap.String("state", string(next)))
	m.state = next
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
