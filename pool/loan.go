package pool

import (
	"context"
	"sync/atomic"

	"github.com/wippyai/wasm-jq/errors"
	"github.com/wippyai/wasm-jq/reactor"
)

const (
	loanActive int32 = iota
	loanReturned
	loanDiscarded
)

const (
	outcomeReturned  = "returned"
	outcomeDiscarded = "discarded"
)

// Loan is one caller's exclusive right to a pooled Reactor. It ends with
// exactly one Return, Discard or Release; every later call is a caller error.
type Loan struct {
	pool    *Pool
	reactor *reactor.Reactor
	state   atomic.Int32
}

func (l *Loan) terminated() error {
	if l.state.Load() == loanDiscarded {
		return errors.LoanTerminated(outcomeDiscarded)
	}
	return errors.LoanTerminated(outcomeReturned)
}

// Reactor returns the borrowed Reactor while the loan is active.
func (l *Loan) Reactor() (*reactor.Reactor, error) {
	if l.state.Load() != loanActive {
		return nil, l.terminated()
	}
	return l.reactor, nil
}

// Return hands the Reactor back for reuse. Pending request state is cleared.
func (l *Loan) Return(ctx context.Context) error {
	if !l.state.CompareAndSwap(loanActive, loanReturned) {
		return l.terminated()
	}
	defer l.pool.finish(outcomeReturned)
	l.pool.recycle(ctx, l.reactor)
	return nil
}

// Discard destroys the Reactor instead of returning it. Use it when a failure
// may have left the engine instance in an unknown state.
func (l *Loan) Discard(ctx context.Context) error {
	if !l.state.CompareAndSwap(loanActive, loanDiscarded) {
		return l.terminated()
	}
	defer l.pool.finish(outcomeDiscarded)
	l.pool.destroy(ctx, l.reactor)
	return nil
}

// Release returns or discards the Reactor according to the pool's policy
// applied to err, the outcome of the last Run.
func (l *Loan) Release(ctx context.Context, err error) error {
	if l.pool.policy(err) {
		return l.Discard(ctx)
	}
	return l.Return(ctx)
}
