package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/engine"
	"github.com/wippyai/wasm-jq/errors"
	"github.com/wippyai/wasm-jq/reactor"
)

// Factory creates a fresh Reactor when no idle one is available.
type Factory func(ctx context.Context) (*reactor.Reactor, error)

// Pool lends at most capacity Reactors at a time.
//
// Reactors are created lazily, recycled through Loan.Return and destroyed
// through Loan.Discard. Borrow blocks while every Reactor is on loan.
// All methods are safe for concurrent use.
type Pool struct {
	sem       *semaphore.Weighted
	idle      chan *reactor.Reactor
	factory   Factory
	policy    Policy
	metrics   *metrics
	logger    *zap.Logger
	capacity  int
	inUse     atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
	closed    atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool) error

// WithPolicy sets the policy Loan.Release and Pool.Do use to decide between
// return and discard.
func WithPolicy(policy Policy) Option {
	return func(p *Pool) error {
		if policy != nil {
			p.policy = policy
		}
		return nil
	}
}

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) error {
		if l != nil {
			p.logger = l
		}
		return nil
	}
}

// New creates a pool that lends at most capacity Reactors built by factory.
func New(capacity int, factory Factory, opts ...Option) (*Pool, error) {
	if capacity < 1 {
		return nil, errors.InvalidInput(errors.PhasePool, fmt.Sprintf("capacity must be positive, got %d", capacity))
	}
	if factory == nil {
		return nil, errors.InvalidInput(errors.PhasePool, "factory is nil")
	}

	p := &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		idle:     make(chan *reactor.Reactor, capacity),
		factory:  factory,
		policy:   DefaultPolicy,
		logger:   engine.Logger().Named("pool"),
		capacity: capacity,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	p.logger.Info("pool created", zap.Int("capacity", capacity))
	return p, nil
}

// NewFromEngine creates a pool whose Reactors wrap instances of eng.
func NewFromEngine(eng *engine.Engine, capacity int, opts ...Option) (*Pool, error) {
	var p *Pool
	factory := func(ctx context.Context) (*reactor.Reactor, error) {
		h, err := eng.Instantiate(ctx)
		if err != nil {
			return nil, err
		}
		return reactor.New(h, reactor.WithLogger(p.logger.Named("reactor"))), nil
	}
	p, err := New(capacity, factory, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Capacity returns the maximum number of Reactors on loan at once.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Borrow hands out a Reactor, blocking until one is available or ctx is done.
func (p *Pool) Borrow(ctx context.Context) (*Loan, error) {
	if p.closed.Load() {
		return nil, errors.Closed(errors.PhasePool, "pool")
	}

	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for reactor: %w", err)
	}
	p.metrics.observeWait(time.Since(start))

	if p.closed.Load() {
		p.sem.Release(1)
		return nil, errors.Closed(errors.PhasePool, "pool")
	}

	r, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.inUse.Add(1)
	p.metrics.setInUse(p.inUse.Load())
	return &Loan{pool: p, reactor: r}, nil
}

// take pops an idle Reactor or builds a new one.
func (p *Pool) take(ctx context.Context) (*reactor.Reactor, error) {
	select {
	case r := <-p.idle:
		p.metrics.setIdle(len(p.idle))
		return r, nil
	default:
	}

	r, err := p.factory(ctx)
	if err != nil {
		p.logger.Warn("create reactor", zap.Error(err))
		return nil, err
	}
	p.created.Add(1)
	p.metrics.reactorCreated()
	p.logger.Debug("reactor created", zap.String("reactor", r.ID()))
	return r, nil
}

// recycle re-idles r, or destroys it when the pool is closed.
func (p *Pool) recycle(ctx context.Context, r *reactor.Reactor) {
	r.Reset()
	if p.closed.Load() {
		p.destroy(ctx, r)
		return
	}

	select {
	case p.idle <- r:
	default:
		p.destroy(ctx, r)
		return
	}

	// Close may have drained the idle set between the check and the push.
	if p.closed.Load() {
		p.drain(ctx)
	}
	p.metrics.setIdle(len(p.idle))
}

func (p *Pool) destroy(ctx context.Context, r *reactor.Reactor) {
	if err := r.Close(ctx); err != nil {
		p.logger.Warn("destroy reactor", zap.String("reactor", r.ID()), zap.Error(err))
	}
	p.destroyed.Add(1)
	p.metrics.reactorDestroyed()
	p.logger.Debug("reactor destroyed", zap.String("reactor", r.ID()))
}

func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case r := <-p.idle:
			p.destroy(ctx, r)
		default:
			p.metrics.setIdle(len(p.idle))
			return
		}
	}
}

// finish ends a loan: exactly one call per successful Borrow.
func (p *Pool) finish(outcome string) {
	p.inUse.Add(-1)
	p.metrics.setInUse(p.inUse.Load())
	p.metrics.loanFinished(outcome)
	p.sem.Release(1)
}

// Close marks the pool closed and destroys idle Reactors. Reactors on loan
// are destroyed when they come back. Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.drain(ctx)
	p.logger.Info("pool closed",
		zap.Int64("in_use", p.inUse.Load()),
		zap.Int64("created", p.created.Load()),
		zap.Int64("destroyed", p.destroyed.Load()))
	return nil
}

// Request is one jq invocation for Pool.Run. A nil Input is reported as a
// missing field; use an empty slice for an empty document.
type Request struct {
	Input  []byte
	Filter string
	Flags  wasmjq.Flags
}

// Do borrows a Reactor, calls fn with it and releases the loan under the
// pool's policy using fn's error. A panic in fn discards the Reactor.
func (p *Pool) Do(ctx context.Context, fn func(*reactor.Reactor) error) (err error) {
	loan, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			_ = loan.Discard(ctx)
			panic(rec)
		}
	}()

	runErr := fn(loan.reactor)
	if relErr := loan.Release(ctx, runErr); relErr != nil && runErr == nil {
		return relErr
	}
	return runErr
}

// Run executes req on a pooled Reactor.
func (p *Pool) Run(ctx context.Context, req Request) ([]byte, error) {
	var out []byte
	err := p.Do(ctx, func(r *reactor.Reactor) error {
		if req.Input != nil {
			r.WithInput(req.Input)
		}
		var err error
		out, err = r.WithFilter(req.Filter).WithFlags(req.Flags).Run(ctx)
		return err
	})
	return out, err
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity  int
	InUse     int
	Idle      int
	Created   int64
	Destroyed int64
	Closed    bool
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:  p.capacity,
		InUse:     int(p.inUse.Load()),
		Idle:      len(p.idle),
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Closed:    p.closed.Load(),
	}
}
