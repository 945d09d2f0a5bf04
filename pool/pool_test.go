package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/engine"
	"github.com/wippyai/wasm-jq/enginetest"
	"github.com/wippyai/wasm-jq/errors"
	"github.com/wippyai/wasm-jq/reactor"
)

func newPool(t *testing.T, capacity int, fxOpts enginetest.Options, opts ...Option) (*Pool, *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	fx := enginetest.New(fxOpts)
	eng, err := fx.NewEngine(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(ctx) })

	p, err := NewFromEngine(eng, capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })
	return p, eng
}

func reactorID(t *testing.T, l *Loan) string {
	t.Helper()
	r, err := l.Reactor()
	require.NoError(t, err)
	return r.ID()
}

func TestNew_Invalid(t *testing.T) {
	factory := func(context.Context) (*reactor.Reactor, error) { return nil, nil }

	_, err := New(0, factory)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))

	_, err = New(-3, factory)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))

	_, err = New(1, nil)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}

func TestBorrow_ReturnRecyclesReactor(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 2, enginetest.Options{})

	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	first := reactorID(t, loan)
	assert.Equal(t, 1, p.Stats().InUse)
	require.NoError(t, loan.Return(ctx))

	loan, err = p.Borrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, reactorID(t, loan))
	require.NoError(t, loan.Return(ctx))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, 1, stats.Idle)
	assert.Zero(t, stats.InUse)
}

func TestBorrow_ReturnClearsPendingRequest(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{})

	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	r, err := loan.Reactor()
	require.NoError(t, err)
	r.WithInputString(`{"a":1}`).WithFilter(".a")
	require.NoError(t, loan.Return(ctx))

	loan, err = p.Borrow(ctx)
	require.NoError(t, err)
	r, err = loan.Reactor()
	require.NoError(t, err)
	_, err = r.Run(ctx)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	require.NoError(t, loan.Return(ctx))
}

func TestDiscard_NextBorrowGetsFreshReactor(t *testing.T) {
	ctx := context.Background()
	p, eng := newPool(t, 1, enginetest.Options{})

	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	first := reactorID(t, loan)
	require.NoError(t, loan.Discard(ctx))
	assert.Zero(t, eng.Instances())

	loan, err = p.Borrow(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, reactorID(t, loan))

	r, err := loan.Reactor()
	require.NoError(t, err)
	out, err := r.WithInputString(`{"foo":"bar"}`).WithFilter(".foo").WithCompactOutput(true).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "\"bar\"\n", string(out))
	require.NoError(t, loan.Return(ctx))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Destroyed)
}

func TestBorrow_BlocksAtCapacity(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{})

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan *Loan, 1)
	go func() {
		l, err := p.Borrow(ctx)
		if err == nil {
			got <- l
		}
	}()

	select {
	case <-got:
		t.Fatal("borrow succeeded while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.Return(ctx))

	select {
	case l := <-got:
		require.NoError(t, l.Return(ctx))
	case <-time.After(5 * time.Second):
		t.Fatal("waiting borrow was not woken by return")
	}
	assert.Equal(t, int64(1), p.Stats().Created)
}

func TestBorrow_ContextCancelled(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{})

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(waitCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Return(ctx))
	assert.Zero(t, p.Stats().InUse)

	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, loan.Return(ctx))
}

func TestBorrow_Closed(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{})

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	_, err := p.Borrow(ctx)
	assert.Equal(t, errors.KindClosed, errors.KindOf(err))
	assert.True(t, p.Stats().Closed)
}

func TestClose_DestroysIdleAndReturnedReactors(t *testing.T) {
	ctx := context.Background()
	p, eng := newPool(t, 2, enginetest.Options{})

	idle, err := p.Borrow(ctx)
	require.NoError(t, err)
	held, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, idle.Return(ctx))
	assert.Equal(t, int64(2), eng.Instances())

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int64(1), eng.Instances())

	require.NoError(t, held.Return(ctx))
	assert.Zero(t, eng.Instances())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Destroyed)
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.InUse)
}

func TestLoan_TerminatesOnce(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{})

	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, loan.Return(ctx))

	err = loan.Return(ctx)
	assert.Equal(t, errors.KindLoanTerminated, errors.KindOf(err))
	err = loan.Discard(ctx)
	assert.Equal(t, errors.KindLoanTerminated, errors.KindOf(err))
	_, err = loan.Reactor()
	assert.Equal(t, errors.KindLoanTerminated, errors.KindOf(err))

	// A second termination must not free a second slot.
	again, err := p.Borrow(ctx)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, again.Discard(ctx))

	err = again.Release(ctx, nil)
	assert.Equal(t, errors.KindLoanTerminated, errors.KindOf(err))
	assert.Contains(t, err.Error(), "discarded")
}

func TestRun(t *testing.T) {
	p, _ := newPool(t, 2, enginetest.Options{})

	out, err := p.Run(context.Background(), Request{
		Input:  []byte(`{"items":[1,2,3]}`),
		Filter: ".items[]",
		Flags:  wasmjq.FlagCompact,
	})
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", string(out))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestRun_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{PoisonOnError: true})

	_, err := p.Run(ctx, Request{Input: []byte(`1`), Filter: ".["})
	assert.Equal(t, errors.KindCompile, errors.KindOf(err))
	assert.Zero(t, p.Stats().Destroyed)

	_, err = p.Run(ctx, Request{Input: []byte(`1`), Filter: `error("boom")`})
	assert.Equal(t, errors.KindUnexpectedStatus, errors.KindOf(err))
	assert.Equal(t, int64(1), p.Stats().Destroyed)

	out, err := p.Run(ctx, Request{Input: []byte(`{"a":2}`), Filter: ".a", Flags: wasmjq.FlagCompact})
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(out))
	assert.Equal(t, int64(2), p.Stats().Created)
}

func TestRun_ConservativePolicy(t *testing.T) {
	ctx := context.Background()
	p, _ := newPool(t, 1, enginetest.Options{}, WithPolicy(ConservativePolicy))

	_, err := p.Run(ctx, Request{Input: []byte(`1`), Filter: ".["})
	assert.Equal(t, errors.KindCompile, errors.KindOf(err))
	assert.Equal(t, int64(1), p.Stats().Destroyed)

	_, err = p.Run(ctx, Request{Filter: "."})
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	assert.Equal(t, int64(2), p.Stats().Destroyed)

	out, err := p.Run(ctx, Request{Input: []byte{}, Filter: "."})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		discard    bool
		discardAll bool
	}{
		{"success", nil, false, false},
		{"caller error", errors.MissingField("filter"), false, true},
		{"compile", errors.CompileFailed(".[", -1, ""), false, true},
		{"overflow", errors.OutputOverflow(-2, 64), false, true},
		{"init", errors.InitFailed(-3, nil), true, true},
		{"unexpected", errors.UnexpectedStatus(-9, "."), true, true},
		{"foreign", fmt.Errorf("boom"), true, true},
		{"context", context.Canceled, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.discard, DefaultPolicy(tt.err))
			assert.Equal(t, tt.discardAll, ConservativePolicy(tt.err))
		})
	}

	for _, name := range []string{"", "default", "conservative"} {
		_, ok := PolicyByName(name)
		assert.True(t, ok, name)
	}
	_, ok := PolicyByName("lenient")
	assert.False(t, ok)
}

func TestDo_PanicDiscards(t *testing.T) {
	ctx := context.Background()
	p, eng := newPool(t, 1, enginetest.Options{})

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.Do(ctx, func(*reactor.Reactor) error { panic("boom") })
	})

	stats := p.Stats()
	assert.Zero(t, stats.InUse)
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.Zero(t, eng.Instances())

	require.NoError(t, p.Do(ctx, func(*reactor.Reactor) error { return nil }))
}

func TestBorrow_FactoryErrorReleasesSlot(t *testing.T) {
	boom := stderrors.New("boom")
	var calls atomic.Int32
	p, err := New(1, func(context.Context) (*reactor.Reactor, error) {
		calls.Add(1)
		return nil, boom
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 3 {
		_, err := p.Borrow(ctx)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, p.Stats().InUse)
}

func TestPool_ConcurrentBorrowers(t *testing.T) {
	const (
		capacity = 4
		workers  = 16
		rounds   = 10
	)
	p, _ := newPool(t, capacity, enginetest.Options{})

	var (
		active  atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
		failure atomic.Value
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rounds {
				n := w*rounds + i
				err := p.Do(context.Background(), func(r *reactor.Reactor) error {
					cur := active.Add(1)
					defer active.Add(-1)
					for {
						old := peak.Load()
						if cur <= old || peak.CompareAndSwap(old, cur) {
							break
						}
					}
					out, err := r.WithInputString(fmt.Sprintf(`{"n":%d}`, n)).WithFilter(".n").WithCompactOutput(true).Run(context.Background())
					if err != nil {
						return err
					}
					if want := fmt.Sprintf("%d\n", n); string(out) != want {
						return fmt.Errorf("got %q, want %q", out, want)
					}
					return nil
				})
				if err != nil {
					failure.Store(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err, _ := failure.Load().(error); err != nil {
		t.Fatal(err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	stats := p.Stats()
	assert.LessOrEqual(t, stats.Created, int64(capacity))
	assert.Zero(t, stats.InUse)
	assert.Zero(t, stats.Destroyed)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func loans(f *dto.MetricFamily, outcome string) float64 {
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func TestWithMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p, _ := newPool(t, 2, enginetest.Options{}, WithMetrics(reg, nil))

	_, err := p.Run(ctx, Request{Input: []byte(`1`), Filter: "."})
	require.NoError(t, err)
	loan, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, loan.Discard(ctx))
	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	fams := gather(t, reg)
	require.Contains(t, fams, "wasmjq_pool_loans_total")
	assert.Equal(t, 1.0, loans(fams["wasmjq_pool_loans_total"], "returned"))
	assert.Equal(t, 1.0, loans(fams["wasmjq_pool_loans_total"], "discarded"))
	assert.Equal(t, 2.0, fams["wasmjq_pool_reactors_created_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, fams["wasmjq_pool_reactors_destroyed_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, fams["wasmjq_pool_in_use"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 0.0, fams["wasmjq_pool_idle"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, uint64(3), fams["wasmjq_pool_borrow_wait_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())

	require.NoError(t, held.Return(ctx))
}

func TestWithMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := func(context.Context) (*reactor.Reactor, error) { return nil, stderrors.New("unused") }

	_, err := New(1, factory, WithMetrics(reg, prometheus.Labels{"pool": "first"}))
	require.NoError(t, err)
	_, err = New(1, factory, WithMetrics(reg, prometheus.Labels{"pool": "first"}))
	assert.Error(t, err)
	_, err = New(1, factory, WithMetrics(reg, prometheus.Labels{"pool": "second"}))
	assert.NoError(t, err)
}
