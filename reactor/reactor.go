package reactor

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/engine"
	"github.com/wippyai/wasm-jq/errors"
)

// Handle is the engine instance a Reactor drives. *engine.Handle implements it.
type Handle interface {
	wasmjq.Allocator
	ID() string
	Write(ptr uint32, data []byte) error
	Process(ctx context.Context, input, filter wasmjq.Region, flags wasmjq.Flags) (wasmjq.Status, error)
	Output(ctx context.Context) ([]byte, error)
	OutputLimit() uint32
	Diagnostics() string
	ResetDiagnostics()
	Close(ctx context.Context) error
}

var _ Handle = (*engine.Handle)(nil)

// Reactor holds one pending request against an engine instance it owns
// exclusively. It is reusable: every Run clears the request, whatever the
// outcome.
type Reactor struct {
	handle    Handle
	logger    *zap.Logger
	input     []byte
	filter    []byte
	flags     wasmjq.Flags
	runs      atomic.Int64
	running   atomic.Bool
	hasInput  bool
	hasFilter bool
	closed    bool
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithLogger sets the reactor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// New wraps h. The Reactor takes ownership of h and closes it on Close.
func New(h Handle, opts ...Option) *Reactor {
	r := &Reactor{
		handle: h,
		logger: engine.Logger().Named("reactor"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("handle", h.ID()))
	return r
}

// ID returns the identifier of the owned engine instance.
func (r *Reactor) ID() string {
	return r.handle.ID()
}

// Runs returns the number of Run calls that reached the engine.
func (r *Reactor) Runs() int64 {
	return r.runs.Load()
}

// WithInput sets the raw JSON input. The slice is not copied and must not be
// modified until Run returns.
func (r *Reactor) WithInput(input []byte) *Reactor {
	r.input = input
	r.hasInput = true
	return r
}

// WithInputString sets the JSON input from a string.
func (r *Reactor) WithInputString(input string) *Reactor {
	return r.WithInput([]byte(input))
}

// WithFilter sets the jq filter expression.
func (r *Reactor) WithFilter(filter string) *Reactor {
	return r.WithFilterBytes([]byte(filter))
}

// WithFilterBytes sets the jq filter expression from bytes.
func (r *Reactor) WithFilterBytes(filter []byte) *Reactor {
	r.filter = filter
	r.hasFilter = true
	return r
}

// WithFlags replaces the option bitmask.
func (r *Reactor) WithFlags(flags wasmjq.Flags) *Reactor {
	r.flags = flags
	return r
}

// WithOptions replaces the option bitmask from named booleans.
func (r *Reactor) WithOptions(o wasmjq.Options) *Reactor {
	return r.WithFlags(o.Flags())
}

func (r *Reactor) set(flag wasmjq.Flags, on bool) *Reactor {
	if on {
		r.flags |= flag
	} else {
		r.flags &^= flag
	}
	return r
}

// WithSlurp toggles FlagSlurp.
func (r *Reactor) WithSlurp(on bool) *Reactor { return r.set(wasmjq.FlagSlurp, on) }

// WithNullInput toggles FlagNullInput.
func (r *Reactor) WithNullInput(on bool) *Reactor { return r.set(wasmjq.FlagNullInput, on) }

// WithCompactOutput toggles FlagCompact.
func (r *Reactor) WithCompactOutput(on bool) *Reactor { return r.set(wasmjq.FlagCompact, on) }

// WithSortKeys toggles FlagSortKeys.
func (r *Reactor) WithSortKeys(on bool) *Reactor { return r.set(wasmjq.FlagSortKeys, on) }

// Reset clears the pending request.
func (r *Reactor) Reset() {
	r.input, r.filter = nil, nil
	r.hasInput, r.hasFilter = false, false
	r.flags = 0
}

// Run performs one process cycle and returns a host-owned copy of the output.
//
// Input and filter regions are released on every path, and the pending
// request is cleared before Run returns. Missing input or filter fails before
// the engine is touched.
func (r *Reactor) Run(ctx context.Context) (out []byte, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, errors.ConcurrentUse("reactor")
	}
	defer r.running.Store(false)
	defer r.Reset()

	if r.closed {
		return nil, errors.Closed(errors.PhaseRequest, "reactor")
	}
	if err := r.validate(); err != nil {
		return nil, err
	}

	r.runs.Add(1)
	filter := string(r.filter)
	flags := r.flags
	defer func() {
		if err != nil {
			r.logger.Debug("run failed",
				zap.Stringer("flags", flags),
				zap.String("kind", string(errors.KindOf(err))),
				zap.Error(err))
		}
	}()

	r.handle.ResetDiagnostics()

	in, err := r.place(ctx, r.input)
	if err != nil {
		return nil, err
	}
	defer r.releaseInto(ctx, in, &out, &err)

	f, err := r.place(ctx, r.filter)
	if err != nil {
		return nil, err
	}
	defer r.releaseInto(ctx, f, &out, &err)

	status, err := r.handle.Process(ctx, in, f, flags)
	if err != nil {
		return nil, err
	}

	switch {
	case status.OK():
		out, err = r.handle.Output(ctx)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("run complete", zap.Stringer("flags", flags), zap.Int("bytes", len(out)))
		return out, nil
	case status == wasmjq.StatusCompileError:
		return nil, errors.CompileFailed(filter, int32(status), r.handle.Diagnostics())
	case status == wasmjq.StatusInitError:
		return nil, errors.InitFailed(int32(status), nil)
	case status == wasmjq.StatusOutputOverflow:
		return nil, errors.OutputOverflow(int32(status), r.handle.OutputLimit())
	default:
		e := errors.UnexpectedStatus(int32(status), filter)
		if d := strings.TrimSpace(r.handle.Diagnostics()); d != "" {
			e.Detail = e.Detail + ": " + d
		}
		return nil, e
	}
}

func (r *Reactor) validate() error {
	if !r.hasInput {
		return errors.MissingField("input")
	}
	if !r.hasFilter {
		return errors.MissingField("filter")
	}
	if uint64(len(r.input)) > math.MaxUint32 {
		return errors.TooLarge("input", len(r.input))
	}
	if uint64(len(r.filter)) > math.MaxUint32 {
		return errors.TooLarge("filter", len(r.filter))
	}
	if !r.flags.Valid() {
		return errors.InvalidInput(errors.PhaseRequest, "unknown flag bits in "+r.flags.String())
	}
	return nil
}

// place copies data into a region sized exactly to it.
func (r *Reactor) place(ctx context.Context, data []byte) (wasmjq.Region, error) {
	size := uint32(len(data))
	ptr, err := r.handle.Alloc(ctx, size)
	if err != nil {
		return wasmjq.Region{}, err
	}
	region := wasmjq.Region{Ptr: ptr, Len: size}
	if size == 0 {
		return region, nil
	}
	if err := r.handle.Write(ptr, data); err != nil {
		if ferr := r.release(ctx, region); ferr != nil {
			err = stderrors.Join(ferr, err)
		}
		return wasmjq.Region{}, err
	}
	return region, nil
}

func (r *Reactor) release(ctx context.Context, region wasmjq.Region) error {
	err := r.handle.Free(ctx, region.Ptr, region.Len)
	if err != nil {
		r.logger.Warn("free region", zap.Uint32("ptr", region.Ptr), zap.Uint32("len", region.Len), zap.Error(err))
	}
	return err
}

// releaseInto frees region and folds a failure into the run's result. A
// failed free leaves the instance unusable, so the free error goes first
// and decides the Kind even when the run had already failed recoverably.
func (r *Reactor) releaseInto(ctx context.Context, region wasmjq.Region, out *[]byte, err *error) {
	ferr := r.release(ctx, region)
	if ferr == nil {
		return
	}
	*out = nil
	if *err == nil {
		*err = ferr
		return
	}
	*err = stderrors.Join(ferr, *err)
}

// Close destroys the engine instance. The Reactor must not be used afterwards.
func (r *Reactor) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.Reset()
	return r.handle.Close(ctx)
}
