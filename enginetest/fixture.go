// Package enginetest provides a reference jq engine for tests.
//
// The engine is split in two: a generated guest module that exports memory
// and the engine entry points, and a host module that implements them with
// gojq. Tests drive it through the engine package exactly like a real
// jq.wasm build.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/engine"
)

// HostModuleName is the import module the guest shim links against.
const HostModuleName = "enginetest"

// Statuses beyond the engine ABI, returned only by the reference engine.
const (
	// StatusEvalError reports invalid input JSON or a runtime error in the filter.
	StatusEvalError wasmjq.Status = -4
	// StatusPoisoned is returned by every call after a failure when
	// Options.PoisonOnError is set.
	StatusPoisoned wasmjq.Status = -5
)

const defaultMinOutput = 256

// Options select the behavior of the reference engine.
type Options struct {
	// Bounded exports the seven-parameter process.
	Bounded bool
	// FailInit makes every process call return the init error status.
	FailInit bool
	// PoisonOnError leaves the instance unusable after an evaluation error.
	PoisonOnError bool
	// MinOutput is the starting capacity of the growable output buffer.
	MinOutput uint32
	// Omit drops entry points from the guest exports.
	Omit []string
}

// Fixture is one reference engine. It may be installed into any number of
// runtimes; per-instance state is keyed by the calling guest module.
type Fixture struct {
	instances map[api.Module]*instance
	wasm      []byte
	opts      Options
	live      atomic.Int64
	badFrees  atomic.Int64
	processed atomic.Int64
	created   atomic.Int64
	lastFlags atomic.Uint32
	mu        sync.Mutex
}

type instance struct {
	heap     heap
	out      uint32
	outCap   uint32
	outLen   uint32
	poisoned bool
}

// New creates a reference engine.
func New(opts Options) *Fixture {
	if opts.MinOutput == 0 {
		opts.MinOutput = defaultMinOutput
	}
	return &Fixture{
		instances: make(map[api.Module]*instance),
		wasm:      buildShim(entryPoints(opts.Bounded, opts.Omit)),
		opts:      opts,
	}
}

// Wasm returns the guest module binary.
func (f *Fixture) Wasm() []byte {
	return f.wasm
}

// NewEngine loads the guest module with the host module installed.
func (f *Fixture) NewEngine(ctx context.Context, cfg *engine.Config) (*engine.Engine, error) {
	var c engine.Config
	if cfg != nil {
		c = *cfg
	}
	c.HostModules = append(append([]engine.HostModule(nil), c.HostModules...), f.Install)
	return engine.New(ctx, f.wasm, &c)
}

// LiveAllocations returns the number of regions allocated through alloc
// and not yet released through dealloc, across all instances.
func (f *Fixture) LiveAllocations() int64 {
	return f.live.Load()
}

// BadFrees counts dealloc calls for pointers that were not allocated.
func (f *Fixture) BadFrees() int64 {
	return f.badFrees.Load()
}

// Processed counts process calls across all instances.
func (f *Fixture) Processed() int64 {
	return f.processed.Load()
}

// Instances counts initialized guest instances.
func (f *Fixture) Instances() int64 {
	return f.created.Load()
}

// Tracked returns the number of open guest instances the fixture holds
// state for.
func (f *Fixture) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	return len(f.instances)
}

// LastFlags returns the flags received by the most recent process call.
func (f *Fixture) LastFlags() wasmjq.Flags {
	return wasmjq.Flags(f.lastFlags.Load())
}

func (f *Fixture) state(m api.Module) *instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.instances[m]
	if !ok {
		f.prune()
		st = &instance{}
		f.instances[m] = st
		f.created.Add(1)
	}
	return st
}

// prune drops state for closed modules. Caller holds f.mu.
func (f *Fixture) prune() {
	for m := range f.instances {
		if m.IsClosed() {
			delete(f.instances, m)
		}
	}
}

func i32s(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

// Install registers the host module. It has the engine.HostModule signature.
func (f *Fixture) Install(ctx context.Context, r wazero.Runtime) error {
	b := r.NewHostModuleBuilder(HostModuleName)
	export := func(name string, params, results int, fn api.GoModuleFunc) {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(fn, i32s(params), i32s(results)).
			Export(name)
	}

	export("_initialize", 0, 0, func(_ context.Context, m api.Module, _ []uint64) {
		f.state(m)
	})

	export("alloc", 1, 1, func(_ context.Context, m api.Module, stack []uint64) {
		st := f.state(m)
		ptr := st.heap.alloc(m.Memory(), api.DecodeU32(stack[0]), true)
		if ptr != 0 {
			f.live.Add(1)
		}
		stack[0] = api.EncodeU32(ptr)
	})

	export("dealloc", 2, 0, func(_ context.Context, m api.Module, stack []uint64) {
		st := f.state(m)
		blk, ok := st.heap.free(api.DecodeU32(stack[0]))
		if !ok || !blk.scratch {
			f.badFrees.Add(1)
			return
		}
		f.live.Add(-1)
	})

	if f.opts.Bounded {
		export("process", 7, 1, func(ctx context.Context, m api.Module, stack []uint64) {
			req := request{
				input:   region(stack[0], stack[1]),
				filter:  region(stack[2], stack[3]),
				out:     region(stack[4], stack[5]),
				flags:   wasmjq.Flags(api.DecodeU32(stack[6])),
				bounded: true,
			}
			stack[0] = api.EncodeI32(int32(f.process(ctx, m, f.state(m), req)))
		})
	} else {
		export("process", 5, 1, func(ctx context.Context, m api.Module, stack []uint64) {
			req := request{
				input:  region(stack[0], stack[1]),
				filter: region(stack[2], stack[3]),
				flags:  wasmjq.Flags(api.DecodeU32(stack[4])),
			}
			stack[0] = api.EncodeI32(int32(f.process(ctx, m, f.state(m), req)))
		})
		export("get_output_ptr", 0, 1, func(_ context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeU32(f.state(m).out)
		})
		export("get_output_len", 0, 1, func(_ context.Context, m api.Module, stack []uint64) {
			stack[0] = api.EncodeU32(f.state(m).outLen)
		})
	}

	_, err := b.Instantiate(ctx)
	return err
}

func region(ptr, n uint64) wasmjq.Region {
	return wasmjq.Region{Ptr: api.DecodeU32(ptr), Len: api.DecodeU32(n)}
}

var _ engine.HostModule = (*Fixture)(nil).Install
