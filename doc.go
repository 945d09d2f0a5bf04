// Package wasmjq runs a pre-compiled, reactor-mode jq engine inside a wazero
// sandbox and shares a bounded set of initialized instances between goroutines.
//
// # Architecture Overview
//
//	wasmjq/        Flags, Status, Region and the Memory/Allocator interfaces
//	├── engine/    wazero runtime, compiled module, one Handle per instance
//	├── reactor/   request builder and the single process cycle (Run)
//	├── pool/      bounded lending pool with borrow/return/discard
//	├── errors/    structured error taxonomy
//	├── config/    YAML configuration
//	├── enginetest/ reference engine used by tests
//	└── cmd/wasmjq CLI
//
// # Quick Start
//
//	eng, err := engine.New(ctx, jqWasm, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	p, err := pool.NewFromEngine(eng, 4)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close(ctx)
//
//	out, err := p.Run(ctx, pool.Request{
//	    Input:  []byte(`{"foo":"bar"}`),
//	    Filter: ".foo",
//	    Flags:  wasmjq.FlagCompact,
//	})
//	fmt.Print(string(out)) // "bar"
//
// # Engine ABI
//
// The module must export memory and:
//
//	alloc(size i32) -> ptr i32
//	dealloc(ptr i32, size i32)
//	process(in i32, in_len i32, filter i32, filter_len i32, flags i32) -> status i32
//	get_output_ptr() -> i32
//	get_output_len() -> i32
//
// A seven-parameter process(in, in_len, filter, filter_len, out, out_max, flags)
// selects the bounded-output variant; get_output_* are not needed there.
//
// # Thread Safety
//
// Engine and Pool are safe for concurrent use. Handle and Reactor are NOT;
// the pool hands each Reactor to exactly one caller at a time.
//
// # Memory
//
// WASM linear memory only grows. Instances that hit a failure mid-evaluation
// should be discarded rather than returned, which also reclaims their memory.
package wasmjq
