// Package engine loads a reactor-mode jq module into wazero and drives the
// marshalling protocol of a single instance.
//
// # Architecture
//
//	Engine - wazero runtime plus the compiled module; creates instances
//	Handle - one initialized instance and its bound entry points
//
// An Engine is created once per module and is safe for concurrent use.
// Each Handle owns its own linear memory, input parser and output buffer
// inside the guest, and must be driven by one goroutine at a time.
//
// # Instantiation Flow
//
//  1. New compiles the module, checks required exports and detects the protocol
//  2. New installs WASI preview1 (when imported) and the configured host modules
//  3. Engine.Instantiate runs _initialize and binds the entry points
//  4. Handle.Alloc/Write/Process/Output/Free perform one request
//
// # Protocols
//
// The growable protocol is preferred: process writes into an engine-owned
// buffer that doubles as needed and is reused across calls.
//
//	process(in, in_len, filter, filter_len, flags) -> status
//	get_output_ptr() -> ptr
//	get_output_len() -> len
//
// The bounded protocol writes into a region the Handle allocates. On status
// -2 the Handle doubles the region and retries, up to Config.MaxOutputBytes.
//
//	process(in, in_len, filter, filter_len, out, out_max, flags) -> status
//
// # Diagnostics
//
// Guest stdout and stderr are captured per Handle into a capped buffer so a
// compile error can carry the engine's own message.
package engine
