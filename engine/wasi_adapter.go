package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasm-jq/errors"
)

const (
	wasiModule        = wasi_snapshot_preview1.ModuleName
	wasiThreadsModule = "wasi"
	threadSpawn       = "thread-spawn"
)

// installImports provides the system imports the compiled module asks for:
// WASI preview1, and a failing thread-spawn for toolchains that link
// wasi-threads even when the engine never starts a thread.
func installImports(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule) error {
	var needWASI, needThreads bool
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch {
		case module == wasiModule:
			needWASI = true
		case module == wasiThreadsModule && name == threadSpawn:
			needThreads = true
		}
	}

	if needWASI && r.Module(wasiModule) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			return errors.Load("instantiate WASI", err)
		}
	}

	if needThreads && r.Module(wasiThreadsModule) == nil {
		_, err := r.NewHostModuleBuilder(wasiThreadsModule).
			NewFunctionBuilder().
			WithFunc(func(_ context.Context, _ uint32) int32 { return -1 }).
			Export(threadSpawn).
			Instantiate(ctx)
		if err != nil {
			return errors.Load("instantiate thread-spawn stub", err)
		}
	}
	return nil
}
