package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-jq/errors"
)

const (
	// DefaultInitialOutputBytes is the first output region size for the bounded protocol.
	DefaultInitialOutputBytes uint32 = 64 << 10
	// DefaultMaxOutputBytes caps output region doubling for the bounded protocol.
	DefaultMaxOutputBytes uint32 = 64 << 20
	// DefaultDiagnosticsLimit caps captured guest stdout/stderr per handle.
	DefaultDiagnosticsLimit = 4 << 10
)

// Protocol identifies how process returns its output.
type Protocol int

const (
	// ProtocolGrowable: process writes into an engine-owned buffer that is read
	// back through get_output_ptr/get_output_len.
	ProtocolGrowable Protocol = iota
	// ProtocolBounded: process writes into a host-allocated region and reports
	// overflow when it does not fit.
	ProtocolBounded
)

func (p Protocol) String() string {
	switch p {
	case ProtocolGrowable:
		return "growable"
	case ProtocolBounded:
		return "bounded"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Exports names the module's entry points. Empty fields use the defaults.
type Exports struct {
	Memory    string `yaml:"memory"`
	Alloc     string `yaml:"alloc"`
	Dealloc   string `yaml:"dealloc"`
	Process   string `yaml:"process"`
	OutputPtr string `yaml:"output_ptr"`
	OutputLen string `yaml:"output_len"`
}

// DefaultExports returns the standard entry point names.
func DefaultExports() Exports {
	return Exports{
		Memory:    "memory",
		Alloc:     "alloc",
		Dealloc:   "dealloc",
		Process:   "process",
		OutputPtr: "get_output_ptr",
		OutputLen: "get_output_len",
	}
}

func (e Exports) withDefaults() Exports {
	d := DefaultExports()
	if e.Memory == "" {
		e.Memory = d.Memory
	}
	if e.Alloc == "" {
		e.Alloc = d.Alloc
	}
	if e.Dealloc == "" {
		e.Dealloc = d.Dealloc
	}
	if e.Process == "" {
		e.Process = d.Process
	}
	if e.OutputPtr == "" {
		e.OutputPtr = d.OutputPtr
	}
	if e.OutputLen == "" {
		e.OutputLen = d.OutputLen
	}
	return e
}

// HostModule installs imports into the runtime before any instance is created.
type HostModule func(ctx context.Context, r wazero.Runtime) error

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// CloseOnContextDone aborts a running call when its context is cancelled.
	// The aborted instance is closed and must be discarded.
	CloseOnContextDone bool

	// Exports overrides entry point names.
	Exports Exports

	// HostModules are installed in order after WASI.
	HostModules []HostModule

	// InitialOutputBytes and MaxOutputBytes bound the output region of the
	// bounded protocol. Ignored for the growable protocol.
	InitialOutputBytes uint32
	MaxOutputBytes     uint32

	// DiagnosticsLimit caps captured guest output per handle.
	// 0 means DefaultDiagnosticsLimit, negative disables capture.
	DiagnosticsLimit int
}

func (c *Config) normalized() Config {
	var cfg Config
	if c != nil {
		cfg = *c
	}
	cfg.Exports = cfg.Exports.withDefaults()
	if cfg.InitialOutputBytes == 0 {
		cfg.InitialOutputBytes = DefaultInitialOutputBytes
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxOutputBytes < cfg.InitialOutputBytes {
		cfg.MaxOutputBytes = cfg.InitialOutputBytes
	}
	if cfg.DiagnosticsLimit == 0 {
		cfg.DiagnosticsLimit = DefaultDiagnosticsLimit
	}
	return cfg
}

// Engine holds a wazero runtime and one compiled jq module.
// Safe for concurrent use; each Instantiate returns an independent Handle.
type Engine struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	cfg       Config
	protocol  Protocol
	instances atomic.Int64
	closed    atomic.Bool
}

// New compiles wasm and prepares the runtime for instantiation.
// A nil cfg uses defaults.
func New(ctx context.Context, wasm []byte, cfg *Config) (*Engine, error) {
	c := cfg.normalized()

	runtimeCfg := wazero.NewRuntimeConfig()
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	if c.CloseOnContextDone {
		runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	e, err := load(ctx, runtime, wasm, c)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	return e, nil
}

func load(ctx context.Context, runtime wazero.Runtime, wasm []byte, c Config) (*Engine, error) {
	if len(wasm) == 0 {
		return nil, errors.Load("empty module", nil)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	protocol, err := checkExports(compiled, c.Exports)
	if err != nil {
		return nil, err
	}

	if err := installImports(ctx, runtime, compiled); err != nil {
		return nil, err
	}
	for i, install := range c.HostModules {
		if err := install(ctx, runtime); err != nil {
			return nil, errors.Load(fmt.Sprintf("install host module %d", i), err)
		}
	}

	Logger().Debug("module compiled",
		zap.Stringer("protocol", protocol),
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Uint32("memory_limit_pages", c.MemoryLimitPages))

	return &Engine{
		runtime:  runtime,
		compiled: compiled,
		cfg:      c,
		protocol: protocol,
	}, nil
}

// checkExports verifies every required entry point and detects the protocol
// from the arity of process.
func checkExports(compiled wazero.CompiledModule, names Exports) (Protocol, error) {
	funcs := compiled.ExportedFunctions()

	var missing []string
	if _, ok := compiled.ExportedMemories()[names.Memory]; !ok {
		missing = append(missing, names.Memory)
	}
	for _, name := range []string{names.Alloc, names.Dealloc, names.Process} {
		if _, ok := funcs[name]; !ok {
			missing = append(missing, name)
		}
	}

	protocol := ProtocolGrowable
	if def, ok := funcs[names.Process]; ok {
		switch len(def.ParamTypes()) {
		case 5:
		case 7:
			protocol = ProtocolBounded
		default:
			return 0, errors.Unsupported(errors.PhaseLoad,
				fmt.Sprintf("%s with %d params", names.Process, len(def.ParamTypes())))
		}
		if len(def.ResultTypes()) != 1 {
			return 0, errors.Unsupported(errors.PhaseLoad,
				fmt.Sprintf("%s with %d results", names.Process, len(def.ResultTypes())))
		}
	}

	if protocol == ProtocolGrowable {
		for _, name := range []string{names.OutputPtr, names.OutputLen} {
			if _, ok := funcs[name]; !ok {
				missing = append(missing, name)
			}
		}
	}

	if len(missing) > 0 {
		return 0, errors.NewMissingExportsError(missing)
	}

	if def := funcs[names.Alloc]; len(def.ParamTypes()) != 1 || len(def.ResultTypes()) != 1 {
		return 0, errors.Unsupported(errors.PhaseLoad, names.Alloc+" must be (i32) -> i32")
	}
	if def := funcs[names.Dealloc]; len(def.ParamTypes()) != 2 {
		return 0, errors.Unsupported(errors.PhaseLoad, names.Dealloc+" must take (ptr, size)")
	}

	return protocol, nil
}

// Protocol returns the output protocol detected at load time.
func (e *Engine) Protocol() Protocol {
	return e.protocol
}

// Instances returns the number of live handles created by this engine.
func (e *Engine) Instances() int64 {
	return e.instances.Load()
}

// Instantiate creates a new initialized engine instance.
func (e *Engine) Instantiate(ctx context.Context) (*Handle, error) {
	if e.closed.Load() {
		return nil, errors.Closed(errors.PhaseInstantiate, "engine")
	}

	h := &Handle{
		id:       newID(),
		engine:   e,
		exports:  e.cfg.Exports,
		protocol: e.protocol,
		diag:     newDiagnostics(e.cfg.DiagnosticsLimit),
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(h.diag).
		WithStderr(h.diag)

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	if err := h.bind(mod); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	e.instances.Add(1)
	Logger().Debug("instance created", zap.String("handle", h.id))
	return h, nil
}

// Close releases the runtime and every instance created from it.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.runtime.Close(ctx)
}

func lookup(mod api.Module, name string) (api.Function, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NewMissingExportsError([]string{name})
	}
	return fn, nil
}
