package engine

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/errors"
)

// Handle owns one initialized engine instance and its entry points.
//
// A Handle is NOT safe for concurrent use. Engine state such as the input
// parser and the output buffer lives inside the instance and is shared by
// every call, so exactly one goroutine may drive a Handle at a time.
type Handle struct {
	engine   *Engine
	mod      api.Module
	mem      *WazeroMemory
	diag     *diagnostics
	alloc    api.Function
	dealloc  api.Function
	process  api.Function
	outPtr   api.Function
	outLen   api.Function
	id       string
	exports  Exports
	out      wasmjq.Region // bounded protocol output region
	lastLen  uint32
	protocol Protocol
	closed   bool
}

func newID() string {
	return ulid.Make().String()
}

func (h *Handle) bind(mod api.Module) error {
	mem := mod.ExportedMemory(h.exports.Memory)
	if mem == nil {
		return errors.NewMissingExportsError([]string{h.exports.Memory})
	}
	h.mod = mod
	h.mem = &WazeroMemory{mem: mem}

	var err error
	if h.alloc, err = lookup(mod, h.exports.Alloc); err != nil {
		return err
	}
	if h.dealloc, err = lookup(mod, h.exports.Dealloc); err != nil {
		return err
	}
	if h.process, err = lookup(mod, h.exports.Process); err != nil {
		return err
	}
	if h.protocol == ProtocolGrowable {
		if h.outPtr, err = lookup(mod, h.exports.OutputPtr); err != nil {
			return err
		}
		if h.outLen, err = lookup(mod, h.exports.OutputLen); err != nil {
			return err
		}
	}
	return nil
}

// ID returns a unique identifier for this instance.
func (h *Handle) ID() string {
	return h.id
}

// Protocol returns the output protocol of the underlying module.
func (h *Handle) Protocol() Protocol {
	return h.protocol
}

// Memory returns the instance's linear memory.
func (h *Handle) Memory() wasmjq.Memory {
	return h.mem
}

// Alloc reserves size bytes inside the instance. A zero size returns a zero
// pointer without calling the guest.
func (h *Handle) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if h.closed {
		return 0, errors.Closed(errors.PhaseMarshal, "handle")
	}
	if size == 0 {
		return 0, nil
	}
	res, err := h.alloc.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, errors.Trap(errors.PhaseMarshal, h.exports.Alloc, err)
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size)
	}
	return ptr, nil
}

// Free releases a region returned by Alloc. A zero pointer is ignored.
func (h *Handle) Free(ctx context.Context, ptr, size uint32) error {
	if ptr == 0 {
		return nil
	}
	if h.closed {
		return errors.Closed(errors.PhaseMarshal, "handle")
	}
	if _, err := h.dealloc.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size)); err != nil {
		return errors.Trap(errors.PhaseMarshal, h.exports.Dealloc, err)
	}
	return nil
}

// Write copies data into instance memory at ptr.
func (h *Handle) Write(ptr uint32, data []byte) error {
	if h.closed {
		return errors.Closed(errors.PhaseMarshal, "handle")
	}
	return h.mem.Write(ptr, data)
}

// Read copies n bytes out of instance memory.
func (h *Handle) Read(ptr, n uint32) ([]byte, error) {
	if h.closed {
		return nil, errors.Closed(errors.PhaseRetrieve, "handle")
	}
	return h.mem.Read(ptr, n)
}

// Process compiles the filter and evaluates it against the input.
// Engine outcomes, including compile errors, are reported through the
// returned Status; the error is set only when the call itself failed.
func (h *Handle) Process(ctx context.Context, input, filter wasmjq.Region, flags wasmjq.Flags) (wasmjq.Status, error) {
	if h.closed {
		return 0, errors.Closed(errors.PhaseEvaluate, "handle")
	}
	h.lastLen = 0

	if h.protocol == ProtocolBounded {
		return h.processBounded(ctx, input, filter, flags)
	}

	res, err := h.process.Call(ctx,
		api.EncodeU32(input.Ptr), api.EncodeU32(input.Len),
		api.EncodeU32(filter.Ptr), api.EncodeU32(filter.Len),
		api.EncodeU32(uint32(flags)))
	if err != nil {
		return 0, errors.Trap(errors.PhaseEvaluate, h.exports.Process, err)
	}
	status := wasmjq.Status(api.DecodeI32(res[0]))
	if status.OK() {
		h.lastLen = uint32(status)
	}
	return status, nil
}

// processBounded retries with a doubled output region on overflow until
// the configured maximum is reached.
func (h *Handle) processBounded(ctx context.Context, input, filter wasmjq.Region, flags wasmjq.Flags) (wasmjq.Status, error) {
	limit := h.engine.cfg.MaxOutputBytes
	if h.out.IsZero() {
		if err := h.growOutput(ctx, h.engine.cfg.InitialOutputBytes); err != nil {
			return 0, err
		}
	}

	for {
		res, err := h.process.Call(ctx,
			api.EncodeU32(input.Ptr), api.EncodeU32(input.Len),
			api.EncodeU32(filter.Ptr), api.EncodeU32(filter.Len),
			api.EncodeU32(h.out.Ptr), api.EncodeU32(h.out.Len),
			api.EncodeU32(uint32(flags)))
		if err != nil {
			return 0, errors.Trap(errors.PhaseEvaluate, h.exports.Process, err)
		}
		status := wasmjq.Status(api.DecodeI32(res[0]))
		if status != wasmjq.StatusOutputOverflow || h.out.Len >= limit {
			if status.OK() {
				h.lastLen = uint32(status)
			}
			return status, nil
		}

		next := h.out.Len * 2
		if next > limit || next < h.out.Len {
			next = limit
		}
		Logger().Debug("growing output region",
			zap.String("handle", h.id),
			zap.Uint32("from", h.out.Len),
			zap.Uint32("to", next))
		if err := h.growOutput(ctx, next); err != nil {
			return 0, err
		}
	}
}

func (h *Handle) growOutput(ctx context.Context, size uint32) error {
	if err := h.Free(ctx, h.out.Ptr, h.out.Len); err != nil {
		return err
	}
	h.out = wasmjq.Region{}
	ptr, err := h.Alloc(ctx, size)
	if err != nil {
		return err
	}
	h.out = wasmjq.Region{Ptr: ptr, Len: size}
	return nil
}

// Output copies the result of the last successful Process into host memory.
// The engine reuses its buffer, so the copy must be taken before the next Process.
func (h *Handle) Output(ctx context.Context) ([]byte, error) {
	if h.closed {
		return nil, errors.Closed(errors.PhaseRetrieve, "handle")
	}

	if h.protocol == ProtocolBounded {
		if h.lastLen == 0 {
			return []byte{}, nil
		}
		return h.mem.Read(h.out.Ptr, h.lastLen)
	}

	ptrRes, err := h.outPtr.Call(ctx)
	if err != nil {
		return nil, errors.Trap(errors.PhaseRetrieve, h.exports.OutputPtr, err)
	}
	lenRes, err := h.outLen.Call(ctx)
	if err != nil {
		return nil, errors.Trap(errors.PhaseRetrieve, h.exports.OutputLen, err)
	}
	n := api.DecodeU32(lenRes[0])
	if n == 0 {
		return []byte{}, nil
	}
	return h.mem.Read(api.DecodeU32(ptrRes[0]), n)
}

// OutputLimit returns the largest output the instance can return, or 0 when
// the growable protocol imposes no host-side limit.
func (h *Handle) OutputLimit() uint32 {
	if h.protocol == ProtocolBounded {
		return h.engine.cfg.MaxOutputBytes
	}
	return 0
}

// Diagnostics returns guest output captured since the last reset.
func (h *Handle) Diagnostics() string {
	return h.diag.String()
}

// ResetDiagnostics clears captured guest output.
func (h *Handle) ResetDiagnostics() {
	h.diag.Reset()
}

// Close destroys the instance. It is safe to call more than once.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	if !h.out.IsZero() {
		if err := h.Free(ctx, h.out.Ptr, h.out.Len); err != nil {
			Logger().Warn("free output region", zap.String("handle", h.id), zap.Error(err))
		}
		h.out = wasmjq.Region{}
	}
	h.closed = true
	h.engine.instances.Add(-1)

	err := h.mod.Close(ctx)
	h.mod = nil
	h.mem = nil
	h.alloc, h.dealloc, h.process, h.outPtr, h.outLen = nil, nil, nil, nil, nil
	Logger().Debug("instance closed", zap.String("handle", h.id))
	return err
}

var _ wasmjq.Allocator = (*Handle)(nil)
