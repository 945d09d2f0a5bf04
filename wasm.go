package wasmjq

import "context"

// Memory represents the engine instance's linear memory as seen from the host.
// Reads return copies; the guest may overwrite its memory on the next call.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	Size() uint32
}

// Allocator allocates scratch regions inside the engine's address space.
// Every successful Alloc must be paired with exactly one Free.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr, size uint32) error
}

// Region is a host-allocated span of engine memory.
type Region struct {
	Ptr uint32
	Len uint32
}

// IsZero reports whether the region was never allocated.
func (r Region) IsZero() bool {
	return r.Ptr == 0 && r.Len == 0
}
