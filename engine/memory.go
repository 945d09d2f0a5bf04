package engine

import (
	"github.com/tetratelabs/wazero/api"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/errors"
)

// WazeroMemory wraps wazero memory to implement wasmjq.Memory
type WazeroMemory struct {
	mem api.Memory
}

// Read copies length bytes starting at offset.
func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseRetrieve, offset, length, m.mem.Size())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseMarshal, offset, uint32(len(data)), m.mem.Size())
	}
	return nil
}

// Size returns the current memory size in bytes.
func (m *WazeroMemory) Size() uint32 {
	return m.mem.Size()
}

var _ wasmjq.Memory = (*WazeroMemory)(nil)
