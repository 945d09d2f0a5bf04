package enginetest

import (
	"sort"

	"github.com/tetratelabs/wazero/api"
)

const (
	heapBase  = 1024
	heapAlign = 8
	pageSize  = 65536
)

type block struct {
	ptr     uint32
	size    uint32
	scratch bool // allocated through the alloc export
}

// heap is a first-fit allocator over guest linear memory. Blocks are kept
// sorted by address; memory grows when no gap fits.
type heap struct {
	blocks []block
}

func alignUp(n uint32) uint32 {
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// alloc returns 0 when memory cannot grow.
func (h *heap) alloc(mem api.Memory, size uint32, scratch bool) uint32 {
	if size == 0 {
		size = 1
	}
	if size > 1<<31 {
		return 0
	}
	size = alignUp(size)

	prevEnd := uint32(heapBase)
	idx := len(h.blocks)
	for i, b := range h.blocks {
		if b.ptr-prevEnd >= size {
			idx = i
			break
		}
		prevEnd = b.ptr + b.size
	}

	end := uint64(prevEnd) + uint64(size)
	if end > uint64(mem.Size()) {
		pages := (end - uint64(mem.Size()) + pageSize - 1) / pageSize
		if _, ok := mem.Grow(uint32(pages)); !ok {
			return 0
		}
	}

	h.blocks = append(h.blocks, block{})
	copy(h.blocks[idx+1:], h.blocks[idx:])
	h.blocks[idx] = block{ptr: prevEnd, size: size, scratch: scratch}
	return prevEnd
}

// free removes the block starting at ptr.
func (h *heap) free(ptr uint32) (block, bool) {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].ptr >= ptr })
	if i == len(h.blocks) || h.blocks[i].ptr != ptr {
		return block{}, false
	}
	b := h.blocks[i]
	h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
	return b, true
}

func (h *heap) live(scratch bool) int {
	n := 0
	for _, b := range h.blocks {
		if b.scratch == scratch {
			n++
		}
	}
	return n
}
