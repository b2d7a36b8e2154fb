package memory

import (
	"sync"
	"sync/atomic"
)

// RamBlock describes a contiguous UVA range decomposed into
// HaxChunkSize chunks, lazily pinned on first access.
type RamBlock struct {
	UVA        uintptr
	Size       uint64
	pinner     Pinner
	slots      []chunkSlot
	refCount   atomic.Int32
	IsStandalone bool

	mu sync.Mutex // guards nothing hot-path; serializes Ref/Deref bookkeeping
}

// NewRamBlock allocates the per-block chunk-slot array for a
// size-byte UVA range. size need not be chunk-aligned; the final
// chunk covers the remainder.
func NewRamBlock(uva uintptr, size uint64, pinner Pinner) *RamBlock {
	n := (size + HaxChunkSize - 1) / HaxChunkSize
	return &RamBlock{
		UVA:    uva,
		Size:   size,
		pinner: pinner,
		slots:  make([]chunkSlot, n),
	}
}

func (b *RamBlock) numChunks() int { return len(b.slots) }

// overlaps reports whether [uva, uva+size) intersects this block's
// UVA range — used by RamBlockList.Add to enforce the "any two
// blocks are UVA-disjoint" invariant.
func (b *RamBlock) overlaps(uva uintptr, size uint64) bool {
	aStart, aEnd := uint64(b.UVA), uint64(b.UVA)+b.Size
	bStart, bEnd := uint64(uva), uint64(uva)+size
	return aStart < bEnd && bStart < aEnd
}

// GetChunk resolves (and, if alloc is true, lazily pins) the chunk
// covering uvaOffset.
func (b *RamBlock) GetChunk(uvaOffset uint64, alloc bool) (*Chunk, error) {
	idx := uvaOffset / HaxChunkSize
	if int(idx) >= len(b.slots) {
		return nil, errOutOfRange
	}
	slot := &b.slots[idx]
	if !alloc {
		if c := slot.peek(); c != nil {
			return c, nil
		}
		return nil, nil
	}
	return slot.getOrAlloc(func() (*Chunk, error) {
		base := uint64(idx) * HaxChunkSize
		length := HaxChunkSize
		if base+uint64(length) > b.Size {
			length = int(b.Size - base)
		}
		handle, err := b.pinner.Pin(b.UVA+uintptr(base), uint64(length))
		if err != nil {
			return nil, errNoMem
		}
		return &Chunk{BaseUVA: b.UVA + uintptr(base), Len: uint64(length), handle: handle}, nil
	})
}

// ChunksBitmap reports, for each chunk index, whether it is currently
// pinned: bit i is set iff chunks[i] is non-nil at quiescence.
func (b *RamBlock) ChunksBitmap() []bool {
	out := make([]bool, len(b.slots))
	for i := range b.slots {
		out[i] = b.slots[i].peek() != nil
	}
	return out
}

// Ref increments the block's memslot reference count.
func (b *RamBlock) Ref() { b.refCount.Add(1) }

// Deref decrements the reference count. On zero-drop of a standalone
// block, the caller removes it with RamBlockList.Remove; on
// zero-drop of a normal block, all pinned chunks are freed but the
// block descriptor and slot array are kept intact for re-pinning.
func (b *RamBlock) Deref() (zero bool) {
	n := b.refCount.Add(-1)
	if n > 0 {
		return false
	}
	if !b.IsStandalone {
		b.mu.Lock()
		for i := range b.slots {
			if c := b.slots[i].clear(); c != nil {
				c.release()
			}
		}
		b.mu.Unlock()
	}
	return true
}

// RamBlockList is the ordered, UVA-disjoint collection of RamBlocks
// owned by a GpaSpace.
type RamBlockList struct {
	mu     sync.Mutex
	blocks []*RamBlock
}

// Add inserts a new block, rejecting any UVA overlap with an existing
// one.
func (l *RamBlockList) Add(uva uintptr, size uint64, pinner Pinner) (*RamBlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.blocks {
		if b.overlaps(uva, size) {
			return nil, errOverlap
		}
	}
	b := NewRamBlock(uva, size, pinner)
	l.blocks = append(l.blocks, b)
	return b, nil
}

// Remove deletes a block (used when a standalone block's refcount
// hits zero).
func (l *RamBlockList) Remove(b *RamBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.blocks {
		if x == b {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			return
		}
	}
}

// Find returns the block covering uva, if any.
func (l *RamBlockList) Find(uva uintptr) *RamBlock {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.blocks {
		if uint64(uva) >= uint64(b.UVA) && uint64(uva) < uint64(b.UVA)+b.Size {
			return b
		}
	}
	return nil
}

// Len reports the number of blocks currently tracked.
func (l *RamBlockList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}
