package memory

import (
	"log"
	"sync/atomic"
)

// HaxChunkSize is the fixed 2 MiB lazy-pinning granularity.
const HaxChunkSize = 2 * 1024 * 1024

// Chunk is a pinned host-memory descriptor for one 2 MiB UVA window.
type Chunk struct {
	BaseUVA uintptr
	Len     uint64
	handle  PinHandle
}

// GetPFN resolves the frame for a byte offset within this chunk.
func (c *Chunk) GetPFN(offset uint64) (PFN, error) {
	return c.handle.PFN(offset)
}

// MapKVA returns a KVA alias of length bytes at offset within this
// chunk, used by GpaSpace.ReadData/WriteData and MapPage.
func (c *Chunk) MapKVA(offset uint64, length uint64) ([]byte, error) {
	return c.handle.KVA(offset, length)
}

func (c *Chunk) release() {
	if c.handle != nil {
		c.handle.Unpin()
	}
}

// chunk slot states, atomically transitioned — the CAS-sentinel the
// spin-wait below coordinates on. 0=absent (bit clear), 1=allocating
// (bit set, no chunk yet), 2=ready (bit set, chunk published).
const (
	slotAbsent = iota
	slotAllocating
	slotReady
)

// maxSpinIterations bounds how long a waiter spins for a concurrent
// allocator before giving up — a livelock guard, not a user-visible
// deadline.
const maxSpinIterations = 100_000_000

// chunkSlot is the per-chunk coordination cell backing
// RamBlock.GetChunk's lazy-pin contract: exactly one successful
// allocation per chunk; concurrent callers either observe the same
// chunk or, if the winning allocation failed, observe the failure and
// may retry (the bit is cleared on failure, so this is a CAS state
// machine rather than a sync.Once — a Once would wedge all future
// callers behind the first, possibly-transient, failure).
type chunkSlot struct {
	state atomic.Int32
	chunk atomic.Pointer[Chunk]
}

// getOrAlloc resolves the chunk, allocating it if absent. alloc is
// called at most once per winning transition.
func (s *chunkSlot) getOrAlloc(alloc func() (*Chunk, error)) (*Chunk, error) {
	if s.state.CompareAndSwap(slotAbsent, slotAllocating) {
		c, err := alloc()
		if err != nil {
			s.state.Store(slotAbsent) // clear the bit: allocation failed
			return nil, err
		}
		s.chunk.Store(c)
		s.state.Store(slotReady)
		return c, nil
	}

	for i := 0; i < maxSpinIterations; i++ {
		switch s.state.Load() {
		case slotReady:
			return s.chunk.Load(), nil
		case slotAbsent:
			// The allocator that held the bit failed; the caller may
			// retry itself via another getOrAlloc call, but a waiter
			// that observed the bit clear mid-wait reports the failure
			// rather than silently racing to become the next allocator.
			return nil, errNoMem
		}
		if i > 0 && i%10_000_000 == 0 {
			log.Printf("memory: chunk pin wait: %d spins", i)
		}
	}
	panic("memory: chunk pin spin-wait exceeded maximum iterations (livelock)")
}

// peek returns the chunk if already resident, without allocating.
func (s *chunkSlot) peek() *Chunk {
	if s.state.Load() == slotReady {
		return s.chunk.Load()
	}
	return nil
}

// clear drops the chunk reference (used by RamBlock.Deref on
// zero-drop of a normal, non-standalone block: chunks are freed but
// the slot array stays intact for re-pinning).
func (s *chunkSlot) clear() *Chunk {
	c := s.chunk.Load()
	s.state.Store(slotAbsent)
	s.chunk.Store(nil)
	return c
}
