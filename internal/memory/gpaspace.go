package memory

import "sync"

// ProtectAll clears page protection when passed to ProtectRange.
const ProtectAll uint32 = ^uint32(0)

const pageSize = 4096

// GpaSpace is the guest-physical address space facade over the
// RamBlock list and MemSlot list.
type GpaSpace struct {
	Blocks RamBlockList
	Slots  List

	protMu    sync.Mutex
	protected map[uint64]bool // GFN -> protected (true means no-access)

	invalidator Invalidator
}

// Invalidator is the EPT-engine collaborator notified whenever a GFN
// range's mapping changes — a single invalidate-on-any-change call,
// collapsing List's added/removed/changed taxonomy to the one
// operation the EPT engine actually needs.
type Invalidator interface {
	Invalidate(baseGFN, npages uint64)
}

// NewGpaSpace wires the memslot listener to the given invalidator
// (normally the EPT tree) and returns a ready-to-use space.
func NewGpaSpace(inv Invalidator) *GpaSpace {
	s := &GpaSpace{protected: make(map[uint64]bool), invalidator: inv}
	s.Slots.AddListener(invalidatorListener{inv})
	return s
}

// SetInvalidator replaces the collaborator ProtectRange notifies. It
// exists for callers that must build the GpaSpace before the EPT tree
// it protects exists (the tree's own constructor takes a GpaSpace),
// rather than forcing a nil invalidator for the space's whole life.
func (s *GpaSpace) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

type invalidatorListener struct{ inv Invalidator }

func (l invalidatorListener) OnMappingChanged(_ ChangeKind, baseGFN, npages uint64) {
	if l.inv != nil {
		l.inv.Invalidate(baseGFN, npages)
	}
}

func gfnOf(gpa uint64) uint64    { return gpa >> 12 }
func offsetInPage(gpa uint64) uint64 { return gpa & (pageSize - 1) }

// resolve finds the slot, chunk, and within-chunk offset backing gpa,
// allocating the chunk if alloc is true.
func (s *GpaSpace) resolve(gpa uint64, alloc bool) (*MemSlot, *Chunk, uint64, error) {
	gfn := gfnOf(gpa)
	slot := s.Slots.Find(gfn)
	if slot == nil || slot.Flags.isMMIO() {
		return nil, nil, 0, errMMIO
	}
	blockOff := slot.BlockOffset + (gfn-slot.BaseGFN)<<12
	chunk, err := slot.Block.GetChunk(blockOff, alloc)
	if err != nil {
		return nil, nil, 0, err
	}
	if chunk == nil {
		return slot, nil, 0, nil
	}
	chunkBase := (blockOff / HaxChunkSize) * HaxChunkSize
	return slot, chunk, blockOff - chunkBase, nil
}

// ReadData walks [startGPA, startGPA+len) one page at a time, copying
// into dst. Returns the number of bytes actually copied (short reads
// on MMIO boundary) and an error if the very first byte is unreadable.
func (s *GpaSpace) ReadData(startGPA uint64, length uint64, dst []byte) (uint64, error) {
	return s.copyData(startGPA, length, dst, false)
}

// WriteData is ReadData's write-direction counterpart; writes to a
// read-only slot fail with EACCES.
func (s *GpaSpace) WriteData(startGPA uint64, length uint64, src []byte) (uint64, error) {
	return s.copyData(startGPA, length, src, true)
}

func (s *GpaSpace) copyData(startGPA, length uint64, buf []byte, write bool) (uint64, error) {
	var done uint64
	for done < length {
		gpa := startGPA + done
		slot := s.Slots.Find(gfnOf(gpa))
		if slot == nil || slot.Flags.isMMIO() {
			if done == 0 {
				return 0, errMMIO
			}
			return done, nil
		}
		if write && slot.Flags&SlotReadOnly != 0 {
			if done == 0 {
				return 0, errReadOnly
			}
			return done, nil
		}
		pageOff := offsetInPage(gpa)
		chunkLen := pageSize - pageOff
		remaining := length - done
		if chunkLen > remaining {
			chunkLen = remaining
		}
		_, chunk, inChunkOff, err := s.resolve(gpa, true)
		if err != nil {
			if done == 0 {
				return 0, err
			}
			return done, nil
		}
		kva, err := chunk.MapKVA(inChunkOff, chunkLen)
		if err != nil {
			if done == 0 {
				return 0, err
			}
			return done, nil
		}
		if write {
			copy(kva, buf[done:done+chunkLen])
		} else {
			copy(buf[done:done+chunkLen], kva)
		}
		done += chunkLen
	}
	return done, nil
}

// MapPage returns a KVA alias of the single page containing gfn, and
// whether the slot is writable.
func (s *GpaSpace) MapPage(gfn uint64) (kva []byte, writable bool, err error) {
	slot, chunk, off, err := s.resolve(gfn<<12, true)
	if err != nil {
		return nil, false, err
	}
	if chunk == nil {
		return nil, false, errNoMem
	}
	kva, err = chunk.MapKVA(off, pageSize)
	if err != nil {
		return nil, false, err
	}
	return kva, slot.Flags&SlotReadOnly == 0, nil
}

// GetPFN resolves gfn to a host PFN, or InvalidPFN for MMIO.
func (s *GpaSpace) GetPFN(gfn uint64) (PFN, SlotFlags, error) {
	slot := s.Slots.Find(gfn)
	if slot == nil || slot.Flags.isMMIO() {
		return InvalidPFN, 0, nil
	}
	_, chunk, off, err := s.resolve(gfn<<12, true)
	if err != nil {
		return InvalidPFN, 0, err
	}
	pfn, err := chunk.GetPFN(off)
	if err != nil {
		return InvalidPFN, 0, err
	}
	return pfn, slot.Flags, nil
}

// ProtectRange sets or clears the page-protection bitmap over
// [startGPA, startGPA+len). flags==0 means protected/no-access;
// flags==ProtectAll clears protection. Setting protection also
// invalidates the corresponding range so the next access faults.
func (s *GpaSpace) ProtectRange(startGPA uint64, length uint64, flags uint32) {
	startGFN := gfnOf(startGPA)
	npages := (length + pageSize - 1) / pageSize

	s.protMu.Lock()
	for i := uint64(0); i < npages; i++ {
		gfn := startGFN + i
		if flags == ProtectAll {
			delete(s.protected, gfn)
		} else {
			s.protected[gfn] = true
		}
	}
	s.protMu.Unlock()

	if s.invalidator != nil {
		s.invalidator.Invalidate(startGFN, npages)
	}
}

// IsChunkProtected scans the entire 2 MiB chunk containing gfn,
// returning the first protected GFN found within it. The pinning
// granularity is a chunk, not a page, so this coarse check — rather
// than a single-page lookup — matches what the underlying pinning
// actually tracks.
func (s *GpaSpace) IsChunkProtected(gfn uint64) (faultGFN uint64, protected bool) {
	gfnsPerChunk := uint64(HaxChunkSize >> 12)
	chunkBaseGFN := (gfn / gfnsPerChunk) * gfnsPerChunk

	s.protMu.Lock()
	defer s.protMu.Unlock()
	for g := chunkBaseGFN; g < chunkBaseGFN+gfnsPerChunk; g++ {
		if s.protected[g] {
			return g, true
		}
	}
	return 0, false
}
