package ept

import (
	"sync"
	"sync/atomic"

	"github.com/haxcore/hax-core-go/internal/herr"
	"github.com/haxcore/hax-core-go/internal/memory"
)

const entriesPerTable = 512

// Level identifies one of the four walk levels, outermost first:
// PML4/PDPT/PD/PT, with PT always the leaf (only 4 KiB pages are
// supported; large-page leaves are not implemented).
type Level int

const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT
	numLevels
)

// table is one 4 KiB EPT page: 512 entries, each either a pointer to
// the next-level table (non-leaf) or, at LevelPT, a leaf mapping.
type table struct {
	entries [entriesPerTable]atomicEntry
}

// Resolver is the GpaSpace collaborator that turns a GFN into a host
// PFN and its slot flags — normally *memory.GpaSpace itself.
type Resolver interface {
	GetPFN(gfn uint64) (memory.PFN, memory.SlotFlags, error)
}

// Tree is the four-level EPT equivalent.
// It owns no real physical page-table memory (see package doc); it
// models the lazily-built non-leaf hierarchy, the hot-page KVA cache,
// and the sticky invalidation flag the INVEPT broadcaster consumes.
type Tree struct {
	resolver Resolver

	pool   []*table // pool[0] is always the PML4 root
	poolMu sync.Mutex

	// freqPages caches, at index 2+pdi, the leaf page tables (PT) under
	// PML4[0]/PDPT[0] for the first freqPageCount-2 PD entries (slot 0
	// holds the PML4 itself; slot 1 is unused), avoiding a re-walk of
	// the hierarchy for the common case of a small, low guest-physical
	// address range.
	freqPages []*table

	invPending atomic.Bool
}

// freqPageCount mirrors HAX_EPT_FREQ_PAGE_COUNT: the PML4 and the page
// tables of a fixed number of low-address PD entries are kept
// permanently resident in the cache rather than looked up through the
// pool each time.
const freqPageCount = 32

// NewTree allocates an empty tree (PML4 only) resolving leaf PFNs
// through resolver.
func NewTree(resolver Resolver) *Tree {
	t := &Tree{resolver: resolver}
	root := t.newTable()
	t.freqPages = make([]*table, freqPageCount)
	t.freqPages[0] = root // PML4
	return t
}

// newTable allocates a fresh zeroed table and returns its pool index,
// pushing it onto the shared pool under a lock (table allocation is
// rare — one per 2 MiB/1 GiB/512 GiB region the guest touches for the
// first time — so a plain mutex, not a lock-free structure, is
// appropriate here; the hot path is leaf installation, not table
// creation).
func (t *Tree) newTable() *table {
	tb := &table{}
	t.poolMu.Lock()
	t.pool = append(t.pool, tb)
	t.poolMu.Unlock()
	return tb
}

func (t *Tree) tableByPFN(pfn uint64) *table {
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	return t.pool[pfn]
}

func (t *Tree) poolIndexOf(tb *table) uint64 {
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	for i, p := range t.pool {
		if p == tb {
			return uint64(i)
		}
	}
	panic("ept: table not in pool")
}

func indices(gfn uint64) (pml4i, pdpti, pdi, pti int) {
	pml4i = int((gfn >> 27) & 0x1FF)
	pdpti = int((gfn >> 18) & 0x1FF)
	pdi = int((gfn >> 9) & 0x1FF)
	pti = int(gfn & 0x1FF)
	return
}

// descend walks from the PML4 to the PT covering gfn, allocating any
// missing non-leaf table along the way when create is true. Each
// non-leaf slot is published via the same zero/sentinel/ready CAS
// protocol chunk allocation uses: a thread that loses the race
// to allocate a table discards its work and follows the winner's
// pointer instead of leaking a duplicate.
func (t *Tree) descend(gfn uint64, create bool) (pt *table, pti int, ok bool) {
	pml4i, pdpti, pdi, leafIdx := indices(gfn)

	// Fast path: the low guest-physical range's page table is kept in
	// freqPages, avoiding three table lookups for the common case.
	// Non-leaf tables are never replaced once published, so a cached
	// pointer is always valid once present.
	if pml4i == 0 && pdpti == 0 && pdi < freqPageCount-2 {
		if pd := t.freqPages[2+pdi]; pd != nil {
			return pd, leafIdx, true
		}
	}

	cur := t.pool[0]
	for i, idx := range []int{pml4i, pdpti, pdi} {
		child, ok := t.step(cur, idx, create)
		if !ok {
			return nil, 0, false
		}
		cur = child
		if create && pml4i == 0 && pdpti == 0 && i == 2 && pdi < freqPageCount-2 {
			t.freqPages[2+pdi] = cur
		}
	}
	return cur, leafIdx, true
}

// step resolves entries[idx] of cur to its child table, allocating one
// if absent and create is true.
func (t *Tree) step(cur *table, idx int, create bool) (*table, bool) {
	cell := &cur.entries[idx]
	for {
		e := cell.load()
		switch {
		case e.Present():
			return t.tableByPFN(e.PFN()), true
		case e.isSentinel():
			if !create {
				return nil, false
			}
			continue // spin: another thread is publishing this table
		case !create:
			return nil, false
		default:
			// Claim the slot with the sentinel, allocate, then publish.
			if !cell.casFrom(0, invalidEPTESentinel) {
				continue // lost the race; retry and observe the winner
			}
			child := t.newTable()
			cell.store(NewNonLeafEntry(t.poolIndexOf(child)))
			return child, true
		}
	}
}

// CreateEntry installs (or overwrites) the leaf mapping for gfn,
// resolving its PFN through the Resolver. Returns herr.ErrFault if the
// GFN is MMIO/unmapped — callers resolve that case through the MMIO
// path instead.
func (t *Tree) CreateEntry(gfn uint64, perm int) error {
	pfn, flags, err := t.resolver.GetPFN(gfn)
	if err != nil {
		return err
	}
	if pfn == memory.InvalidPFN {
		return herr.ErrFault
	}
	if flags&memory.SlotReadOnly != 0 {
		perm &^= PermWrite
	}
	pt, idx, ok := t.descend(gfn, true)
	if !ok {
		return herr.ErrNoMem
	}
	pt.entries[idx].store(NewLeafEntry(uint64(pfn), perm, MemTypeWriteBack))
	return nil
}

// CreateEntries installs leaf mappings for [baseGFN, baseGFN+npages).
func (t *Tree) CreateEntries(baseGFN, npages uint64, perm int) error {
	for i := uint64(0); i < npages; i++ {
		if err := t.CreateEntry(baseGFN+i, perm); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the leaf entry mapping gfn, if any is installed.
func (t *Tree) Lookup(gfn uint64) (Entry, bool) {
	pt, idx, ok := t.descend(gfn, false)
	if !ok {
		return 0, false
	}
	e := pt.entries[idx].load()
	if !e.Present() {
		return 0, false
	}
	return e, true
}

// InvalidateEntries clears leaf entries over [baseGFN, baseGFN+npages)
// and, when at least one of them was present, sets the sticky
// invept_pending flag so the next broadcast knows a flush is owed.
// This method only ever sets the flag; TakePending is what clears it,
// so concurrent invalidations never lose each other's signal.
func (t *Tree) InvalidateEntries(baseGFN, npages uint64) {
	var cleared uint64
	for i := uint64(0); i < npages; i++ {
		gfn := baseGFN + i
		pt, idx, ok := t.descend(gfn, false)
		if !ok {
			continue
		}
		if pt.entries[idx].load().Present() {
			cleared++
		}
		pt.entries[idx].store(0)
	}
	if cleared > 0 {
		t.invPending.Store(true)
	}
}

// Invalidate implements memory.Invalidator, wiring GpaSpace's listener
// directly to InvalidateEntries.
func (t *Tree) Invalidate(baseGFN, npages uint64) { t.InvalidateEntries(baseGFN, npages) }

// TakePending atomically swaps invept_pending back to false and
// returns its previous value, used by the INVEPT broadcaster so
// exactly one broadcast round observes each pending signal.
func (t *Tree) TakePending() bool { return t.invPending.Swap(false) }

// Walk visits every present leaf entry in GFN order, calling fn with
// the GFN and the entry. Used by tests and by diagnostics; not on any
// hot path.
func (t *Tree) Walk(fn func(gfn uint64, e Entry)) {
	var visit func(tb *table, level Level, prefix uint64)
	visit = func(tb *table, level Level, prefix uint64) {
		for i := 0; i < entriesPerTable; i++ {
			e := tb.entries[i].load()
			if !e.Present() {
				continue
			}
			gfnPart := prefix | uint64(i)<<shiftForLevel(level)
			if level == LevelPT {
				fn(gfnPart, e)
				continue
			}
			visit(t.tableByPFN(e.PFN()), level+1, gfnPart)
		}
	}
	visit(t.pool[0], LevelPML4, 0)
}

func shiftForLevel(l Level) uint {
	switch l {
	case LevelPML4:
		return 27
	case LevelPDPT:
		return 18
	case LevelPD:
		return 9
	default:
		return 0
	}
}
