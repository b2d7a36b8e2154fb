package ept

import "sync"

// Broadcaster models the cross-vcpu INVEPT broadcast: on the /dev/kvm
// substrate the actual TLB shoot-down across physical cores is performed by the
// kernel itself inside KVM_SET_USER_MEMORY_REGION and KVM_RUN — there
// is no cross-core IPI for this process to send. What survives 1:1 is
// the bookkeeping contract: invept_pending is set by any invalidation
// and must be observed, exactly once, by every vcpu before it next
// enters guest mode with a stale mapping. Broadcaster reproduces that
// contract so the rest of the engine (and its tests) can reason about
// it without reference to whichever substrate backs the actual flush.
type Broadcaster struct {
	tree *Tree

	mu        sync.Mutex
	observers map[int]struct{} // registered vcpu ids
	acked     map[int]bool     // which observers have acked the current pending round
}

// NewBroadcaster wires a Broadcaster to tree.
func NewBroadcaster(tree *Tree) *Broadcaster {
	return &Broadcaster{tree: tree, observers: make(map[int]struct{}), acked: make(map[int]bool)}
}

// Register adds a vcpu id as a broadcast observer — called once at
// vcpu creation. A newly registered vcpu starts with nothing to flush.
func (b *Broadcaster) Register(vcpuID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[vcpuID] = struct{}{}
	b.acked[vcpuID] = true
}

// Unregister removes a vcpu id, e.g. on vcpu destruction.
func (b *Broadcaster) Unregister(vcpuID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, vcpuID)
	delete(b.acked, vcpuID)
}

// NeedsFlush reports whether vcpuID must perform a local flush before
// its next guest entry: the tree has a pending invalidation that this
// vcpu has not yet acknowledged. Calling this also starts a new round
// (clearing every observer's ack) the first time it observes a fresh
// invept_pending signal.
func (b *Broadcaster) NeedsFlush(vcpuID int) bool {
	if b.tree.TakePending() {
		b.mu.Lock()
		for id := range b.observers {
			b.acked[id] = false
		}
		b.mu.Unlock()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.acked[vcpuID]
}

// Ack records that vcpuID has performed its local flush for the
// current round. Each vcpu's NeedsFlush stays true until its own Ack,
// independent of the other observers.
func (b *Broadcaster) Ack(vcpuID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[vcpuID] = true
}
