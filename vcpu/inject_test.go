//go:build linux && amd64

package vcpu_test

import (
	"testing"

	"github.com/haxcore/hax-core-go/vcpu"
)

func TestPendingIntrsTakesLowestVectorFirst(t *testing.T) {
	var p vcpu.PendingIntrs
	p.Raise(200)
	p.Raise(32)
	p.Raise(64)

	if !p.Pending() {
		t.Fatalf("Pending() = false, want true")
	}
	v, ok := p.Take()
	if !ok || v != 32 {
		t.Fatalf("Take() = %d,%v want 32,true", v, ok)
	}
	v, ok = p.Take()
	if !ok || v != 64 {
		t.Fatalf("Take() = %d,%v want 64,true", v, ok)
	}
	v, ok = p.Take()
	if !ok || v != 200 {
		t.Fatalf("Take() = %d,%v want 200,true", v, ok)
	}
	if p.Pending() {
		t.Fatalf("Pending() = true after draining all vectors")
	}
}

func TestRaiseIsIdempotentPerVector(t *testing.T) {
	var p vcpu.PendingIntrs
	p.Raise(5)
	p.Raise(5)
	if _, ok := p.Take(); !ok {
		t.Fatalf("Take() after double Raise = false, want true")
	}
	if p.Pending() {
		t.Fatalf("Pending() = true, want false after single Take following double Raise")
	}
}

func TestNextVectorPrefersReinjectionOverPending(t *testing.T) {
	var s vcpu.InjectionState
	s.Pending.Raise(10)
	s.RequestReinjection(3, 0)

	v, _, _, ok := s.NextVector(true)
	if !ok || v != 3 {
		t.Fatalf("NextVector() = %d,%v want 3,true (reinjection should win)", v, ok)
	}

	v, _, _, ok = s.NextVector(true)
	if !ok || v != 10 {
		t.Fatalf("NextVector() = %d,%v want 10,true", v, ok)
	}
}

func TestNextVectorBlockedWithoutInterruptFlag(t *testing.T) {
	var s vcpu.InjectionState
	s.Pending.Raise(10)

	if _, _, _, ok := s.NextVector(false); ok {
		t.Fatalf("NextVector(false) returned a vector while EFLAGS.IF is clear")
	}
}
