//go:build linux && amd64

package kvmroot_test

import (
	"os"
	"testing"

	"github.com/haxcore/hax-core-go/internal/kvmroot"
)

func requireDevKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
}

func TestSharedNestsAndUnwinds(t *testing.T) {
	requireDevKVM(t)

	r1, err := kvmroot.Shared()
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	r2, err := kvmroot.Shared()
	if err != nil {
		t.Fatalf("Shared (nested): %v", err)
	}
	if r1 != r2 {
		t.Fatalf("nested Shared returned a different handle")
	}
	if r1.FD() < 0 {
		t.Fatalf("FD() returned negative descriptor")
	}

	if err := r2.Leave(); err != nil {
		t.Fatalf("Leave (nested): %v", err)
	}
	if err := r1.Leave(); err != nil {
		t.Fatalf("Leave (final): %v", err)
	}
}

func TestVersionIsRatified(t *testing.T) {
	requireDevKVM(t)

	r, err := kvmroot.Shared()
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	defer r.Leave()

	if r.Version() != 12 {
		t.Fatalf("Version() = %d, want 12", r.Version())
	}
}
