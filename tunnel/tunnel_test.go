//go:build linux && amd64

package tunnel_test

import (
	"encoding/binary"
	"testing"

	"github.com/haxcore/hax-core-go/tunnel"
)

func TestIODecodesDirectionSizePortCount(t *testing.T) {
	raw := make([]byte, 512)
	dataOffset := 32 // RequestInterruptWindow+pad(8) + ExitReason(4) + Ready/If/pad(4) + CR8(8) + ApicBase(8)
	// direction=OUT(1), size=4, port=0x3F8, count=1
	packed := uint64(1) | uint64(4)<<8 | uint64(0x3F8)<<16 | uint64(1)<<32
	binary.LittleEndian.PutUint64(raw[dataOffset:], packed)
	binary.LittleEndian.PutUint64(raw[dataOffset+8:], uint64(64)) // offset of io buffer within page
	raw[64] = 0x42

	p := tunnel.NewPage(raw)
	io := p.IO()
	if io.Direction != tunnel.IODirOut {
		t.Fatalf("Direction = %v, want IODirOut", io.Direction)
	}
	if io.Size != 4 {
		t.Fatalf("Size = %d, want 4", io.Size)
	}
	if io.Port != 0x3F8 {
		t.Fatalf("Port = %#x, want 0x3F8", io.Port)
	}
	if io.Count != 1 {
		t.Fatalf("Count = %d, want 1", io.Count)
	}
	if len(io.Data) != 4 || io.Data[0] != 0x42 {
		t.Fatalf("Data = %v, want first byte 0x42", io.Data)
	}
}

func TestCommonDecodesExitReasonAndFlags(t *testing.T) {
	raw := make([]byte, 512)
	raw[0] = 1 // RequestInterruptWindow
	binary.LittleEndian.PutUint32(raw[8:], 5) // ExitReason = HLT(5)
	raw[12] = 1                               // ReadyForInterruptInjection

	p := tunnel.NewPage(raw)
	e := p.Common()
	if e.Reason != 5 {
		t.Fatalf("Reason = %d, want 5", e.Reason)
	}
	if !e.ReadyForInterruptInjection {
		t.Fatalf("ReadyForInterruptInjection = false, want true")
	}
	if !e.RequestInterruptWindow {
		t.Fatalf("RequestInterruptWindow = false, want true")
	}
}
