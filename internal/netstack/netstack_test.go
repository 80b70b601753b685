package netstack

import (
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
)

func TestAddrPortIPv4(t *testing.T) {
	addr := tcpip.AddrFromSlice([]byte{10, 8, 0, 2})
	ap := addrPort(addr, 443)
	want := netip.MustParseAddrPort("10.8.0.2:443")
	if ap != want {
		t.Fatalf("addrPort mismatch: got %v want %v", ap, want)
	}
}

func TestNewAndCloseStack(t *testing.T) {
	s, err := New(Options{
		MTU:      1400,
		IPv4Addr: netip.MustParseAddr("10.8.0.2"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	// A malformed (zero-length) frame must be rejected without touching
	// gVisor internals.
	if err := s.Input(nil); err == nil {
		t.Fatalf("expected error for empty input frame")
	}
}
